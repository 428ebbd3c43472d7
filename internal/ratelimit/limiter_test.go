package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenRefill(t *testing.T) {
	l := NewLimiter(3600, 3) // one token per second
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowAt("7", now), "request %d", i)
	}
	assert.False(t, l.AllowAt("7", now))

	assert.True(t, l.AllowAt("7", now.Add(time.Second)))
	assert.False(t, l.AllowAt("7", now.Add(time.Second)))
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(60, 1)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	assert.True(t, l.AllowAt("7", now))
	assert.False(t, l.AllowAt("7", now))
	assert.True(t, l.AllowAt("8", now))
	assert.Equal(t, 60, l.PerHour())
}
