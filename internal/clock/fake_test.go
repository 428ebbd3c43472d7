package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func TestFakeNowAdvances(t *testing.T) {
	c := Fake(epoch)
	c.Advance(3 * time.Second)
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case at := <-ticker.C:
		assert.Equal(t, epoch.Add(time.Second), at)
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestFakeTickerDropsWhenFull(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(5 * time.Second)
	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("expected buffered ticks to be dropped")
	default:
	}
}

func TestFakeStoppedTickerIsNotPending(t *testing.T) {
	c := Fake(epoch)
	a := c.NewTicker(time.Second)
	b := c.NewTicker(time.Minute)
	require.Equal(t, 2, c.PendingCount())

	a.Stop()
	assert.Equal(t, 1, c.PendingCount())
	b.Stop()
	b.Stop()
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeAfterFunc(t *testing.T) {
	c := Fake(epoch)
	calls := 0
	timer := c.AfterFunc(10*time.Second, func() { calls++ })

	c.Advance(9 * time.Second)
	assert.Equal(t, 0, calls)
	c.Advance(time.Second)
	assert.Equal(t, 1, calls)
	c.Advance(time.Minute)
	assert.Equal(t, 1, calls)
	assert.False(t, timer.Stop())
}

func TestFakeAfterFuncStop(t *testing.T) {
	c := Fake(epoch)
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	assert.True(t, timer.Stop())
	c.Advance(time.Hour)
	assert.False(t, called)
}

func TestWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	go func() {
		c.NewTicker(time.Second)
	}()
	c.WaitForTimers(1)
	assert.Equal(t, 1, c.PendingCount())
}
