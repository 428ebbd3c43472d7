package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*entry
	changed *sync.Cond
}

type entry struct {
	at       time.Time
	every    time.Duration // non-zero for tickers
	ch       chan time.Time
	fn       func()
	canceled bool
	done     bool
}

// Fake returns a FakeClock frozen at start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	ch := make(chan time.Time, 1)
	e := &entry{every: d, ch: ch}

	c.mu.Lock()
	e.at = c.now.Add(d)
	c.pending = append(c.pending, e)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		e.canceled = true
		c.changed.Broadcast()
		c.mu.Unlock()
	}}
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	e := &entry{fn: f}

	c.mu.Lock()
	e.at = c.now.Add(d)
	c.pending = append(c.pending, e)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e.canceled || e.done {
			return false
		}
		e.canceled = true
		c.changed.Broadcast()
		return true
	}}
}

// Advance moves the clock forward by d and fires everything that came
// due, earliest first. AfterFunc callbacks run on the caller's
// goroutine; ticker sends never block.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, e := range due {
			if e.fn != nil {
				e.fn()
				continue
			}
			select {
			case e.ch <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) takeDue(target time.Time) []*entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*entry
	for _, e := range c.pending {
		switch {
		case e.canceled:
		case e.at.After(target):
			keep = append(keep, e)
		default:
			due = append(due, e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, e := range due {
		if e.every > 0 {
			e.at = e.at.Add(e.every)
			keep = append(keep, e)
		} else {
			e.done = true
		}
	}
	c.pending = keep
	c.changed.Broadcast()
	return due
}

// WaitForTimers blocks until at least n tickers or timers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.countLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount reports the tickers and timers that have not been
// stopped or fired.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countLocked()
}

func (c *FakeClock) countLocked() int {
	n := 0
	for _, e := range c.pending {
		if !e.canceled {
			n++
		}
	}
	return n
}
