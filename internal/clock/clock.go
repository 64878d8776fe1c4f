// Package clock provides an injectable time source.
//
// Production code takes a Clock instead of calling time.Now or time.After
// directly, so refresh skew, lease expiry and retry backoff can be driven
// deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts the time operations used by the services.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// FakeClock is a manually driven Clock. After never blocks: it moves the
// clock forward by d and fires immediately, which keeps backoff loops fast
// in tests while still accounting for the elapsed time.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Advance(d)
	return ch
}

// Advance moves the clock forward and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.current = c.current.Add(d)
	}
	return c.current
}

// Set jumps to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}
