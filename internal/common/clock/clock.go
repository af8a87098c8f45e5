// Package clock provides an injectable time source so threshold logic
// can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by components that compare timestamps
// against thresholds.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real reads the system clock.
type Real struct{}

func (Real) Now() time.Time                   { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// New returns the system clock.
func New() Clock {
	return Real{}
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
