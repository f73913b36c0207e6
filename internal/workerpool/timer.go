package workerpool

import (
	"errors"
	"time"
)

// ErrDeadlineExceeded is returned by Timer.RaiseIfExceeded once the
// configured duration has elapsed. It is advisory only — spec.md §4.7
// notes non-cooperative handlers are "not forcibly killed".
var ErrDeadlineExceeded = errors.New("workerpool: handler deadline exceeded")

// Timer is the handler-visible cooperative deadline helper (spec.md
// §4.7). A zero or negative duration leaves the timer permanently
// disarmed, matching the "no timeout" default in registry.Options.
type Timer struct {
	deadline time.Time
	armed    bool
}

// NewTimer returns a Timer that arms for d if d > 0.
func NewTimer(d time.Duration) *Timer {
	if d <= 0 {
		return &Timer{}
	}
	return &Timer{deadline: time.Now().Add(d), armed: true}
}

// RaiseIfExceeded lets a cooperative handler self-abort: it returns
// ErrDeadlineExceeded once the deadline has passed, or nil otherwise
// (including when the timer is disarmed or stopped).
func (t *Timer) RaiseIfExceeded() error {
	if !t.armed {
		return nil
	}
	if time.Now().After(t.deadline) {
		return ErrDeadlineExceeded
	}
	return nil
}

// Stop disarms the timer; subsequent RaiseIfExceeded calls always return
// nil.
func (t *Timer) Stop() {
	t.armed = false
}
