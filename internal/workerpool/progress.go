package workerpool

import (
	"sync"
	"time"
)

// defaultUpdateInterval is the minimum spacing between Progress emissions
// (spec.md §4.7 default 100 ms).
const defaultUpdateInterval = 100 * time.Millisecond

// Progress is the handler-visible ProgressProxy (spec.md §4.7). It is
// bound at construction to a send callback that enqueues a Progress
// reply message; the worker loop supplies that callback, not the
// handler.
type Progress struct {
	mu             sync.Mutex
	total          int
	step           int
	initialized    bool
	lastSent       time.Time
	updateInterval time.Duration
	send           func(percent int)
	doneSent       bool
}

// NewProgress returns a Progress bound to send, which the worker loop
// wires to push a ReplyProgress message for taskID.
func NewProgress(updateInterval time.Duration, send func(percent int)) *Progress {
	if updateInterval <= 0 {
		updateInterval = defaultUpdateInterval
	}
	return &Progress{updateInterval: updateInterval, send: send}
}

// Total resets the proxy and sets the denominator for percent
// calculation.
func (p *Progress) Total(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = n
	p.step = 0
	p.initialized = n > 0
	p.doneSent = false
	p.lastSent = time.Time{}
}

// Step increments the numerator by delta (default 1 semantics are the
// caller's responsibility — pass 1 for the common case) and, if at least
// updateInterval has elapsed since the last emission, sends the integer
// percent, capped at 99 until Done. An uninitialized total makes Step a
// no-op for percent while still counting the raw step value.
func (p *Progress) Step(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.step += delta
	if !p.initialized {
		return
	}
	now := time.Now()
	if !p.lastSent.IsZero() && now.Sub(p.lastSent) < p.updateInterval {
		return
	}
	p.lastSent = now
	percent := percentOf(p.step, p.total)
	if percent > 99 {
		percent = 99
	}
	if p.send != nil {
		p.send(percent)
	}
}

// Done emits a final 100% Progress message, bypassing the update-interval
// throttle — it is always sent exactly once per task, per spec.md §8's
// progress-monotonicity property.
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doneSent {
		return
	}
	p.doneSent = true
	if p.send != nil {
		p.send(100)
	}
}

func percentOf(step, total int) int {
	if total <= 0 {
		return 0
	}
	pct := step * 100 / total
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
