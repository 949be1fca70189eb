package devloop

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into one callback after a quiet
// interval. Safe for concurrent Trigger calls.
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	timer    *time.Timer
}

// NewDebouncer creates a debouncer; fn runs on its own goroutine once no
// trigger has arrived for the full interval.
func NewDebouncer(interval time.Duration, fn func()) *Debouncer {
	return &Debouncer{interval: interval, fn: fn}
}

// Trigger schedules (or reschedules) the callback.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, d.fn)
}

// Cancel drops any pending callback.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
