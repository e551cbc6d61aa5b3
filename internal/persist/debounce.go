package persist

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of save triggers into one trailing call.
// Used for task-graph autosave where every node update signals but only
// one write per quiet period should land.
type Debouncer struct {
	delay time.Duration
	fn    func()

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewDebouncer builds a debouncer invoking fn after delay of quiet.
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	if delay <= 0 {
		delay = time.Second
	}
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger (re)arms the timer. Calls during the window push it out.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

// Flush cancels any pending timer and runs fn now if one was pending.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	pending := d.timer != nil && d.timer.Stop()
	d.timer = nil
	d.mu.Unlock()
	if pending {
		d.fn()
	}
}

// Close stops the debouncer, flushing any pending call.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.timer != nil && d.timer.Stop()
	d.timer = nil
	d.mu.Unlock()
	if pending {
		d.fn()
	}
}
