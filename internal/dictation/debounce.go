package dictation

import (
	"sync"
	"time"
)

// Debouncer calls fn once no Touch has happened for the quiet period. Stale
// touches (stamps not newer than the last seen) are ignored.
type Debouncer struct {
	quiet time.Duration
	fn    func(stamp int64)

	mu    sync.Mutex
	timer *time.Timer
	last  int64
	gen   uint64
}

func NewDebouncer(quiet time.Duration, fn func(stamp int64)) *Debouncer {
	return &Debouncer{quiet: quiet, fn: fn}
}

// Touch restarts the quiet period. It reports false for a stale stamp.
func (d *Debouncer) Touch(stamp int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if stamp <= d.last {
		return false
	}
	d.last = stamp
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, func() {
		d.mu.Lock()
		if d.gen != gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		d.fn(stamp)
	})
	return true
}

// Cancel drops a pending call.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
