package ranging

import "time"

// Clock is a source of monotonic time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// WallClock returns the system clock.
func WallClock() Clock { return wallClock{} }

// Watchdog detects a stalled exchange. It expires when strictly more than
// the reset period has elapsed since the last noted activity.
type Watchdog struct {
	clock  Clock
	period time.Duration
	last   time.Time
}

// NewWatchdog creates a watchdog with activity noted now.
func NewWatchdog(clock Clock, period time.Duration) *Watchdog {
	return &Watchdog{clock: clock, period: period, last: clock.Now()}
}

// Note records activity now.
func (w *Watchdog) Note() {
	w.last = w.clock.Now()
}

// Idle returns the time since the last noted activity.
func (w *Watchdog) Idle() time.Duration {
	return w.clock.Now().Sub(w.last)
}

// Expired reports whether the exchange has been idle longer than the period.
func (w *Watchdog) Expired() bool {
	return w.Idle() > w.period
}

// Period returns the reset period.
func (w *Watchdog) Period() time.Duration {
	return w.period
}

// SetPeriod changes the reset period.
func (w *Watchdog) SetPeriod(d time.Duration) {
	w.period = d
}
