package radio

import "sync/atomic"

// Signal is an edge-triggered flag with a single producer (the driver's
// interrupt path) and a single consumer (the engine's poll loop).
//
// This handoff is the only shared state between interrupt context and the
// protocol logic.
type Signal struct {
	v atomic.Bool
}

// Raise sets the flag. Raising an already raised flag is a no-op: two
// completions between polls are observed as one.
func (s *Signal) Raise() {
	s.v.Store(true)
}

// Take reports whether the flag was raised and clears it.
func (s *Signal) Take() bool {
	return s.v.Swap(false)
}

// Pending reports whether the flag is raised without clearing it.
func (s *Signal) Pending() bool {
	return s.v.Load()
}
