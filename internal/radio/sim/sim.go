// Package sim simulates a UWB medium shared by any number of radios.
//
// The medium keeps a single true time. Each simulated radio owns a 40-bit
// counter running at its own offset and drift, so two engines ranging over
// the medium see independent clocks exactly as on hardware. Frames reach
// every other receiving radio after the propagation delay for the configured
// distance. Time only moves when the owner calls Next, Advance or Run.
package sim

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rangelink/rangelink/internal/dwtime"
)

// Channel 5 centre frequency and the regulatory transmit power over a
// 500 MHz bandwidth, used to derive a received power from distance.
const (
	centerFrequency = 6489.6e6
	txPowerDBm      = -14.3
)

// FreeSpacePower returns the received power, in dBm, at distance metres
// under the Friis free-space model.
func FreeSpacePower(distance float64) float64 {
	if distance < 0.1 {
		distance = 0.1
	}
	pathLoss := 20 * math.Log10(4*math.Pi*distance*centerFrequency/dwtime.SpeedOfLight)
	return txPowerDBm - pathLoss
}

type eventKind int

const (
	evSent eventKind = iota
	evReceived
)

type event struct {
	at    float64 // true time, ticks
	seq   uint64
	kind  eventKind
	radio *Radio
	frame []byte
	stamp dwtime.Timestamp // evSent: the sender's transmit timestamp
}

// Air is the shared medium. It also serves as the clock of the engines
// attached to it.
type Air struct {
	mu       sync.Mutex
	epoch    time.Time
	now      float64 // true time, ticks
	distance float64
	radios   []*Radio
	queue    []event
	seq      uint64
	drop     int
}

// NewAir creates a medium separating every pair of radios by distance metres.
func NewAir(distance float64) *Air {
	return &Air{
		epoch:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		distance: distance,
	}
}

// Now returns the simulated wall time.
func (a *Air) Now() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch.Add(time.Duration(a.now * dwtime.SecondsPerTick * 1e9))
}

// Distance returns the separation between radios in metres.
func (a *Air) Distance() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.distance
}

// SetDistance changes the separation for frames transmitted from now on.
func (a *Air) SetDistance(m float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.distance = m
}

// DropNext discards the next n transmitted frames before any radio hears
// them. The senders still see their transmissions complete.
func (a *Air) DropNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drop += n
}

// Pending returns the number of scheduled events.
func (a *Air) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Next delivers the earliest scheduled event, moving time forward to it.
// It reports false when nothing is scheduled.
func (a *Air) Next() bool {
	a.mu.Lock()
	if len(a.queue) == 0 {
		a.mu.Unlock()
		return false
	}
	ev := a.pop()
	if ev.at > a.now {
		a.now = ev.at
	}
	fn := a.apply(ev)
	a.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Advance moves time forward by d, delivering every event due on the way.
func (a *Air) Advance(d time.Duration) {
	a.mu.Lock()
	target := a.now + d.Seconds()*dwtime.TicksPerSecond
	var fns []func()
	for len(a.queue) > 0 && a.queue[0].at <= target {
		ev := a.pop()
		if ev.at > a.now {
			a.now = ev.at
		}
		if fn := a.apply(ev); fn != nil {
			fns = append(fns, fn)
		}
	}
	a.now = target
	a.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Run advances the medium by tick on every tick of the wall clock until ctx
// is done.
func (a *Air) Run(ctx context.Context, tick time.Duration) error {
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.Advance(tick)
		}
	}
}

func (a *Air) push(ev event) {
	a.seq++
	ev.seq = a.seq
	a.queue = append(a.queue, ev)
	sort.Slice(a.queue, func(i, j int) bool {
		if a.queue[i].at != a.queue[j].at {
			return a.queue[i].at < a.queue[j].at
		}
		return a.queue[i].seq < a.queue[j].seq
	})
}

func (a *Air) pop() event {
	ev := a.queue[0]
	a.queue = a.queue[1:]
	return ev
}

// transmit schedules the completion of a transmission leaving at true time
// at, and its reception by every other radio. Must be called with a.mu held.
func (a *Air) transmit(from *Radio, frame []byte, at float64, stamp dwtime.Timestamp) {
	a.push(event{at: at, kind: evSent, radio: from, stamp: stamp})

	if a.drop > 0 {
		a.drop--
		return
	}
	arrival := at + a.distance/dwtime.MetersPerTick
	for _, r := range a.radios {
		if r == from {
			continue
		}
		a.push(event{at: arrival, kind: evReceived, radio: r, frame: frame})
	}
}

// apply updates radio state for ev and returns the handler to invoke once
// the lock is released. Must be called with a.mu held.
func (a *Air) apply(ev event) func() {
	r := ev.radio
	if r.closed {
		return nil
	}
	switch ev.kind {
	case evSent:
		r.txTime = ev.stamp
		r.hasTx = true
		return r.onSent
	case evReceived:
		if !r.receiving {
			return nil
		}
		r.rxFrame = ev.frame
		r.rxTime = r.counter(ev.at)
		r.rxPower = r.powerAt(a.distance)
		return r.onReceived
	}
	return nil
}
