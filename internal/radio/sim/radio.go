package sim

import (
	"fmt"
	"math"
	"time"

	"github.com/rangelink/rangelink/internal/dwtime"
	"github.com/rangelink/rangelink/internal/radio"
)

// Options describes one simulated transceiver.
type Options struct {
	Offset   dwtime.Timestamp // counter value at true time zero
	DriftPPM float64          // counter rate error, parts per million

	// Reported signal quality. A zero RxPower is derived from the distance
	// with FreeSpacePower; a zero FirstPathPower is 2 dB below RxPower.
	RxPower        float64
	FirstPathPower float64
	Quality        float64
	// PRF reported with each frame; zero reports the configured mode's PRF.
	PRF radio.PRF
}

// Radio is a simulated transceiver attached to an Air. It implements
// radio.Driver.
type Radio struct {
	air  *Air
	opts Options

	onSent     func()
	onReceived func()

	cfg       radio.NetworkConfig
	eui       [8]byte
	short     uint16
	receiving bool
	closed    bool

	rxFrame []byte
	rxTime  dwtime.Timestamp
	rxPower float64
	txTime  dwtime.Timestamp
	hasTx   bool
}

// NewRadio attaches a transceiver to the medium.
func (a *Air) NewRadio(opts Options) *Radio {
	r := &Radio{air: a, opts: opts}
	a.mu.Lock()
	a.radios = append(a.radios, r)
	a.mu.Unlock()
	return r
}

func (r *Radio) rate() float64 {
	return 1 + r.opts.DriftPPM*1e-6
}

// counter returns the radio's counter value at true time t.
func (r *Radio) counter(t float64) dwtime.Timestamp {
	return dwtime.Timestamp(int64(math.Floor(float64(r.opts.Offset) + t*r.rate()))).Wrap()
}

func (r *Radio) powerAt(distance float64) float64 {
	if r.opts.RxPower != 0 {
		return r.opts.RxPower
	}
	return FreeSpacePower(distance)
}

// SetHandlers implements radio.Driver.
func (r *Radio) SetHandlers(onSent, onReceived func()) {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	r.onSent, r.onReceived = onSent, onReceived
}

// Configure implements radio.Driver.
func (r *Radio) Configure(cfg radio.NetworkConfig) error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	if r.closed {
		return radio.ErrClosed
	}
	r.cfg = cfg
	return nil
}

// SetAddress implements radio.Driver.
func (r *Radio) SetAddress(eui [8]byte, short uint16) error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	if r.closed {
		return radio.ErrClosed
	}
	r.eui, r.short = eui, short
	return nil
}

// StartReceive implements radio.Driver.
func (r *Radio) StartReceive() error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	if r.closed {
		return radio.ErrClosed
	}
	r.receiving = true
	return nil
}

// Transmit implements radio.Driver.
func (r *Radio) Transmit(frame []byte) error {
	a := r.air
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := r.checkFrame(frame); err != nil {
		return err
	}
	a.transmit(r, append([]byte(nil), frame...), a.now, r.counter(a.now))
	return nil
}

// DelayedTime implements radio.Driver. As on hardware, the low 9 bits of
// the scheduled time are ignored, so they are cleared here.
func (r *Radio) DelayedTime(d time.Duration) (dwtime.Timestamp, error) {
	a := r.air
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.closed {
		return 0, radio.ErrClosed
	}
	at := r.counter(a.now).Add(dwtime.FromDuration(d))
	return at &^ 0x1FF, nil
}

// TransmitAt implements radio.Driver.
func (r *Radio) TransmitAt(frame []byte, at dwtime.Timestamp) error {
	a := r.air
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := r.checkFrame(frame); err != nil {
		return err
	}
	delta := at.Since(r.counter(a.now))
	if int64(delta) > dwtime.Overflow/2 {
		return fmt.Errorf("%w: %d ticks late", radio.ErrDelayTooShort, dwtime.Overflow-int64(delta))
	}
	a.transmit(r, append([]byte(nil), frame...), a.now+float64(delta)/r.rate(), at)
	return nil
}

func (r *Radio) checkFrame(frame []byte) error {
	if r.closed {
		return radio.ErrClosed
	}
	if len(frame) > radio.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", radio.ErrFrameTooLarge, len(frame))
	}
	return nil
}

// Data implements radio.Driver.
func (r *Radio) Data() ([]byte, error) {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	if r.rxFrame == nil {
		return nil, radio.ErrNoFrame
	}
	return append([]byte(nil), r.rxFrame...), nil
}

// TransmitTimestamp implements radio.Driver.
func (r *Radio) TransmitTimestamp() (dwtime.Timestamp, error) {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	if !r.hasTx {
		return 0, radio.ErrNoTransmission
	}
	return r.txTime, nil
}

// ReceiveTimestamp implements radio.Driver.
func (r *Radio) ReceiveTimestamp() (dwtime.Timestamp, error) {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	if r.rxFrame == nil {
		return 0, radio.ErrNoFrame
	}
	return r.rxTime, nil
}

// Quality implements radio.Driver.
func (r *Radio) Quality() (radio.RxQuality, error) {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	if r.rxFrame == nil {
		return radio.RxQuality{}, radio.ErrNoFrame
	}
	q := radio.RxQuality{
		Power:          r.rxPower,
		FirstPathPower: r.opts.FirstPathPower,
		Quality:        r.opts.Quality,
		PRF:            r.opts.PRF,
	}
	if q.FirstPathPower == 0 {
		q.FirstPathPower = q.Power - 2
	}
	if q.PRF == 0 {
		q.PRF = r.cfg.Mode.PRF
	}
	return q, nil
}

// Counter returns the radio's current counter value.
func (r *Radio) Counter() dwtime.Timestamp {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	return r.counter(r.air.now)
}

// Close implements radio.Driver. A closed radio neither sends nor hears.
func (r *Radio) Close() error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	r.closed = true
	r.receiving = false
	return nil
}

var _ radio.Driver = (*Radio)(nil)
