package testutil

import (
	"sync"
	"time"

	"github.com/rangelink/rangelink/internal/dwtime"
	"github.com/rangelink/rangelink/internal/events"
	"github.com/rangelink/rangelink/internal/radio"
)

// Transmission is a frame handed to a RecordingDriver.
type Transmission struct {
	Frame   []byte
	At      dwtime.Timestamp // scheduled time, for delayed transmissions
	Delayed bool
}

// RecordingDriver is a radio.Driver that records transmissions and lets the
// test decide when frames arrive and transmissions complete.
type RecordingDriver struct {
	mu sync.Mutex

	onSent     func()
	onReceived func()

	Config        radio.NetworkConfig
	EUI           [8]byte
	Short         uint16
	ReceiveStarts int
	Closed        bool

	// Counter value DelayedTime schedules from.
	Now dwtime.Timestamp

	sent    []Transmission
	rxFrame []byte
	rxTime  dwtime.Timestamp
	txTime  dwtime.Timestamp
	quality radio.RxQuality

	// TransmitErr, when set, is returned by Transmit and TransmitAt.
	TransmitErr error
}

// NewRecordingDriver creates a driver reporting quality q for every frame.
func NewRecordingDriver(q radio.RxQuality) *RecordingDriver {
	return &RecordingDriver{quality: q}
}

// SetHandlers implements radio.Driver.
func (d *RecordingDriver) SetHandlers(onSent, onReceived func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSent, d.onReceived = onSent, onReceived
}

// Configure implements radio.Driver.
func (d *RecordingDriver) Configure(cfg radio.NetworkConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Config = cfg
	return nil
}

// SetAddress implements radio.Driver.
func (d *RecordingDriver) SetAddress(eui [8]byte, short uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.EUI, d.Short = eui, short
	return nil
}

// StartReceive implements radio.Driver.
func (d *RecordingDriver) StartReceive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ReceiveStarts++
	return nil
}

// Transmit implements radio.Driver.
func (d *RecordingDriver) Transmit(frame []byte) error {
	return d.record(Transmission{Frame: append([]byte(nil), frame...)})
}

// DelayedTime implements radio.Driver.
func (d *RecordingDriver) DelayedTime(delay time.Duration) (dwtime.Timestamp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Now.Add(dwtime.FromDuration(delay)), nil
}

// TransmitAt implements radio.Driver.
func (d *RecordingDriver) TransmitAt(frame []byte, at dwtime.Timestamp) error {
	return d.record(Transmission{Frame: append([]byte(nil), frame...), At: at, Delayed: true})
}

func (d *RecordingDriver) record(t Transmission) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.TransmitErr != nil {
		return d.TransmitErr
	}
	d.sent = append(d.sent, t)
	return nil
}

// Data implements radio.Driver.
func (d *RecordingDriver) Data() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rxFrame == nil {
		return nil, radio.ErrNoFrame
	}
	return append([]byte(nil), d.rxFrame...), nil
}

// TransmitTimestamp implements radio.Driver.
func (d *RecordingDriver) TransmitTimestamp() (dwtime.Timestamp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txTime, nil
}

// ReceiveTimestamp implements radio.Driver.
func (d *RecordingDriver) ReceiveTimestamp() (dwtime.Timestamp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxTime, nil
}

// Quality implements radio.Driver.
func (d *RecordingDriver) Quality() (radio.RxQuality, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quality, nil
}

// Close implements radio.Driver.
func (d *RecordingDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}

// Deliver makes frame the last received frame, stamped at, and raises the
// receive handler.
func (d *RecordingDriver) Deliver(frame []byte, at dwtime.Timestamp) {
	d.mu.Lock()
	d.rxFrame = append([]byte(nil), frame...)
	d.rxTime = at
	fn := d.onReceived
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// CompleteTransmit stamps the last transmission at and raises the send
// handler.
func (d *RecordingDriver) CompleteTransmit(at dwtime.Timestamp) {
	d.mu.Lock()
	d.txTime = at
	fn := d.onSent
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetQuality changes the quality reported for received frames.
func (d *RecordingDriver) SetQuality(q radio.RxQuality) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quality = q
}

// Transmissions returns all recorded transmissions.
func (d *RecordingDriver) Transmissions() []Transmission {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Transmission, len(d.sent))
	copy(out, d.sent)
	return out
}

// Last returns the most recent transmission.
func (d *RecordingDriver) Last() (Transmission, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		return Transmission{}, false
	}
	return d.sent[len(d.sent)-1], true
}

// Event is an event captured by a RecordingEmitter.
type Event struct {
	Type events.EventType
	Data interface{}
}

// RecordingEmitter captures emitted events.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements events.Emitter.
func (r *RecordingEmitter) Emit(t events.EventType, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: t, Data: data})
}

// Close implements events.Emitter.
func (r *RecordingEmitter) Close() error { return nil }

// Events returns all captured events.
func (r *RecordingEmitter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns the number of captured events of type t.
func (r *RecordingEmitter) Count(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
