// Package uart drives a UWB module that bridges its transceiver to a serial
// line. The module firmware owns the chip; the host exchanges one escaped
// line per command or event.
package uart

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/rangelink/rangelink/internal/dwtime"
	"github.com/rangelink/rangelink/internal/logging"
	"github.com/rangelink/rangelink/internal/radio"
)

// Defaults.
const (
	DefaultBaud    = 115200
	DefaultTimeout = 50 * time.Millisecond
)

// ErrTimeout is returned when the module does not answer a request in time.
var ErrTimeout = errors.New("uart: module did not answer")

// Config selects the serial port used by Open.
type Config struct {
	Name    string // e.g. /dev/ttyUSB0
	Baud    int    // 0 selects DefaultBaud
	Timeout time.Duration
	Logger  *logging.Logger
}

// Options configures a device created with New.
type Options struct {
	Timeout time.Duration // request timeout, 0 selects DefaultTimeout
	Logger  *logging.Logger
}

// Device is a serial-attached UWB module. It implements radio.Driver.
type Device struct {
	wmu  sync.Mutex // serialises writes to port
	port io.ReadWriteCloser

	mu         sync.Mutex
	log        *logging.Logger
	timeout    time.Duration
	onSent     func()
	onReceived func()
	prf        radio.PRF
	closed     bool

	rxFrame   []byte
	rxTime    dwtime.Timestamp
	rxQuality radio.RxQuality
	txTime    dwtime.Timestamp
	hasTx     bool

	times chan dwtime.Timestamp
	done  chan struct{}
}

// Open opens the serial port and starts reading module events.
func Open(cfg Config) (*Device, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	p, err := serial.OpenPort(&serial.Config{Name: cfg.Name, Baud: baud, StopBits: serial.Stop1})
	if err != nil {
		return nil, fmt.Errorf("uart: open %s: %w", cfg.Name, err)
	}
	return New(p, Options{Timeout: cfg.Timeout, Logger: cfg.Logger}), nil
}

// New wraps an open connection to the module.
func New(port io.ReadWriteCloser, opts Options) *Device {
	d := &Device{
		port:    port,
		log:     opts.Logger,
		timeout: opts.Timeout,
		times:   make(chan dwtime.Timestamp, 1),
		done:    make(chan struct{}),
	}
	if d.log == nil {
		d.log = logging.Discard()
	}
	if d.timeout == 0 {
		d.timeout = DefaultTimeout
	}
	go d.run()
	return d
}

// run reads event lines until the port fails or is closed.
func (d *Device) run() {
	defer close(d.done)
	r := bufio.NewReader(d.port)
	for {
		line, err := r.ReadBytes(terminator)
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if !closed {
				d.log.Error("uart: read: %v", err)
			}
			return
		}
		typ, payload, err := decodeLine(line[:len(line)-1])
		if err != nil {
			d.log.Warn("uart: %v", err)
			continue
		}
		if err := d.handle(typ, payload); err != nil {
			d.log.Warn("uart: event 0x%02X: %v", typ, err)
		}
	}
}

func (d *Device) handle(typ byte, payload []byte) error {
	switch typ {
	case evSent:
		stamp, err := dwtime.FromBytes(payload)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.txTime, d.hasTx = stamp, true
		fn := d.onSent
		d.mu.Unlock()
		if fn != nil {
			fn()
		}

	case evReceived:
		if len(payload) < receivedHeaderSize {
			return fmt.Errorf("short reception event: %d bytes", len(payload))
		}
		stamp, _ := dwtime.FromBytes(payload)
		q := radio.RxQuality{
			Power:          float64(int16(binary.LittleEndian.Uint16(payload[5:]))) / 100,
			FirstPathPower: float64(int16(binary.LittleEndian.Uint16(payload[7:]))) / 100,
			Quality:        float64(binary.LittleEndian.Uint16(payload[9:])) / 100,
			PRF:            radio.PRF(payload[11]),
		}
		d.mu.Lock()
		if q.PRF == 0 {
			q.PRF = d.prf
		}
		d.rxFrame = append([]byte(nil), payload[receivedHeaderSize:]...)
		d.rxTime, d.rxQuality = stamp, q
		fn := d.onReceived
		d.mu.Unlock()
		if fn != nil {
			fn()
		}

	case evTime:
		stamp, err := dwtime.FromBytes(payload)
		if err != nil {
			return err
		}
		select {
		case d.times <- stamp:
		default:
			// Nobody is waiting; drop the stale answer.
		}

	case evLog:
		d.log.Debug("module: %s", payload)

	case evLate:
		d.log.Warn("uart: module missed a delayed transmission")

	default:
		return errors.New("unknown event type")
	}
	return nil
}

func (d *Device) send(typ byte, payload []byte) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return radio.ErrClosed
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if _, err := d.port.Write(encodeLine(typ, payload)); err != nil {
		return fmt.Errorf("uart: write: %w", err)
	}
	return nil
}

// SetHandlers implements radio.Driver.
func (d *Device) SetHandlers(onSent, onReceived func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSent, d.onReceived = onSent, onReceived
}

// Configure implements radio.Driver.
func (d *Device) Configure(cfg radio.NetworkConfig) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:], cfg.DeviceAddress)
	binary.LittleEndian.PutUint16(b[2:], cfg.NetworkID)
	b[4] = byte(cfg.Mode.DataRate)
	b[5] = byte(cfg.Mode.PRF)
	binary.LittleEndian.PutUint16(b[6:], uint16(cfg.Mode.PreambleLength))
	if err := d.send(cmdConfigure, b); err != nil {
		return err
	}
	d.mu.Lock()
	d.prf = cfg.Mode.PRF
	d.mu.Unlock()
	return nil
}

// SetAddress implements radio.Driver.
func (d *Device) SetAddress(eui [8]byte, short uint16) error {
	b := make([]byte, 10)
	copy(b, eui[:])
	binary.LittleEndian.PutUint16(b[8:], short)
	return d.send(cmdSetAddress, b)
}

// StartReceive implements radio.Driver.
func (d *Device) StartReceive() error {
	return d.send(cmdReceive, nil)
}

// Transmit implements radio.Driver.
func (d *Device) Transmit(frame []byte) error {
	if len(frame) > radio.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", radio.ErrFrameTooLarge, len(frame))
	}
	return d.send(cmdTransmit, frame)
}

// DelayedTime implements radio.Driver. It asks the module for its current
// counter value; the module firmware applies its own antenna delay when it
// programs the transmission.
func (d *Device) DelayedTime(delay time.Duration) (dwtime.Timestamp, error) {
	select {
	case <-d.times:
	default:
	}
	if err := d.send(cmdTime, nil); err != nil {
		return 0, err
	}
	t := time.NewTimer(d.timeout)
	defer t.Stop()
	select {
	case now := <-d.times:
		return now.Add(dwtime.FromDuration(delay)) &^ 0x1FF, nil
	case <-d.done:
		return 0, radio.ErrClosed
	case <-t.C:
		return 0, ErrTimeout
	}
}

// TransmitAt implements radio.Driver.
func (d *Device) TransmitAt(frame []byte, at dwtime.Timestamp) error {
	if len(frame) > radio.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", radio.ErrFrameTooLarge, len(frame))
	}
	b := make([]byte, dwtime.Size, dwtime.Size+len(frame))
	at.PutBytes(b)
	return d.send(cmdTransmitAt, append(b, frame...))
}

// Data implements radio.Driver.
func (d *Device) Data() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rxFrame == nil {
		return nil, radio.ErrNoFrame
	}
	return append([]byte(nil), d.rxFrame...), nil
}

// TransmitTimestamp implements radio.Driver.
func (d *Device) TransmitTimestamp() (dwtime.Timestamp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasTx {
		return 0, radio.ErrNoTransmission
	}
	return d.txTime, nil
}

// ReceiveTimestamp implements radio.Driver.
func (d *Device) ReceiveTimestamp() (dwtime.Timestamp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rxFrame == nil {
		return 0, radio.ErrNoFrame
	}
	return d.rxTime, nil
}

// Quality implements radio.Driver.
func (d *Device) Quality() (radio.RxQuality, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rxFrame == nil {
		return radio.RxQuality{}, radio.ErrNoFrame
	}
	return d.rxQuality, nil
}

// Close implements radio.Driver. The module is told to go idle before the
// port is closed.
func (d *Device) Close() error {
	idleErr := d.send(cmdIdle, nil)
	if errors.Is(idleErr, radio.ErrClosed) {
		return nil
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	err := d.port.Close()
	select {
	case <-d.done:
	case <-time.After(time.Second):
		d.log.Warn("uart: reader did not stop")
	}
	return errors.Join(idleErr, err)
}

var _ radio.Driver = (*Device)(nil)
