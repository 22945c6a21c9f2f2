// Package dw1000 drives a Decawave DW1000 transceiver attached over SPI.
//
// The chip signals completed transmissions and good receptions on its IRQ
// line. A service goroutine waits for the rising edge, snapshots the frame,
// timestamps and signal quality under the device lock, clears the status
// bits and only then invokes the radio.Driver handlers.
package dw1000

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/rangelink/rangelink/internal/dwtime"
	"github.com/rangelink/rangelink/internal/logging"
	"github.com/rangelink/rangelink/internal/radio"
)

// Defaults.
const (
	// DefaultSpeed is the SPI clock. The chip accepts at most 3 MHz until
	// its PLL is locked.
	DefaultSpeed = 2 * physic.MegaHertz
	// DefaultAntennaDelay is applied to both transmit and receive stamps.
	DefaultAntennaDelay dwtime.Timestamp = 16436
)

var (
	// ErrWrongDevice is returned when DEV_ID does not identify a DW1000.
	ErrWrongDevice = errors.New("dw1000: unexpected device id")
	// ErrNoPreamble is returned by Quality when the preamble accumulation
	// count of the last frame is zero.
	ErrNoPreamble = errors.New("dw1000: no preamble accumulated")
)

// IRQPin is the interrupt input. gpio.PinIn satisfies it.
type IRQPin interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
}

// Config selects the hardware lines used by Open.
type Config struct {
	Port     string // SPI port name, "" selects the first available
	ResetPin string // GPIO wired to RSTn, "" skips the hard reset
	IRQPin   string // GPIO wired to IRQ
	Speed    physic.Frequency

	AntennaDelay dwtime.Timestamp
	Logger       *logging.Logger
}

// Options configures a device created with New.
type Options struct {
	AntennaDelay dwtime.Timestamp // 0 selects DefaultAntennaDelay
	Logger       *logging.Logger
}

// Device is a DW1000 transceiver. It implements radio.Driver.
type Device struct {
	mu   sync.Mutex
	conn conn.Conn
	port spi.PortCloser // nil unless created by Open
	irq  IRQPin
	log  *logging.Logger

	antennaDelay dwtime.Timestamp
	txCtrl       uint32 // TX_FCTRL without the frame length
	cfg          radio.NetworkConfig

	onSent     func()
	onReceived func()

	receiving bool
	closed    bool
	stop      chan struct{}
	done      chan struct{}

	rxFrame   []byte
	rxTime    dwtime.Timestamp
	rxQuality radio.RxQuality
	rxErr     error
	txTime    dwtime.Timestamp
	hasTx     bool
}

// Open initialises the host, connects to the SPI port, resets the chip and
// starts servicing its interrupt line.
func Open(cfg Config) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("dw1000: %w", err)
	}
	irq := gpioreg.ByName(cfg.IRQPin)
	if irq == nil {
		return nil, fmt.Errorf("dw1000: unknown IRQ pin %q", cfg.IRQPin)
	}
	if cfg.ResetPin != "" {
		rst := gpioreg.ByName(cfg.ResetPin)
		if rst == nil {
			return nil, fmt.Errorf("dw1000: unknown reset pin %q", cfg.ResetPin)
		}
		if err := hardReset(rst); err != nil {
			return nil, err
		}
	}

	p, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("dw1000: %w", err)
	}
	speed := cfg.Speed
	if speed == 0 {
		speed = DefaultSpeed
	}
	c, err := p.Connect(speed, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("dw1000: %w", err)
	}
	if err := irq.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		p.Close()
		return nil, fmt.Errorf("dw1000: %w", err)
	}

	d, err := New(c, irq, Options{AntennaDelay: cfg.AntennaDelay, Logger: cfg.Logger})
	if err != nil {
		p.Close()
		return nil, err
	}
	d.port = p
	return d, nil
}

// hardReset pulls RSTn low, then releases it. RSTn is open drain and must
// never be driven high.
func hardReset(pin gpio.PinIO) error {
	if err := pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("dw1000: reset: %w", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := pin.In(gpio.Float, gpio.NoEdge); err != nil {
		return fmt.Errorf("dw1000: reset: %w", err)
	}
	time.Sleep(5 * time.Millisecond)
	return nil
}

// New sets up a DW1000 reachable through c. If irq is not nil a goroutine
// services it; otherwise the owner must call Service when the line rises.
func New(c conn.Conn, irq IRQPin, opts Options) (*Device, error) {
	d := &Device{
		conn:         c,
		irq:          irq,
		log:          opts.Logger,
		antennaDelay: opts.AntennaDelay,
	}
	if d.log == nil {
		d.log = logging.Discard()
	}
	if d.antennaDelay == 0 {
		d.antennaDelay = DefaultAntennaDelay
	}

	id, err := d.read32(regDevID, 0)
	if err != nil {
		return nil, fmt.Errorf("dw1000: read DEV_ID: %w", err)
	}
	if id != devID {
		return nil, fmt.Errorf("%w: 0x%08X", ErrWrongDevice, id)
	}
	if err := d.setup(); err != nil {
		return nil, err
	}
	d.log.Debug("DW1000 ready on %s (antenna delay %d)", c, d.antennaDelay)

	if irq != nil {
		d.stop = make(chan struct{})
		d.done = make(chan struct{})
		go d.worker()
	}
	return d, nil
}

func (d *Device) setup() error {
	sysCfg, err := d.read32(regSysCfg, 0)
	if err != nil {
		return fmt.Errorf("dw1000: read SYS_CFG: %w", err)
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"SYS_CFG", func() error { return d.write32(regSysCfg, 0, sysCfg|cfgRxAutoR) }},
		{"SYS_MASK", func() error { return d.write32(regSysMask, 0, interruptMask) }},
		{"SYS_STATUS", func() error { return d.write32(regSysStatus, 0, 0xFFFFFFFF) }},
		{"TX_ANTD", func() error { return d.write16(regTxAntD, 0, uint16(d.antennaDelay)) }},
		{"LDE_RXANTD", func() error { return d.write16(regLDEIf, subLDERxAntD, uint16(d.antennaDelay)) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("dw1000: write %s: %w", s.name, err)
		}
	}
	return nil
}

// worker converts rising edges on the IRQ line into Service calls.
func (d *Device) worker() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		if !d.irq.WaitForEdge(time.Second) && d.irq.Read() != gpio.High {
			continue
		}
		if err := d.Service(); err != nil {
			d.log.Warn("DW1000 interrupt: %v", err)
		}
	}
}

// Service reads and acknowledges the interrupt status, then runs the
// handlers for whatever completed.
func (d *Device) Service() error {
	d.mu.Lock()
	sent, received, err := d.service()
	onSent, onReceived := d.onSent, d.onReceived
	d.mu.Unlock()

	if sent && onSent != nil {
		onSent()
	}
	if received && onReceived != nil {
		onReceived()
	}
	return err
}

func (d *Device) service() (sent, received bool, err error) {
	if d.closed {
		return false, false, radio.ErrClosed
	}
	status, err := d.read32(regSysStatus, 0)
	if err != nil {
		return false, false, err
	}

	if status&statusTxFrameSent != 0 {
		b, err := d.read(regTxTime, 0, dwtime.Size)
		if err != nil {
			return false, false, err
		}
		d.txTime, _ = dwtime.FromBytes(b)
		d.hasTx = true
		if err := d.write32(regSysStatus, 0, statusTxDone); err != nil {
			return false, false, err
		}
		sent = true
		if d.receiving {
			// Receiving is switched off for every transmission.
			if err := d.write32(regSysCtrl, 0, ctrlRxEnable); err != nil {
				return sent, false, err
			}
		}
	}

	if status&statusRxFrameGood != 0 {
		if err := d.readFrame(); err != nil {
			return sent, false, err
		}
		if err := d.write32(regSysStatus, 0, statusRxDone); err != nil {
			return sent, false, err
		}
		received = true
	}

	if status&statusRxErrors != 0 {
		d.log.Trace("DW1000 receive error status 0x%08X", status&statusRxErrors)
		if err := d.write32(regSysStatus, 0, statusRxErrors); err != nil {
			return sent, received, err
		}
		if d.receiving {
			if err := d.rxReset(); err != nil {
				return sent, received, err
			}
		}
	}
	return sent, received, nil
}

// readFrame snapshots the received frame. Must be called with d.mu held.
func (d *Device) readFrame() error {
	info, err := d.read32(regRxFInfo, 0)
	if err != nil {
		return err
	}
	n := int(info & rxLengthMask)
	if n < 2 {
		n = 2
	}
	frame, err := d.read(regRxBuffer, 0, n-2)
	if err != nil {
		return err
	}
	rxTime, err := d.read(regRxTime, 0, lenRxTime)
	if err != nil {
		return err
	}
	fqual, err := d.read(regRxFQual, 0, lenRxFQual)
	if err != nil {
		return err
	}

	d.rxFrame = frame
	d.rxTime, _ = dwtime.FromBytes(rxTime[:dwtime.Size])
	d.rxQuality, d.rxErr = quality(info>>rxPACCShift, rxTime, fqual, d.cfg.Mode.PRF)
	return nil
}

// quality evaluates the DW1000 user manual estimates of receive power and
// first path power from the diagnostic registers.
func quality(pacc uint32, rxTime, fqual []byte, prf radio.PRF) (radio.RxQuality, error) {
	if pacc == 0 {
		return radio.RxQuality{}, ErrNoPreamble
	}
	a := powerOffsetPRF16
	if prf == radio.PRF64MHz {
		a = powerOffsetPRF64
	}
	n := float64(pacc)
	noise := float64(binary.LittleEndian.Uint16(fqual[0:]))
	f2 := float64(binary.LittleEndian.Uint16(fqual[2:]))
	f3 := float64(binary.LittleEndian.Uint16(fqual[4:]))
	c := float64(binary.LittleEndian.Uint16(fqual[6:]))
	f1 := float64(binary.LittleEndian.Uint16(rxTime[7:]))

	q := radio.RxQuality{
		Power:          10*math.Log10(c*(1<<17)/(n*n)) - a,
		FirstPathPower: 10*math.Log10((f1*f1+f2*f2+f3*f3)/(n*n)) - a,
		PRF:            prf,
	}
	if noise > 0 {
		q.Quality = f2 / noise
	}
	return q, nil
}

func (d *Device) rxReset() error {
	if err := d.write32(regSysCtrl, 0, ctrlTRxOff); err != nil {
		return err
	}
	return d.write32(regSysCtrl, 0, ctrlRxEnable)
}

// SetHandlers implements radio.Driver.
func (d *Device) SetHandlers(onSent, onReceived func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSent, d.onReceived = onSent, onReceived
}

// Configure implements radio.Driver.
func (d *Device) Configure(cfg radio.NetworkConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return radio.ErrClosed
	}

	pan := make([]byte, 4)
	binary.LittleEndian.PutUint16(pan[0:], cfg.DeviceAddress)
	binary.LittleEndian.PutUint16(pan[2:], cfg.NetworkID)
	if err := d.write(regPANAddr, 0, pan); err != nil {
		return fmt.Errorf("dw1000: write PANADR: %w", err)
	}

	txCtrl, chanCtrl, err := modeRegisters(cfg.Mode)
	if err != nil {
		return err
	}
	if err := d.write32(regChanCtrl, 0, chanCtrl); err != nil {
		return fmt.Errorf("dw1000: write CHAN_CTRL: %w", err)
	}
	sysCfg, err := d.read32(regSysCfg, 0)
	if err != nil {
		return fmt.Errorf("dw1000: read SYS_CFG: %w", err)
	}
	if cfg.Mode.DataRate == radio.DataRate110Kbps {
		sysCfg |= cfgRxM110K
	} else {
		sysCfg &^= cfgRxM110K
	}
	if err := d.write32(regSysCfg, 0, sysCfg); err != nil {
		return fmt.Errorf("dw1000: write SYS_CFG: %w", err)
	}

	d.txCtrl = txCtrl
	d.cfg = cfg
	d.log.Debug("DW1000 configured: address 0x%04X network 0x%04X mode %s",
		cfg.DeviceAddress, cfg.NetworkID, cfg.Mode)
	return nil
}

var preambleCodes = map[radio.PreambleLength]uint32{
	radio.Preamble64:   0x1,
	radio.Preamble128:  0x5,
	radio.Preamble256:  0x9,
	radio.Preamble512:  0xD,
	radio.Preamble1024: 0x2,
	radio.Preamble1536: 0x6,
	radio.Preamble2048: 0xA,
	radio.Preamble4096: 0x3,
}

// modeRegisters returns the TX_FCTRL template and CHAN_CTRL value for m on
// channel 5.
func modeRegisters(m radio.Mode) (txCtrl, chanCtrl uint32, err error) {
	psr, ok := preambleCodes[m.PreambleLength]
	if !ok {
		return 0, 0, fmt.Errorf("dw1000: unsupported preamble length %d", m.PreambleLength)
	}
	var code uint32
	switch m.PRF {
	case radio.PRF16MHz:
		code = 4
	case radio.PRF64MHz:
		code = 10
	default:
		return 0, 0, fmt.Errorf("dw1000: unsupported PRF %s", m.PRF)
	}
	if m.DataRate > radio.DataRate6800Kbps {
		return 0, 0, fmt.Errorf("dw1000: unsupported data rate %s", m.DataRate)
	}

	txCtrl = uint32(m.DataRate)<<txRateShift |
		uint32(m.PRF)<<txPRFShift |
		psr<<txPreambleShift
	chanCtrl = channel | channel<<4 |
		uint32(m.PRF)<<chanRxPRFShift |
		code<<chanTxCodeShift |
		code<<chanRxCodeShift
	return txCtrl, chanCtrl, nil
}

// SetAddress implements radio.Driver. The short address is written to
// PANADR alongside the network identifier already configured.
func (d *Device) SetAddress(eui [8]byte, short uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return radio.ErrClosed
	}
	b := make([]byte, 8)
	for i := range eui {
		b[i] = eui[7-i]
	}
	if err := d.write(regEUI, 0, b); err != nil {
		return fmt.Errorf("dw1000: write EUI: %w", err)
	}
	pan := make([]byte, 2)
	binary.LittleEndian.PutUint16(pan, short)
	if err := d.write(regPANAddr, 0, pan); err != nil {
		return fmt.Errorf("dw1000: write PANADR: %w", err)
	}
	d.cfg.DeviceAddress = short
	return nil
}

// StartReceive implements radio.Driver.
func (d *Device) StartReceive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return radio.ErrClosed
	}
	if err := d.rxReset(); err != nil {
		return fmt.Errorf("dw1000: start receive: %w", err)
	}
	d.receiving = true
	return nil
}

// Transmit implements radio.Driver.
func (d *Device) Transmit(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transmit(frame, ctrlTxStart)
}

// DelayedTime implements radio.Driver. The chip ignores the low nine bits of
// DX_TIME, so they are cleared before the antenna delay is added.
func (d *Device) DelayedTime(delay time.Duration) (dwtime.Timestamp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, radio.ErrClosed
	}
	b, err := d.read(regSysTime, 0, lenSysTime)
	if err != nil {
		return 0, fmt.Errorf("dw1000: read SYS_TIME: %w", err)
	}
	now, _ := dwtime.FromBytes(b)
	at := now.Add(dwtime.FromDuration(delay)) &^ delayedTimeResolution
	return at.Add(d.antennaDelay), nil
}

// TransmitAt implements radio.Driver.
func (d *Device) TransmitAt(frame []byte, at dwtime.Timestamp) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return radio.ErrClosed
	}
	dx := make([]byte, dwtime.Size)
	at.Sub(d.antennaDelay).PutBytes(dx)
	if err := d.write(regDxTime, 0, dx); err != nil {
		return fmt.Errorf("dw1000: write DX_TIME: %w", err)
	}
	if err := d.transmit(frame, ctrlTxStart|ctrlTxDelay); err != nil {
		return err
	}
	status, err := d.read32(regSysStatus, 0)
	if err != nil {
		return fmt.Errorf("dw1000: read SYS_STATUS: %w", err)
	}
	if status&statusHalfPeriodWarn != 0 {
		if err := d.rxReset(); err != nil {
			return err
		}
		return fmt.Errorf("%w: at %s", radio.ErrDelayTooShort, at)
	}
	return nil
}

// transmit loads frame and starts it. Must be called with d.mu held.
func (d *Device) transmit(frame []byte, ctrl uint32) error {
	if d.closed {
		return radio.ErrClosed
	}
	if len(frame) > radio.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", radio.ErrFrameTooLarge, len(frame))
	}
	if err := d.write32(regSysCtrl, 0, ctrlTRxOff); err != nil {
		return fmt.Errorf("dw1000: write SYS_CTRL: %w", err)
	}
	if err := d.write(regTxBuffer, 0, frame); err != nil {
		return fmt.Errorf("dw1000: write TX_BUFFER: %w", err)
	}
	fctrl := d.txCtrl | uint32(len(frame)+2)&txLengthMask
	if err := d.write32(regTxFCtrl, 0, fctrl); err != nil {
		return fmt.Errorf("dw1000: write TX_FCTRL: %w", err)
	}
	if err := d.write32(regSysCtrl, 0, ctrl); err != nil {
		return fmt.Errorf("dw1000: write SYS_CTRL: %w", err)
	}
	return nil
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
	return d.rxQuality, d.rxErr
}

// Close implements radio.Driver. It turns the transceiver off, stops the
// interrupt goroutine and releases the SPI port.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.receiving = false
	err := d.write32(regSysCtrl, 0, ctrlTRxOff)
	d.mu.Unlock()

	if d.stop != nil {
		close(d.stop)
		// Disabling edge detection releases WaitForEdge.
		if perr := d.irq.In(gpio.PullDown, gpio.NoEdge); perr != nil {
			err = errors.Join(err, perr)
		}
		<-d.done
	}
	if d.port != nil {
		err = errors.Join(err, d.port.Close())
	}
	return err
}

func (d *Device) read(reg byte, sub uint16, n int) ([]byte, error) {
	h := header(reg, sub, false)
	w := make([]byte, len(h)+n)
	copy(w, h)
	r := make([]byte, len(w))
	if err := d.conn.Tx(w, r); err != nil {
		return nil, err
	}
	return r[len(h):], nil
}

func (d *Device) write(reg byte, sub uint16, data []byte) error {
	h := header(reg, sub, true)
	w := append(h, data...)
	return d.conn.Tx(w, make([]byte, len(w)))
}

func (d *Device) read32(reg byte, sub uint16) (uint32, error) {
	b, err := d.read(reg, sub, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Device) write32(reg byte, sub uint16, v uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return d.write(reg, sub, b)
}

func (d *Device) write16(reg byte, sub uint16, v uint16) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return d.write(reg, sub, b)
}

var _ radio.Driver = (*Device)(nil)
