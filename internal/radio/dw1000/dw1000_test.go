package dw1000

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3"

	"github.com/rangelink/rangelink/internal/dwtime"
	"github.com/rangelink/rangelink/internal/protocol"
	"github.com/rangelink/rangelink/internal/radio"
)

// fakeChip is a register file answering SPI transactions the way a DW1000
// does. Writes to SYS_STATUS clear the bits written.
type fakeChip struct {
	mu       sync.Mutex
	regs     map[byte][]byte
	sysCtrl  []uint32
	failNext error
}

func newFakeChip() *fakeChip {
	c := &fakeChip{regs: make(map[byte][]byte)}
	c.put32(regDevID, 0, devID)
	return c
}

func (c *fakeChip) String() string { return "fake-spi" }
func (c *fakeChip) Duplex() conn.Duplex { return conn.Full }

func (c *fakeChip) reg(id byte, n int) []byte {
	r := c.regs[id]
	if len(r) < n {
		r = append(r, make([]byte, n-len(r))...)
		c.regs[id] = r
	}
	return r
}

func (c *fakeChip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failNext; err != nil {
		c.failNext = nil
		return err
	}

	write := w[0]&0x80 != 0
	id := w[0] & 0x3F
	var sub, hlen int
	switch {
	case w[0]&0x40 == 0:
		hlen = 1
	case w[1]&0x80 == 0:
		sub, hlen = int(w[1]), 2
	default:
		sub, hlen = int(w[1]&0x7F)|int(w[2])<<7, 3
	}
	data := w[hlen:]
	reg := c.reg(id, sub+len(data))

	if !write {
		copy(r[hlen:], reg[sub:sub+len(data)])
		return nil
	}
	switch id {
	case regSysStatus:
		for i, b := range data {
			reg[sub+i] &^= b
		}
	case regSysCtrl:
		c.sysCtrl = append(c.sysCtrl, binary.LittleEndian.Uint32(data))
	default:
		copy(reg[sub:], data)
	}
	return nil
}

func (c *fakeChip) put(id byte, sub int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.reg(id, sub+len(data))[sub:], data)
}

func (c *fakeChip) put32(id byte, sub int, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	c.put(id, sub, b)
}

func (c *fakeChip) get(id byte, sub, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.reg(id, sub+n)[sub:sub+n]...)
}

func (c *fakeChip) get32(id byte) uint32 {
	return binary.LittleEndian.Uint32(c.get(id, 0, 4))
}

func (c *fakeChip) lastCtrl() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sysCtrl) == 0 {
		return 0
	}
	return c.sysCtrl[len(c.sysCtrl)-1]
}

func newTestDevice(t *testing.T) (*Device, *fakeChip) {
	t.Helper()
	chip := newFakeChip()
	d, err := New(chip, nil, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, chip
}

func TestHeader(t *testing.T) {
	tests := []struct {
		name  string
		reg   byte
		sub   uint16
		write bool
		want  []byte
	}{
		{"read no sub", regDevID, 0, false, []byte{0x00}},
		{"write no sub", regSysCtrl, 0, true, []byte{0x8D}},
		{"short sub", regSysStatus, 0x04, false, []byte{0x4F, 0x04}},
		{"short sub write", regRxFInfo, 0x7F, true, []byte{0xD0, 0x7F}},
		{"extended sub", regLDEIf, subLDERxAntD, true, []byte{0xEE, 0x84, 0x30}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := header(tt.reg, tt.sub, tt.write); !bytes.Equal(got, tt.want) {
				t.Errorf("header = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestNew_WrongDevice(t *testing.T) {
	chip := newFakeChip()
	chip.put32(regDevID, 0, 0xFFFFFFFF)
	if _, err := New(chip, nil, Options{}); !errors.Is(err, ErrWrongDevice) {
		t.Errorf("New = %v, want ErrWrongDevice", err)
	}
}

func TestNew_Setup(t *testing.T) {
	_, chip := newTestDevice(t)

	if got := chip.get32(regSysMask); got != interruptMask {
		t.Errorf("SYS_MASK = 0x%08X, want 0x%08X", got, interruptMask)
	}
	if got := chip.get32(regSysCfg); got&cfgRxAutoR == 0 {
		t.Errorf("SYS_CFG = 0x%08X, auto re-enable not set", got)
	}
	if got := binary.LittleEndian.Uint16(chip.get(regTxAntD, 0, 2)); got != uint16(DefaultAntennaDelay) {
		t.Errorf("TX_ANTD = %d, want %d", got, DefaultAntennaDelay)
	}
	if got := binary.LittleEndian.Uint16(chip.get(regLDEIf, subLDERxAntD, 2)); got != uint16(DefaultAntennaDelay) {
		t.Errorf("LDE_RXANTD = %d, want %d", got, DefaultAntennaDelay)
	}
}

func TestConfigure(t *testing.T) {
	d, chip := newTestDevice(t)

	err := d.Configure(radio.NetworkConfig{
		DeviceAddress: 0x1234,
		NetworkID:     0xDECA,
		Mode:          radio.ModeLongDataRangeAccuracy,
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if got := chip.get(regPANAddr, 0, 4); !bytes.Equal(got, []byte{0x34, 0x12, 0xCA, 0xDE}) {
		t.Errorf("PANADR = % x", got)
	}
	ch := chip.get32(regChanCtrl)
	if ch&0xFF != 0x55 {
		t.Errorf("CHAN_CTRL channels = 0x%02X, want 0x55", ch&0xFF)
	}
	if prf := (ch >> chanRxPRFShift) & 0x3; prf != uint32(radio.PRF64MHz) {
		t.Errorf("CHAN_CTRL PRF = %d", prf)
	}
	if code := (ch >> chanTxCodeShift) & 0x1F; code != 10 {
		t.Errorf("CHAN_CTRL preamble code = %d, want 10", code)
	}
	if chip.get32(regSysCfg)&cfgRxM110K == 0 {
		t.Error("110 kbps receiver mode not set")
	}

	if err := d.Configure(radio.NetworkConfig{Mode: radio.ModeShortDataFastLowPower}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if chip.get32(regSysCfg)&cfgRxM110K != 0 {
		t.Error("110 kbps receiver mode left set")
	}
}

func TestConfigure_Unsupported(t *testing.T) {
	d, _ := newTestDevice(t)
	tests := []radio.Mode{
		{DataRate: radio.DataRate850Kbps, PRF: radio.PRF16MHz, PreambleLength: 100},
		{DataRate: radio.DataRate850Kbps, PRF: 3, PreambleLength: radio.Preamble256},
		{DataRate: 7, PRF: radio.PRF16MHz, PreambleLength: radio.Preamble256},
	}
	for _, m := range tests {
		if err := d.Configure(radio.NetworkConfig{Mode: m}); err == nil {
			t.Errorf("Configure(%v) succeeded", m)
		}
	}
}

func TestTransmit(t *testing.T) {
	d, chip := newTestDevice(t)
	if err := d.Configure(radio.NetworkConfig{Mode: radio.ModeShortDataFastAccuracy}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	frame := protocol.EncodeRangeReport(3.25, -80)
	if err := d.Transmit(frame); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if got := chip.get(regTxBuffer, 0, len(frame)); !bytes.Equal(got, frame) {
		t.Errorf("TX_BUFFER = % x, want % x", got, frame)
	}
	fctrl := chip.get32(regTxFCtrl)
	if n := fctrl & txLengthMask; n != uint32(len(frame)+2) {
		t.Errorf("TX_FCTRL length = %d, want %d", n, len(frame)+2)
	}
	if rate := (fctrl >> txRateShift) & 0x3; rate != uint32(radio.DataRate6800Kbps) {
		t.Errorf("TX_FCTRL rate = %d", rate)
	}
	if chip.lastCtrl() != ctrlTxStart {
		t.Errorf("SYS_CTRL = 0x%X, want TXSTRT", chip.lastCtrl())
	}

	if err := d.Transmit(make([]byte, radio.MaxFrameSize+1)); !errors.Is(err, radio.ErrFrameTooLarge) {
		t.Errorf("oversized Transmit = %v", err)
	}
}

func TestDelayedTransmit(t *testing.T) {
	d, chip := newTestDevice(t)
	now := dwtime.Timestamp(0x12_3456_7890)
	chip.put(regSysTime, 0, now.Bytes())

	at, err := d.DelayedTime(7 * time.Millisecond)
	if err != nil {
		t.Fatalf("DelayedTime: %v", err)
	}
	dx := now.Add(dwtime.FromDuration(7*time.Millisecond)) &^ delayedTimeResolution
	if want := dx.Add(DefaultAntennaDelay); at != want {
		t.Errorf("DelayedTime = %d, want %d", at, want)
	}

	if err := d.TransmitAt(protocol.EncodePollAck(), at); err != nil {
		t.Fatalf("TransmitAt: %v", err)
	}
	got, _ := dwtime.FromBytes(chip.get(regDxTime, 0, dwtime.Size))
	if got != dx {
		t.Errorf("DX_TIME = %d, want %d", got, dx)
	}
	if chip.lastCtrl() != ctrlTxStart|ctrlTxDelay {
		t.Errorf("SYS_CTRL = 0x%X, want TXSTRT|TXDLYS", chip.lastCtrl())
	}

	chip.put32(regSysStatus, 0, statusHalfPeriodWarn)
	if err := d.TransmitAt(protocol.EncodePollAck(), at); !errors.Is(err, radio.ErrDelayTooShort) {
		t.Errorf("late TransmitAt = %v, want ErrDelayTooShort", err)
	}
}

func TestService_Sent(t *testing.T) {
	d, chip := newTestDevice(t)
	var sent, received int
	d.SetHandlers(func() { sent++ }, func() { received++ })
	if err := d.StartReceive(); err != nil {
		t.Fatalf("StartReceive: %v", err)
	}

	stamp := dwtime.Timestamp(0xAB_CDEF_0123)
	chip.put(regTxTime, 0, stamp.Bytes())
	chip.put32(regSysStatus, 0, statusTxDone)

	if err := d.Service(); err != nil {
		t.Fatalf("Service: %v", err)
	}
	if sent != 1 || received != 0 {
		t.Errorf("sent=%d received=%d, want 1/0", sent, received)
	}
	if got, _ := d.TransmitTimestamp(); got != stamp {
		t.Errorf("TransmitTimestamp = %d, want %d", got, stamp)
	}
	if chip.get32(regSysStatus) != 0 {
		t.Errorf("status not acknowledged: 0x%08X", chip.get32(regSysStatus))
	}
	if chip.lastCtrl() != ctrlRxEnable {
		t.Errorf("receiver not re-enabled after transmission, SYS_CTRL = 0x%X", chip.lastCtrl())
	}
}

func TestService_Received(t *testing.T) {
	d, chip := newTestDevice(t)
	if err := d.Configure(radio.NetworkConfig{Mode: radio.ModeLongDataRangeLowPower}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	var received int
	d.SetHandlers(nil, func() { received++ })

	frame := protocol.EncodeRange(1, 2, 3)
	const pacc = 1024
	chip.put32(regRxFInfo, 0, pacc<<rxPACCShift|uint32(len(frame)+2))
	chip.put(regRxBuffer, 0, frame)
	stamp := dwtime.Timestamp(0x01_0203_0405)
	rxTime := make([]byte, lenRxTime)
	stamp.PutBytes(rxTime)
	binary.LittleEndian.PutUint16(rxTime[7:], 6000) // FP_AMPL1
	chip.put(regRxTime, 0, rxTime)
	fqual := make([]byte, lenRxFQual)
	binary.LittleEndian.PutUint16(fqual[0:], 40)   // STD_NOISE
	binary.LittleEndian.PutUint16(fqual[2:], 8000) // FP_AMPL2
	binary.LittleEndian.PutUint16(fqual[4:], 5000) // FP_AMPL3
	binary.LittleEndian.PutUint16(fqual[6:], 9000) // CIR_PWR
	chip.put(regRxFQual, 0, fqual)
	chip.put32(regSysStatus, 0, statusRxDone)

	if err := d.Service(); err != nil {
		t.Fatalf("Service: %v", err)
	}
	if received != 1 {
		t.Fatalf("received handler ran %d times", received)
	}

	data, err := d.Data()
	if err != nil || !bytes.Equal(data, frame) {
		t.Errorf("Data = % x, %v; want % x", data, err, frame)
	}
	if got, _ := d.ReceiveTimestamp(); got != stamp {
		t.Errorf("ReceiveTimestamp = %d, want %d", got, stamp)
	}

	q, err := d.Quality()
	if err != nil {
		t.Fatalf("Quality: %v", err)
	}
	wantPower := 10*math.Log10(9000*131072.0/(pacc*pacc)) - powerOffsetPRF16
	wantFP := 10*math.Log10((6000.0*6000+8000*8000+5000*5000)/(pacc*pacc)) - powerOffsetPRF16
	if math.Abs(q.Power-wantPower) > 1e-9 {
		t.Errorf("Power = %.4f, want %.4f", q.Power, wantPower)
	}
	if math.Abs(q.FirstPathPower-wantFP) > 1e-9 {
		t.Errorf("FirstPathPower = %.4f, want %.4f", q.FirstPathPower, wantFP)
	}
	if q.Quality != 200 {
		t.Errorf("Quality = %v, want 200", q.Quality)
	}
	if q.PRF != radio.PRF16MHz {
		t.Errorf("PRF = %v", q.PRF)
	}
}

func TestQuality_PRF64Offset(t *testing.T) {
	rxTime := make([]byte, lenRxTime)
	fqual := make([]byte, lenRxFQual)
	binary.LittleEndian.PutUint16(fqual[6:], 1000)

	q16, err := quality(512, rxTime, fqual, radio.PRF16MHz)
	if err != nil {
		t.Fatalf("quality: %v", err)
	}
	q64, _ := quality(512, rxTime, fqual, radio.PRF64MHz)
	if diff := q16.Power - q64.Power; math.Abs(diff-(powerOffsetPRF64-powerOffsetPRF16)) > 1e-9 {
		t.Errorf("PRF offset difference = %.3f", diff)
	}
	if _, err := quality(0, rxTime, fqual, radio.PRF16MHz); !errors.Is(err, ErrNoPreamble) {
		t.Errorf("zero PACC = %v, want ErrNoPreamble", err)
	}
}

func TestService_ReceiveErrorRestarts(t *testing.T) {
	d, chip := newTestDevice(t)
	var received int
	d.SetHandlers(nil, func() { received++ })
	if err := d.StartReceive(); err != nil {
		t.Fatalf("StartReceive: %v", err)
	}
	chip.put32(regSysStatus, 0, statusRxSFDTimeout)

	if err := d.Service(); err != nil {
		t.Fatalf("Service: %v", err)
	}
	if received != 0 {
		t.Error("handler ran for a failed reception")
	}
	if chip.lastCtrl() != ctrlRxEnable {
		t.Errorf("receiver not restarted, SYS_CTRL = 0x%X", chip.lastCtrl())
	}
}

func TestDevice_Errors(t *testing.T) {
	d, chip := newTestDevice(t)

	if _, err := d.Data(); !errors.Is(err, radio.ErrNoFrame) {
		t.Errorf("Data before reception = %v", err)
	}
	if _, err := d.TransmitTimestamp(); !errors.Is(err, radio.ErrNoTransmission) {
		t.Errorf("TransmitTimestamp before transmission = %v", err)
	}

	busErr := errors.New("bus fault")
	chip.failNext = busErr
	if err := d.Transmit(protocol.EncodePoll()); !errors.Is(err, busErr) {
		t.Errorf("Transmit with failing bus = %v", err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := d.Transmit(protocol.EncodePoll()); !errors.Is(err, radio.ErrClosed) {
		t.Errorf("Transmit after Close = %v", err)
	}
	if err := d.Service(); !errors.Is(err, radio.ErrClosed) {
		t.Errorf("Service after Close = %v", err)
	}
}

func TestSetAddress(t *testing.T) {
	d, chip := newTestDevice(t)
	eui := [8]byte{0x7D, 0x00, 0x22, 0xEA, 0x82, 0x60, 0x3B, 0x9C}
	if err := d.SetAddress(eui, 0xBEEF); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	if got := chip.get(regEUI, 0, 8); !bytes.Equal(got, []byte{0x9C, 0x3B, 0x60, 0x82, 0xEA, 0x22, 0x00, 0x7D}) {
		t.Errorf("EUI = % x", got)
	}
	if got := chip.get(regPANAddr, 0, 2); !bytes.Equal(got, []byte{0xEF, 0xBE}) {
		t.Errorf("short address = % x", got)
	}
}
