// Package radio defines the contract between the ranging engine and a UWB
// transceiver driver.
//
// Drivers run transmissions and receptions asynchronously. Completion is
// reported through the two handlers passed to SetHandlers, which may be
// invoked from an interrupt service goroutine; they must do nothing beyond
// raising a Signal. Everything else (reading payloads, timestamps and
// signal quality) happens later from the engine's poll loop.
package radio

import (
	"errors"
	"time"

	"github.com/rangelink/rangelink/internal/dwtime"
)

// Errors shared by driver implementations.
var (
	ErrClosed         = errors.New("radio closed")
	ErrNoFrame        = errors.New("no frame received")
	ErrNoTransmission = errors.New("no transmission completed")
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrDelayTooShort  = errors.New("delayed transmission time already passed")
)

// MaxFrameSize is the largest payload a standard-mode frame can carry
// (127 bytes minus the 2-byte CRC appended by the transceiver).
const MaxFrameSize = 125

// NetworkConfig is the addressing and PHY setup applied to a transceiver.
type NetworkConfig struct {
	DeviceAddress uint16 // Short (16-bit) address
	NetworkID     uint16 // PAN identifier
	Mode          Mode
}

// RxQuality describes the last received frame.
type RxQuality struct {
	Power          float64 // Estimated receive power, dBm
	FirstPathPower float64 // First path power, dBm
	Quality        float64 // Link quality indicator (higher is better)
	PRF            PRF     // Pulse repetition frequency the frame was received at
}

// Driver is a UWB transceiver.
type Driver interface {
	// SetHandlers registers the completion callbacks. Either may be nil.
	SetHandlers(onSent, onReceived func())

	// Configure applies addressing and PHY settings.
	Configure(cfg NetworkConfig) error

	// SetAddress assigns the device's extended unique identifier and short address.
	SetAddress(eui [8]byte, short uint16) error

	// StartReceive enables continuous reception. The receiver re-arms itself
	// after every received frame and after every completed transmission.
	StartReceive() error

	// Transmit starts sending frame immediately.
	Transmit(frame []byte) error

	// DelayedTime returns the transmit timestamp a frame passed to
	// TransmitAt will carry if it is scheduled d from now.
	DelayedTime(d time.Duration) (dwtime.Timestamp, error)

	// TransmitAt schedules frame to leave the antenna at the given counter value,
	// as previously returned by DelayedTime.
	TransmitAt(frame []byte, at dwtime.Timestamp) error

	// Data returns a copy of the last received payload.
	Data() ([]byte, error)

	// TransmitTimestamp returns the time the last frame left the antenna.
	TransmitTimestamp() (dwtime.Timestamp, error)

	// ReceiveTimestamp returns the time the last frame arrived.
	ReceiveTimestamp() (dwtime.Timestamp, error)

	// Quality returns signal measurements for the last received frame.
	Quality() (RxQuality, error)

	// Close releases the device.
	Close() error
}
