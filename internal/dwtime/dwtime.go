// Package dwtime implements the UWB transceiver's 40-bit system time counter.
//
// A Timestamp counts ticks of the 63.8976 GHz timestamp clock
// (128 × 499.2 MHz, ~15.65 ps per tick) and rolls over every 2^40 ticks
// (~17.2 s). Differences between two timestamps must be normalized with Wrap
// before use so that an interval spanning a rollover stays positive.
package dwtime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Counter constants.
const (
	// Bits is the width of the hardware counter.
	Bits = 40
	// Overflow is the number of ticks after which the counter rolls over.
	Overflow int64 = 1 << Bits
	// Size is the length of a timestamp on the wire.
	Size = 5

	// TicksPerSecond is the timestamp clock rate (128 * 499.2 MHz).
	TicksPerSecond = 128 * 499.2e6
	// SecondsPerTick is the resolution of one counter tick.
	SecondsPerTick = 1 / TicksPerSecond
	// SpeedOfLight is the radio propagation speed in air, in metres per second.
	SpeedOfLight = 299702547.0
	// MetersPerTick is the distance a radio wave travels during one tick.
	MetersPerTick = SpeedOfLight * SecondsPerTick
)

// ErrShortBuffer is returned when a wire timestamp is truncated.
var ErrShortBuffer = errors.New("timestamp buffer too short")

// Timestamp is a value of the 40-bit counter, or a difference of two values.
type Timestamp int64

// FromDuration converts a wall-clock duration to counter ticks.
func FromDuration(d time.Duration) Timestamp {
	return Timestamp(d.Seconds() * TicksPerSecond)
}

// FromMicroseconds converts microseconds to counter ticks.
func FromMicroseconds(us float64) Timestamp {
	return Timestamp(us * 1e-6 * TicksPerSecond)
}

// FromBytes decodes a 5-byte little-endian counter value.
func FromBytes(b []byte) (Timestamp, error) {
	if len(b) < Size {
		return 0, fmt.Errorf("%w: need %d bytes, got %d", ErrShortBuffer, Size, len(b))
	}
	var buf [8]byte
	copy(buf[:Size], b[:Size])
	return Timestamp(binary.LittleEndian.Uint64(buf[:])), nil
}

// PutBytes writes the low 40 bits of t as 5 little-endian bytes into b.
// b must be at least Size bytes long.
func (t Timestamp) PutBytes(b []byte) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(t.Wrap()))
	copy(b[:Size], buf[:Size])
}

// Bytes returns the 5-byte wire form of t.
func (t Timestamp) Bytes() []byte {
	b := make([]byte, Size)
	t.PutBytes(b)
	return b
}

// Add returns t+d, folded back into the counter range.
func (t Timestamp) Add(d Timestamp) Timestamp {
	return (t + d).Wrap()
}

// Sub returns the raw difference t-u. The result may be negative when the
// counter rolled over between u and t; call Wrap on it.
func (t Timestamp) Sub(u Timestamp) Timestamp {
	return t - u
}

// Wrap folds t into [0, Overflow).
func (t Timestamp) Wrap() Timestamp {
	v := int64(t) % Overflow
	if v < 0 {
		v += Overflow
	}
	return Timestamp(v)
}

// Since returns the rollover-safe interval from earlier to t.
func (t Timestamp) Since(earlier Timestamp) Timestamp {
	return t.Sub(earlier).Wrap()
}

// Seconds converts t to seconds.
func (t Timestamp) Seconds() float64 {
	return float64(t) * SecondsPerTick
}

// Microseconds converts t to microseconds.
func (t Timestamp) Microseconds() float64 {
	return float64(t) * SecondsPerTick * 1e6
}

// Duration converts t to a wall-clock duration, rounded to the nanosecond.
func (t Timestamp) Duration() time.Duration {
	return time.Duration(t.Seconds()*1e9 + 0.5)
}

// Meters converts t, taken as a time of flight, to a distance.
func (t Timestamp) Meters() float64 {
	return Meters(float64(t))
}

// String formats t as ticks and microseconds.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d (%.3f us)", int64(t), t.Microseconds())
}

// Meters converts a (possibly fractional) number of ticks of flight time to
// metres.
func Meters(ticks float64) float64 {
	return ticks * MetersPerTick
}
