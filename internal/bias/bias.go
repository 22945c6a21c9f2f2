// Package bias implements the received-signal-level dependent range bias
// correction for UWB time-of-flight measurements.
//
// A weak signal makes the leading edge detector trigger late and a strong one
// early, so the raw distance is off by a bias that depends on the received
// power and the pulse repetition frequency. The correction curves are
// piecewise linear over fixed received signal level (RSL) breakpoints.
package bias

import (
	"errors"
	"fmt"

	"github.com/rangelink/rangelink/internal/radio"
)

// Errors returned by Correction and Validate.
var (
	ErrMalformedTable = errors.New("malformed bias table")
	ErrUnsupportedPRF = errors.New("unsupported PRF")
)

// Table holds bias curves sampled at strictly descending RSL breakpoints.
// Curve values are in thousandths of a metre.
type Table struct {
	RSL   []float64 // dBm, strictly descending
	PRF16 []float64
	PRF64 []float64
}

// Default is the correction table for the DW1000 on channel 5.
var Default = Table{
	RSL: []float64{-61, -63, -65, -67, -69, -71, -73, -75, -77, -79, -81, -83, -85, -87, -89, -91, -93},
	PRF16: []float64{
		-198, -187, -179, -163, -143, -127, -109, -84, -59, -31, 0, 36, 65, 84, 97, 106, 110,
	},
	PRF64: []float64{
		-110, -105, -100, -93, -82, -69, -51, -27, 0, 21, 35, 42, 49, 62, 71, 76, 81,
	},
}

// Validate checks the table shape: at least one breakpoint, strictly
// descending breakpoints and one curve value per breakpoint.
func (t Table) Validate() error {
	if len(t.RSL) == 0 {
		return fmt.Errorf("%w: no breakpoints", ErrMalformedTable)
	}
	if len(t.PRF16) != len(t.RSL) || len(t.PRF64) != len(t.RSL) {
		return fmt.Errorf("%w: %d breakpoints but curves of %d and %d values",
			ErrMalformedTable, len(t.RSL), len(t.PRF16), len(t.PRF64))
	}
	for i := 1; i < len(t.RSL); i++ {
		if !(t.RSL[i] < t.RSL[i-1]) {
			return fmt.Errorf("%w: breakpoint %d (%g) not below %g", ErrMalformedTable, i, t.RSL[i], t.RSL[i-1])
		}
	}
	return nil
}

func (t Table) curve(prf radio.PRF) ([]float64, error) {
	switch prf {
	case radio.PRF16MHz:
		return t.PRF16, nil
	case radio.PRF64MHz:
		return t.PRF64, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPRF, prf)
	}
}

// Correction returns the bias, in metres, for a frame received at rxPower
// dBm with the given PRF. The caller subtracts it from the raw distance.
//
// Powers at or above the first breakpoint clamp to the first value and
// powers at or below the last clamp to the last value. In between, the two
// bracketing breakpoints are interpolated linearly.
func (t Table) Correction(rxPower float64, prf radio.PRF) (float64, error) {
	c, err := t.curve(prf)
	if err != nil {
		return 0, err
	}
	n := len(t.RSL)
	if n == 0 || len(c) != n {
		return 0, fmt.Errorf("%w: curve for %s has %d values, want %d", ErrMalformedTable, prf, len(c), n)
	}

	if rxPower >= t.RSL[0] {
		return c[0] / 1000, nil
	}
	if rxPower <= t.RSL[n-1] {
		return c[n-1] / 1000, nil
	}

	for i := 0; i < n-1; i++ {
		hi, lo := t.RSL[i], t.RSL[i+1]
		if rxPower <= hi && rxPower >= lo {
			frac := (rxPower - hi) / (lo - hi)
			return (c[i] + frac*(c[i+1]-c[i])) / 1000, nil
		}
	}

	return 0, fmt.Errorf("%w: no breakpoints bracket %g dBm", ErrMalformedTable, rxPower)
}
