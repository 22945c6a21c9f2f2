package radio

import (
	"fmt"
	"strings"
)

// PRF is the pulse repetition frequency.
type PRF uint8

const (
	PRF16MHz PRF = 1
	PRF64MHz PRF = 2
)

func (p PRF) String() string {
	switch p {
	case PRF16MHz:
		return "16MHz"
	case PRF64MHz:
		return "64MHz"
	default:
		return fmt.Sprintf("PRF(%d)", uint8(p))
	}
}

// ParsePRF accepts "16", "64", "16MHz" or "64MHz".
func ParsePRF(s string) (PRF, error) {
	switch strings.ToLower(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "mhz")) {
	case "16":
		return PRF16MHz, nil
	case "64":
		return PRF64MHz, nil
	default:
		return 0, fmt.Errorf("invalid PRF %q: must be 16 or 64", s)
	}
}

// DataRate is the over-the-air bit rate.
type DataRate uint8

const (
	DataRate110Kbps DataRate = iota
	DataRate850Kbps
	DataRate6800Kbps
)

func (r DataRate) String() string {
	switch r {
	case DataRate110Kbps:
		return "110kbps"
	case DataRate850Kbps:
		return "850kbps"
	case DataRate6800Kbps:
		return "6.8Mbps"
	default:
		return fmt.Sprintf("DataRate(%d)", uint8(r))
	}
}

// PreambleLength is the number of preamble symbols.
type PreambleLength uint16

const (
	Preamble64   PreambleLength = 64
	Preamble128  PreambleLength = 128
	Preamble256  PreambleLength = 256
	Preamble512  PreambleLength = 512
	Preamble1024 PreambleLength = 1024
	Preamble1536 PreambleLength = 1536
	Preamble2048 PreambleLength = 2048
	Preamble4096 PreambleLength = 4096
)

// Mode is a PHY configuration.
type Mode struct {
	DataRate       DataRate
	PRF            PRF
	PreambleLength PreambleLength
}

func (m Mode) String() string {
	return fmt.Sprintf("%s/%s/%d", m.DataRate, m.PRF, m.PreambleLength)
}

// Standard modes, trading range against update rate and accuracy.
var (
	ModeLongDataRangeLowPower = Mode{DataRate110Kbps, PRF16MHz, Preamble2048}
	ModeShortDataFastLowPower = Mode{DataRate6800Kbps, PRF16MHz, Preamble128}
	ModeLongDataFastLowPower  = Mode{DataRate6800Kbps, PRF16MHz, Preamble1024}
	ModeShortDataFastAccuracy = Mode{DataRate6800Kbps, PRF64MHz, Preamble128}
	ModeLongDataFastAccuracy  = Mode{DataRate6800Kbps, PRF64MHz, Preamble1024}
	ModeLongDataRangeAccuracy = Mode{DataRate110Kbps, PRF64MHz, Preamble2048}
)

// DefaultMode is used when no mode is configured.
var DefaultMode = ModeLongDataRangeLowPower

var modesByName = map[string]Mode{
	"longdata-range-lowpower": ModeLongDataRangeLowPower,
	"shortdata-fast-lowpower": ModeShortDataFastLowPower,
	"longdata-fast-lowpower":  ModeLongDataFastLowPower,
	"shortdata-fast-accuracy": ModeShortDataFastAccuracy,
	"longdata-fast-accuracy":  ModeLongDataFastAccuracy,
	"longdata-range-accuracy": ModeLongDataRangeAccuracy,
}

// ParseMode resolves a mode preset name such as "longdata-range-lowpower".
func ParseMode(name string) (Mode, error) {
	m, ok := modesByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Mode{}, fmt.Errorf("unknown mode %q: must be one of %s", name, strings.Join(ModeNames(), ", "))
	}
	return m, nil
}

// ModeNames lists the preset names accepted by ParseMode.
func ModeNames() []string {
	return []string{
		"longdata-range-lowpower",
		"shortdata-fast-lowpower",
		"longdata-fast-lowpower",
		"shortdata-fast-accuracy",
		"longdata-fast-accuracy",
		"longdata-range-accuracy",
	}
}
