package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAddress is returned when an EUI or short address does not parse.
var ErrInvalidAddress = errors.New("invalid address")

// FormatEUI formats an EUI as colon separated hex bytes, most significant
// first: "7D:00:22:EA:82:60:3B:9C".
func FormatEUI(eui [EUISize]byte) string {
	var b strings.Builder
	for i, v := range eui {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// ParseEUI parses an EUI written as 8 hex bytes, with or without ':' or '-'
// separators.
func ParseEUI(s string) ([EUISize]byte, error) {
	var eui [EUISize]byte
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(clean) != 2*EUISize {
		return eui, fmt.Errorf("%w: EUI %q must have %d bytes", ErrInvalidAddress, s, EUISize)
	}
	if _, err := hex.Decode(eui[:], []byte(clean)); err != nil {
		return eui, fmt.Errorf("%w: EUI %q: %v", ErrInvalidAddress, s, err)
	}
	return eui, nil
}

// FormatShort formats a short address as 0x-prefixed hex.
func FormatShort(short uint16) string {
	return fmt.Sprintf("0x%04X", short)
}

// ParseShort parses a short address in decimal or 0x-prefixed hex.
func ParseShort(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: short address %q", ErrInvalidAddress, s)
	}
	return uint16(v), nil
}

// ShortFromEUI derives a short address from the two least significant EUI
// bytes.
func ShortFromEUI(eui [EUISize]byte) uint16 {
	return uint16(eui[EUISize-2])<<8 | uint16(eui[EUISize-1])
}
