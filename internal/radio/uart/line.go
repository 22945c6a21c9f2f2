package uart

import (
	"errors"
	"fmt"
)

// Line framing. Every message is one line: a type byte and its payload,
// with 0xDB and '\n' escaped so the terminator never appears inside.
const (
	escape         = 0xDB
	escapedEscape  = 0xDC
	escapedNewline = 0xDD
	terminator     = '\n'
)

// Host to module.
const (
	cmdConfigure  byte = 0x10 // address(2) network(2) rate prf preamble(2)
	cmdSetAddress byte = 0x11 // eui(8) short(2)
	cmdReceive    byte = 0x12
	cmdTransmit   byte = 0x13 // frame
	cmdTransmitAt byte = 0x14 // stamp(5) frame
	cmdTime       byte = 0x15
	cmdIdle       byte = 0x16
)

// Module to host.
const (
	evSent     byte = 0x20 // stamp(5)
	evReceived byte = 0x21 // stamp(5) power(2) fp(2) quality(2) prf frame
	evTime     byte = 0x22 // stamp(5)
	evLog      byte = 0x23 // text
	evLate     byte = 0x24 // delayed transmission missed
)

const receivedHeaderSize = 12

var errBadEscape = errors.New("invalid escape sequence")

// encodeLine returns the escaped, terminated line carrying typ and payload.
func encodeLine(typ byte, payload []byte) []byte {
	line := make([]byte, 0, len(payload)+4)
	line = appendEscaped(line, typ)
	for _, b := range payload {
		line = appendEscaped(line, b)
	}
	return append(line, terminator)
}

func appendEscaped(dst []byte, b byte) []byte {
	switch b {
	case escape:
		return append(dst, escape, escapedEscape)
	case terminator:
		return append(dst, escape, escapedNewline)
	default:
		return append(dst, b)
	}
}

// decodeLine reverses encodeLine. line must not include the terminator.
func decodeLine(line []byte) (typ byte, payload []byte, err error) {
	out := make([]byte, 0, len(line))
	for i := 0; i < len(line); i++ {
		b := line[i]
		if b != escape {
			out = append(out, b)
			continue
		}
		if i+1 == len(line) {
			return 0, nil, fmt.Errorf("%w: dangling 0x%02X", errBadEscape, escape)
		}
		i++
		switch line[i] {
		case escapedEscape:
			out = append(out, escape)
		case escapedNewline:
			out = append(out, terminator)
		default:
			return 0, nil, fmt.Errorf("%w: 0x%02X 0x%02X", errBadEscape, escape, line[i])
		}
	}
	if len(out) == 0 {
		return 0, nil, errors.New("empty line")
	}
	return out[0], out[1:], nil
}
