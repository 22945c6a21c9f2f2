// Package protocol implements the rangelink two-way ranging frame format.
//
// Ranging frames carry no MAC header: the first byte is the message type and
// the body, if any, follows immediately. Two framed messages are recognised in
// addition: Blink, an IEEE 802.15.4 blink frame used for discovery, and
// RangingInit, carried behind a data frame header with a long destination
// address.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/rangelink/rangelink/internal/dwtime"
)

// MessageType identifies a ranging frame.
type MessageType byte

// Message types.
const (
	MsgPoll        MessageType = 0x00 // Tag opens a cycle
	MsgPollAck     MessageType = 0x01 // Anchor answers a poll
	MsgRange       MessageType = 0x02 // Tag reports its three timestamps
	MsgRangeReport MessageType = 0x03 // Anchor reports the computed range
	MsgRangingInit MessageType = 0x05 // Anchor invites a discovered tag
	MsgBlink       MessageType = 0xC5 // Discovery beacon
	MsgRangeFailed MessageType = 0xFF // Anchor aborts the cycle
)

// Frame layout constants.
const (
	// Frame control bytes.
	FrameControlBlink = 0xC5
	FrameControl1     = 0x41 // data frame, PAN ID compression
	FrameControl2     = 0x8C // long destination, short source address

	// EUISize is the length of an extended unique identifier.
	EUISize = 8

	// Sizes of the MAC framed messages.
	BlinkSize         = 1 + 1 + EUISize + 2         // FC + seq + EUI + short address
	LongMACHeaderSize = 2 + 1 + 2 + EUISize + 2     // FC(2) + seq + PAN + dest EUI + src short
	RangingInitSize   = LongMACHeaderSize + 1

	// Sizes of the unframed ranging messages, type byte included.
	PollSize        = 1
	PollAckSize     = 1
	RangeFailedSize = 1
	RangeSize       = 1 + 3*dwtime.Size // PollSent, PollAckReceived, RangeSent
	RangeReportSize = 1 + 4 + 4         // float32 range + float32 rx power
)

// Errors returned by Decode and Classify.
var (
	ErrMessageTooShort   = errors.New("message too short")
	ErrUnrecognizedFrame = errors.New("unrecognized frame")
)

// Message is a decoded frame.
type Message struct {
	Type MessageType

	// MsgRange
	PollSent        dwtime.Timestamp
	PollAckReceived dwtime.Timestamp
	RangeSent       dwtime.Timestamp

	// MsgRangeReport
	Range   float32 // metres
	RxPower float32 // dBm

	// MsgBlink (source) and MsgRangingInit (destination EUI, source short)
	Sequence     byte
	EUI          [EUISize]byte
	ShortAddress uint16
	NetworkID    uint16
}

// Classify returns the message type of frame without decoding its body.
func Classify(frame []byte) (MessageType, error) {
	if len(frame) == 0 {
		return 0, ErrMessageTooShort
	}
	switch {
	case frame[0] == FrameControlBlink:
		return MsgBlink, nil
	case len(frame) > LongMACHeaderSize &&
		frame[0] == FrameControl1 && frame[1] == FrameControl2 &&
		MessageType(frame[LongMACHeaderSize]) == MsgRangingInit:
		return MsgRangingInit, nil
	}

	switch t := MessageType(frame[0]); t {
	case MsgPoll, MsgPollAck, MsgRange, MsgRangeReport, MsgRangeFailed:
		return t, nil
	default:
		return 0, fmt.Errorf("%w: type byte 0x%02x", ErrUnrecognizedFrame, frame[0])
	}
}

// Decode parses frame into a Message.
func Decode(frame []byte) (*Message, error) {
	t, err := Classify(frame)
	if err != nil {
		return nil, err
	}

	msg := &Message{Type: t}

	switch t {
	case MsgPoll, MsgPollAck, MsgRangeFailed:
		// No body

	case MsgRange:
		if len(frame) < RangeSize {
			return nil, fmt.Errorf("%w: RANGE needs %d bytes, got %d", ErrMessageTooShort, RangeSize, len(frame))
		}
		// Lengths are checked above; FromBytes cannot fail here.
		msg.PollSent, _ = dwtime.FromBytes(frame[1:6])
		msg.PollAckReceived, _ = dwtime.FromBytes(frame[6:11])
		msg.RangeSent, _ = dwtime.FromBytes(frame[11:16])

	case MsgRangeReport:
		if len(frame) < RangeReportSize {
			return nil, fmt.Errorf("%w: RANGE_REPORT needs %d bytes, got %d", ErrMessageTooShort, RangeReportSize, len(frame))
		}
		msg.Range = math.Float32frombits(binary.LittleEndian.Uint32(frame[1:5]))
		msg.RxPower = math.Float32frombits(binary.LittleEndian.Uint32(frame[5:9]))

	case MsgBlink:
		if len(frame) < BlinkSize {
			return nil, fmt.Errorf("%w: BLINK needs %d bytes, got %d", ErrMessageTooShort, BlinkSize, len(frame))
		}
		msg.Sequence = frame[1]
		msg.EUI = getEUI(frame[2:10])
		msg.ShortAddress = binary.LittleEndian.Uint16(frame[10:12])

	case MsgRangingInit:
		msg.Sequence = frame[2]
		msg.NetworkID = binary.LittleEndian.Uint16(frame[3:5])
		msg.EUI = getEUI(frame[5:13])
		msg.ShortAddress = binary.LittleEndian.Uint16(frame[13:15])
	}

	return msg, nil
}

// EncodePoll encodes a POLL frame.
func EncodePoll() []byte {
	return []byte{byte(MsgPoll)}
}

// EncodePollAck encodes a POLL_ACK frame.
func EncodePollAck() []byte {
	return []byte{byte(MsgPollAck)}
}

// EncodeRangeFailed encodes a RANGE_FAILED frame.
func EncodeRangeFailed() []byte {
	return []byte{byte(MsgRangeFailed)}
}

// EncodeRange encodes a RANGE frame carrying the tag's three timestamps.
func EncodeRange(pollSent, pollAckReceived, rangeSent dwtime.Timestamp) []byte {
	msg := make([]byte, RangeSize)
	msg[0] = byte(MsgRange)
	pollSent.PutBytes(msg[1:6])
	pollAckReceived.PutBytes(msg[6:11])
	rangeSent.PutBytes(msg[11:16])
	return msg
}

// EncodeRangeReport encodes a RANGE_REPORT frame.
func EncodeRangeReport(rangeMeters, rxPower float32) []byte {
	msg := make([]byte, RangeReportSize)
	msg[0] = byte(MsgRangeReport)
	binary.LittleEndian.PutUint32(msg[1:5], math.Float32bits(rangeMeters))
	binary.LittleEndian.PutUint32(msg[5:9], math.Float32bits(rxPower))
	return msg
}

// Codec encodes MAC framed messages, which carry a sequence number.
type Codec struct {
	networkID uint16
	seq       atomic.Uint32
}

// NewCodec creates a codec for the given PAN identifier.
func NewCodec(networkID uint16) *Codec {
	return &Codec{networkID: networkID}
}

// NetworkID returns the PAN identifier written into framed messages.
func (c *Codec) NetworkID() uint16 {
	return c.networkID
}

func (c *Codec) nextSeq() byte {
	return byte(c.seq.Add(1) - 1)
}

// EncodeBlink encodes a blink frame announcing eui and short.
// Format: [0xC5][Seq][EUI reversed(8)][Short LE(2)]
func (c *Codec) EncodeBlink(eui [EUISize]byte, short uint16) []byte {
	msg := make([]byte, BlinkSize)
	msg[0] = FrameControlBlink
	msg[1] = c.nextSeq()
	putEUI(msg[2:10], eui)
	binary.LittleEndian.PutUint16(msg[10:12], short)
	return msg
}

// EncodeRangingInit encodes a RANGING_INIT frame from src to the device dest.
// Format: [0x41][0x8C][Seq][PAN LE(2)][Dest EUI reversed(8)][Src short LE(2)][0x05]
func (c *Codec) EncodeRangingInit(dest [EUISize]byte, src uint16) []byte {
	msg := make([]byte, RangingInitSize)
	msg[0] = FrameControl1
	msg[1] = FrameControl2
	msg[2] = c.nextSeq()
	binary.LittleEndian.PutUint16(msg[3:5], c.networkID)
	putEUI(msg[5:13], dest)
	binary.LittleEndian.PutUint16(msg[13:15], src)
	msg[LongMACHeaderSize] = byte(MsgRangingInit)
	return msg
}

// EUIs are written most significant byte first and sent least significant
// byte first.
func putEUI(dst []byte, eui [EUISize]byte) {
	for i := 0; i < EUISize; i++ {
		dst[i] = eui[EUISize-1-i]
	}
}

func getEUI(src []byte) [EUISize]byte {
	var eui [EUISize]byte
	for i := 0; i < EUISize; i++ {
		eui[i] = src[EUISize-1-i]
	}
	return eui
}

// String returns the name of the message type.
func (t MessageType) String() string {
	return MessageTypeName(t)
}

// MessageTypeName returns a human-readable name for a message type.
func MessageTypeName(t MessageType) string {
	switch t {
	case MsgPoll:
		return "POLL"
	case MsgPollAck:
		return "POLL_ACK"
	case MsgRange:
		return "RANGE"
	case MsgRangeReport:
		return "RANGE_REPORT"
	case MsgRangingInit:
		return "RANGING_INIT"
	case MsgBlink:
		return "BLINK"
	case MsgRangeFailed:
		return "RANGE_FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}
