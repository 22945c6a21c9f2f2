// Package events provides structured event emission for ranging results and
// diagnostics.
package events

import "time"

// EventType identifies the kind of event.
type EventType string

const (
	EventRange             EventType = "range"
	EventReset             EventType = "reset"
	EventProtocolFailure   EventType = "protocol_failure"
	EventUnrecognizedFrame EventType = "unrecognized_frame"
	EventComputationError  EventType = "computation_error"
	EventStats             EventType = "stats"
	EventDiscovery         EventType = "discovery"
	EventError             EventType = "error"
)

// Envelope wraps every emitted event with type and timestamp.
type Envelope struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// RangeData is the payload for range events.
type RangeData struct {
	Peer           string  `json:"peer"`
	ShortAddress   string  `json:"short_address"`
	RangeM         float64 `json:"range_m"`
	RxPowerDBm     float64 `json:"rx_power_dbm"`
	FirstPathPower float64 `json:"first_path_power_dbm,omitempty"`
	Quality        float64 `json:"quality,omitempty"`
}

// ResetData is the payload for reset events.
type ResetData struct {
	Role     string `json:"role"`
	Expected string `json:"expected"`
	IdleMs   int64  `json:"idle_ms"`
}

// ProtocolFailureData is the payload for protocol_failure events.
type ProtocolFailureData struct {
	Role     string `json:"role"`
	Expected string `json:"expected"`
	Received string `json:"received"`
}

// UnrecognizedFrameData is the payload for unrecognized_frame events.
type UnrecognizedFrameData struct {
	TypeByte uint8 `json:"type_byte"`
	Length   int   `json:"length"`
}

// ComputationErrorData is the payload for computation_error events.
type ComputationErrorData struct {
	Peer    string `json:"peer"`
	Message string `json:"message"`
}

// StatsData is the payload for stats events.
type StatsData struct {
	Polls        uint64  `json:"polls"`
	Ranges       uint64  `json:"ranges"`
	Failures     uint64  `json:"failures"`
	Resets       uint64  `json:"resets"`
	Unrecognized uint64  `json:"unrecognized"`
	SuccessRate  float64 `json:"success_rate"`
	LastRangeM   float64 `json:"last_range_m"`
}

// DiscoveryData is the payload for discovery events.
type DiscoveryData struct {
	EUI          string `json:"eui"`
	ShortAddress string `json:"short_address"`
}

// ErrorData is the payload for error events.
type ErrorData struct {
	Message string `json:"message"`
}

// Emitter is the interface for emitting structured events.
type Emitter interface {
	Emit(eventType EventType, data interface{})
	Close() error
}
