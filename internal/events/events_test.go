package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

func TestJSONLineWriter_Emit(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLineWriter(&buf)

	w.Emit(EventRange, RangeData{Peer: "7D:00:22:EA:82:60:3B:9C", ShortAddress: "0x0001", RangeM: 1.25, RxPowerDBm: -80.5})

	line := strings.TrimSpace(buf.String())
	var env Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		t.Fatalf("failed to parse JSON line: %v", err)
	}

	if env.Type != EventRange {
		t.Errorf("type = %q, want %q", env.Type, EventRange)
	}
	if env.Timestamp.IsZero() {
		t.Error("timestamp should not be zero")
	}

	// Data is decoded as map[string]interface{} by default
	data, ok := env.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data is not a map, got %T", env.Data)
	}
	if data["range_m"] != 1.25 {
		t.Errorf("data.range_m = %v, want 1.25", data["range_m"])
	}
	if data["peer"] != "7D:00:22:EA:82:60:3B:9C" {
		t.Errorf("data.peer = %v", data["peer"])
	}
	if _, present := data["quality"]; present {
		t.Error("zero quality should be omitted")
	}
}

func TestJSONLineWriter_MultipleEvents(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLineWriter(&buf)

	w.Emit(EventStats, StatsData{Polls: 10, Ranges: 9, SuccessRate: 0.9})
	w.Emit(EventReset, ResetData{Role: "tag", Expected: "POLL_ACK", IdleMs: 201})
	w.Emit(EventDiscovery, DiscoveryData{EUI: "7D:00:22:EA:82:60:3B:9C", ShortAddress: "0x0001"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}

	// Verify each line is valid JSON
	for i, line := range lines {
		var env Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			t.Errorf("line %d: failed to parse: %v", i, err)
		}
	}
}

func TestJSONLineWriter_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLineWriter(&buf)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Emit(EventProtocolFailure, ProtocolFailureData{Role: "anchor", Expected: "POLL", Received: "RANGE"})
		}()
	}

	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 50 {
		t.Errorf("got %d lines, want 50", len(lines))
	}

	for i, line := range lines {
		var env Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			t.Errorf("line %d: invalid JSON: %v", i, err)
		}
	}
}

func TestJSONLineWriter_FixedClock(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLineWriter(&buf)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return at }

	w.Emit(EventError, ErrorData{Message: "radio closed"})

	if !strings.Contains(buf.String(), `"timestamp":"2024-03-01T12:00:00Z"`) {
		t.Errorf("unexpected line %q", buf.String())
	}
}

func TestCBORWriter_Emit(t *testing.T) {
	var buf bytes.Buffer
	w := NewCBORWriter(&buf)

	w.Emit(EventRange, RangeData{Peer: "7D:00:22:EA:82:60:3B:9C", RangeM: 2.5, RxPowerDBm: -77})
	w.Emit(EventUnrecognizedFrame, UnrecognizedFrameData{TypeByte: 0x42, Length: 3})

	dec := cbor.NewDecoder(&buf)

	var first map[string]interface{}
	if err := dec.Decode(&first); err != nil {
		t.Fatalf("decode first item: %v", err)
	}
	if first["type"] != string(EventRange) {
		t.Errorf("type = %v, want range", first["type"])
	}
	if _, ok := first["timestamp"].(string); !ok {
		t.Errorf("timestamp should be an RFC 3339 string, got %T", first["timestamp"])
	}
	data, ok := first["data"].(map[interface{}]interface{})
	if !ok {
		t.Fatalf("data is not a map, got %T", first["data"])
	}
	if data["range_m"] != 2.5 {
		t.Errorf("data.range_m = %v, want 2.5", data["range_m"])
	}

	var second map[string]interface{}
	if err := dec.Decode(&second); err != nil {
		t.Fatalf("decode second item: %v", err)
	}
	if second["type"] != string(EventUnrecognizedFrame) {
		t.Errorf("type = %v, want unrecognized_frame", second["type"])
	}

	var extra map[string]interface{}
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after two items, got %v", err)
	}
}

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestWriters_Close(t *testing.T) {
	var buf bytes.Buffer
	// bytes.Buffer doesn't implement io.Closer, so Close returns nil
	if err := NewJSONLineWriter(&buf).Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}

	rec := &closeRecorder{}
	if err := NewCBORWriter(rec).Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
	if !rec.closed {
		t.Error("underlying writer was not closed")
	}
}

func TestNopEmitter_Emit(t *testing.T) {
	var nop NopEmitter
	// Should not panic
	nop.Emit(EventRange, RangeData{RangeM: 1})
	nop.Emit(EventStats, nil)
}

func TestNopEmitter_Close(t *testing.T) {
	var nop NopEmitter
	if err := nop.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

// Verify interface compliance at compile time.
var (
	_ Emitter = (*JSONLineWriter)(nil)
	_ Emitter = (*CBORWriter)(nil)
	_ Emitter = NopEmitter{}
)
