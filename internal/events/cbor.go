package events

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// CBORWriter writes a CBOR sequence (RFC 8742), one envelope per data item.
// Struct fields are keyed by their json tag names. It is safe for concurrent
// use.
type CBORWriter struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	w   io.Writer
}

var cborEncMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("events: cbor encoding mode: %v", err))
	}
	cborEncMode = em
}

// NewCBORWriter creates a new CBORWriter that writes to w.
func NewCBORWriter(w io.Writer) *CBORWriter {
	return &CBORWriter{enc: cborEncMode.NewEncoder(w), w: w}
}

// Emit writes one CBOR data item with the event envelope.
func (c *CBORWriter) Emit(eventType EventType, data interface{}) {
	env := Envelope{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.enc.Encode(env)
}

// Close closes the underlying writer if it implements io.Closer.
func (c *CBORWriter) Close() error {
	return closeWriter(c.w)
}
