// Package trace records ranging frames to a pcapng file.
//
// Frames are stored raw under the DLT_USER0 link type. Transmitted and
// received frames go to two capture interfaces, "tx" and "rx", so the
// direction survives in any pcapng viewer.
package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// LinkType is DLT_USER0, reserved for private use.
const LinkType = layers.LinkType(147)

// Direction of a traced frame, stored as the capture interface index.
type Direction int

const (
	Sent Direction = iota
	Received
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "tx"
	case Received:
		return "rx"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("trace closed")

// Writer appends frames to a pcapng stream. It is safe for concurrent use
// and satisfies the engine's tracer interface.
type Writer struct {
	mu     sync.Mutex
	ng     *pcapgo.NgWriter
	closer io.Closer
	now    func() time.Time
	frames uint64
	err    error
}

// New writes the pcapng section header and both interfaces to w.
func New(w io.Writer) (*Writer, error) {
	opts := pcapgo.DefaultNgWriterOptions
	opts.SectionInfo.Application = "rangelink"

	ng, err := pcapgo.NewNgWriterInterface(w, iface(Sent), opts)
	if err != nil {
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	if _, err := ng.AddInterface(iface(Received)); err != nil {
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	if err := ng.Flush(); err != nil {
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	return &Writer{ng: ng, now: time.Now}, nil
}

func iface(d Direction) pcapgo.NgInterface {
	intf := pcapgo.DefaultNgInterface
	intf.Name = d.String()
	intf.LinkType = LinkType
	return intf
}

// Open creates (or truncates) the file at path and starts a trace in it.
func Open(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace: %w", err)
	}
	w, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Sent records a transmitted frame.
func (w *Writer) Sent(frame []byte) {
	w.write(Sent, frame)
}

// Received records a received frame.
func (w *Writer) Received(frame []byte) {
	w.write(Received, frame)
}

// write stores one frame. The first failure is kept for Err and stops
// further writes.
func (w *Writer) write(d Direction, frame []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:      w.now(),
		CaptureLength:  len(frame),
		Length:         len(frame),
		InterfaceIndex: int(d),
	}
	if err := w.ng.WritePacket(ci, frame); err != nil {
		w.err = fmt.Errorf("write trace: %w", err)
		return
	}
	if err := w.ng.Flush(); err != nil {
		w.err = fmt.Errorf("write trace: %w", err)
		return
	}
	w.frames++
}

// Frames returns the number of frames written.
func (w *Writer) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Err returns the first write error.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if errors.Is(w.err, ErrClosed) {
		return nil
	}
	return w.err
}

// Close flushes the trace and closes the file opened by Open.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if errors.Is(w.err, ErrClosed) {
		return nil
	}
	err := w.ng.Flush()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
	}
	w.err = ErrClosed
	return err
}

// Record is one frame read back from a trace.
type Record struct {
	Time      time.Time
	Direction Direction
	Frame     []byte
}

// ReadAll reads every record of a trace written by Writer.
func ReadAll(r io.Reader) ([]Record, error) {
	ng, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	if lt := ng.LinkType(); lt != LinkType {
		return nil, fmt.Errorf("read trace: link type %d, want %d", lt, LinkType)
	}

	var out []Record
	for {
		data, ci, err := ng.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read trace: %w", err)
		}
		out = append(out, Record{
			Time:      ci.Timestamp,
			Direction: Direction(ci.InterfaceIndex),
			Frame:     data,
		})
	}
}
