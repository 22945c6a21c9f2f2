package node

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rangelink/rangelink/internal/events"
	"github.com/rangelink/rangelink/internal/logging"
	"github.com/rangelink/rangelink/internal/protocol"
	"github.com/rangelink/rangelink/internal/radio"
	"github.com/rangelink/rangelink/internal/radio/sim"
	"github.com/rangelink/rangelink/internal/ranging"
	"github.com/rangelink/rangelink/test/testutil"
)

var (
	anchorID = ranging.Identity{EUI: [8]byte{0x7D, 0, 0x22, 0xEA, 0x82, 0x60, 0x3B, 0x9C}, ShortAddress: 1}
	tagID    = ranging.Identity{EUI: [8]byte{0x7D, 0, 0x22, 0xEA, 0x82, 0x60, 0x3B, 0x9D}, ShortAddress: 2}
)

func newEngine(t *testing.T, role ranging.Role, self, peer ranging.Identity, clock ranging.Clock, drv radio.Driver) *ranging.Engine {
	t.Helper()
	e, err := ranging.New(ranging.Config{
		Role:   role,
		Self:   self,
		Peers:  []ranging.Identity{peer},
		Clock:  clock,
		Logger: logging.Discard(),
	}, drv)
	if err != nil {
		t.Fatalf("ranging.New: %v", err)
	}
	return e
}

func TestRangeStats_AddSample(t *testing.T) {
	s := &RangeStats{}

	s.AddSample(1)
	s.AddSample(2)
	s.AddSample(3)

	if s.Current() != 3 {
		t.Errorf("Current = %v, want 3", s.Current())
	}
	if s.Average() != 2 {
		t.Errorf("Average = %v, want 2", s.Average())
	}
}

func TestRangeStats_SlidingWindow(t *testing.T) {
	s := &RangeStats{}

	for i := 1; i <= 25; i++ {
		s.AddSample(float64(i))
	}

	// Only 6..25 remain.
	if s.Count() != RangeWindow {
		t.Errorf("Count = %d, want %d", s.Count(), RangeWindow)
	}
	if s.Average() != 15.5 {
		t.Errorf("Average = %v, want 15.5", s.Average())
	}
}

func TestRangeStats_Empty(t *testing.T) {
	s := &RangeStats{}
	if s.Average() != 0 || s.Current() != 0 {
		t.Errorf("empty stats = %v/%v", s.Current(), s.Average())
	}
	if jumped, _, _ := s.CheckJump(); jumped {
		t.Error("CheckJump on empty stats")
	}
}

func TestRangeStats_CheckJump(t *testing.T) {
	tests := []struct {
		name   string
		ranges []float64
		want   bool
	}{
		{"single sample", []float64{5}, false},
		{"steady", []float64{5, 5.2}, false},
		{"away", []float64{5, 6.5}, true},
		{"closer", []float64{5, 3}, true},
		{"at threshold", []float64{5, 6}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &RangeStats{}
			for _, r := range tt.ranges {
				s.AddSample(r)
			}
			jumped, from, to := s.CheckJump()
			if jumped != tt.want {
				t.Fatalf("CheckJump = %v, want %v", jumped, tt.want)
			}
			if jumped && (from != tt.ranges[0] || to != tt.ranges[1]) {
				t.Errorf("jump %v -> %v", from, to)
			}
		})
	}
}

func TestRangeStats_Concurrent(t *testing.T) {
	s := &RangeStats{}
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.AddSample(float64(i))
				_ = s.Average()
				_, _, _ = s.CheckJump()
			}
		}(i)
	}

	wg.Wait()
	if s.Count() != RangeWindow {
		t.Errorf("Count = %d, want %d", s.Count(), RangeWindow)
	}
}

func TestNew_Validation(t *testing.T) {
	drv := testutil.NewRecordingDriver(radio.RxQuality{Power: -80, PRF: radio.PRF16MHz})
	engine := newEngine(t, ranging.RoleAnchor, anchorID, tagID, nil, drv)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing engine", Config{Driver: drv, Logger: logging.Discard()}},
		{"missing driver", Config{Engine: engine, Logger: logging.Discard()}},
		{"missing logger", Config{Engine: engine, Driver: drv}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New succeeded")
			}
		})
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "STOPPED"},
		{StateStarting, "STARTING"},
		{StateRunning, "RUNNING"},
		{State(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		input    uint64
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{12345, "12,345"},
		{999999, "999,999"},
		{1000000, "1,000,000"},
		{12345678, "12,345,678"},
	}

	for _, tt := range tests {
		if got := formatNumber(tt.input); got != tt.expected {
			t.Errorf("formatNumber(%d) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestReport_Levels(t *testing.T) {
	drv := testutil.NewRecordingDriver(radio.RxQuality{Power: -80, PRF: radio.PRF16MHz})
	emitter := &testutil.RecordingEmitter{}
	var out bytes.Buffer
	logger := logging.NewLogger(logging.LevelWarn)
	logger.SetOutput(&out)

	n, err := New(Config{
		Engine:  newEngine(t, ranging.RoleAnchor, anchorID, tagID, nil, drv),
		Driver:  drv,
		Logger:  logger,
		Emitter: emitter,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n.report(protocol.ErrUnrecognizedFrame)
	if out.Len() != 0 || emitter.Count(events.EventError) != 0 {
		t.Errorf("frame error reported above debug: %q", out.String())
	}

	n.report(errors.New("spi bus stuck"))
	if !strings.Contains(out.String(), "spi bus stuck") {
		t.Errorf("warning not logged: %q", out.String())
	}
	if emitter.Count(events.EventError) != 1 {
		t.Errorf("error events = %d, want 1", emitter.Count(events.EventError))
	}
}

func TestRun_StartFailureClosesDriver(t *testing.T) {
	drv := testutil.NewRecordingDriver(radio.RxQuality{Power: -80, PRF: radio.PRF16MHz})
	engine := newEngine(t, ranging.RoleAnchor, anchorID, tagID, nil, drv)
	if err := engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	n, err := New(Config{Engine: engine, Driver: drv, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Run(context.Background()); !errors.Is(err, ranging.ErrAlreadyStarted) {
		t.Errorf("Run = %v, want ErrAlreadyStarted", err)
	}
	if !drv.Closed {
		t.Error("driver left open")
	}
	if n.State() != StateStopped {
		t.Errorf("State = %s, want STOPPED", n.State())
	}
}

func TestRun_RangesOverSimulatedAir(t *testing.T) {
	const distance = 4.0
	air := sim.NewAir(distance)
	anchorRadio := air.NewRadio(sim.Options{DriftPPM: 3})
	tagRadio := air.NewRadio(sim.Options{DriftPPM: -5})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	airDone := make(chan struct{})
	go func() {
		defer close(airDone)
		_ = air.Run(ctx, 200*time.Microsecond)
	}()

	var tagRanges atomic.Int32
	emitter := &testutil.RecordingEmitter{}

	anchor, err := New(Config{
		Engine:  newEngine(t, ranging.RoleAnchor, anchorID, tagID, air, anchorRadio),
		Driver:  anchorRadio,
		Logger:  logging.Discard(),
		Emitter: emitter,
	})
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	tag, err := New(Config{
		Engine: newEngine(t, ranging.RoleTag, tagID, anchorID, air, tagRadio),
		Driver: tagRadio,
		Logger: logging.Discard(),
		OnRange: func(p ranging.Peer) {
			if tagRanges.Add(1) >= 3 {
				cancel()
			}
		},
	})
	if err != nil {
		t.Fatalf("tag: %v", err)
	}

	errs := make(chan error, 2)
	go func() { errs <- anchor.Run(ctx) }()
	go func() { errs <- tag.Run(ctx) }()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Run: %v", err)
		}
	}
	<-airDone

	if tagRanges.Load() < 3 {
		t.Fatalf("tag completed %d ranges before timeout, want 3", tagRanges.Load())
	}
	if tag.Ranges().Count() < 3 {
		t.Errorf("tag range window holds %d samples", tag.Ranges().Count())
	}
	if got := tag.Ranges().Average(); math.Abs(got-distance) > 0.5 {
		t.Errorf("average range %.3f m, want about %.1f m", got, distance)
	}
	if anchor.State() != StateStopped || tag.State() != StateStopped {
		t.Errorf("states %s/%s after Run", anchor.State(), tag.State())
	}
	if emitter.Count(events.EventStats) == 0 {
		t.Error("no stats event emitted on shutdown")
	}
}

func TestStatsLoop_Stdin(t *testing.T) {
	drv := testutil.NewRecordingDriver(radio.RxQuality{Power: -80, PRF: radio.PRF16MHz})
	emitter := &testutil.RecordingEmitter{}

	n, err := New(Config{
		Engine:  newEngine(t, ranging.RoleAnchor, anchorID, tagID, nil, drv),
		Driver:  drv,
		Logger:  logging.Discard(),
		Emitter: emitter,
		Stdin:   strings.NewReader("\n"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	if !testutil.WaitFor(2*time.Second, func() bool { return emitter.Count(events.EventStats) >= 1 }) {
		t.Error("Enter did not print stats")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}
