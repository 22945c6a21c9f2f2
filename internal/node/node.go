// Package node runs a ranging engine: the poll loop, periodic statistics and
// shutdown handling.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rangelink/rangelink/internal/events"
	"github.com/rangelink/rangelink/internal/logging"
	"github.com/rangelink/rangelink/internal/protocol"
	"github.com/rangelink/rangelink/internal/radio"
	"github.com/rangelink/rangelink/internal/ranging"
)

// Configuration constants.
const (
	// DefaultPollInterval is how often the engine is polled.
	DefaultPollInterval = time.Millisecond
	// RangeWindow is the number of ranges averaged for statistics.
	RangeWindow = 20
	// RangeJumpThreshold is the change between consecutive ranges, in metres,
	// above which a warning is logged.
	RangeJumpThreshold = 1.0
)

// State represents the node lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// RangeStats keeps a sliding window of completed ranges.
type RangeStats struct {
	mu      sync.RWMutex
	samples []float64
	sum     float64
	current float64
	last    float64
}

// AddSample adds a range in metres.
func (s *RangeStats) AddSample(r float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = s.current
	s.current = r
	s.samples = append(s.samples, r)
	s.sum += r

	if len(s.samples) > RangeWindow {
		s.sum -= s.samples[0]
		s.samples = s.samples[1:]
	}
}

// Current returns the latest range.
func (s *RangeStats) Current() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Average returns the mean over the window, or 0 without samples.
func (s *RangeStats) Average() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.samples) == 0 {
		return 0
	}
	return s.sum / float64(len(s.samples))
}

// Count returns the number of samples in the window.
func (s *RangeStats) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}

// CheckJump reports whether the latest range moved by more than
// RangeJumpThreshold from the one before it.
func (s *RangeStats) CheckJump() (bool, float64, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.samples) < 2 {
		return false, 0, 0
	}
	d := s.current - s.last
	if d > RangeJumpThreshold || d < -RangeJumpThreshold {
		return true, s.last, s.current
	}
	return false, 0, 0
}

// Config holds node configuration.
type Config struct {
	Engine  *ranging.Engine
	Driver  radio.Driver // closed on shutdown
	Logger  *logging.Logger
	Emitter events.Emitter // nil discards events

	PollInterval  time.Duration // 0 selects DefaultPollInterval
	StatsInterval time.Duration // 0 disables periodic stats

	// Stdin, when set, prints stats on every Enter key press.
	Stdin io.Reader

	// OnRange is called from the poll loop after every completed cycle.
	OnRange func(ranging.Peer)
}

// Node drives one engine until its context ends.
type Node struct {
	engine  *ranging.Engine
	drv     radio.Driver
	logger  *logging.Logger
	emitter events.Emitter
	ranges  *RangeStats
	onRange func(ranging.Peer)

	pollInterval  time.Duration
	statsInterval time.Duration
	stdin         io.Reader

	state   State
	stateMu sync.RWMutex

	statsCh chan struct{}
}

// New creates a node around an engine that has not been started yet.
func New(cfg Config) (*Node, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Driver == nil {
		return nil, fmt.Errorf("driver is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	n := &Node{
		engine:        cfg.Engine,
		drv:           cfg.Driver,
		logger:        cfg.Logger,
		emitter:       cfg.Emitter,
		ranges:        &RangeStats{},
		onRange:       cfg.OnRange,
		pollInterval:  cfg.PollInterval,
		statsInterval: cfg.StatsInterval,
		stdin:         cfg.Stdin,
		statsCh:       make(chan struct{}, 1),
	}
	if n.emitter == nil {
		n.emitter = events.NopEmitter{}
	}
	if n.pollInterval <= 0 {
		n.pollInterval = DefaultPollInterval
	}
	n.engine.OnNewRange(n.handleRange)

	return n, nil
}

// Run starts the engine and blocks until ctx is cancelled, SIGINT or SIGTERM
// arrives, or the radio fails. The driver is closed before Run returns.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			n.logger.Info("Received signal %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	n.setState(StateStarting)
	if err := n.engine.Start(); err != nil {
		n.setState(StateStopped)
		if cerr := n.drv.Close(); cerr != nil {
			n.logger.Debug("Failed to close radio: %v", cerr)
		}
		return fmt.Errorf("start engine: %w", err)
	}
	n.setState(StateRunning)

	var (
		wg      sync.WaitGroup
		loopErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		loopErr = n.pollLoop(ctx)
		cancel()
	}()

	if n.statsInterval > 0 || n.stdin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.statsLoop(ctx)
		}()
	}

	if n.stdin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.stdinLoop(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	if err := n.drv.Close(); err != nil {
		n.logger.Debug("Failed to close radio: %v", err)
	}
	n.setState(StateStopped)
	n.printStats()
	n.logger.Info("%s stopped", n.engine.Role())

	return loopErr
}

func (n *Node) setState(state State) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.state = state
}

// State returns the lifecycle state.
func (n *Node) State() State {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.state
}

// pollLoop polls the engine until ctx is done. Protocol errors are logged
// and the loop goes on; a closed radio ends it.
func (n *Node) pollLoop(ctx context.Context) error {
	n.logger.Debug("Poll loop started")
	defer n.logger.Debug("Poll loop stopped")

	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := n.engine.Poll()
		if err == nil {
			continue
		}
		if errors.Is(err, radio.ErrClosed) {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("radio closed unexpectedly: %w", err)
		}
		n.report(err)
	}
}

// report logs a poll error. Frame-level errors are expected on a busy
// channel and stay at debug.
func (n *Node) report(err error) {
	switch {
	case errors.Is(err, protocol.ErrUnrecognizedFrame), errors.Is(err, protocol.ErrMessageTooShort):
		n.logger.Debug("Poll: %v", err)
	default:
		n.logger.Warn("Poll: %v", err)
		n.emitter.Emit(events.EventError, events.ErrorData{Message: err.Error()})
	}
}

func (n *Node) handleRange(p ranging.Peer) {
	r := float64(p.Range)
	n.ranges.AddSample(r)

	if jumped, from, to := n.ranges.CheckJump(); jumped {
		n.logger.Warn("Range jump for %s: %.2f m -> %.2f m", protocol.FormatShort(p.ShortAddress), from, to)
	}
	n.logger.Info("Range to %s: %.2f m (%.1f dBm)", p.Identity, r, p.RxPower)

	if n.onRange != nil {
		n.onRange(p)
	}
}

// statsLoop outputs periodic statistics.
func (n *Node) statsLoop(ctx context.Context) {
	n.logger.Debug("Stats loop started")
	defer n.logger.Debug("Stats loop stopped")

	var tick <-chan time.Time
	if n.statsInterval > 0 {
		ticker := time.NewTicker(n.statsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			n.printStats()
		case <-n.statsCh:
			n.printStats()
		}
	}
}

// stdinLoop monitors stdin for Enter key presses.
func (n *Node) stdinLoop(ctx context.Context) {
	n.logger.Debug("Stdin monitor started")
	defer n.logger.Debug("Stdin monitor stopped")

	// The reader goroutine may outlive Run; it ends with stdin.
	inputCh := make(chan struct{}, 1)
	go func() {
		buf := make([]byte, 1)
		for {
			_, err := n.stdin.Read(buf)
			if err != nil {
				return
			}
			if buf[0] == '\n' || buf[0] == '\r' {
				select {
				case inputCh <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-inputCh:
			select {
			case n.statsCh <- struct{}{}:
			default:
			}
		}
	}
}

// printStats logs and emits the current statistics.
func (n *Node) printStats() {
	s := n.engine.Stats()
	polls := s.PollsSent + s.PollsReceived

	n.logger.Stats("Polls: %s | Ranges: %s (%.0f%%) | Failures: %s | Resets: %s | Range: %.2f m (avg %.2f m)",
		formatNumber(polls), formatNumber(s.Ranges), s.SuccessRate()*100,
		formatNumber(s.RangeFailures+s.ProtocolFailures+s.ComputeErrors),
		formatNumber(s.Resets), n.ranges.Current(), n.ranges.Average())

	n.emitter.Emit(events.EventStats, events.StatsData{
		Polls:        polls,
		Ranges:       s.Ranges,
		Failures:     s.RangeFailures + s.ProtocolFailures + s.ComputeErrors,
		Resets:       s.Resets,
		Unrecognized: s.Unrecognized,
		SuccessRate:  s.SuccessRate(),
		LastRangeM:   float64(s.LastRange),
	})
}

// Ranges returns the range statistics.
func (n *Node) Ranges() *RangeStats {
	return n.ranges
}

// formatNumber formats a number with comma separators.
func formatNumber(n uint64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
