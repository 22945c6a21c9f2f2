// Package ranging implements the two-way ranging protocol engine.
//
// An Engine drives one radio as either an Anchor or a Tag. The Tag opens
// every cycle with a Poll, the Anchor answers with a PollAck after a fixed
// reply delay, the Tag sends its three timestamps in a Range frame, and the
// Anchor computes the distance and returns it in a RangeReport. A cycle that
// stalls for longer than the reset period is abandoned by the watchdog.
//
// The engine is single threaded. Driver callbacks only raise signals; all
// protocol work happens in Poll, which the owner calls in a loop.
package ranging

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rangelink/rangelink/internal/bias"
	"github.com/rangelink/rangelink/internal/dwtime"
	"github.com/rangelink/rangelink/internal/events"
	"github.com/rangelink/rangelink/internal/logging"
	"github.com/rangelink/rangelink/internal/protocol"
	"github.com/rangelink/rangelink/internal/radio"
)

// Defaults.
const (
	// DefaultReplyDelay is the turnaround between receiving a frame and the
	// scheduled transmission of the answer.
	DefaultReplyDelay = 7000 * time.Microsecond
	// DefaultResetPeriod is the idle time after which an exchange is abandoned.
	DefaultResetPeriod = 200 * time.Millisecond
	// DefaultNetworkID is the PAN identifier used when none is configured.
	DefaultNetworkID uint16 = 0xDECA
)

// Engine errors.
var (
	ErrNotStarted     = errors.New("engine not started")
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrNegativeDuration rejects a negative reply delay or reset period.
	ErrNegativeDuration = errors.New("duration must not be negative")
)

// Role selects which side of the exchange an engine plays.
type Role int

const (
	RoleAnchor Role = iota
	RoleTag
)

func (r Role) String() string {
	switch r {
	case RoleAnchor:
		return "anchor"
	case RoleTag:
		return "tag"
	default:
		return "unknown"
	}
}

// ParseRole parses "anchor" or "tag".
func ParseRole(s string) (Role, error) {
	switch s {
	case "anchor":
		return RoleAnchor, nil
	case "tag":
		return RoleTag, nil
	default:
		return 0, fmt.Errorf("invalid role %q: must be anchor or tag", s)
	}
}

// Tracer observes every frame the engine sends or receives.
type Tracer interface {
	Sent(frame []byte)
	Received(frame []byte)
}

// Config holds engine configuration.
type Config struct {
	Role      Role
	Self      Identity
	Peers     []Identity // at most MaxPeers; the first is active initially
	NetworkID uint16     // 0 selects DefaultNetworkID
	Mode      radio.Mode // zero value selects radio.DefaultMode

	ReplyDelay  time.Duration // 0 selects DefaultReplyDelay
	ResetPeriod time.Duration // 0 selects DefaultResetPeriod

	Bias    *bias.Table // nil selects bias.Default
	Clock   Clock       // nil selects the wall clock
	Logger  *logging.Logger
	Emitter events.Emitter // nil discards events
	Tracer  Tracer         // optional

	// OnNewRange is invoked from Poll after every completed cycle.
	OnNewRange func(Peer)
}

// Stats holds engine counters.
type Stats struct {
	PollsSent        uint64 // Tag: Poll frames transmitted
	PollsReceived    uint64 // Anchor: Poll frames received
	Ranges           uint64 // completed cycles
	RangeFailures    uint64 // cycles the Anchor refused with RangeFailed
	ProtocolFailures uint64 // out-of-order frames
	Resets           uint64 // watchdog resets
	Unrecognized     uint64 // frames with an unknown type byte
	ComputeErrors    uint64 // degenerate or uncorrectable measurements
	FramesSent       uint64
	FramesReceived   uint64
	LastRange        float32
}

// SuccessRate returns completed cycles per started cycle, or 0 before the
// first one.
func (s Stats) SuccessRate() float64 {
	started := s.PollsSent + s.PollsReceived
	if started == 0 {
		return 0
	}
	return float64(s.Ranges) / float64(started)
}

// counters is the atomically updated form of Stats, readable from other
// goroutines while Poll runs.
type counters struct {
	pollsSent        atomic.Uint64
	pollsReceived    atomic.Uint64
	ranges           atomic.Uint64
	rangeFailures    atomic.Uint64
	protocolFailures atomic.Uint64
	resets           atomic.Uint64
	unrecognized     atomic.Uint64
	computeErrors    atomic.Uint64
	framesSent       atomic.Uint64
	framesReceived   atomic.Uint64
	lastRange        atomic.Uint32 // float32 bits
}

// Engine runs the ranging protocol for one role.
type Engine struct {
	role      Role
	self      Identity
	drv       radio.Driver
	networkID uint16
	mode      radio.Mode
	bias      bias.Table
	clock     Clock
	codec     *protocol.Codec

	peers  Registry
	active *Peer

	expected       protocol.MessageType
	protocolFailed bool
	replyDelay     time.Duration
	watchdog       *Watchdog

	sent     radio.Signal
	received radio.Signal
	// Type of the frame whose transmission is in progress.
	inFlight    protocol.MessageType
	hasInFlight bool

	logger     *logging.Logger
	emitter    events.Emitter
	tracer     Tracer
	onNewRange func(Peer)

	stats   counters
	started bool
}

// New creates an engine bound to drv. Nothing is sent or configured until
// Start.
func New(cfg Config, drv radio.Driver) (*Engine, error) {
	if drv == nil {
		return nil, fmt.Errorf("driver is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Role != RoleAnchor && cfg.Role != RoleTag {
		return nil, fmt.Errorf("invalid role %d", cfg.Role)
	}
	if len(cfg.Peers) == 0 {
		return nil, fmt.Errorf("at least one peer is required")
	}
	if cfg.ReplyDelay < 0 || cfg.ResetPeriod < 0 {
		return nil, fmt.Errorf("%w: reply delay %v, reset period %v", ErrNegativeDuration, cfg.ReplyDelay, cfg.ResetPeriod)
	}

	e := &Engine{
		role:       cfg.Role,
		self:       cfg.Self,
		drv:        drv,
		networkID:  cfg.NetworkID,
		mode:       cfg.Mode,
		clock:      cfg.Clock,
		replyDelay: cfg.ReplyDelay,
		logger:     cfg.Logger,
		emitter:    cfg.Emitter,
		tracer:     cfg.Tracer,
		onNewRange: cfg.OnNewRange,
	}
	if e.networkID == 0 {
		e.networkID = DefaultNetworkID
	}
	if e.mode == (radio.Mode{}) {
		e.mode = radio.DefaultMode
	}
	if e.clock == nil {
		e.clock = WallClock()
	}
	if e.replyDelay == 0 {
		e.replyDelay = DefaultReplyDelay
	}
	if e.emitter == nil {
		e.emitter = events.NopEmitter{}
	}
	resetPeriod := cfg.ResetPeriod
	if resetPeriod == 0 {
		resetPeriod = DefaultResetPeriod
	}
	e.watchdog = NewWatchdog(e.clock, resetPeriod)

	e.bias = bias.Default
	if cfg.Bias != nil {
		e.bias = *cfg.Bias
	}
	if err := e.bias.Validate(); err != nil {
		return nil, err
	}

	for _, id := range cfg.Peers {
		if _, err := e.peers.Add(id); err != nil {
			return nil, err
		}
	}
	e.active = e.peers.At(0)
	e.codec = protocol.NewCodec(e.networkID)

	return e, nil
}

// Start configures the radio, enables reception and, for a Tag, sends the
// first Poll.
func (e *Engine) Start() error {
	if e.started {
		return ErrAlreadyStarted
	}

	netCfg := radio.NetworkConfig{
		DeviceAddress: e.self.ShortAddress,
		NetworkID:     e.networkID,
		Mode:          e.mode,
	}
	if err := e.drv.Configure(netCfg); err != nil {
		return fmt.Errorf("configure radio: %w", err)
	}
	if err := e.drv.SetAddress(e.self.EUI, e.self.ShortAddress); err != nil {
		return fmt.Errorf("set radio address: %w", err)
	}
	e.drv.SetHandlers(e.sent.Raise, e.received.Raise)
	if err := e.drv.StartReceive(); err != nil {
		return fmt.Errorf("start receiver: %w", err)
	}

	e.started = true
	e.watchdog.Note()

	e.logger.Info("%s %s started (network 0x%04X, mode %s, peer %s)",
		e.role, e.self, e.networkID, e.mode, e.active.Identity)
	e.logger.Debug("reply delay %v, reset period %v, %d peer(s) registered",
		e.replyDelay, e.watchdog.Period(), e.peers.Len())

	if e.role == RoleAnchor {
		e.expected = protocol.MsgPoll
		return nil
	}
	e.expected = protocol.MsgPollAck
	return e.transmitPoll()
}

// Poll runs one iteration of the protocol: the watchdog check, then the
// pending send completion, then the pending reception. Every error met along
// the way is returned, joined.
func (e *Engine) Poll() error {
	if !e.started {
		return ErrNotStarted
	}

	var errs []error

	if !e.sent.Pending() && !e.received.Pending() && e.watchdog.Expired() {
		errs = append(errs, e.reset())
	}
	if e.sent.Take() {
		errs = append(errs, e.handleSent())
	}
	if e.received.Take() {
		errs = append(errs, e.handleReceived())
	}

	return errors.Join(errs...)
}

func (e *Engine) reset() error {
	idle := e.watchdog.Idle()
	e.stats.resets.Add(1)

	var err error
	if e.role == RoleAnchor {
		e.expected = protocol.MsgPoll
		if rerr := e.drv.StartReceive(); rerr != nil {
			err = fmt.Errorf("restart receiver: %w", rerr)
		}
	} else {
		e.expected = protocol.MsgPollAck
		err = e.transmitPoll()
	}
	e.watchdog.Note()

	e.logger.Debug("no activity for %v, reset (expecting %s)", idle, e.expected)
	e.emitter.Emit(events.EventReset, events.ResetData{
		Role:     e.role.String(),
		Expected: e.expected.String(),
		IdleMs:   idle.Milliseconds(),
	})
	return err
}

func (e *Engine) handleSent() error {
	if !e.hasInFlight {
		return nil
	}
	t := e.inFlight
	e.hasInFlight = false

	captured := e.role == RoleTag && (t == protocol.MsgPoll || t == protocol.MsgRange) ||
		e.role == RoleAnchor && t == protocol.MsgPollAck
	if !captured {
		return nil
	}

	ts, err := e.drv.TransmitTimestamp()
	if err != nil {
		return fmt.Errorf("read transmit timestamp of %s: %w", t, err)
	}

	switch t {
	case protocol.MsgPoll:
		e.active.PollSent = ts
	case protocol.MsgPollAck:
		e.active.PollAckSent = ts
		e.watchdog.Note()
	case protocol.MsgRange:
		e.active.RangeSent = ts
		e.watchdog.Note()
	}
	e.logger.Trace("sent %s at %d", t, int64(ts))
	return nil
}

func (e *Engine) handleReceived() error {
	data, err := e.drv.Data()
	if err != nil {
		return fmt.Errorf("read received frame: %w", err)
	}
	e.stats.framesReceived.Add(1)
	if e.tracer != nil {
		e.tracer.Received(data)
	}

	t, err := protocol.Classify(data)
	if err != nil {
		e.stats.unrecognized.Add(1)
		var typeByte uint8
		if len(data) > 0 {
			typeByte = data[0]
		}
		e.logger.Warn("dropping frame: %v", err)
		e.emitter.Emit(events.EventUnrecognizedFrame, events.UnrecognizedFrameData{
			TypeByte: typeByte,
			Length:   len(data),
		})
		return err
	}
	e.logger.Trace("received %s (expecting %s)", t, e.expected)

	if e.role == RoleAnchor {
		return e.anchorReceive(t, data)
	}
	return e.tagReceive(t, data)
}

func (e *Engine) anchorReceive(t protocol.MessageType, data []byte) error {
	mismatch := t != e.expected
	if mismatch {
		e.protocolFailure(t)
		e.protocolFailed = true
	}

	switch t {
	case protocol.MsgPoll:
		e.stats.pollsReceived.Add(1)
		e.protocolFailed = false
		ts, err := e.drv.ReceiveTimestamp()
		if err != nil {
			return fmt.Errorf("read receive timestamp of %s: %w", t, err)
		}
		e.active.PollReceived = ts
		e.expected = protocol.MsgRange
		err = e.transmitDelayed(protocol.EncodePollAck(), protocol.MsgPollAck)
		e.watchdog.Note()
		return err

	case protocol.MsgRange:
		if mismatch {
			// No Poll opened this cycle: leave the record alone and let the
			// Tag start over.
			e.expected = protocol.MsgPoll
			e.stats.rangeFailures.Add(1)
			err := e.transmit(protocol.EncodeRangeFailed(), protocol.MsgRangeFailed)
			e.watchdog.Note()
			return err
		}
		ts, err := e.drv.ReceiveTimestamp()
		if err != nil {
			return fmt.Errorf("read receive timestamp of %s: %w", t, err)
		}
		e.active.RangeReceived = ts
		e.expected = protocol.MsgPoll
		defer e.watchdog.Note()

		if e.protocolFailed {
			e.stats.rangeFailures.Add(1)
			return e.transmit(protocol.EncodeRangeFailed(), protocol.MsgRangeFailed)
		}
		return e.completeRange(data)
	}

	return nil
}

// completeRange computes the distance from a Range frame and reports it.
// When no distance can be produced the Tag is told with RangeFailed.
func (e *Engine) completeRange(data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		e.stats.rangeFailures.Add(1)
		return errors.Join(err, e.transmit(protocol.EncodeRangeFailed(), protocol.MsgRangeFailed))
	}

	p := e.active
	p.PollSent = msg.PollSent
	p.PollAckReceived = msg.PollAckReceived
	p.RangeSent = msg.RangeSent

	if err := e.measure(p); err != nil {
		e.stats.computeErrors.Add(1)
		e.stats.rangeFailures.Add(1)
		e.logger.Warn("range to %s not computed: %v", p.Identity, err)
		e.emitter.Emit(events.EventComputationError, events.ComputationErrorData{
			Peer:    protocol.FormatEUI(p.EUI),
			Message: err.Error(),
		})
		return errors.Join(err, e.transmit(protocol.EncodeRangeFailed(), protocol.MsgRangeFailed))
	}

	err = e.transmit(protocol.EncodeRangeReport(p.Range, p.RxPower), protocol.MsgRangeReport)
	e.newRange(p)
	return err
}

// measure fills in the range and signal quality of p from its timestamps and
// the last received frame.
func (e *Engine) measure(p *Peer) error {
	distance, err := ComputeRange(p)
	if err != nil {
		return err
	}
	q, err := e.drv.Quality()
	if err != nil {
		return fmt.Errorf("read signal quality: %w", err)
	}
	correction, err := e.bias.Correction(q.Power, q.PRF)
	if err != nil {
		return err
	}
	rng := distance - correction
	if math.IsNaN(rng) || math.IsInf(rng, 0) {
		return fmt.Errorf("%w: corrected range %v", ErrDegenerateRange, rng)
	}

	p.Range = float32(rng)
	p.RxPower = float32(q.Power)
	p.FirstPathPower = float32(q.FirstPathPower)
	p.Quality = float32(q.Quality)
	p.LastUpdate = e.clock.Now()
	return nil
}

func (e *Engine) tagReceive(t protocol.MessageType, data []byte) error {
	// RangeFailed ends the cycle whatever was expected.
	if t == protocol.MsgRangeFailed {
		e.logger.Trace("anchor refused the cycle, polling again")
		e.expected = protocol.MsgPollAck
		err := e.transmitPoll()
		e.watchdog.Note()
		return err
	}

	if t != e.expected {
		e.protocolFailure(t)
		e.expected = protocol.MsgPollAck
		return e.transmitPoll()
	}

	switch t {
	case protocol.MsgPollAck:
		ts, err := e.drv.ReceiveTimestamp()
		if err != nil {
			return fmt.Errorf("read receive timestamp of %s: %w", t, err)
		}
		e.active.PollAckReceived = ts
		e.expected = protocol.MsgRangeReport

		at, err := e.drv.DelayedTime(e.replyDelay)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", protocol.MsgRange, err)
		}
		e.active.RangeSent = at
		frame := protocol.EncodeRange(e.active.PollSent, e.active.PollAckReceived, at)
		err = e.transmitAt(frame, protocol.MsgRange, at)
		e.watchdog.Note()
		return err

	case protocol.MsgRangeReport:
		e.expected = protocol.MsgPollAck
		msg, err := protocol.Decode(data)
		if err != nil {
			return errors.Join(err, e.transmitPoll())
		}
		p := e.active
		p.Range = msg.Range
		p.RxPower = msg.RxPower
		p.LastUpdate = e.clock.Now()
		e.newRange(p)
		err = e.transmitPoll()
		e.watchdog.Note()
		return err
	}

	return nil
}

func (e *Engine) protocolFailure(received protocol.MessageType) {
	e.stats.protocolFailures.Add(1)
	e.logger.Trace("expected %s, received %s", e.expected, received)
	e.emitter.Emit(events.EventProtocolFailure, events.ProtocolFailureData{
		Role:     e.role.String(),
		Expected: e.expected.String(),
		Received: received.String(),
	})
}

func (e *Engine) newRange(p *Peer) {
	e.stats.ranges.Add(1)
	e.stats.lastRange.Store(math.Float32bits(p.Range))
	e.logger.Debug("range to %s: %.3f m (rx %.1f dBm)", p.Identity, p.Range, p.RxPower)
	e.emitter.Emit(events.EventRange, events.RangeData{
		Peer:           protocol.FormatEUI(p.EUI),
		ShortAddress:   protocol.FormatShort(p.ShortAddress),
		RangeM:         float64(p.Range),
		RxPowerDBm:     float64(p.RxPower),
		FirstPathPower: float64(p.FirstPathPower),
		Quality:        float64(p.Quality),
	})
	if e.onNewRange != nil {
		e.onNewRange(*p)
	}
}

func (e *Engine) transmitPoll() error {
	e.stats.pollsSent.Add(1)
	return e.transmit(protocol.EncodePoll(), protocol.MsgPoll)
}

func (e *Engine) transmit(frame []byte, t protocol.MessageType) error {
	if err := e.drv.Transmit(frame); err != nil {
		return fmt.Errorf("transmit %s: %w", t, err)
	}
	e.sentFrame(frame, t)
	return nil
}

func (e *Engine) transmitDelayed(frame []byte, t protocol.MessageType) error {
	at, err := e.drv.DelayedTime(e.replyDelay)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", t, err)
	}
	return e.transmitAt(frame, t, at)
}

func (e *Engine) transmitAt(frame []byte, t protocol.MessageType, at dwtime.Timestamp) error {
	if err := e.drv.TransmitAt(frame, at); err != nil {
		return fmt.Errorf("transmit %s at %d: %w", t, int64(at), err)
	}
	e.sentFrame(frame, t)
	return nil
}

// sentFrame records a frame the driver accepted. A blink never replaces the
// marker of a ranging frame still in flight, whose send timestamp is needed.
func (e *Engine) sentFrame(frame []byte, t protocol.MessageType) {
	if t != protocol.MsgBlink || !e.hasInFlight {
		e.inFlight, e.hasInFlight = t, true
	}
	if e.tracer != nil {
		e.tracer.Sent(frame)
	}
	e.stats.framesSent.Add(1)
}

// TransmitBlink broadcasts a blink frame announcing this device. The
// command line announces through discovery before an engine exists; this
// is for library users that want to re-announce a running tag.
func (e *Engine) TransmitBlink() error {
	if !e.started {
		return ErrNotStarted
	}
	return e.transmit(e.codec.EncodeBlink(e.self.EUI, e.self.ShortAddress), protocol.MsgBlink)
}

// Role returns the engine's role.
func (e *Engine) Role() Role {
	return e.role
}

// Address returns the engine's own EUI.
func (e *Engine) Address() [protocol.EUISize]byte {
	return e.self.EUI
}

// ShortAddress returns the engine's own short address.
func (e *Engine) ShortAddress() uint16 {
	return e.self.ShortAddress
}

// Expected returns the only message type that advances the state machine.
func (e *Engine) Expected() protocol.MessageType {
	return e.expected
}

// ProtocolFailed reports whether the current Anchor exchange has seen an
// out-of-order frame.
func (e *Engine) ProtocolFailed() bool {
	return e.protocolFailed
}

// Peers returns copies of all peer records.
func (e *Engine) Peers() []Peer {
	return e.peers.Snapshot()
}

// Peer returns a copy of the record with the given short address.
func (e *Engine) Peer(short uint16) (Peer, bool) {
	p := e.peers.Lookup(short)
	if p == nil {
		return Peer{}, false
	}
	return *p, true
}

// ActivePeer returns a copy of the record of the peer being ranged with.
func (e *Engine) ActivePeer() Peer {
	return *e.active
}

// SetActivePeer selects the registered peer to range with. The exchange in
// progress, if any, is abandoned by the watchdog. Ranging frames carry no
// source address, so only the active peer is ever ranged with.
func (e *Engine) SetActivePeer(short uint16) error {
	p := e.peers.Lookup(short)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, protocol.FormatShort(short))
	}
	e.active = p
	return nil
}

// ReplyDelay returns the delay applied to scheduled replies.
func (e *Engine) ReplyDelay() time.Duration {
	return e.replyDelay
}

// SetReplyDelay changes the delay applied to scheduled replies. Zero
// selects DefaultReplyDelay.
func (e *Engine) SetReplyDelay(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: reply delay %v", ErrNegativeDuration, d)
	}
	if d == 0 {
		d = DefaultReplyDelay
	}
	e.replyDelay = d
	return nil
}

// ResetPeriod returns the watchdog period.
func (e *Engine) ResetPeriod() time.Duration {
	return e.watchdog.Period()
}

// SetResetPeriod changes the watchdog period. Zero selects
// DefaultResetPeriod.
func (e *Engine) SetResetPeriod(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: reset period %v", ErrNegativeDuration, d)
	}
	if d == 0 {
		d = DefaultResetPeriod
	}
	e.watchdog.SetPeriod(d)
	return nil
}

// OnNewRange replaces the completed-cycle handler.
func (e *Engine) OnNewRange(fn func(Peer)) {
	e.onNewRange = fn
}

// Stats returns a snapshot of the engine counters. It is safe to call
// concurrently with Poll.
func (e *Engine) Stats() Stats {
	return Stats{
		PollsSent:        e.stats.pollsSent.Load(),
		PollsReceived:    e.stats.pollsReceived.Load(),
		Ranges:           e.stats.ranges.Load(),
		RangeFailures:    e.stats.rangeFailures.Load(),
		ProtocolFailures: e.stats.protocolFailures.Load(),
		Resets:           e.stats.resets.Load(),
		Unrecognized:     e.stats.unrecognized.Load(),
		ComputeErrors:    e.stats.computeErrors.Load(),
		FramesSent:       e.stats.framesSent.Load(),
		FramesReceived:   e.stats.framesReceived.Load(),
		LastRange:        math.Float32frombits(e.stats.lastRange.Load()),
	}
}
