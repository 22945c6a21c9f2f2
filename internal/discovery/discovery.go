// Package discovery finds ranging peers over the air.
//
// A tag that does not know its anchor announces itself with Blink frames.
// An anchor listening with Discover picks up the first Blink, optionally
// invites the tag with a RangingInit, and reports the tag's addresses.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rangelink/rangelink/internal/events"
	"github.com/rangelink/rangelink/internal/logging"
	"github.com/rangelink/rangelink/internal/protocol"
	"github.com/rangelink/rangelink/internal/radio"
	"github.com/rangelink/rangelink/internal/ranging"
)

// Configuration constants.
const (
	// PollInterval is how often the driver's receive signal is checked.
	PollInterval = time.Millisecond
	// DefaultBlinkInterval is the pause between two announcements.
	DefaultBlinkInterval = 100 * time.Millisecond
)

// Errors returned by discovery operations.
var (
	ErrDiscoveryCancelled = errors.New("discovery cancelled")
	ErrNoDriver           = errors.New("no radio driver")
)

// Result describes a discovered device.
type Result struct {
	EUI          [protocol.EUISize]byte // zero when learned from a RangingInit
	ShortAddress uint16
	RxPower      float64
	LastSeen     time.Time
}

func (r *Result) String() string {
	return fmt.Sprintf("%s (%s)", protocol.FormatEUI(r.EUI), protocol.FormatShort(r.ShortAddress))
}

// Config holds discovery configuration.
type Config struct {
	Driver radio.Driver

	// Own addresses. ShortAddress is the source of RangingInit answers;
	// EUI is the address Announce blinks and expects invitations for.
	EUI          [protocol.EUISize]byte
	ShortAddress uint16

	NetworkID uint16     // 0 selects ranging.DefaultNetworkID
	Mode      radio.Mode // zero value selects radio.DefaultMode

	// Respond makes Discover invite the discovered tag with a RangingInit.
	Respond bool
	// BlinkInterval is the pause between announcements.
	BlinkInterval time.Duration

	Logger  *logging.Logger // optional
	Emitter events.Emitter  // optional
}

func (cfg *Config) setup() (*protocol.Codec, *radio.Signal, error) {
	if cfg.Driver == nil {
		return nil, nil, ErrNoDriver
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.NopEmitter{}
	}
	if cfg.NetworkID == 0 {
		cfg.NetworkID = ranging.DefaultNetworkID
	}
	if cfg.Mode == (radio.Mode{}) {
		cfg.Mode = radio.DefaultMode
	}
	if cfg.BlinkInterval == 0 {
		cfg.BlinkInterval = DefaultBlinkInterval
	}

	received := new(radio.Signal)
	d := cfg.Driver
	d.SetHandlers(nil, received.Raise)
	if err := d.Configure(radio.NetworkConfig{
		DeviceAddress: cfg.ShortAddress,
		NetworkID:     cfg.NetworkID,
		Mode:          cfg.Mode,
	}); err != nil {
		return nil, nil, fmt.Errorf("configure radio: %w", err)
	}
	if err := d.SetAddress(cfg.EUI, cfg.ShortAddress); err != nil {
		return nil, nil, fmt.Errorf("set address: %w", err)
	}
	if err := d.StartReceive(); err != nil {
		return nil, nil, fmt.Errorf("start receive: %w", err)
	}
	return protocol.NewCodec(cfg.NetworkID), received, nil
}

// Discover listens for Blink frames and returns the first sender.
// The operation can be cancelled via the context.
func Discover(ctx context.Context, cfg Config) (*Result, error) {
	codec, received, err := cfg.setup()
	if err != nil {
		return nil, err
	}
	cfg.Logger.Debug("Listening for blink frames on network 0x%04X", cfg.NetworkID)

	tick := time.NewTicker(PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrDiscoveryCancelled, ctx.Err())
		case <-tick.C:
		}
		if !received.Take() {
			continue
		}

		msg, ok := readMessage(cfg, protocol.MsgBlink)
		if !ok {
			continue
		}
		res := &Result{
			EUI:          msg.EUI,
			ShortAddress: msg.ShortAddress,
			LastSeen:     time.Now(),
		}
		if q, err := cfg.Driver.Quality(); err == nil {
			res.RxPower = q.Power
		}
		cfg.Logger.Info("Discovered %s", res)
		cfg.Emitter.Emit(events.EventDiscovery, events.DiscoveryData{
			EUI:          protocol.FormatEUI(res.EUI),
			ShortAddress: protocol.FormatShort(res.ShortAddress),
		})

		if cfg.Respond {
			if err := cfg.Driver.Transmit(codec.EncodeRangingInit(res.EUI, cfg.ShortAddress)); err != nil {
				return res, fmt.Errorf("send ranging init: %w", err)
			}
			cfg.Logger.Debug("Invited %s", res)
		}
		return res, nil
	}
}

// Announce blinks every BlinkInterval until an anchor answers with a
// RangingInit addressed to cfg.EUI, and returns the anchor's short address.
func Announce(ctx context.Context, cfg Config) (*Result, error) {
	codec, received, err := cfg.setup()
	if err != nil {
		return nil, err
	}

	tick := time.NewTicker(PollInterval)
	defer tick.Stop()
	var lastBlink time.Time

	for {
		if time.Since(lastBlink) >= cfg.BlinkInterval {
			if err := cfg.Driver.Transmit(codec.EncodeBlink(cfg.EUI, cfg.ShortAddress)); err != nil {
				return nil, fmt.Errorf("send blink: %w", err)
			}
			lastBlink = time.Now()
			cfg.Logger.Trace("Blink sent")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrDiscoveryCancelled, ctx.Err())
		case <-tick.C:
		}
		if !received.Take() {
			continue
		}

		msg, ok := readMessage(cfg, protocol.MsgRangingInit)
		if !ok || msg.EUI != cfg.EUI {
			continue
		}
		res := &Result{ShortAddress: msg.ShortAddress, LastSeen: time.Now()}
		if q, err := cfg.Driver.Quality(); err == nil {
			res.RxPower = q.Power
		}
		cfg.Logger.Info("Invited by anchor %s", protocol.FormatShort(res.ShortAddress))
		cfg.Emitter.Emit(events.EventDiscovery, events.DiscoveryData{
			ShortAddress: protocol.FormatShort(res.ShortAddress),
		})
		return res, nil
	}
}

// readMessage decodes the last received frame if it has type want.
func readMessage(cfg Config, want protocol.MessageType) (*protocol.Message, bool) {
	frame, err := cfg.Driver.Data()
	if err != nil {
		return nil, false
	}
	typ, err := protocol.Classify(frame)
	if err != nil || typ != want {
		return nil, false
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		cfg.Logger.Debug("Ignoring %s: %v", typ, err)
		return nil, false
	}
	return msg, true
}
