package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rangelink/rangelink/internal/events"
	"github.com/rangelink/rangelink/internal/protocol"
	"github.com/rangelink/rangelink/internal/radio"
	"github.com/rangelink/rangelink/internal/radio/sim"
	"github.com/rangelink/rangelink/test/testutil"
)

// runAir advances the medium with wall time until the test ends.
func runAir(t *testing.T, air *sim.Air) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = air.Run(ctx, 200*time.Microsecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDiscover_FindsBlink(t *testing.T) {
	air := sim.NewAir(4)
	anchor, tag := air.NewRadio(sim.Options{}), air.NewRadio(sim.Options{})
	runAir(t, air)

	tagEUI := testutil.RandomEUI()
	emitter := &testutil.RecordingEmitter{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A frame of another kind first; Discover must skip it.
	if err := tag.Transmit(protocol.EncodePoll()); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	go func() {
		codec := protocol.NewCodec(0xDECA)
		for ctx.Err() == nil {
			_ = tag.Transmit(codec.EncodeBlink(tagEUI, 0x0042))
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := Discover(ctx, Config{Driver: anchor, ShortAddress: 1, Emitter: emitter})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if res.EUI != tagEUI || res.ShortAddress != 0x0042 {
		t.Errorf("discovered %s, want %s (0x0042)", res, protocol.FormatEUI(tagEUI))
	}
	if res.RxPower >= 0 {
		t.Errorf("RxPower = %v, want a negative dBm value", res.RxPower)
	}
	if emitter.Count(events.EventDiscovery) != 1 {
		t.Errorf("discovery events = %d, want 1", emitter.Count(events.EventDiscovery))
	}
}

func TestAnnounce_Invited(t *testing.T) {
	air := sim.NewAir(2)
	anchor, tag := air.NewRadio(sim.Options{}), air.NewRadio(sim.Options{})
	runAir(t, air)

	tagEUI := testutil.RandomEUI()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		res *Result
		err error
	}
	announced := make(chan result, 1)
	go func() {
		res, err := Announce(ctx, Config{
			Driver:        tag,
			EUI:           tagEUI,
			ShortAddress:  7,
			BlinkInterval: 10 * time.Millisecond,
		})
		announced <- result{res, err}
	}()

	found, err := Discover(ctx, Config{Driver: anchor, ShortAddress: 0x0101, Respond: true})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if found.EUI != tagEUI || found.ShortAddress != 7 {
		t.Errorf("anchor discovered %s", found)
	}

	r := <-announced
	if r.err != nil {
		t.Fatalf("Announce: %v", r.err)
	}
	if r.res.ShortAddress != 0x0101 {
		t.Errorf("tag was invited by 0x%04X, want 0x0101", r.res.ShortAddress)
	}
}

func TestDiscover_Cancelled(t *testing.T) {
	air := sim.NewAir(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Discover(ctx, Config{Driver: air.NewRadio(sim.Options{})})
	if !errors.Is(err, ErrDiscoveryCancelled) {
		t.Errorf("Discover = %v, want ErrDiscoveryCancelled", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Discover = %v, want the context error wrapped", err)
	}
}

func TestDiscover_NoDriver(t *testing.T) {
	if _, err := Discover(context.Background(), Config{}); !errors.Is(err, ErrNoDriver) {
		t.Errorf("Discover = %v, want ErrNoDriver", err)
	}
	if _, err := Announce(context.Background(), Config{}); !errors.Is(err, ErrNoDriver) {
		t.Errorf("Announce = %v, want ErrNoDriver", err)
	}
}

func TestDiscover_ConfiguresDriver(t *testing.T) {
	drv := testutil.NewRecordingDriver(radio.RxQuality{Power: -80, PRF: radio.PRF16MHz})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	eui := testutil.RandomEUI()
	_, _ = Discover(ctx, Config{Driver: drv, EUI: eui, ShortAddress: 3, NetworkID: 0x1234})

	if drv.Config.NetworkID != 0x1234 || drv.Config.DeviceAddress != 3 {
		t.Errorf("driver configured with %+v", drv.Config)
	}
	if drv.EUI != eui || drv.ReceiveStarts != 1 {
		t.Errorf("EUI %v, receive starts %d", drv.EUI, drv.ReceiveStarts)
	}
}
