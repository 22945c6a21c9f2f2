// rangelink measures distances between UWB transceivers with asymmetric
// double-sided two-way ranging.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rangelink/rangelink/internal/config"
	"github.com/rangelink/rangelink/internal/discovery"
	"github.com/rangelink/rangelink/internal/events"
	"github.com/rangelink/rangelink/internal/logging"
	"github.com/rangelink/rangelink/internal/node"
	"github.com/rangelink/rangelink/internal/protocol"
	"github.com/rangelink/rangelink/internal/radio"
	"github.com/rangelink/rangelink/internal/radio/sim"
	"github.com/rangelink/rangelink/internal/ranging"
	"github.com/rangelink/rangelink/internal/trace"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const (
	defaultStatsInterval = 30
	defaultLogLevel      = "info"
	defaultDiscoverWait  = 30
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "anchor":
		runRanging(ranging.RoleAnchor, args)
	case "tag":
		runRanging(ranging.RoleTag, args)
	case "simulate":
		runSimulate(args)
	case "discover":
		runDiscover(args)
	case "dump":
		runDump(args)
	case "version", "--version", "-v":
		fmt.Printf("rangelink %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`rangelink - UWB two-way ranging

Usage:
  rangelink <command> [flags]

Commands:
  anchor      Answer polls and compute ranges
  tag         Poll an anchor and receive range reports
  simulate    Range between an anchor and a tag in a simulated medium
  discover    Listen for a blinking tag and save it as the default peer
  dump        Print the frames of a trace file
  version     Print version information

Flags for anchor/tag:
  --driver          Radio driver: dw1000|uart (default: dw1000)
  --spi, --rst, --irq
                    DW1000 SPI port and reset / interrupt GPIOs
  --serial, --baud  Serial port and baud rate of a UART module
  --address         Own EUI, e.g. 7D:00:22:EA:82:60:3B:9C (required)
  --short           Own short address (default: last two EUI bytes)
  --peer            Peer as EUI or EUI/SHORT, repeatable (default: saved peer)
  --network-id      PAN identifier (default: 0xDECA)
  --mode            PHY mode preset (default: longdata-range-lowpower)
  --reply-delay     Reply delay in microseconds (default: 7000)
  --reset-period    Watchdog period in milliseconds (default: 200)
  --log             Log level: error|warn|info|debug|trace (default: info)
  --stats-interval  Seconds between stats output, 0 to disable (default: 30)
  --events-output   Write events to: stdout, stderr, or a file path (disabled if empty)
  --events-format   Event encoding: json|cbor (default: json)
  --trace           Record every frame to a pcapng file
  --blink           Tag only: announce with blinks until an anchor answers
  --active          Short address of the peer to range with (default: first --peer)

Examples:
  # Anchor on a Raspberry Pi with a DW1000 on SPI0
  rangelink anchor --address 7D:00:22:EA:82:60:3B:9C --peer 7D:00:22:EA:82:60:3B:9D/0x0002

  # Tag on a serial module, finding its anchor by blinking
  rangelink tag --driver uart --serial /dev/ttyUSB0 --address 7D:00:22:EA:82:60:3B:9D --blink

  # 100 simulated ranges at 12.5 m
  rangelink simulate --distance 12.5 --count 100

Press Enter at any time to see current statistics.
`)
}

// fail prints an error and exits.
func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func newLogger(levelStr string) *logging.Logger {
	level, err := logging.ParseLevel(levelStr)
	if err != nil {
		fail("%v", err)
	}
	return logging.NewLogger(level)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runRanging(role ranging.Role, args []string) {
	fs := flag.NewFlagSet(role.String(), flag.ExitOnError)

	var rf radioFlags
	rf.register(fs)
	var peers peerList
	fs.Var(&peers, "peer", "Peer as EUI or EUI/SHORT (repeatable)")
	address := fs.String("address", "", "Own EUI (required)")
	short := fs.String("short", "", "Own short address (default: last two EUI bytes)")
	networkID := fs.String("network-id", "", "PAN identifier (default: 0xDECA)")
	modeName := fs.String("mode", "", "PHY mode preset")
	replyDelay := fs.Uint("reply-delay", 0, "Reply delay in microseconds (0 = saved or default)")
	resetPeriod := fs.Uint("reset-period", 0, "Watchdog period in milliseconds (0 = saved or default)")
	logLevel := fs.String("log", defaultLogLevel, "Log level: error|warn|info|debug|trace")
	statsInterval := fs.Uint("stats-interval", defaultStatsInterval, "Seconds between stats output (0 to disable)")
	eventsOutput := fs.String("events-output", "", "Write events to: stdout, stderr, or a file path")
	eventsFormat := fs.String("events-format", "json", "Event encoding: json|cbor")
	tracePath := fs.String("trace", "", "Record every frame to a pcapng file")
	blink := fs.Bool("blink", false, "Announce with blinks until an anchor answers (tag only)")
	active := fs.String("active", "", "Short address of the peer to range with (default: first peer)")

	fs.Parse(args)

	if *address == "" {
		fail("--address is required")
	}
	self, err := parseIdentity(*address)
	if err != nil {
		fail("invalid --address: %v", err)
	}
	if *short != "" {
		if self.ShortAddress, err = protocol.ParseShort(*short); err != nil {
			fail("invalid --short: %v", err)
		}
	}
	if *blink && role != ranging.RoleTag {
		fail("--blink is only valid for tag")
	}

	logger := newLogger(*logLevel)

	emitter, err := createEmitter(*eventsOutput, *eventsFormat)
	if err != nil {
		fail("creating event emitter: %v", err)
	}
	defer emitter.Close()

	logger.Info("rangelink %s starting as %s %s", Version, role, self)
	if *eventsOutput != "" {
		logger.Info("Events output: %s (%s)", *eventsOutput, *eventsFormat)
	}

	// Load saved config; flags override it.
	cfg, err := config.Load()
	if err != nil {
		logger.Warn("Failed to load config: %v", err)
		cfg = &config.Config{}
	}

	mode, err := cfg.RadioMode()
	if *modeName != "" {
		mode, err = radio.ParseMode(*modeName)
	}
	if err != nil {
		fail("%v", err)
	}
	netID := cfg.NetworkID
	if *networkID != "" {
		if netID, err = protocol.ParseShort(*networkID); err != nil {
			fail("invalid --network-id: %v", err)
		}
	}
	delay := cfg.ReplyDelay()
	if *replyDelay != 0 {
		delay = time.Duration(*replyDelay) * time.Microsecond
	}
	period := cfg.ResetPeriod()
	if *resetPeriod != 0 {
		period = time.Duration(*resetPeriod) * time.Millisecond
	}

	drv, err := rf.open(logger)
	if err != nil {
		fail("opening radio: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if len(peers) == 0 {
		if eui, s, ok := cfg.Peer(); ok && !*blink {
			peers = peerList{{EUI: eui, ShortAddress: s}}
			logger.Info("Using saved peer from config: %s", peers[0])
		} else {
			id, err := findPeer(ctx, role, self, netID, mode, drv, logger, emitter)
			if err != nil {
				drv.Close()
				if errors.Is(err, discovery.ErrDiscoveryCancelled) {
					logger.Info("Discovery cancelled")
					return
				}
				fail("discovery failed: %v", err)
			}
			peers = peerList{id}
			savePeer(cfg, id, logger)
		}
	} else if *blink {
		logger.Warn("--peer given, not blinking")
	}

	var tracer ranging.Tracer
	if *tracePath != "" {
		tw, err := trace.Open(*tracePath)
		if err != nil {
			drv.Close()
			fail("%v", err)
		}
		defer func() {
			if err := tw.Close(); err != nil {
				logger.Warn("Failed to close trace: %v", err)
			}
			logger.Info("Trace: %d frames written to %s", tw.Frames(), *tracePath)
		}()
		tracer = tw
	}

	engine, err := ranging.New(ranging.Config{
		Role:        role,
		Self:        self,
		Peers:       peers,
		NetworkID:   netID,
		Mode:        mode,
		ReplyDelay:  delay,
		ResetPeriod: period,
		Logger:      logger.Named(role.String()),
		Emitter:     emitter,
		Tracer:      tracer,
	}, drv)
	if err != nil {
		drv.Close()
		fail("creating engine: %v", err)
	}
	if *active != "" {
		if err := selectActivePeer(engine, *active); err != nil {
			drv.Close()
			fail("invalid --active: %v", err)
		}
	}

	n, err := node.New(node.Config{
		Engine:        engine,
		Driver:        drv,
		Logger:        logger,
		Emitter:       emitter,
		StatsInterval: time.Duration(*statsInterval) * time.Second,
		Stdin:         os.Stdin,
	})
	if err != nil {
		drv.Close()
		fail("creating node: %v", err)
	}

	if err := n.Run(ctx); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

// findPeer runs discovery for a node without a configured peer. An anchor
// waits for a blink and invites the tag; a tag blinks until invited.
func findPeer(ctx context.Context, role ranging.Role, self ranging.Identity, netID uint16, mode radio.Mode, drv radio.Driver, logger *logging.Logger, emitter events.Emitter) (ranging.Identity, error) {
	dcfg := discovery.Config{
		Driver:       drv,
		EUI:          self.EUI,
		ShortAddress: self.ShortAddress,
		NetworkID:    netID,
		Mode:         mode,
		Respond:      true,
		Logger:       logger.Named("discovery"),
		Emitter:      emitter,
	}

	if role == ranging.RoleAnchor {
		logger.Info("No peer configured, waiting for a tag to blink...")
		res, err := discovery.Discover(ctx, dcfg)
		if err != nil {
			return ranging.Identity{}, err
		}
		logger.Info("Found tag: %s", res)
		return ranging.Identity{EUI: res.EUI, ShortAddress: res.ShortAddress}, nil
	}

	logger.Info("No peer configured, blinking until an anchor answers...")
	res, err := discovery.Announce(ctx, dcfg)
	if err != nil {
		return ranging.Identity{}, err
	}
	logger.Info("Invited by anchor %s", protocol.FormatShort(res.ShortAddress))
	return ranging.Identity{EUI: res.EUI, ShortAddress: res.ShortAddress}, nil
}

func savePeer(cfg *config.Config, id ranging.Identity, logger *logging.Logger) {
	cfg.SetPeer(id.EUI, id.ShortAddress)
	if err := cfg.Save(); err != nil {
		logger.Warn("Failed to save config: %v", err)
		return
	}
	logger.Info("Saved peer to config: %s", id)
}

func runDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)

	var rf radioFlags
	rf.register(fs)
	address := fs.String("address", "", "Own EUI; when set the tag is invited with a RangingInit")
	networkID := fs.String("network-id", "", "PAN identifier (default: 0xDECA)")
	modeName := fs.String("mode", "", "PHY mode preset")
	timeout := fs.Uint("timeout", defaultDiscoverWait, "Seconds to wait, 0 for no limit")
	logLevel := fs.String("log", defaultLogLevel, "Log level: error|warn|info|debug|trace")

	fs.Parse(args)

	logger := newLogger(*logLevel)

	dcfg := discovery.Config{Logger: logger.Named("discovery")}
	if *address != "" {
		self, err := parseIdentity(*address)
		if err != nil {
			fail("invalid --address: %v", err)
		}
		dcfg.EUI, dcfg.ShortAddress, dcfg.Respond = self.EUI, self.ShortAddress, true
	}
	if *networkID != "" {
		var err error
		if dcfg.NetworkID, err = protocol.ParseShort(*networkID); err != nil {
			fail("invalid --network-id: %v", err)
		}
	}
	if *modeName != "" {
		var err error
		if dcfg.Mode, err = radio.ParseMode(*modeName); err != nil {
			fail("%v", err)
		}
	}

	drv, err := rf.open(logger)
	if err != nil {
		fail("opening radio: %v", err)
	}
	defer drv.Close()
	dcfg.Driver = drv

	ctx, cancel := signalContext()
	defer cancel()
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*timeout)*time.Second)
		defer cancel()
	}

	logger.Info("Listening for blinks...")
	res, err := discovery.Discover(ctx, dcfg)
	if err != nil {
		if errors.Is(err, discovery.ErrDiscoveryCancelled) {
			logger.Info("Discovery cancelled")
			return
		}
		logger.Error("Discovery failed: %v", err)
		os.Exit(1)
	}

	fmt.Println(res)

	cfg, err := config.Load()
	if err != nil {
		logger.Warn("Failed to load config: %v", err)
		cfg = &config.Config{}
	}
	savePeer(cfg, ranging.Identity{EUI: res.EUI, ShortAddress: res.ShortAddress}, logger)
}

func runSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)

	distance := fs.Float64("distance", 5, "Distance between the devices in metres")
	drift := fs.Float64("drift-ppm", 10, "Tag clock drift in parts per million")
	rxPower := fs.Float64("rx-power", 0, "Reported receive power in dBm (0 = free-space estimate)")
	prfStr := fs.String("prf", "16", "Pulse repetition frequency: 16|64")
	count := fs.Uint("count", 10, "Number of ranges, 0 to run until interrupted")
	logLevel := fs.String("log", "warn", "Log level: error|warn|info|debug|trace")
	eventsOutput := fs.String("events-output", "", "Write events to: stdout, stderr, or a file path")
	eventsFormat := fs.String("events-format", "json", "Event encoding: json|cbor")
	tracePath := fs.String("trace", "", "Record the tag's frames to a pcapng file")

	fs.Parse(args)

	if *distance <= 0 {
		fail("--distance must be positive")
	}
	prf, err := radio.ParsePRF(*prfStr)
	if err != nil {
		fail("%v", err)
	}
	mode := radio.ModeLongDataRangeLowPower
	if prf == radio.PRF64MHz {
		mode = radio.ModeLongDataRangeAccuracy
	}

	logger := newLogger(*logLevel)
	emitter, err := createEmitter(*eventsOutput, *eventsFormat)
	if err != nil {
		fail("creating event emitter: %v", err)
	}
	defer emitter.Close()

	air := sim.NewAir(*distance)
	anchorRadio := air.NewRadio(sim.Options{RxPower: *rxPower})
	tagRadio := air.NewRadio(sim.Options{DriftPPM: *drift, Offset: 0xFF_FFF0_0000, RxPower: *rxPower})

	anchorID := ranging.Identity{EUI: [8]byte{0x7D, 0, 0x22, 0xEA, 0x82, 0x60, 0x3B, 0x9C}, ShortAddress: 1}
	tagID := ranging.Identity{EUI: [8]byte{0x7D, 0, 0x22, 0xEA, 0x82, 0x60, 0x3B, 0x9D}, ShortAddress: 2}

	var tracer ranging.Tracer
	if *tracePath != "" {
		tw, err := trace.Open(*tracePath)
		if err != nil {
			fail("%v", err)
		}
		defer tw.Close()
		tracer = tw
	}

	ctx, cancel := signalContext()
	defer cancel()

	anchorEngine, err := ranging.New(ranging.Config{
		Role:    ranging.RoleAnchor,
		Self:    anchorID,
		Peers:   []ranging.Identity{tagID},
		Mode:    mode,
		Clock:   air,
		Logger:  logger.Named("anchor"),
		Emitter: emitter,
	}, anchorRadio)
	if err != nil {
		fail("creating anchor: %v", err)
	}
	tagEngine, err := ranging.New(ranging.Config{
		Role:   ranging.RoleTag,
		Self:   tagID,
		Peers:  []ranging.Identity{anchorID},
		Mode:   mode,
		Clock:  air,
		Logger: logger.Named("tag"),
		Tracer: tracer,
	}, tagRadio)
	if err != nil {
		fail("creating tag: %v", err)
	}

	var ranges atomic.Uint64
	anchorNode, err := node.New(node.Config{Engine: anchorEngine, Driver: anchorRadio, Logger: logger.Named("anchor")})
	if err != nil {
		fail("%v", err)
	}
	tagNode, err := node.New(node.Config{
		Engine: tagEngine,
		Driver: tagRadio,
		Logger: logger.Named("tag"),
		OnRange: func(p ranging.Peer) {
			i := ranges.Add(1)
			fmt.Printf("%4d  %8.3f m  %7.2f dBm\n", i, p.Range, p.RxPower)
			if *count > 0 && i >= uint64(*count) {
				cancel()
			}
		},
	})
	if err != nil {
		fail("%v", err)
	}

	fmt.Printf("Simulating %.2f m, tag drift %+.1f ppm, %s\n", *distance, *drift, mode)

	go func() {
		_ = air.Run(ctx, 200*time.Microsecond)
	}()
	errs := make(chan error, 2)
	go func() { errs <- anchorNode.Run(ctx) }()
	go func() { errs <- tagNode.Run(ctx) }()

	failed := false
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			logger.Error("%v", err)
			failed = true
		}
	}

	s := tagNode.Ranges()
	fmt.Printf("%d ranges, mean of last %d: %.3f m\n", ranges.Load(), s.Count(), s.Average())
	if failed {
		os.Exit(1)
	}
}

func runDump(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fail("usage: rangelink dump FILE")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fail("%v", err)
	}
	defer f.Close()

	records, err := trace.ReadAll(f)
	for _, r := range records {
		name := "?"
		if t, cerr := protocol.Classify(r.Frame); cerr == nil {
			name = t.String()
		}
		fmt.Printf("%s  %s  %-13s %s\n", r.Time.Format("15:04:05.000000"), r.Direction, name, hex.EncodeToString(r.Frame))
	}
	if err != nil {
		fail("%v", err)
	}
}
