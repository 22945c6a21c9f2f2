package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rangelink/rangelink/internal/events"
	"github.com/rangelink/rangelink/internal/logging"
	"github.com/rangelink/rangelink/internal/protocol"
	"github.com/rangelink/rangelink/internal/radio"
	"github.com/rangelink/rangelink/internal/radio/dw1000"
	"github.com/rangelink/rangelink/internal/radio/uart"
	"github.com/rangelink/rangelink/internal/ranging"
)

// radioFlags selects and opens the transceiver.
type radioFlags struct {
	driver string
	spi    string
	rst    string
	irq    string
	serial string
	baud   int
}

func (r *radioFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.driver, "driver", "dw1000", "Radio driver: dw1000|uart")
	fs.StringVar(&r.spi, "spi", "", "SPI port for dw1000 (default: first available)")
	fs.StringVar(&r.rst, "rst", "", "GPIO wired to the DW1000 reset line")
	fs.StringVar(&r.irq, "irq", "GPIO25", "GPIO wired to the DW1000 IRQ line")
	fs.StringVar(&r.serial, "serial", "/dev/ttyUSB0", "Serial port for uart")
	fs.IntVar(&r.baud, "baud", uart.DefaultBaud, "Baud rate for uart")
}

func (r *radioFlags) open(logger *logging.Logger) (radio.Driver, error) {
	switch r.driver {
	case "dw1000":
		logger.Info("Opening DW1000 on %s (irq %s)", orDefault(r.spi, "first SPI port"), r.irq)
		return dw1000.Open(dw1000.Config{
			Port:     r.spi,
			ResetPin: r.rst,
			IRQPin:   r.irq,
			Logger:   logger.Named("dw1000"),
		})
	case "uart":
		logger.Info("Opening UART module on %s at %d baud", r.serial, r.baud)
		return uart.Open(uart.Config{
			Name:   r.serial,
			Baud:   r.baud,
			Logger: logger.Named("uart"),
		})
	default:
		return nil, fmt.Errorf("unknown driver %q: must be dw1000 or uart", r.driver)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// peerList collects repeated --peer flags.
type peerList []ranging.Identity

func (p *peerList) String() string {
	parts := make([]string, len(*p))
	for i, id := range *p {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func (p *peerList) Set(s string) error {
	if len(*p) >= ranging.MaxPeers {
		return fmt.Errorf("at most %d peers", ranging.MaxPeers)
	}
	id, err := parseIdentity(s)
	if err != nil {
		return err
	}
	*p = append(*p, id)
	return nil
}

// parseIdentity parses "EUI" or "EUI/SHORT". Without a short address the
// last two EUI bytes are used.
func parseIdentity(s string) (ranging.Identity, error) {
	euiStr, shortStr, hasShort := strings.Cut(s, "/")
	eui, err := protocol.ParseEUI(euiStr)
	if err != nil {
		return ranging.Identity{}, err
	}
	id := ranging.Identity{EUI: eui, ShortAddress: protocol.ShortFromEUI(eui)}
	if hasShort {
		id.ShortAddress, err = protocol.ParseShort(shortStr)
		if err != nil {
			return ranging.Identity{}, err
		}
	}
	return id, nil
}

// selectActivePeer makes the registered peer with short address s the one
// the engine ranges with.
func selectActivePeer(engine *ranging.Engine, s string) error {
	short, err := protocol.ParseShort(s)
	if err != nil {
		return err
	}
	return engine.SetActivePeer(short)
}

// createEmitter creates an Emitter based on the --events-output and
// --events-format flag values. Returns a NopEmitter if output is empty.
func createEmitter(output, format string) (events.Emitter, error) {
	newWriter := func(f *os.File) events.Emitter { return events.NewJSONLineWriter(f) }
	switch format {
	case "", "json":
	case "cbor":
		newWriter = func(f *os.File) events.Emitter { return events.NewCBORWriter(f) }
	default:
		return nil, fmt.Errorf("unknown events format %q: must be json or cbor", format)
	}

	switch output {
	case "":
		return events.NopEmitter{}, nil
	case "stdout":
		return newWriter(os.Stdout), nil
	case "stderr":
		return newWriter(os.Stderr), nil
	default:
		flags := os.O_WRONLY | os.O_APPEND
		if _, err := os.Stat(output); os.IsNotExist(err) {
			flags |= os.O_CREATE
		}
		f, err := os.OpenFile(output, flags, 0644)
		if err != nil {
			return nil, fmt.Errorf("open events output %q: %w", output, err)
		}
		return newWriter(f), nil
	}
}
