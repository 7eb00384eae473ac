// Command ppmflash programs and verifies the flash, flash-CS and
// EEPROM regions of a PPM-bootloader chip from an Intel-HEX image.
//
// The PPM line is reached through one of three backends: a USB bridge
// dongle on a serial port (the default, auto-probed over udev), a
// directly wired GPIO pin via periph.io, or the Linux GPIO character
// device.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"ppmflash.dev/bootloader"
	"ppmflash.dev/chipcat"
	"ppmflash.dev/ihex"
	"ppmflash.dev/keystore"
	"ppmflash.dev/ppmline"
	"ppmflash.dev/ppmline/gpiobus"
	"ppmflash.dev/ppmline/gpiocdevbus"
	"ppmflash.dev/ppmline/serialbus"
	"ppmflash.dev/session"
	"ppmflash.dev/trace"
)

var (
	hexPath     = pflag.StringP("hex", "f", "", "Intel-HEX image to program or verify (required).")
	memoryName  = pflag.StringP("memory", "m", "flash", "Target memory: flash, flash-cs, eeprom or ium.")
	actionName  = pflag.StringP("action", "a", "program", "Action: program or verify.")
	bitrate     = pflag.Uint32P("bitrate", "b", 100_000, "PPM line bitrate in bits per second.")
	manualPower = pflag.Bool("manual-power", false, "The operator cycles target power by hand instead of the host.")
	broadcast   = pflag.Bool("broadcast", false, "Ack-less mode for multiple targets sharing the bus.")

	backendName = pflag.String("backend", "serial", "Line backend: serial, gpio or gpiocdev.")
	device      = pflag.StringP("device", "d", "", "Serial device of the bridge dongle; probed over udev when empty.")
	pinName     = pflag.String("pin", "GPIO6", "periph.io pin name for the gpio backend.")
	rxPinName   = pflag.String("rx-pin", "", "Separate receive pin for the gpio backend; empty shares --pin open-drain.")
	gpioChip    = pflag.String("gpiochip", "gpiochip0", "GPIO character device for the gpiocdev backend.")
	gpioOffset  = pflag.Int("gpio-offset", 6, "Line offset on --gpiochip for the gpiocdev backend.")

	catalogPath = pflag.String("catalog", "", "Extra chip catalog YAML, layered over the built-in one.")
	keysDir     = pflag.String("keys-dir", "", "Programming-keys cache directory (default: user cache dir).")
	traceDir    = pflag.String("trace", "", "Record the session's wire traffic to a CBOR trace file in this directory.")
	useTUI      = pflag.Bool("tui", false, "Show a live progress view (requires a terminal).")
	verbose     = pflag.BoolP("verbose", "v", false, "Log every session step.")
)

func main() {
	pflag.Parse()
	if err := run(); err != nil {
		var code bootloader.ErrorCode
		if errors.As(err, &code) {
			fmt.Fprintf(os.Stderr, "ppmflash: %s\n", code)
			os.Exit(int(-code))
		}
		fmt.Fprintf(os.Stderr, "ppmflash: %v\n", err)
		os.Exit(1)
	}
}

func parseMemory(name string) (bootloader.Memory, error) {
	switch name {
	case "flash":
		return bootloader.Flash, nil
	case "flash-cs":
		return bootloader.FlashCS, nil
	case "eeprom", "nvram":
		return bootloader.Nvram, nil
	case "ium":
		return bootloader.IUM, nil
	}
	return 0, fmt.Errorf("unknown memory %q", name)
}

func parseAction(name string) (bootloader.Action, error) {
	switch name {
	case "program":
		return bootloader.Program, nil
	case "verify":
		return bootloader.Verify, nil
	}
	return 0, fmt.Errorf("unknown action %q", name)
}

func openBackend(logger *log.Logger) (ppmline.Backend, error) {
	switch *backendName {
	case "serial":
		dev := *device
		if dev == "" {
			probed, err := ppmline.ProbeSerialDevice()
			if err != nil {
				return nil, err
			}
			logger.Debugf("probed bridge dongle at %s", probed)
			dev = probed
		}
		return serialbus.Open(dev)
	case "gpio":
		return gpiobus.Open(*pinName, *rxPinName)
	case "gpiocdev":
		return gpiocdevbus.Open(*gpioChip, *gpioOffset), nil
	}
	return nil, fmt.Errorf("unknown backend %q", *backendName)
}

func loadCatalog() (*chipcat.Catalog, error) {
	cat := chipcat.Default()
	if *catalogPath == "" {
		return cat, nil
	}
	extra, err := chipcat.Load(*catalogPath)
	if err != nil {
		return nil, err
	}
	return cat.Merge(extra), nil
}

func openKeyStore() (*keystore.Store, error) {
	dir := *keysDir
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving cache dir: %w", err)
		}
		dir = filepath.Join(cache, "ppmflash")
	}
	return keystore.Open(dir)
}

func run() error {
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "ppmflash"})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if *hexPath == "" {
		pflag.Usage()
		return errors.New("--hex is required")
	}
	memory, err := parseMemory(*memoryName)
	if err != nil {
		return err
	}
	action, err := parseAction(*actionName)
	if err != nil {
		return err
	}

	f, err := os.Open(*hexPath)
	if err != nil {
		return err
	}
	img, err := ihex.Parse(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%v: %w", err, bootloader.CodeInvalidHex)
	}

	cat, err := loadCatalog()
	if err != nil {
		return err
	}

	backend, err := openBackend(logger)
	if err != nil {
		return err
	}
	line := ppmline.New(backend)
	ctx := context.Background()
	line.Start(ctx)
	defer line.Stop()

	engine := session.New(line)
	engine.Log = logger

	if *traceDir != "" {
		rec, err := trace.Create(*traceDir, time.Now())
		if err != nil {
			return err
		}
		defer rec.Close()
		engine.Tracer = rec
	}

	bl := bootloader.New(engine, cat)
	bl.Log = logger
	ks, err := openKeyStore()
	if err != nil {
		logger.Errorf("keystore unavailable, keyed chips will fail: %v", err)
	} else {
		bl.KeyStore = ks
	}

	opts := bootloader.Options{
		ManualPower: *manualPower,
		Broadcast:   *broadcast,
		BitrateBps:  *bitrate,
		Memory:      memory,
		Action:      action,
		Hex:         img,
	}

	var report bootloader.Report
	if *useTUI && term.IsTerminal(int(os.Stdout.Fd())) {
		report, err = runWithTUI(ctx, bl, opts)
	} else {
		report, err = bl.DoAction(ctx, opts)
	}
	if err != nil {
		return err
	}
	logger.Infof("%s %s: project %#04x, %d bytes in %s",
		report.Action, report.Memory, report.ProjectID,
		report.BytesProcessed, report.Elapsed.Round(time.Millisecond))
	if report.Action == bootloader.Verify {
		logger.Infof("chip CRC %#x matches image", report.CRC)
	}
	return nil
}
