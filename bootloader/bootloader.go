// Package bootloader implements the orchestrator: entering PPM
// programming mode, identifying the chip, and driving the per-memory
// programming and verification sequences against the session engine.
package bootloader

import (
	"context"
	"fmt"
	"time"

	"ppmflash.dev/chipcat"
	"ppmflash.dev/ihex"
	"ppmflash.dev/ppm"
	"ppmflash.dev/session"
)

// Memory selects which region of the chip an action targets.
type Memory int

const (
	Flash Memory = iota
	FlashCS
	Nvram
	IUM
)

func (m Memory) String() string {
	switch m {
	case Flash:
		return "flash"
	case FlashCS:
		return "flash-cs"
	case Nvram:
		return "nvram"
	case IUM:
		return "ium"
	default:
		return "unknown"
	}
}

// Action selects whether a memory is programmed or only verified.
type Action int

const (
	Program Action = iota
	Verify
)

func (a Action) String() string {
	if a == Verify {
		return "verify"
	}
	return "program"
}

// Options is one complete programming or verification request.
type Options struct {
	ManualPower bool
	Broadcast   bool
	BitrateBps  uint32
	Memory      Memory
	Action      Action
	Hex         *ihex.Image
}

// Report summarizes one DoAction invocation for the CLI.
type Report struct {
	Memory         Memory
	Action         Action
	ProjectID      uint16
	BytesProcessed int
	Elapsed        time.Duration
	CRC            uint32
}

// Logger is the structured-logging surface the orchestrator uses;
// satisfied by *charmbracelet/log.Logger. A nil Logger discards
// everything.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// PowerController cycles power to the target when the host (rather
// than a human operator) controls it.
type PowerController interface {
	PowerDown(ctx context.Context) error
	PowerUp(ctx context.Context) error
}

// KeyStore supplies the programming-key block a HasKeys chip needs
// before Flash-prog or Flash-CS-prog will accept a session; satisfied
// by *ppmflash.dev/keystore.Store.
type KeyStore interface {
	Get(projectID uint16) ([8]uint16, error)
}

// Bootloader is the long-lived orchestrator value, bound to one
// session engine and one chip catalog for the life of the program.
type Bootloader struct {
	Engine   *session.Engine
	Catalog  *chipcat.Catalog
	Power    PowerController // optional; nil means the caller never host-controls power.
	KeyStore KeyStore        // optional; required only for chips with HasKeys set.
	Log      Logger

	poweredOn bool
}

func New(engine *session.Engine, catalog *chipcat.Catalog) *Bootloader {
	return &Bootloader{Engine: engine, Catalog: catalog}
}

// Keys looks up the cached programming keys for projectID.
func (b *Bootloader) Keys(projectID uint16) ([8]uint16, error) {
	var keys [8]uint16
	if b.KeyStore == nil {
		return keys, fmt.Errorf("bootloader: chip requires programming keys but no key store is configured")
	}
	return b.KeyStore.Get(projectID)
}

func (b *Bootloader) logf(level string, format string, args ...any) {
	if b.Log == nil {
		return
	}
	switch level {
	case "debug":
		b.Log.Debugf(format, args...)
	case "error":
		b.Log.Errorf(format, args...)
	default:
		b.Log.Infof(format, args...)
	}
}

// DoAction runs one complete programming or verification action:
// enter PPM mode, identify the chip, perform the requested action
// against the requested memory, then unconditionally reset the chip
// and exit.
func (b *Bootloader) DoAction(ctx context.Context, opts Options) (Report, error) {
	report := Report{Memory: opts.Memory, Action: opts.Action}
	start := time.Now()
	defer func() { report.Elapsed = time.Since(start) }()

	if opts.Hex == nil {
		return report, CodeInvalidHex
	}

	chip, projectID, err := b.enter(ctx, opts)
	report.ProjectID = projectID
	defer b.exit(ctx, opts)
	if err != nil {
		return report, err
	}
	if opts.Broadcast {
		// No catalog identity to resolve in broadcast mode: nothing
		// further to do for a single do_action (callers broadcast
		// program/verify by driving sessions themselves per target
		// group); this orchestrator's job ends at the unlock.
		return report, nil
	}

	mem, err := resolveMemory(chip, opts.Memory)
	if err != nil {
		return report, err
	}

	switch opts.Action {
	case Program:
		err = b.program(ctx, opts, chip, opts.Memory, mem, &report)
	case Verify:
		err = b.verify(ctx, opts, chip, opts.Memory, mem, &report)
	default:
		err = CodeActionNotSupported
	}
	return report, err
}

func resolveMemory(chip chipcat.Chip, kind Memory) (*chipcat.Memory, error) {
	switch kind {
	case Flash:
		return &chip.Flash, nil
	case FlashCS:
		if chip.FlashCS == nil {
			return nil, fmt.Errorf("bootloader: chip %s has no flash-CS region: %w", chip.Name, CodeActionNotSupported)
		}
		return chip.FlashCS, nil
	case Nvram:
		if chip.Eeprom == nil {
			return nil, fmt.Errorf("bootloader: chip %s has no EEPROM region: %w", chip.Name, CodeActionNotSupported)
		}
		return chip.Eeprom, nil
	case IUM:
		if chip.IUM == nil {
			return nil, fmt.Errorf("bootloader: chip %s has no IUM region: %w", chip.Name, CodeActionNotSupported)
		}
		return chip.IUM, nil
	default:
		return nil, CodeActionNotSupported
	}
}

// enter drives the entry-to-programming-mode sequence: power cycle
// if host-controlled, emit the enter pattern, settle, set the
// bitrate, calibrate, unlock. In broadcast mode the unlock gets no
// reply, so neither a catalog chip nor a project id is returned (the
// project id is 0).
func (b *Bootloader) enter(ctx context.Context, opts Options) (chipcat.Chip, uint16, error) {
	patternUS := uint32(50_000)
	if opts.ManualPower {
		patternUS = 100_000
	}

	if !opts.ManualPower && b.Power != nil {
		if b.poweredOn {
			if err := b.Power.PowerDown(ctx); err != nil {
				return chipcat.Chip{}, 0, fmt.Errorf("bootloader: power down before entry: %w", CodeEnterPPM)
			}
			sleepCtx(ctx, 100*time.Millisecond)
		}
		if err := b.Power.PowerUp(ctx); err != nil {
			return chipcat.Chip{}, 0, fmt.Errorf("bootloader: power up: %w", CodeEnterPPM)
		}
		b.poweredOn = true
	}

	if err := b.Engine.Line.TransmitEnterPattern(ctx, patternUS); err != nil {
		return chipcat.Chip{}, 0, fmt.Errorf("bootloader: enter pattern: %w", CodeEnterPPM)
	}
	sleepCtx(ctx, 5*time.Millisecond)

	if err := b.Engine.Line.Configure(opts.BitrateBps, false, false); err != nil {
		return chipcat.Chip{}, 0, fmt.Errorf("bootloader: configure bitrate: %w", CodeSetBaud)
	}

	if err := b.Engine.Line.TransmitFrame(ctx, ppm.TagCalibration, nil, 1); err != nil {
		return chipcat.Chip{}, 0, fmt.Errorf("bootloader: calibration: %w", CodeCalibration)
	}

	timing := session.DefaultUnlockTiming
	timing.RequestAck = !opts.Broadcast
	projectID, err := b.Engine.Unlock(ctx, timing)
	if err != nil {
		return chipcat.Chip{}, 0, fmt.Errorf("bootloader: unlock: %w", CodeUnlock)
	}
	b.logf("debug", "bootloader: unlocked project id %#04x", projectID)
	if opts.Broadcast {
		return chipcat.Chip{}, projectID, nil
	}

	chip, err := b.Catalog.Lookup(projectID)
	if err != nil {
		return chipcat.Chip{}, projectID, fmt.Errorf("bootloader: %w: %v", CodeChipNotSupported, err)
	}
	return chip, projectID, nil
}

// exit always performs a Chip-reset session and, if power is
// host-controlled, powers the target down — irrespective of how the
// action itself concluded.
func (b *Bootloader) exit(ctx context.Context, opts Options) {
	timing := session.DefaultChipResetTiming
	timing.RequestAck = !opts.Broadcast
	if _, err := b.Engine.ChipReset(ctx, timing); err != nil {
		b.logf("error", "bootloader: chip reset: %v", err)
	}
	if !opts.ManualPower && b.Power != nil && b.poweredOn {
		if err := b.Power.PowerDown(ctx); err != nil {
			b.logf("error", "bootloader: power down at exit: %v", err)
		}
		b.poweredOn = false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
