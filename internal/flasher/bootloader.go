// Package flasher moves devices into their bootloader and runs the one
// flash tool configured for their method pair.
package flasher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"kalico-flash/config"
	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/model"
	"kalico-flash/internal/runner"
)

// DeviceWaiter is the part of discovery used after bootloader entry.
type DeviceWaiter interface {
	WaitReenumeration(ctx context.Context, originalPath string, timeout time.Duration) (string, error)
	WaitPresent(ctx context.Context, pattern string, timeout time.Duration) (string, error)
}

// Timeouts bound each external step.
type Timeouts struct {
	BootloaderCommand time.Duration
	Reenumeration     time.Duration
	USBFlash          time.Duration
	CANFlash          time.Duration
	SDCardFlash       time.Duration
	UF2Mount          time.Duration
}

// DefaultTimeouts are the documented phase bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		BootloaderCommand: 10 * time.Second,
		Reenumeration:     30 * time.Second,
		USBFlash:          60 * time.Second,
		CANFlash:          120 * time.Second,
		SDCardFlash:       120 * time.Second,
		UF2Mount:          15 * time.Second,
	}
}

// Options configures a Flasher.
type Options struct {
	KlipperDir  string
	KatapultDir string
	Timeouts    Timeouts
	// Settle is slept after a USB device re-enumerates.
	Settle time.Duration
	// Poll is the cadence of the UF2 mount wait.
	Poll time.Duration
	// CANAttempts and CANRetryPause control katapult_can retries.
	CANAttempts   int
	CANRetryPause time.Duration
	// MountRoots overrides the UF2 mount search, mainly for tests.
	MountRoots []string
	Stream     io.Writer
}

// Flasher runs bootloader entry and flash commands.
type Flasher struct {
	opts Options
	run  runner.Runner
	wait DeviceWaiter
	log  zerolog.Logger
}

// New creates a Flasher.
func New(opts Options, run runner.Runner, wait DeviceWaiter, log zerolog.Logger) *Flasher {
	def := DefaultTimeouts()
	t := &opts.Timeouts
	orDefault := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	orDefault(&t.BootloaderCommand, def.BootloaderCommand)
	orDefault(&t.Reenumeration, def.Reenumeration)
	orDefault(&t.USBFlash, def.USBFlash)
	orDefault(&t.CANFlash, def.CANFlash)
	orDefault(&t.SDCardFlash, def.SDCardFlash)
	orDefault(&t.UF2Mount, def.UF2Mount)
	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	if opts.CANAttempts <= 0 {
		opts.CANAttempts = 3
	}
	if opts.CANRetryPause <= 0 {
		opts.CANRetryPause = 2 * time.Second
	}
	return &Flasher{opts: opts, run: run, wait: wait, log: log.With().Str("component", "flash").Logger()}
}

// KlippyPython is <klipper_dir>/../klippy-env/bin/python3, else python3.
func KlippyPython(klipperDir string) string {
	p := filepath.Join(filepath.Dir(filepath.Clean(klipperDir)), "klippy-env", "bin", "python3")
	if isFile(p) {
		return p
	}
	return "python3"
}

// MoonrakerPython is the Moonraker venv interpreter, which carries
// pyserial. It looks next to the Klipper tree, then in ~/moonraker-env.
func MoonrakerPython(klipperDir string) string {
	for _, venv := range []string{
		filepath.Join(filepath.Dir(filepath.Clean(klipperDir)), "moonraker-env"),
		config.ExpandHome("~/moonraker-env"),
	} {
		if p := filepath.Join(venv, "bin", "python3"); isFile(p) {
			return p
		}
	}
	return "python3"
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

func (f *Flasher) flashtool() string {
	return filepath.Join(f.opts.KatapultDir, "scripts", "flashtool.py")
}

// EnterBootloader runs the automatic bootloader step for usb, serial and
// none and returns the path to flash. manual is driven by the caller and
// finished with AfterManual; can needs no separate step.
func (f *Flasher) EnterBootloader(ctx context.Context, d *model.Device, path string) (string, error) {
	switch d.BootloaderMethod {
	case model.BootloaderNone:
		if d.FlashMethod == model.FlashUF2Mount || path == "" {
			return path, nil
		}
		if _, err := os.Stat(path); err != nil {
			return "", flasherr.Newf(flasherr.DeviceNotFound, "bootloader", "device not found: %s", path)
		}
		return path, nil
	case model.BootloaderCAN:
		return "", nil
	case model.BootloaderUSB:
		script := fmt.Sprintf("import sys; sys.path.insert(0, %q); from flash_usb import enter_bootloader; enter_bootloader(%q)",
			filepath.Join(f.opts.KlipperDir, "scripts"), path)
		return f.commandThenWait(ctx, path, runner.Command{
			Name: KlippyPython(f.opts.KlipperDir),
			Args: []string{"-c", script},
		})
	case model.BootloaderSerial:
		tool := f.flashtool()
		if !isFile(tool) {
			return "", flasherr.Newf(flasherr.PreflightFailed, "bootloader", "Katapult flashtool not found: %s", tool)
		}
		return f.commandThenWait(ctx, path, runner.Command{
			Name: MoonrakerPython(f.opts.KlipperDir),
			Args: []string{tool, "-r", "-d", path},
		})
	case model.BootloaderManual:
		return "", flasherr.New(flasherr.InvalidConfig, "bootloader", "manual bootloader entry needs operator confirmation")
	}
	return "", flasherr.Newf(flasherr.InvalidConfig, "bootloader", "unknown bootloader method %q", d.BootloaderMethod)
}

// commandThenWait issues the entry command, ignoring its exit status since
// the port drops mid-call, then waits for the device to re-enumerate.
func (f *Flasher) commandThenWait(ctx context.Context, path string, cmd runner.Command) (string, error) {
	cmd.Timeout = f.opts.Timeouts.BootloaderCommand
	res, err := f.run.Run(ctx, cmd)
	switch {
	case errors.Is(err, runner.ErrTimeout):
		return "", flasherr.Wrap(err, flasherr.BootloaderEntryTimeout, "bootloader", "bootloader command timed out").WithOutput(res.Output)
	case ctx.Err() != nil:
		return "", flasherr.Wrap(ctx.Err(), flasherr.Cancelled, "bootloader", "bootloader entry interrupted")
	case err != nil:
		return "", flasherr.Wrap(err, flasherr.FlashCommandFailed, "bootloader", "failed to run bootloader command")
	}
	f.log.Debug().Str("cmd", cmd.String()).Int("exit", res.ExitCode).Msg("Bootloader command issued")

	newPath, err := f.wait.WaitReenumeration(ctx, path, f.opts.Timeouts.Reenumeration)
	if err != nil {
		return "", err
	}
	if err := f.settle(ctx); err != nil {
		return "", err
	}
	return newPath, nil
}

// AfterManual finishes a manual entry once the operator confirmed the
// board is in bootloader mode. UF2 boards mount as storage instead of a
// serial port, so no wait happens for them.
func (f *Flasher) AfterManual(ctx context.Context, d *model.Device) (string, error) {
	if d.FlashMethod == model.FlashUF2Mount {
		return "", nil
	}
	path, err := f.wait.WaitPresent(ctx, d.SerialPattern, f.opts.Timeouts.Reenumeration)
	if err != nil {
		return "", err
	}
	if err := f.settle(ctx); err != nil {
		return "", err
	}
	return path, nil
}

func (f *Flasher) settle(ctx context.Context) error {
	if f.opts.Settle <= 0 {
		return nil
	}
	t := time.NewTimer(f.opts.Settle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return flasherr.Wrap(ctx.Err(), flasherr.Cancelled, "bootloader", "interrupted while the device settled")
	}
}
