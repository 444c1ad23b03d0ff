package flasher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"kalico-flash/internal/discovery"
	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/model"
	"kalico-flash/internal/runner"
)

// uf2Labels are the volume labels of the RP2 boot ROM.
var uf2Labels = []string{"RPI-RP2", "RP2040"}

// Flash writes firmware with the device's configured flash method. There
// is no fallback to another tool when it fails.
func (f *Flasher) Flash(ctx context.Context, d *model.Device, path, firmware string) error {
	if st, err := os.Stat(firmware); err != nil || st.IsDir() {
		return flasherr.Newf(flasherr.FlashCommandFailed, "flash", "firmware file not found: %s", firmware)
	}
	start := time.Now()
	var err error
	switch d.FlashMethod {
	case model.FlashKatapult:
		err = f.katapult(ctx, path, firmware)
	case model.FlashMake:
		err = f.makeFlash(ctx, path)
	case model.FlashSDCard:
		err = f.sdcard(ctx, d, path)
	case model.FlashUF2Mount:
		err = f.uf2(ctx, d, firmware)
	case model.FlashKatapultCAN:
		err = f.katapultCAN(ctx, d, firmware)
	case model.FlashNone, "":
		return flasherr.Newf(flasherr.InvalidConfig, "flash", "%s is build-only", d.Key)
	default:
		return flasherr.Newf(flasherr.InvalidConfig, "flash", "unknown flash method %q", d.FlashMethod)
	}
	if err != nil {
		return err
	}
	f.log.Info().Str("device", d.Key).Str("method", string(d.FlashMethod)).Dur("took", time.Since(start)).Msg("Flash complete")
	return nil
}

func (f *Flasher) katapult(ctx context.Context, path, firmware string) error {
	if path == "" {
		return flasherr.New(flasherr.DeviceNotFound, "flash", "no serial path to flash")
	}
	tool := f.flashtool()
	if !isFile(tool) {
		return flasherr.Newf(flasherr.PreflightFailed, "flash", "Katapult flashtool not found: %s", tool)
	}
	return f.exec(ctx, runner.Command{
		Name:    KlippyPython(f.opts.KlipperDir),
		Args:    []string{tool, "-d", path, "-f", firmware},
		Timeout: f.opts.Timeouts.USBFlash,
	})
}

func (f *Flasher) makeFlash(ctx context.Context, path string) error {
	if path == "" {
		return flasherr.New(flasherr.DeviceNotFound, "flash", "no serial path to flash")
	}
	return f.exec(ctx, runner.Command{
		Name:    "make",
		Args:    []string{"FLASH_DEVICE=" + path, "flash"},
		Dir:     f.opts.KlipperDir,
		Timeout: f.opts.Timeouts.USBFlash,
	})
}

func (f *Flasher) sdcard(ctx context.Context, d *model.Device, path string) error {
	if d.SDCardBoard == "" {
		return flasherr.Newf(flasherr.InvalidConfig, "flash", "%s has no sdcard board configured", d.Key)
	}
	script := filepath.Join(f.opts.KlipperDir, "scripts", "flash-sdcard.sh")
	if !isFile(script) {
		return flasherr.Newf(flasherr.PreflightFailed, "flash", "flash-sdcard.sh not found: %s", script)
	}
	return f.exec(ctx, runner.Command{
		Name:    script,
		Args:    []string{path, d.SDCardBoard},
		Dir:     f.opts.KlipperDir,
		Timeout: f.opts.Timeouts.SDCardFlash,
	})
}

// katapultCAN retries the CAN flashtool since nodes sometimes miss the
// first request. All attempts share the CAN flash timeout.
func (f *Flasher) katapultCAN(ctx context.Context, d *model.Device, firmware string) error {
	tool := f.flashtool()
	if !isFile(tool) {
		return flasherr.Newf(flasherr.PreflightFailed, "flash", "Katapult flashtool not found: %s", tool)
	}
	deadline := time.Now().Add(f.opts.Timeouts.CANFlash)
	cmd := runner.Command{
		Name: "python3",
		Args: []string{tool, "-i", d.Interface(), "-u", strings.ToLower(d.CANBusUUID), "-f", firmware},
	}

	var last error
	for attempt := 1; attempt <= f.opts.CANAttempts; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		cmd.Timeout = remaining
		res, err := f.run.Run(ctx, cmd)
		switch {
		case errors.Is(err, runner.ErrTimeout):
			return flasherr.Wrap(err, flasherr.FlashCommandFailed, "flash",
				fmt.Sprintf("CAN flash exceeded %s", f.opts.Timeouts.CANFlash)).WithOutput(res.Output)
		case ctx.Err() != nil:
			return flasherr.Wrap(ctx.Err(), flasherr.Cancelled, "flash", "flash interrupted")
		case err != nil:
			return flasherr.Wrap(err, flasherr.FlashCommandFailed, "flash", "failed to start "+cmd.Name)
		case res.OK():
			return nil
		}
		last = flasherr.Newf(flasherr.FlashCommandFailed, "flash",
			"%s exited %d after %d attempt(s)", filepath.Base(tool), res.ExitCode, attempt).WithOutput(res.Output)
		f.log.Warn().Int("attempt", attempt).Int("exit", res.ExitCode).Str("uuid", d.CANBusUUID).Msg("CAN flash attempt failed")

		if attempt < f.opts.CANAttempts {
			t := time.NewTimer(f.opts.CANRetryPause)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return flasherr.Wrap(ctx.Err(), flasherr.Cancelled, "flash", "flash interrupted")
			}
		}
	}
	if last == nil {
		last = flasherr.Newf(flasherr.FlashCommandFailed, "flash", "CAN flash exceeded %s", f.opts.Timeouts.CANFlash)
	}
	return last
}

func (f *Flasher) exec(ctx context.Context, cmd runner.Command) error {
	cmd.Stream = f.opts.Stream
	res, err := f.run.Run(ctx, cmd)
	switch {
	case errors.Is(err, runner.ErrTimeout):
		return flasherr.Wrap(err, flasherr.FlashCommandFailed, "flash",
			fmt.Sprintf("%s exceeded %s", filepath.Base(cmd.Name), cmd.Timeout)).WithOutput(res.Output)
	case ctx.Err() != nil:
		return flasherr.Wrap(ctx.Err(), flasherr.Cancelled, "flash", "flash interrupted")
	case err != nil:
		return flasherr.Wrap(err, flasherr.FlashCommandFailed, "flash", "failed to start "+cmd.Name)
	case !res.OK():
		return flasherr.Newf(flasherr.FlashCommandFailed, "flash", "%s exited %d", filepath.Base(cmd.Name), res.ExitCode).WithOutput(res.Output)
	}
	return nil
}

// MountCandidates lists where an RP2 boot volume may appear. An explicit
// mount path replaces the search.
func (f *Flasher) MountCandidates(d *model.Device) []string {
	if d.UF2MountPath != "" {
		return []string{d.UF2MountPath}
	}
	roots := f.opts.MountRoots
	if roots == nil {
		name := currentUser()
		roots = []string{"/media/" + name, "/media", "/run/media/" + name, "/mnt"}
	}
	var out []string
	for _, root := range roots {
		for _, label := range uf2Labels {
			out = append(out, filepath.Join(root, label))
		}
	}
	return out
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// uf2 waits for the boot volume to mount and copies the image onto it.
func (f *Flasher) uf2(ctx context.Context, d *model.Device, firmware string) error {
	if !strings.EqualFold(filepath.Ext(firmware), ".uf2") {
		return flasherr.Newf(flasherr.FlashCommandFailed, "flash", "uf2_mount needs a .uf2 image, got %s", filepath.Base(firmware))
	}
	candidates := f.MountCandidates(d)
	var mount string
	ok, err := discovery.Poll(ctx, f.opts.Poll, f.opts.Timeouts.UF2Mount, func() bool {
		for _, c := range candidates {
			if st, err := os.Stat(c); err == nil && st.IsDir() {
				mount = c
				return true
			}
		}
		return false
	})
	if err != nil {
		return flasherr.Wrap(err, flasherr.Cancelled, "flash", "interrupted while waiting for the UF2 volume")
	}
	if !ok {
		return flasherr.Newf(flasherr.FlashCommandFailed, "flash",
			"UF2 volume did not mount within %s (looked in %s)", f.opts.Timeouts.UF2Mount, strings.Join(candidates, ", "))
	}
	if err := copyFile(firmware, filepath.Join(mount, filepath.Base(firmware))); err != nil {
		return flasherr.Wrap(err, flasherr.FlashCommandFailed, "flash", "failed to copy firmware to "+mount)
	}
	f.log.Debug().Str("mount", mount).Msg("Copied UF2 image")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
