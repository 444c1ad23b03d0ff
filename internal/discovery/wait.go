package discovery

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/parse"
)

// Poll calls check every interval until it reports done or the timeout
// elapses. It returns false on timeout and the cancellation cause when ctx
// is cancelled. check runs once more after the deadline so a device that
// arrived in the last interval is not missed.
func Poll(ctx context.Context, interval, timeout time.Duration, check func() bool) (bool, error) {
	return poll(ctx, interval, timeout, func(context.Context) bool { return check() }, true)
}

// PollContext is Poll for checks that block, such as a bus query. check
// receives the deadline-bounded context and is not repeated after the
// deadline, so the whole wait stays within timeout.
func PollContext(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) bool) (bool, error) {
	return poll(ctx, interval, timeout, check, false)
}

func poll(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) bool, final bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			if parent := context.Cause(ctx); parent != nil && parent != context.DeadlineExceeded {
				return false, parent
			}
			return final && check(ctx), nil
		}
		if check(ctx) {
			return true, nil
		}
		if ctx.Err() != nil && !final {
			if parent := context.Cause(ctx); parent != context.DeadlineExceeded {
				return false, parent
			}
			return false, nil
		}
	}
}

// WaitReenumeration waits for a USB device to drop off the bus and come
// back with the same MCU and serial, in either Klipper or katapult mode.
// Both phases share timeout.
func (s *Scanner) WaitReenumeration(ctx context.Context, originalPath string, timeout time.Duration) (string, error) {
	original := filepath.Base(originalPath)
	sig, hasSig := parse.DeviceSignature(original)
	deadline := time.Now().Add(timeout)

	gone, err := Poll(ctx, s.interval, timeout, func() bool {
		return !s.present(original)
	})
	if err != nil {
		return "", cancelled(err, "bootloader")
	}
	if !gone {
		return "", flasherr.Newf(flasherr.BootloaderEntryTimeout, "bootloader",
			"%s did not leave the bus within %s", original, timeout)
	}
	if !hasSig {
		return "", flasherr.Newf(flasherr.BootloaderEntryTimeout, "bootloader",
			"%s has no Klipper/katapult signature to wait for", original)
	}

	var found string
	ok, err := Poll(ctx, s.interval, time.Until(deadline), func() bool {
		names, _ := s.listSerial()
		for _, name := range names {
			if other, ok := parse.DeviceSignature(name); ok && other == sig {
				found = filepath.Join(s.serialDir, name)
				return true
			}
		}
		return false
	})
	if err != nil {
		return "", cancelled(err, "bootloader")
	}
	if !ok {
		return "", flasherr.Newf(flasherr.BootloaderEntryTimeout, "bootloader",
			"device %s_%s did not re-enumerate within %s", sig.MCU, sig.Serial, timeout)
	}
	s.log.Debug().Str("path", found).Msg("Device re-enumerated")
	return found, nil
}

// WaitPresent waits for any device matching pattern, in either mode.
func (s *Scanner) WaitPresent(ctx context.Context, pattern string, timeout time.Duration) (string, error) {
	var found string
	ok, err := Poll(ctx, s.interval, timeout, func() bool {
		names, _ := s.listSerial()
		for _, name := range names {
			if parse.MatchPattern(pattern, name) {
				found = filepath.Join(s.serialDir, name)
				return true
			}
		}
		return false
	})
	if err != nil {
		return "", cancelled(err, "bootloader")
	}
	if !ok {
		return "", flasherr.Newf(flasherr.BootloaderEntryTimeout, "bootloader",
			"no device matching %s appeared within %s", pattern, timeout)
	}
	return found, nil
}

// VerifyUSB waits for the device to come back running Klipper. A device
// still in katapult mode keeps the wait going since it may yet reboot.
func (s *Scanner) VerifyUSB(ctx context.Context, pattern string, timeout time.Duration) (string, error) {
	var found, stuck, unexpected string
	ok, err := Poll(ctx, s.interval, timeout, func() bool {
		names, _ := s.listSerial()
		stuck = ""
		for _, name := range names {
			if !parse.MatchPattern(pattern, name) {
				continue
			}
			lower := strings.ToLower(name)
			switch {
			case strings.HasPrefix(lower, "usb-klipper_"):
				found = filepath.Join(s.serialDir, name)
				return true
			case strings.HasPrefix(lower, "usb-katapult_"):
				stuck = name
			default:
				unexpected = name
				return true
			}
		}
		return false
	})
	if err != nil {
		return "", cancelled(err, "verify")
	}
	switch {
	case ok && found != "":
		return found, nil
	case ok:
		return "", flasherr.Newf(flasherr.VerifyTimeout, "verify", "unexpected device prefix: %s", unexpected)
	case stuck != "":
		return "", flasherr.Newf(flasherr.VerifyTimeout, "verify",
			"device still in bootloader mode after %s (%s)", timeout, stuck)
	}
	return "", flasherr.Newf(flasherr.VerifyTimeout, "verify",
		"device matching %s did not reappear within %s", pattern, timeout)
}

// VerifyCAN polls the bus until uuid answers with Application: Klipper.
func (s *Scanner) VerifyCAN(ctx context.Context, katapultDir, iface, uuid string, timeout, interval time.Duration) error {
	uuid = strings.ToLower(uuid)
	var lastErr error
	ok, err := PollContext(ctx, interval, timeout, func(qctx context.Context) bool {
		nodes, qerr := s.QueryCAN(qctx, katapultDir, iface)
		lastErr = qerr
		for _, n := range nodes {
			if n.UUID == uuid && n.Application == "Klipper" {
				return true
			}
		}
		return false
	})
	if err != nil {
		return cancelled(err, "verify")
	}
	if !ok {
		fe := flasherr.Newf(flasherr.VerifyTimeout, "verify",
			"CAN node %s did not return as Application: Klipper within %s", uuid, timeout)
		fe.Err = lastErr
		return fe
	}
	return nil
}

func (s *Scanner) present(filename string) bool {
	names, _ := s.listSerial()
	for _, n := range names {
		if n == filename {
			return true
		}
	}
	return false
}

func cancelled(err error, phase string) error {
	return flasherr.Wrap(err, flasherr.Cancelled, phase, "interrupted while waiting for the device")
}
