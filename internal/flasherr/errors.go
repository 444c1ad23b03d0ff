// Package flasherr defines the failure taxonomy shared by every flash phase.
package flasherr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can decide between retrying,
// fixing configuration, or checking hardware.
type Kind string

const (
	ConfigMismatch          Kind = "config_mismatch"
	BuildTimeout            Kind = "build_timeout"
	BuildFailed             Kind = "build_failed"
	AccelerationUnavailable Kind = "acceleration_unavailable"
	BootloaderEntryTimeout  Kind = "bootloader_entry_timeout"
	FlashCommandFailed      Kind = "flash_command_failed"
	VerifyTimeout           Kind = "verify_timeout"
	SafetyBlocked           Kind = "safety_blocked"
	SafetyUnreachable       Kind = "safety_unreachable"
	ServiceControlFailed    Kind = "service_control_failed"
	CanPreflightFailed      Kind = "can_preflight_failed"
	DuplicateDevice         Kind = "duplicate_device"
	RegistryCorrupt         Kind = "registry_corrupt"

	DeviceNotFound  Kind = "device_not_found"
	DeviceExcluded  Kind = "device_excluded"
	InvalidConfig   Kind = "invalid_config"
	PreflightFailed Kind = "preflight_failed"
	Cancelled       Kind = "cancelled"
)

// outputTailLines bounds captured tool output carried on an error.
const outputTailLines = 200

// Error is a phase-scoped failure with optional captured tool output.
type Error struct {
	Kind   Kind
	Phase  string
	Reason string
	Output string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Phase != "" {
		b.WriteString(e.Phase)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error without an underlying cause.
func New(kind Kind, phase, reason string) *Error {
	return &Error{Kind: kind, Phase: phase, Reason: reason}
}

// Newf builds an Error with a formatted reason.
func Newf(kind Kind, phase, format string, args ...any) *Error {
	return &Error{Kind: kind, Phase: phase, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and phase to an underlying error.
func Wrap(err error, kind Kind, phase, reason string) *Error {
	return &Error{Kind: kind, Phase: phase, Reason: reason, Err: err}
}

// WithOutput returns e carrying the tail of output.
func (e *Error) WithOutput(output string) *Error {
	e.Output = Tail(output, outputTailLines)
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// PhaseOf returns the phase of the first *Error in err's chain, or "".
func PhaseOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Phase
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTimeout reports deadline-style failures.
func IsTimeout(kind Kind) bool {
	switch kind {
	case BuildTimeout, BootloaderEntryTimeout, VerifyTimeout:
		return true
	}
	return false
}

// IsPrecondition reports failures raised before any side effect on the device.
func IsPrecondition(kind Kind) bool {
	switch kind {
	case ConfigMismatch, SafetyBlocked, SafetyUnreachable, CanPreflightFailed,
		DuplicateDevice, DeviceNotFound, DeviceExcluded, InvalidConfig,
		PreflightFailed, AccelerationUnavailable:
		return true
	}
	return false
}

// IsToolFailure reports failures where an external tool ran and reported an error.
func IsToolFailure(kind Kind) bool {
	switch kind {
	case BuildFailed, FlashCommandFailed, ServiceControlFailed:
		return true
	}
	return false
}

// Tail keeps the last n lines of s.
func Tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
