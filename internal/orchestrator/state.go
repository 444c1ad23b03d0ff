package orchestrator

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"kalico-flash/internal/build"
	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/service"
)

// State is a step of the per-device flash sequence.
type State string

const (
	Discovered        State = "discovered"
	ConfigValidated   State = "config_validated"
	Built             State = "built"
	BootloaderEntered State = "bootloader_entered"
	Flashed           State = "flashed"
	Verified          State = "verified"
	Done              State = "done"
	Failed            State = "failed"
	Aborted           State = "aborted"
	// Skipped is only produced by the batch scheduler for devices it never
	// started.
	Skipped State = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case Done, Failed, Aborted, Skipped:
		return true
	}
	return false
}

// Phase names, as carried by flasherr.Error.Phase.
const (
	PhaseSafety     = "safety"
	PhaseDiscovery  = "discovery"
	PhaseValidate   = "validate"
	PhasePreflight  = "preflight"
	PhaseService    = "service"
	PhaseBuild      = "build"
	PhaseBootloader = "bootloader"
	PhaseFlash      = "flash"
	PhaseVerify     = "verify"
)

// Result is the outcome of one device run. It is not persisted.
type Result struct {
	RunID uuid.UUID `json:"runId"`
	Key   string    `json:"key"`
	State State     `json:"state"`
	// Reached is the last successful state before a Failed or Aborted end.
	Reached  State            `json:"reached,omitempty"`
	Phase    string           `json:"phase,omitempty"`
	Err      error            `json:"-"`
	Duration time.Duration    `json:"duration"`
	Warnings []string         `json:"warnings,omitempty"`
	Build    *build.Outcome   `json:"build,omitempty"`
	Service  *service.Outcome `json:"-"`
	// TouchedHardware is set once bootloader entry or flashing started.
	TouchedHardware bool `json:"touchedHardware"`
}

func newResult(key string) *Result {
	return &Result{RunID: uuid.New(), Key: key, State: Discovered}
}

// OK reports a completed run whose service, if stopped, came back.
func (r *Result) OK() bool {
	return r.State == Done && !r.ServiceDegraded()
}

// ServiceDegraded reports that the run left the controlled service down.
func (r *Result) ServiceDegraded() bool {
	return r.Service != nil && r.Service.Degraded()
}

// Kind is the error kind of a failed run.
func (r *Result) Kind() flasherr.Kind {
	return flasherr.KindOf(r.Err)
}

// Reason is the human readable failure text, empty on success.
func (r *Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	var fe *flasherr.Error
	if errors.As(r.Err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	return r.Err.Error()
}

// Output is the captured tool output tail of a failed run.
func (r *Result) Output() string {
	var fe *flasherr.Error
	if errors.As(r.Err, &fe) {
		return fe.Output
	}
	return ""
}

func (r *Result) advance(s State) {
	r.State = s
	r.Reached = s
}

func (r *Result) warn(msgs ...string) {
	r.Warnings = append(r.Warnings, msgs...)
}
