// Package orchestrator drives one device through validate, build,
// bootloader entry, flash and verify while the host service is held
// stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"kalico-flash/config"
	"kalico-flash/internal/build"
	"kalico-flash/internal/discovery"
	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/model"
	"kalico-flash/internal/moonraker"
	"kalico-flash/internal/safety"
	"kalico-flash/internal/service"
	"kalico-flash/internal/store"
	"kalico-flash/internal/validate"
)

// Gate decides whether the printer may be touched.
type Gate interface {
	Check(ctx context.Context) safety.Verdict
}

// Locator finds the current USB path of a registry entry.
type Locator interface {
	Locate(reg *model.Registry, key string) (*discovery.Match, error)
}

// Flasher performs the hardware steps.
type Flasher interface {
	Preflight(d *model.Device) ([]string, error)
	EnterBootloader(ctx context.Context, d *model.Device, path string) (string, error)
	AfterManual(ctx context.Context, d *model.Device) (string, error)
	Flash(ctx context.Context, d *model.Device, path, firmware string) error
}

// Verifier confirms the device came back running the new firmware.
type Verifier interface {
	VerifyUSB(ctx context.Context, pattern string, timeout time.Duration) (string, error)
	VerifyCAN(ctx context.Context, katapultDir, iface, uuid string, timeout, interval time.Duration) error
}

// CANChecker validates a CAN interface before anything touches the bus.
type CANChecker interface {
	PreflightCAN(iface string) error
}

// ConfigCache is the per-device build configuration store.
type ConfigCache interface {
	Exists(key string) bool
	CheckMCU(key, expected string) (actual string, match bool, err error)
	Install(key, klipperDir string) error
}

// Accelerator is the compiler cache as seen before a build.
type Accelerator interface {
	Available() (string, bool)
	Install(ctx context.Context) error
}

// VersionSource reports the firmware running on each MCU.
type VersionSource interface {
	MCUVersions(ctx context.Context) (map[string]string, error)
	ConfigMCUs(ctx context.Context) (map[string]moonraker.ConfigMCU, error)
}

// Prompter asks the operator at the defined suspension points.
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
	ManualBootloader(ctx context.Context, d *model.Device) (bool, error)
	Acceleration(ctx context.Context) (build.Resolution, error)
}

// Deps are the collaborators of an Orchestrator. Service, Ccache,
// Versions and HostVersion may be nil.
type Deps struct {
	Store       store.Store
	Gate        Gate
	Locator     Locator
	Builder     build.Builder
	Ccache      Accelerator
	Flasher     Flasher
	Verifier    Verifier
	CAN         CANChecker
	Configs     ConfigCache
	Service     service.Controller
	Versions    VersionSource
	HostVersion func(ctx context.Context, klipperDir string) (string, error)
	Prompter    Prompter
}

// Options tune timeouts and output.
type Options struct {
	Timeouts          config.TimeoutConfig
	CANVerifyInterval time.Duration
	// BuildStream receives live compiler output when set.
	BuildStream io.Writer
}

// RunOptions are set by a caller that already did part of the work for a
// whole batch.
type RunOptions struct {
	// GateChecked skips the safety gate.
	GateChecked bool
	// ServiceHeld means the caller stopped the service and will restart it.
	ServiceHeld bool
	// BuildChecked skips the source tree and toolchain preflight.
	BuildChecked bool
	// CANChecked skips the CAN interface preflight.
	CANChecked bool
}

// Orchestrator runs the flash state machine.
type Orchestrator struct {
	deps Deps
	opts Options
	log  zerolog.Logger
	now  func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.CANVerifyInterval <= 0 {
		opts.CANVerifyInterval = 2 * time.Second
	}
	return &Orchestrator{deps: deps, opts: opts, log: log.With().Str("component", "flash").Logger(), now: time.Now}
}

// Flash loads the registry and runs a single device.
func (o *Orchestrator) Flash(ctx context.Context, key string) *Result {
	reg, err := o.deps.Store.Load()
	if err != nil {
		res := newResult(key)
		o.fail(ctx, res, PhaseDiscovery, err)
		return res
	}
	return o.Run(ctx, reg, key, RunOptions{})
}

// CheckGate runs the safety gate and asks for confirmation when the
// verdict requires it. A nil error means the operation may proceed; the
// returned warning is non-empty when it proceeds on a Confirm.
func (o *Orchestrator) CheckGate(ctx context.Context) (string, error) {
	v := o.deps.Gate.Check(ctx)
	switch v.Decision {
	case safety.Allow:
		return "", nil
	case safety.Block:
		return "", v.Err()
	}
	ok, err := o.deps.Prompter.Confirm(ctx, v.Reason+". Continue anyway?")
	if err != nil {
		return "", flasherr.Wrap(err, flasherr.Cancelled, PhaseSafety, "confirmation interrupted")
	}
	if !ok {
		if gateErr := v.Err(); gateErr != nil {
			return "", gateErr
		}
		return "", flasherr.New(flasherr.Cancelled, PhaseSafety, "declined: "+v.Reason)
	}
	return v.Reason, nil
}

// Run drives one registered device to a terminal state. The service, when
// this run stopped it, is restarted before Run returns on every path.
func (o *Orchestrator) Run(ctx context.Context, reg *model.Registry, key string, ro RunOptions) (res *Result) {
	res = newResult(key)
	start := o.now()
	log := o.log.With().Str("run", res.RunID.String()).Str("device", key).Logger()
	defer func() {
		res.Duration = o.now().Sub(start)
		ev := log.Info()
		if res.State != Done {
			ev = log.Warn().Err(res.Err).Str("phase", res.Phase)
		}
		ev.Str("state", string(res.State)).Dur("took", res.Duration).Msg("Flash run finished")
	}()

	d, ok := reg.Devices[key]
	if !ok {
		o.fail(ctx, res, PhaseDiscovery, flasherr.Newf(flasherr.DeviceNotFound, PhaseDiscovery, "device %q is not registered", key))
		return res
	}
	settings := reg.Settings
	klipperDir := config.ExpandHome(settings.KlipperDir)
	katapultDir := config.ExpandHome(settings.KatapultDir)

	if !ro.GateChecked {
		warning, err := o.CheckGate(ctx)
		if err != nil {
			o.fail(ctx, res, PhaseSafety, err)
			return res
		}
		if warning != "" {
			res.warn(warning)
		}
	}

	// Discovered
	var path string
	if !d.IsCAN() && !d.BuildOnly() && d.FlashMethod != model.FlashUF2Mount {
		m, err := o.deps.Locator.Locate(reg, key)
		if err != nil {
			o.fail(ctx, res, PhaseDiscovery, err)
			return res
		}
		if err := m.Err(); err != nil {
			o.fail(ctx, res, PhaseDiscovery, err)
			return res
		}
		path = m.USB.Path
	}
	res.advance(Discovered)

	if err := o.validate(d, res); err != nil {
		o.fail(ctx, res, PhaseValidate, err)
		return res
	}
	res.advance(ConfigValidated)

	if !ro.BuildChecked {
		if err := o.deps.Builder.Preflight(klipperDir); err != nil {
			o.fail(ctx, res, PhasePreflight, err)
			return res
		}
	}
	if d.IsCAN() && !d.BuildOnly() && !ro.CANChecked {
		if err := o.deps.CAN.PreflightCAN(d.Interface()); err != nil {
			o.fail(ctx, res, PhasePreflight, err)
			return res
		}
	}

	accelerate, err := o.resolveAcceleration(ctx, settings, res)
	if err != nil {
		o.fail(ctx, res, PhaseBuild, err)
		return res
	}

	if !d.BuildOnly() {
		o.versionWarnings(ctx, d, klipperDir, res)
	}

	if !ro.ServiceHeld && !d.BuildOnly() && o.deps.Service != nil {
		hold, err := service.Acquire(ctx, o.deps.Service, log)
		if err != nil {
			o.fail(ctx, res, PhaseService, err)
			return res
		}
		defer func() {
			outcome := hold.Release(ctx)
			res.Service = &outcome
			if outcome.Degraded() {
				log.Error().Err(outcome.RestartErr).Msg("Klipper service was not restarted")
				res.warn(fmt.Sprintf("%s service was not restarted: %v", o.deps.Service.Name(), outcome.RestartErr))
			}
		}()
	}

	if err := o.deps.Configs.Install(key, klipperDir); err != nil {
		o.fail(ctx, res, PhaseBuild, flasherr.Wrap(err, flasherr.InvalidConfig, PhaseBuild, "failed to install cached config"))
		return res
	}
	outcome, err := o.deps.Builder.Build(ctx, build.Request{
		KlipperDir: klipperDir,
		Accelerate: accelerate,
		Timeout:    o.opts.Timeouts.Build,
		Stream:     o.opts.BuildStream,
	})
	if err != nil {
		o.fail(ctx, res, PhaseBuild, err)
		return res
	}
	res.Build = outcome
	res.warn(outcome.Warnings...)
	res.advance(Built)

	if d.BuildOnly() {
		res.advance(Done)
		return res
	}

	res.TouchedHardware = true
	path, err = o.enterBootloader(ctx, d, path)
	if err != nil {
		o.fail(ctx, res, PhaseBootloader, err)
		return res
	}
	res.advance(BootloaderEntered)

	if err := o.deps.Flasher.Flash(ctx, d, path, outcome.Firmware); err != nil {
		o.fail(ctx, res, PhaseFlash, err)
		return res
	}
	res.advance(Flashed)

	if err := o.verify(ctx, d, katapultDir); err != nil {
		o.fail(ctx, res, PhaseVerify, err)
		return res
	}
	res.advance(Verified)

	if err := o.deps.Store.RecordFlash(key, o.now()); err != nil {
		log.Warn().Err(err).Msg("Failed to record flash time")
		res.warn("could not record flash time: " + err.Error())
	}
	res.advance(Done)
	return res
}

func (o *Orchestrator) validate(d *model.Device, res *Result) error {
	if err := validate.DeviceErr(d); err != nil {
		return err
	}
	if !o.deps.Configs.Exists(d.Key) {
		return flasherr.Newf(flasherr.InvalidConfig, PhaseValidate, "no cached config for %s; run menuconfig first", d.Key)
	}
	actual, match, err := o.deps.Configs.CheckMCU(d.Key, d.MCU)
	if err != nil {
		return flasherr.Wrap(err, flasherr.InvalidConfig, PhaseValidate, "failed to read cached config")
	}
	if actual != "" && !match {
		return flasherr.Newf(flasherr.ConfigMismatch, PhaseValidate,
			"cached config targets %s but %s is registered as %s", actual, d.Key, d.MCU)
	}
	if d.BuildOnly() {
		return nil
	}
	warnings, err := o.deps.Flasher.Preflight(d)
	res.warn(warnings...)
	return err
}

// resolveAcceleration decides whether this build uses ccache, asking the
// operator when it is enabled but missing and they have not declined before.
func (o *Orchestrator) resolveAcceleration(ctx context.Context, s model.Settings, res *Result) (bool, error) {
	if !s.UseCcache || o.deps.Ccache == nil {
		return false, nil
	}
	if _, ok := o.deps.Ccache.Available(); ok {
		return true, nil
	}
	if s.CcacheInstallDeclined {
		return false, nil
	}

	choice, err := o.deps.Prompter.Acceleration(ctx)
	if err != nil {
		return false, flasherr.Wrap(err, flasherr.Cancelled, PhaseBuild, "acceleration prompt interrupted")
	}
	switch choice {
	case build.ResolveInstall:
		if err := o.deps.Ccache.Install(ctx); err != nil {
			res.warn("ccache install failed; building without it: " + err.Error())
			return false, nil
		}
		return true, nil
	case build.ResolveSkip:
		s.CcacheInstallDeclined = true
	case build.ResolveDisable:
		s.UseCcache = false
	}
	if err := o.deps.Store.SaveGlobal(s); err != nil {
		res.warn("could not save ccache preference: " + err.Error())
	}
	return false, nil
}

func (o *Orchestrator) versionWarnings(ctx context.Context, d *model.Device, klipperDir string, res *Result) {
	if o.deps.Versions == nil || o.deps.HostVersion == nil {
		return
	}
	host, err := o.deps.HostVersion(ctx, klipperDir)
	if err != nil {
		o.log.Debug().Err(err).Msg("Host version unavailable")
		return
	}
	versions, err := o.deps.Versions.MCUVersions(ctx)
	if err != nil {
		return
	}
	var canMap map[string]string
	if d.IsCAN() {
		if cfg, err := o.deps.Versions.ConfigMCUs(ctx); err == nil {
			canMap = moonraker.CANBusMap(cfg)
		}
	}
	mcu, _ := safety.DeviceVersion(d, versions, canMap, true)
	res.warn(safety.Warnings(host, mcu)...)
}

// enterBootloader runs the method's entry step. An entry timeout gets one
// operator-approved retry.
func (o *Orchestrator) enterBootloader(ctx context.Context, d *model.Device, path string) (string, error) {
	if d.BootloaderMethod == model.BootloaderManual {
		ready, err := o.deps.Prompter.ManualBootloader(ctx, d)
		if err != nil {
			return "", flasherr.Wrap(err, flasherr.Cancelled, PhaseBootloader, "prompt interrupted")
		}
		if !ready {
			return "", flasherr.New(flasherr.Cancelled, PhaseBootloader, "operator did not confirm bootloader mode")
		}
		return o.deps.Flasher.AfterManual(ctx, d)
	}

	newPath, err := o.deps.Flasher.EnterBootloader(ctx, d, path)
	if !flasherr.Is(err, flasherr.BootloaderEntryTimeout) {
		return newPath, err
	}
	retry, perr := o.deps.Prompter.Confirm(ctx, fmt.Sprintf("%s did not enter the bootloader (%v). Retry?", d.Key, err))
	if perr != nil || !retry {
		return "", err
	}
	return o.deps.Flasher.EnterBootloader(ctx, d, path)
}

func (o *Orchestrator) verify(ctx context.Context, d *model.Device, katapultDir string) error {
	if d.IsCAN() {
		return o.deps.Verifier.VerifyCAN(ctx, katapultDir, d.Interface(), d.CANBusUUID,
			o.opts.Timeouts.CANVerify, o.opts.CANVerifyInterval)
	}
	_, err := o.deps.Verifier.VerifyUSB(ctx, d.SerialPattern, o.opts.Timeouts.USBVerify)
	return err
}

// fail moves res to Failed, or to Aborted when the run was cancelled or
// the safety gate refused it.
func (o *Orchestrator) fail(ctx context.Context, res *Result, phase string, err error) {
	if p := flasherr.PhaseOf(err); p != "" {
		phase = p
	}
	res.Phase = phase
	res.Err = err
	if phase == PhaseSafety || flasherr.Is(err, flasherr.Cancelled) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		res.State = Aborted
		return
	}
	res.State = Failed
}
