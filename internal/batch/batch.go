// Package batch flashes every eligible device one at a time in CAN-safe
// order, holding the host service stopped for the whole batch.
package batch

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kalico-flash/config"
	"kalico-flash/internal/discovery"
	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/model"
	"kalico-flash/internal/moonraker"
	"kalico-flash/internal/orchestrator"
	"kalico-flash/internal/safety"
	"kalico-flash/internal/service"
	"kalico-flash/internal/store"
)

// DeviceRunner runs one device; *orchestrator.Orchestrator implements it.
type DeviceRunner interface {
	CheckGate(ctx context.Context) (string, error)
	Run(ctx context.Context, reg *model.Registry, key string, ro orchestrator.RunOptions) *orchestrator.Result
}

// Toolchain checks the source tree and compiler once for the batch.
type Toolchain interface {
	Preflight(klipperDir string) error
}

// USBScanner lists connected serial devices.
type USBScanner interface {
	ScanUSB() ([]discovery.USBDevice, error)
}

// CANChecker validates a CAN interface.
type CANChecker interface {
	PreflightCAN(iface string) error
}

// ConfigCache answers whether a device has a usable cached config.
type ConfigCache interface {
	Exists(key string) bool
	CheckMCU(key, expected string) (actual string, match bool, err error)
}

// VersionSource reports MCU firmware versions for the outdated filter.
type VersionSource interface {
	MCUVersions(ctx context.Context) (map[string]string, error)
	ConfigMCUs(ctx context.Context) (map[string]moonraker.ConfigMCU, error)
}

// Deps are the collaborators of a Scheduler. Toolchain, Service, Versions
// and HostVersion may be nil.
type Deps struct {
	Store       store.Store
	Runner      DeviceRunner
	Scanner     USBScanner
	CAN         CANChecker
	Toolchain   Toolchain
	Configs     ConfigCache
	Service     service.Controller
	Versions    VersionSource
	HostVersion func(ctx context.Context, klipperDir string) (string, error)
}

// Options select which devices run.
type Options struct {
	// OutdatedOnly drops devices whose running firmware matches the host
	// tree. It has no effect when versions cannot be read.
	OutdatedOnly bool
}

// Exclusion is a registered device left out of the batch.
type Exclusion struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Report aggregates one batch.
type Report struct {
	RunID    uuid.UUID              `json:"runId"`
	Results  []*orchestrator.Result `json:"results"`
	Excluded []Exclusion            `json:"excluded,omitempty"`
	Service  *service.Outcome       `json:"-"`
	// Err is a batch-level failure that prevented any device from running.
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Counts returns passed, failed and skipped totals. Aborted runs count as
// failed.
func (r *Report) Counts() (passed, failed, skipped int) {
	for _, res := range r.Results {
		switch res.State {
		case orchestrator.Done:
			passed++
		case orchestrator.Skipped:
			skipped++
		default:
			failed++
		}
	}
	return passed, failed, skipped
}

// OK reports a batch where every device passed and the service came back.
func (r *Report) OK() bool {
	if r.Err != nil || (r.Service != nil && r.Service.Degraded()) {
		return false
	}
	_, failed, skipped := r.Counts()
	return failed == 0 && skipped == 0
}

// Scheduler runs batches.
type Scheduler struct {
	deps  Deps
	log   zerolog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Scheduler.
func New(deps Deps, log zerolog.Logger) *Scheduler {
	return &Scheduler{deps: deps, log: log.With().Str("component", "batch").Logger(), sleep: sleepCtx}
}

// Rank is the CAN-safety class of a device: toolheads first, bridges last.
func Rank(d *model.Device) int {
	switch d.EffectiveRole() {
	case model.RoleToolhead:
		return 0
	case model.RoleBridge:
		return 2
	}
	return 1
}

// Order sorts devices by class, then key.
func Order(devices []*model.Device) []*model.Device {
	out := slices.Clone(devices)
	slices.SortStableFunc(out, func(a, b *model.Device) int {
		if ra, rb := Rank(a), Rank(b); ra != rb {
			return ra - rb
		}
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

// Plan returns the ordered eligible devices and the reasons the others
// were left out.
func (s *Scheduler) Plan(ctx context.Context, reg *model.Registry, opts Options) ([]*model.Device, []Exclusion, error) {
	usb, err := s.deps.Scanner.ScanUSB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan USB devices: %w", err)
	}
	snap := discovery.Resolve(reg, usb, nil)

	var eligible []*model.Device
	var excluded []Exclusion
	exclude := func(key, reason string) { excluded = append(excluded, Exclusion{Key: key, Reason: reason}) }

	for _, d := range reg.Sorted() {
		m, _ := snap.Get(d.Key)
		switch {
		case !d.Flashable:
			exclude(d.Key, "excluded from batch flashing")
		case d.BuildOnly():
			exclude(d.Key, "build only")
		case m != nil && m.Blocked != nil:
			exclude(d.Key, "blocked: "+m.Blocked.Reason)
		case m != nil && m.Duplicate():
			exclude(d.Key, m.Err().Error())
		case !s.deps.Configs.Exists(d.Key):
			exclude(d.Key, "no cached config")
		default:
			if actual, match, err := s.deps.Configs.CheckMCU(d.Key, d.MCU); err != nil || (actual != "" && !match) {
				exclude(d.Key, fmt.Sprintf("cached config targets %s, registered as %s", actual, d.MCU))
				continue
			}
			eligible = append(eligible, d)
		}
	}

	if opts.OutdatedOnly {
		eligible, excluded = s.filterOutdated(ctx, reg, eligible, excluded)
	}
	return Order(eligible), excluded, nil
}

// filterOutdated keeps devices whose version is unknown or behind the host.
func (s *Scheduler) filterOutdated(ctx context.Context, reg *model.Registry, devices []*model.Device, excluded []Exclusion) ([]*model.Device, []Exclusion) {
	if s.deps.Versions == nil || s.deps.HostVersion == nil {
		return devices, excluded
	}
	host, err := s.deps.HostVersion(ctx, config.ExpandHome(reg.Settings.KlipperDir))
	if err != nil {
		s.log.Warn().Err(err).Msg("Host version unavailable; flashing every eligible device")
		return devices, excluded
	}
	versions, err := s.deps.Versions.MCUVersions(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("MCU versions unavailable; flashing every eligible device")
		return devices, excluded
	}
	var canMap map[string]string
	if cfg, err := s.deps.Versions.ConfigMCUs(ctx); err == nil {
		canMap = moonraker.CANBusMap(cfg)
	}

	var keep []*model.Device
	for _, d := range devices {
		mcu, ok := safety.DeviceVersion(d, versions, canMap, true)
		if ok && !safety.IsOutdated(host, mcu) {
			excluded = append(excluded, Exclusion{Key: d.Key, Reason: "already running " + mcu})
			continue
		}
		keep = append(keep, d)
	}
	return keep, excluded
}

// Run flashes every eligible device. One failure never stops the batch;
// cancellation stops scheduling and marks the rest Skipped.
func (s *Scheduler) Run(ctx context.Context, opts Options) *Report {
	rep := &Report{RunID: uuid.New()}
	start := time.Now()
	log := s.log.With().Str("batch", rep.RunID.String()).Logger()
	defer func() { rep.Duration = time.Since(start) }()

	reg, err := s.deps.Store.Load()
	if err != nil {
		rep.Err = err
		return rep
	}
	devices, excluded, err := s.Plan(ctx, reg, opts)
	rep.Excluded = excluded
	if err != nil {
		rep.Err = err
		return rep
	}
	if len(devices) == 0 {
		rep.Err = flasherr.New(flasherr.DeviceNotFound, "batch", "no eligible devices")
		return rep
	}
	log.Info().Int("devices", len(devices)).Int("excluded", len(excluded)).Msg("Batch planned")

	buildChecked := false
	if s.deps.Toolchain != nil {
		if err := s.deps.Toolchain.Preflight(config.ExpandHome(reg.Settings.KlipperDir)); err != nil {
			rep.Err = err
			rep.Results = skipAll(devices)
			return rep
		}
		buildChecked = true
	}

	if _, err := s.deps.Runner.CheckGate(ctx); err != nil {
		rep.Err = err
		rep.Results = skipAll(devices)
		return rep
	}

	held := false
	if s.deps.Service != nil {
		hold, err := service.Acquire(ctx, s.deps.Service, log)
		if err != nil {
			rep.Err = err
			rep.Results = skipAll(devices)
			return rep
		}
		held = true
		defer func() {
			outcome := hold.Release(ctx)
			rep.Service = &outcome
		}()
	}

	preflight := map[string]error{}
	var prev *orchestrator.Result
	for i, d := range devices {
		if ctx.Err() != nil {
			rep.Results = append(rep.Results, skipAll(devices[i:])...)
			break
		}
		if prev != nil && prev.TouchedHardware {
			delay := seconds(reg.Settings.StaggerDelay)
			if d.IsCAN() {
				delay = seconds(reg.Settings.CANStaggerDelay)
			}
			if err := s.sleep(ctx, delay); err != nil {
				rep.Results = append(rep.Results, skipAll(devices[i:])...)
				break
			}
		}

		var res *orchestrator.Result
		if d.IsCAN() {
			iface := d.Interface()
			perr, seen := preflight[iface]
			if !seen {
				perr = s.deps.CAN.PreflightCAN(iface)
				preflight[iface] = perr
			}
			if perr != nil {
				res = &orchestrator.Result{RunID: uuid.New(), Key: d.Key, State: orchestrator.Failed, Phase: orchestrator.PhasePreflight, Err: perr}
			}
		}
		if res == nil {
			res = s.deps.Runner.Run(ctx, reg, d.Key, orchestrator.RunOptions{
				GateChecked:  true,
				ServiceHeld:  held,
				BuildChecked: buildChecked,
				CANChecked:   d.IsCAN(),
			})
		}
		log.Info().Str("device", d.Key).Str("state", string(res.State)).Msg("Batch device finished")
		rep.Results = append(rep.Results, res)
		prev = res
	}

	passed, failed, skipped := rep.Counts()
	log.Info().Int("passed", passed).Int("failed", failed).Int("skipped", skipped).Msg("Batch finished")
	return rep
}

func skipAll(devices []*model.Device) []*orchestrator.Result {
	out := make([]*orchestrator.Result, len(devices))
	for i, d := range devices {
		out[i] = &orchestrator.Result{RunID: uuid.New(), Key: d.Key, State: orchestrator.Skipped}
	}
	return out
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
