// Package status computes the device listing shown by `kflash list` and
// served by the status API.
package status

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kalico-flash/config"
	"kalico-flash/internal/configcache"
	"kalico-flash/internal/discovery"
	"kalico-flash/internal/model"
	"kalico-flash/internal/moonraker"
	"kalico-flash/internal/safety"
	"kalico-flash/internal/store"
)

// USBScanner lists connected serial devices.
type USBScanner interface {
	ScanUSB() ([]discovery.USBDevice, error)
}

// CANQuerier performs an active bus scan.
type CANQuerier interface {
	QueryCAN(ctx context.Context, katapultDir, iface string) ([]discovery.CANDevice, error)
}

// ConfigCache reports what is cached for a device.
type ConfigCache interface {
	Exists(key string) bool
	MCU(key string) (string, error)
	Age(key string) (time.Duration, bool)
	NeedsReview(key string) bool
}

// VersionSource reports MCU versions and the configured CAN uuids.
type VersionSource interface {
	MCUVersions(ctx context.Context) (map[string]string, error)
	ConfigMCUs(ctx context.Context) (map[string]moonraker.ConfigMCU, error)
}

// ServiceState tells whether the firmware host service is running.
type ServiceState interface {
	IsActive(ctx context.Context) (bool, error)
}

// Deps are the collaborators of a Lister. Everything except Store and
// Scanner may be nil.
type Deps struct {
	Store       store.Store
	Scanner     USBScanner
	CAN         CANQuerier
	Configs     ConfigCache
	Versions    VersionSource
	Service     ServiceState
	HostVersion func(ctx context.Context, klipperDir string) (string, error)
}

// Row is the computed status of one registry device.
type Row struct {
	Key          string          `json:"key"`
	Name         string          `json:"name"`
	MCU          string          `json:"mcu"`
	Transport    model.Transport `json:"transport"`
	Role         model.Role      `json:"role,omitempty"`
	Method       string          `json:"method"`
	MethodName   string          `json:"methodName,omitempty"`
	Flashable    bool            `json:"flashable"`
	BuildOnly    bool            `json:"buildOnly,omitempty"`
	Blocked      string          `json:"blocked,omitempty"`
	Connected    bool            `json:"connected"`
	Path         string          `json:"path,omitempty"`
	Interface    string          `json:"interface,omitempty"`
	Duplicate    bool            `json:"duplicate,omitempty"`
	DuplicateOf  string          `json:"duplicateOf,omitempty"`
	Problem      string          `json:"problem,omitempty"`
	ConfigCached bool            `json:"configCached"`
	ConfigMCU    string          `json:"configMcu,omitempty"`
	ConfigAge    string          `json:"configAge,omitempty"`
	ConfigReview bool            `json:"configNeedsReview,omitempty"`
	Version      string          `json:"version,omitempty"`
	Outdated     bool            `json:"outdated,omitempty"`
	LastFlash    string          `json:"lastFlash,omitempty"`
}

// Listing is one complete status pass.
type Listing struct {
	Devices      []Row                  `json:"devices"`
	Unregistered []discovery.USBDevice  `json:"unregistered"`
	Blocked      []discovery.BlockedUSB `json:"blocked"`
	HostVersion  string                 `json:"hostVersion,omitempty"`
	// VersionsKnown is false when Moonraker could not report MCU versions.
	VersionsKnown bool      `json:"versionsKnown"`
	Warnings      []string  `json:"warnings,omitempty"`
	GeneratedAt   time.Time `json:"generatedAt"`
}

// Lister builds listings.
type Lister struct {
	deps Deps
	log  zerolog.Logger
	now  func() time.Time
}

// New creates a Lister.
func New(deps Deps, log zerolog.Logger) *Lister {
	return &Lister{deps: deps, log: log.With().Str("component", "status").Logger(), now: time.Now}
}

// List scans the host and computes a row per registry device. Moonraker
// and cache failures degrade the listing rather than fail it.
func (l *Lister) List(ctx context.Context) (*Listing, error) {
	reg, err := l.deps.Store.Load()
	if err != nil {
		return nil, err
	}
	usb, err := l.deps.Scanner.ScanUSB()
	if err != nil {
		return nil, err
	}

	out := &Listing{GeneratedAt: l.now()}
	var versions, canMap map[string]string
	if l.deps.Versions != nil {
		if cfg, err := l.deps.Versions.ConfigMCUs(ctx); err == nil {
			canMap = moonraker.CANBusMap(cfg)
		} else {
			out.Warnings = append(out.Warnings, "Moonraker config unavailable: "+err.Error())
		}
		if v, err := l.deps.Versions.MCUVersions(ctx); err == nil {
			versions = v
			out.VersionsKnown = true
		} else {
			out.Warnings = append(out.Warnings, "MCU versions unavailable: "+err.Error())
		}
	}
	if l.deps.HostVersion != nil {
		if host, err := l.deps.HostVersion(ctx, config.ExpandHome(reg.Settings.KlipperDir)); err == nil {
			out.HostVersion = host
		} else {
			l.log.Debug().Err(err).Msg("Host version unavailable")
		}
	}

	known := make(map[string]bool, len(canMap))
	for id := range canMap {
		known[strings.ToLower(id)] = true
	}
	for id := range l.scanCAN(ctx, reg) {
		known[id] = true
	}

	snap := discovery.Resolve(reg, usb, known)
	out.Unregistered = snap.Unregistered
	out.Blocked = snap.Blocked
	for _, m := range snap.Matches {
		out.Devices = append(out.Devices, l.row(m, versions, canMap, out.HostVersion))
	}
	return out, nil
}

// scanCAN queries each registered CAN interface when the registry enables
// it. The query is invasive, so it only runs while the service is down.
func (l *Lister) scanCAN(ctx context.Context, reg *model.Registry) map[string]bool {
	found := map[string]bool{}
	if !reg.Settings.CANScanOnRefresh || l.deps.CAN == nil || l.deps.Service == nil {
		return found
	}
	if active, err := l.deps.Service.IsActive(ctx); err != nil || active {
		l.log.Debug().Msg("Skipping CAN scan while the service is running")
		return found
	}
	queried := map[string]bool{}
	for _, d := range reg.Sorted() {
		if !d.IsCAN() || queried[d.Interface()] {
			continue
		}
		iface := d.Interface()
		queried[iface] = true
		nodes, err := l.deps.CAN.QueryCAN(ctx, config.ExpandHome(reg.Settings.KatapultDir), iface)
		if err != nil {
			l.log.Warn().Err(err).Str("interface", iface).Msg("CAN scan failed")
			continue
		}
		for _, n := range nodes {
			found[strings.ToLower(n.UUID)] = true
		}
	}
	return found
}

func (l *Lister) row(m *discovery.Match, versions, canMap map[string]string, host string) Row {
	d := m.Device
	r := Row{
		Key:         d.Key,
		Name:        d.Name,
		MCU:         d.MCU,
		Transport:   d.Transport(),
		Role:        d.EffectiveRole(),
		Method:      string(d.BootloaderMethod) + "+" + string(d.FlashMethod),
		Flashable:   d.Flashable,
		BuildOnly:   d.BuildOnly(),
		Connected:   m.Connected(),
		Duplicate:   m.Duplicate(),
		DuplicateOf: m.DuplicateOf,
		LastFlash:   d.LastFlashTimestamp,
	}
	if p, ok := d.Pair(); ok {
		r.MethodName = p.Name
	}
	if d.IsCAN() {
		r.Interface = d.Interface()
	}
	if m.USB != nil {
		r.Path = m.USB.Path
	}
	if m.Blocked != nil {
		r.Blocked = m.Blocked.Reason
	}
	if err := m.Err(); err != nil {
		r.Problem = err.Error()
	}

	if l.deps.Configs != nil && l.deps.Configs.Exists(d.Key) {
		r.ConfigCached = true
		if mcu, err := l.deps.Configs.MCU(d.Key); err == nil {
			r.ConfigMCU = mcu
		}
		if age, ok := l.deps.Configs.Age(d.Key); ok {
			r.ConfigAge = configcache.FormatAge(age)
		}
		r.ConfigReview = l.deps.Configs.NeedsReview(d.Key)
	}

	if v, ok := safety.DeviceVersion(d, versions, canMap, true); ok {
		r.Version = v
		r.Outdated = host != "" && safety.IsOutdated(host, v)
	}
	return r
}
