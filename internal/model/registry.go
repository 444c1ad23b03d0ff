package model

import "sort"

// Settings are the user's global preferences stored in the registry.
type Settings struct {
	KlipperDir            string  `json:"klipperDir"`
	KatapultDir           string  `json:"katapultDir"`
	SkipMenuconfig        bool    `json:"skipMenuconfig"`
	StaggerDelay          float64 `json:"staggerDelay"`
	ReturnDelay           float64 `json:"returnDelay"`
	UseCcache             bool    `json:"useCcache"`
	CcacheInstallDeclined bool    `json:"ccacheInstallDeclined"`
	CANStaggerDelay       float64 `json:"canStaggerDelay"`
	CANScanOnRefresh      bool    `json:"canScanOnRefresh"`
}

// DefaultSettings returns the settings used when the registry omits them.
func DefaultSettings() Settings {
	return Settings{
		KlipperDir:      "~/klipper",
		KatapultDir:     "~/katapult",
		StaggerDelay:    2.0,
		ReturnDelay:     5.0,
		CANStaggerDelay: 5.0,
	}
}

// BlockedDevice is a serial-name glob that discovery and flashing refuse.
type BlockedDevice struct {
	Pattern string `json:"pattern"`
	Reason  string `json:"reason,omitempty"`
}

// DefaultBlocked lists devices that are never Klipper MCUs.
var DefaultBlocked = []BlockedDevice{
	{Pattern: "usb-beacon_*", Reason: "Beacon probe (not a Klipper MCU)"},
}

// Registry is the complete persisted state.
type Registry struct {
	Settings Settings
	Devices  map[string]*Device
	Blocked  []BlockedDevice
}

// NewRegistry returns an empty registry with default settings.
func NewRegistry() *Registry {
	return &Registry{
		Settings: DefaultSettings(),
		Devices:  make(map[string]*Device),
	}
}

// Keys returns device keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.Devices))
	for k := range r.Devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sorted returns devices ordered by key.
func (r *Registry) Sorted() []*Device {
	out := make([]*Device, 0, len(r.Devices))
	for _, k := range r.Keys() {
		out = append(out, r.Devices[k])
	}
	return out
}

// BlockList merges the built-in and user block patterns.
func (r *Registry) BlockList() []BlockedDevice {
	list := make([]BlockedDevice, 0, len(DefaultBlocked)+len(r.Blocked))
	list = append(list, DefaultBlocked...)
	list = append(list, r.Blocked...)
	return list
}
