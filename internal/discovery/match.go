package discovery

import (
	"fmt"
	"path/filepath"
	"strings"

	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/model"
	"kalico-flash/internal/parse"
)

// Match is the discovery view of one registry entry.
type Match struct {
	Device *model.Device
	// USB is the connected device for USB entries, nil when absent or ambiguous.
	USB *USBDevice
	// Candidates holds every connected device the pattern matched when more
	// than one did.
	Candidates []USBDevice
	RealPath   string
	// DuplicateOf names the entry that already claims the same physical device.
	DuplicateOf string
	Blocked     *model.BlockedDevice
	// CANKnown is set when Moonraker or a bus query reported the uuid.
	CANKnown bool
	// SerialMCU is the MCU type parsed from the matched filename.
	SerialMCU string
}

// Connected reports whether the device is reachable right now.
func (m *Match) Connected() bool {
	if m.Device.IsCAN() {
		return m.CANKnown
	}
	return m.USB != nil
}

// Duplicate reports an entry that shares hardware with another entry or
// whose pattern is ambiguous.
func (m *Match) Duplicate() bool {
	return m.DuplicateOf != "" || len(m.Candidates) > 1
}

// MCUMismatch reports a USB filename whose MCU disagrees with the registry.
func (m *Match) MCUMismatch() bool {
	return m.SerialMCU != "" && m.Device.MCU != "" && !parse.MCUMatches(m.SerialMCU, m.Device.MCU)
}

// Err returns why this entry cannot be flashed right now. CAN entries are
// never rejected for being unknown because the bus query needs the
// service stopped.
func (m *Match) Err() error {
	key := m.Device.Key
	switch {
	case m.Blocked != nil:
		return flasherr.Newf(flasherr.DeviceExcluded, "discovery", "%s matches blocked pattern %q (%s)", key, m.Blocked.Pattern, m.Blocked.Reason)
	case len(m.Candidates) > 1:
		names := make([]string, len(m.Candidates))
		for i, c := range m.Candidates {
			names[i] = c.Filename
		}
		return flasherr.Newf(flasherr.DuplicateDevice, "discovery", "pattern for %s matches %d devices: %s", key, len(names), strings.Join(names, ", "))
	case m.DuplicateOf != "":
		return flasherr.Newf(flasherr.DuplicateDevice, "discovery", "%s resolves to the same device as %s (%s)", key, m.DuplicateOf, m.RealPath)
	case m.Device.IsCAN():
		return nil
	case m.USB == nil:
		return flasherr.Newf(flasherr.DeviceNotFound, "discovery", "%s is not connected (pattern %s)", key, m.Device.SerialPattern)
	case m.MCUMismatch():
		return flasherr.Newf(flasherr.ConfigMismatch, "discovery", "%s: registry MCU %s but connected device reports %s", key, m.Device.MCU, m.SerialMCU)
	}
	return nil
}

// BlockedUSB is a connected device refused by the block list.
type BlockedUSB struct {
	USBDevice
	Reason string `json:"reason"`
}

// Snapshot is one complete pass over the registry and the host.
type Snapshot struct {
	Matches      []*Match
	Unregistered []USBDevice
	Blocked      []BlockedUSB
}

// Get returns the match for key.
func (s *Snapshot) Get(key string) (*Match, bool) {
	for _, m := range s.Matches {
		if m.Device.Key == key {
			return m, true
		}
	}
	return nil, false
}

// Resolve matches every registry entry against the connected USB devices
// and the known CAN uuids. Entries are visited in key order, so among
// entries sharing one physical device the first key keeps it.
func Resolve(reg *model.Registry, devices []USBDevice, canUUIDs map[string]bool) *Snapshot {
	blockList := reg.BlockList()
	snap := &Snapshot{}
	claimed := make(map[string]string)
	matchedFiles := make(map[string]bool)

	for _, d := range reg.Sorted() {
		m := &Match{Device: d}
		snap.Matches = append(snap.Matches, m)

		if d.IsCAN() {
			m.CANKnown = canUUIDs[strings.ToLower(d.CANBusUUID)]
			continue
		}
		if d.SerialPattern == "" {
			continue
		}
		if b, ok := blockedForPattern(d.SerialPattern, blockList); ok {
			m.Blocked = &b
		}

		found := MatchDevices(d.SerialPattern, devices)
		for _, f := range found {
			matchedFiles[f.Filename] = true
		}
		switch len(found) {
		case 0:
			continue
		case 1:
		default:
			m.Candidates = found
			continue
		}

		usb := found[0]
		m.USB = &usb
		if b, ok := BlockedReason(usb.Filename, blockList); ok && m.Blocked == nil {
			m.Blocked = &b
		}
		if mcu, ok := parse.MCUFromSerial(usb.Filename); ok {
			m.SerialMCU = mcu
		}
		m.RealPath = realPath(usb.Path)
		if owner, taken := claimed[m.RealPath]; taken {
			m.DuplicateOf = owner
			continue
		}
		claimed[m.RealPath] = d.Key
	}

	for _, dev := range devices {
		if b, ok := BlockedReason(dev.Filename, blockList); ok {
			snap.Blocked = append(snap.Blocked, BlockedUSB{USBDevice: dev, Reason: b.Reason})
			continue
		}
		if parse.IsSupported(dev.Filename) && !matchedFiles[dev.Filename] {
			snap.Unregistered = append(snap.Unregistered, dev)
		}
	}
	return snap
}

// Flashable returns the entries that may be selected for flashing:
// connected (or CAN), not blocked and not a duplicate.
func (s *Snapshot) Flashable() []*Match {
	var out []*Match
	for _, m := range s.Matches {
		if m.Err() == nil && (m.Device.IsCAN() || m.USB != nil) {
			out = append(out, m)
		}
	}
	return out
}

func realPath(p string) string {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return p
	}
	return resolved
}

// Locate resolves one device to its current USB path without a full
// snapshot. It is used right before bootloader entry.
func (s *Scanner) Locate(reg *model.Registry, key string) (*Match, error) {
	d, ok := reg.Devices[key]
	if !ok {
		return nil, flasherr.Newf(flasherr.DeviceNotFound, "discovery", "device %q is not registered", key)
	}
	devices, err := s.ScanUSB()
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", s.serialDir, err)
	}
	snap := Resolve(reg, devices, nil)
	m, _ := snap.Get(d.Key)
	return m, nil
}
