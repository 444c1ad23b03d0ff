package store

import (
	"encoding/json"
	"strings"

	"kalico-flash/internal/model"
)

// Wire types mirror devices.json. Fields are declared in alphabetical order
// so the encoder emits sorted keys.

type fileRegistry struct {
	BlockedDevices []json.RawMessage      `json:"blocked_devices"`
	Devices        map[string]*fileDevice `json:"devices"`
	Global         fileGlobal             `json:"global"`
}

type fileGlobal struct {
	CANScanOnRefresh      bool    `json:"can_scan_on_refresh"`
	CANStaggerDelay       float64 `json:"can_stagger_delay"`
	CcacheInstallDeclined bool    `json:"ccache_install_declined"`
	KatapultDir           string  `json:"katapult_dir"`
	KlipperDir            string  `json:"klipper_dir"`
	ReturnDelay           float64 `json:"return_delay"`
	SkipMenuconfig        bool    `json:"skip_menuconfig"`
	StaggerDelay          float64 `json:"stagger_delay"`
	UseCcache             bool    `json:"use_ccache"`
}

type fileDevice struct {
	BootloaderBaud     *int    `json:"bootloader_baud"`
	BootloaderMethod   *string `json:"bootloader_method"`
	CANBusInterface    *string `json:"canbus_interface"`
	CANBusUUID         *string `json:"canbus_uuid"`
	FlashCommand       *string `json:"flash_command"`
	FlashMethod        *string `json:"flash_method,omitempty"`
	Flashable          bool    `json:"flashable"`
	LastFlashTimestamp *string `json:"last_flash_timestamp,omitempty"`
	MCU                string  `json:"mcu"`
	MCUName            *string `json:"mcu_name,omitempty"`
	Name               string  `json:"name"`
	Notes              *string `json:"notes,omitempty"`
	Role               *string `json:"role,omitempty"`
	SDCardBoard        *string `json:"sdcard_board"`
	SerialPattern      *string `json:"serial_pattern"`
	UF2MountPath       *string `json:"uf2_mount_path"`
}

type fileBlocked struct {
	Pattern       string `json:"pattern,omitempty"`
	Reason        string `json:"reason,omitempty"`
	SerialPattern string `json:"serial_pattern,omitempty"`
}

func globalFromSettings(s model.Settings) fileGlobal {
	return fileGlobal{
		CANScanOnRefresh:      s.CANScanOnRefresh,
		CANStaggerDelay:       s.CANStaggerDelay,
		CcacheInstallDeclined: s.CcacheInstallDeclined,
		KatapultDir:           s.KatapultDir,
		KlipperDir:            s.KlipperDir,
		ReturnDelay:           s.ReturnDelay,
		SkipMenuconfig:        s.SkipMenuconfig,
		StaggerDelay:          s.StaggerDelay,
		UseCcache:             s.UseCcache,
	}
}

func (g fileGlobal) settings() model.Settings {
	return model.Settings{
		KlipperDir:            g.KlipperDir,
		KatapultDir:           g.KatapultDir,
		SkipMenuconfig:        g.SkipMenuconfig,
		StaggerDelay:          g.StaggerDelay,
		ReturnDelay:           g.ReturnDelay,
		UseCcache:             g.UseCcache,
		CcacheInstallDeclined: g.CcacheInstallDeclined,
		CANStaggerDelay:       g.CANStaggerDelay,
		CANScanOnRefresh:      g.CANScanOnRefresh,
	}
}

func deviceFromFile(key string, fd *fileDevice) *model.Device {
	d := &model.Device{
		Key:                key,
		Name:               fd.Name,
		MCU:                fd.MCU,
		SerialPattern:      deref(fd.SerialPattern),
		BootloaderMethod:   model.BootloaderMethod(deref(fd.BootloaderMethod)),
		CANBusUUID:         strings.ToLower(deref(fd.CANBusUUID)),
		CANInterface:       deref(fd.CANBusInterface),
		UF2MountPath:       deref(fd.UF2MountPath),
		SDCardBoard:        deref(fd.SDCardBoard),
		MCUName:            deref(fd.MCUName),
		Flashable:          fd.Flashable,
		Notes:              deref(fd.Notes),
		Role:               model.Role(deref(fd.Role)),
		LastFlashTimestamp: deref(fd.LastFlashTimestamp),
	}
	flash := deref(fd.FlashCommand)
	if flash == "" {
		flash = deref(fd.FlashMethod)
	}
	d.FlashMethod = model.FlashMethod(flash)
	if fd.BootloaderBaud != nil {
		d.BootloaderBaud = *fd.BootloaderBaud
	}
	if d.Name == "" {
		d.Name = key
	}
	return d
}

func deviceToFile(d *model.Device) *fileDevice {
	fd := &fileDevice{
		BootloaderMethod:   ref(string(d.BootloaderMethod)),
		CANBusInterface:    ref(d.CANInterface),
		CANBusUUID:         ref(d.CANBusUUID),
		FlashCommand:       ref(string(d.FlashMethod)),
		Flashable:          d.Flashable,
		LastFlashTimestamp: ref(d.LastFlashTimestamp),
		MCU:                d.MCU,
		MCUName:            ref(d.MCUName),
		Name:               d.Name,
		Notes:              ref(d.Notes),
		Role:               ref(string(d.Role)),
		SDCardBoard:        ref(d.SDCardBoard),
		SerialPattern:      ref(d.SerialPattern),
		UF2MountPath:       ref(d.UF2MountPath),
	}
	if d.BootloaderBaud != 0 {
		baud := d.BootloaderBaud
		fd.BootloaderBaud = &baud
	}
	return fd
}

// blockedFromFile accepts a bare pattern string or an object with
// pattern (or serial_pattern) and reason.
func blockedFromFile(raw json.RawMessage) (model.BlockedDevice, bool) {
	var pattern string
	if err := json.Unmarshal(raw, &pattern); err == nil {
		return model.BlockedDevice{Pattern: pattern}, pattern != ""
	}
	var fb fileBlocked
	if err := json.Unmarshal(raw, &fb); err != nil {
		return model.BlockedDevice{}, false
	}
	if fb.Pattern == "" {
		fb.Pattern = fb.SerialPattern
	}
	return model.BlockedDevice{Pattern: fb.Pattern, Reason: fb.Reason}, fb.Pattern != ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ref(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// UnmarshalJSON defaults flashable to true when the key is absent.
func (fd *fileDevice) UnmarshalJSON(b []byte) error {
	type plain fileDevice
	p := plain{Flashable: true}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*fd = fileDevice(p)
	return nil
}
