package model

import (
	"strings"
	"time"
)

// BootloaderMethod is how a device is moved into its flashing-ready mode.
type BootloaderMethod string

const (
	BootloaderUSB    BootloaderMethod = "usb"
	BootloaderSerial BootloaderMethod = "serial"
	BootloaderManual BootloaderMethod = "manual"
	BootloaderCAN    BootloaderMethod = "can"
	BootloaderNone   BootloaderMethod = "none"
)

// FlashMethod is the tool invoked to write firmware.
type FlashMethod string

const (
	FlashKatapult    FlashMethod = "katapult"
	FlashMake        FlashMethod = "make_flash"
	FlashKatapultCAN FlashMethod = "katapult_can"
	FlashSDCard      FlashMethod = "flash_sdcard"
	FlashUF2Mount    FlashMethod = "uf2_mount"
	FlashNone        FlashMethod = "none"
)

// Role orders CAN devices within a batch.
type Role string

const (
	RoleNone     Role = ""
	RoleToolhead Role = "toolhead"
	RoleBridge   Role = "bridge"
)

// Transport is derived from the identity fields of a device.
type Transport string

const (
	TransportUSB Transport = "usb"
	TransportCAN Transport = "can"
)

// TimestampLayout is the on-disk format of LastFlashTimestamp.
const TimestampLayout = "2006-01-02T15:04:05"

// Device is a registry entry.
type Device struct {
	Key                string           `json:"key"`
	Name               string           `json:"name"`
	MCU                string           `json:"mcu"`
	SerialPattern      string           `json:"serialPattern,omitempty"`
	FlashMethod        FlashMethod      `json:"flashMethod,omitempty"`
	BootloaderMethod   BootloaderMethod `json:"bootloaderMethod,omitempty"`
	CANBusUUID         string           `json:"canbusUuid,omitempty"`
	CANInterface       string           `json:"canbusInterface,omitempty"`
	BootloaderBaud     int              `json:"bootloaderBaud,omitempty"`
	UF2MountPath       string           `json:"uf2MountPath,omitempty"`
	SDCardBoard        string           `json:"sdcardBoard,omitempty"`
	MCUName            string           `json:"mcuName,omitempty"`
	Flashable          bool             `json:"flashable"`
	Notes              string           `json:"notes,omitempty"`
	Role               Role             `json:"role,omitempty"`
	LastFlashTimestamp string           `json:"lastFlashTimestamp,omitempty"`
}

// IsCAN reports whether the device is addressed over the CAN bus.
func (d *Device) IsCAN() bool {
	return strings.TrimSpace(d.CANBusUUID) != ""
}

// Transport returns the transport implied by the identity fields.
func (d *Device) Transport() Transport {
	if d.IsCAN() {
		return TransportCAN
	}
	return TransportUSB
}

// Interface returns the CAN interface, defaulting to can0.
func (d *Device) Interface() string {
	if d.CANInterface == "" {
		return "can0"
	}
	return d.CANInterface
}

// EffectiveRole ignores stale role data on USB devices.
func (d *Device) EffectiveRole() Role {
	if !d.IsCAN() {
		return RoleNone
	}
	return d.Role
}

// Pair returns the configured method combination.
func (d *Device) Pair() (MethodPair, bool) {
	return LookupPair(d.BootloaderMethod, d.FlashMethod)
}

// BuildOnly reports whether the device is built but never flashed.
func (d *Device) BuildOnly() bool {
	return d.FlashMethod == FlashNone || d.FlashMethod == ""
}

// LastFlashed parses LastFlashTimestamp.
func (d *Device) LastFlashed() (time.Time, bool) {
	if d.LastFlashTimestamp == "" {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(TimestampLayout, d.LastFlashTimestamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
