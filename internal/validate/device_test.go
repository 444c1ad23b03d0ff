package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/model"
)

func usbDevice() *model.Device {
	return &model.Device{
		Key:              "octopus",
		Name:             "Octopus Pro",
		MCU:              "stm32h723",
		SerialPattern:    "usb-Klipper_stm32h723xx_29001A*",
		BootloaderMethod: model.BootloaderUSB,
		FlashMethod:      model.FlashKatapult,
		Flashable:        true,
	}
}

func canDevice() *model.Device {
	return &model.Device{
		Key:              "ebb36",
		Name:             "EBB36",
		MCU:              "stm32g0b1",
		CANBusUUID:       "aabbccddeeff",
		CANInterface:     "can0",
		BootloaderMethod: model.BootloaderCAN,
		FlashMethod:      model.FlashKatapultCAN,
		Role:             model.RoleToolhead,
		Flashable:        true,
	}
}

func TestDevice(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(d *model.Device)
		base    func() *model.Device
		missing bool
		ok      bool
	}{
		{name: "valid usb", base: usbDevice, mutate: func(d *model.Device) {}, ok: true},
		{name: "valid can", base: canDevice, mutate: func(d *model.Device) {}, ok: true},
		{
			name:    "missing bootloader",
			base:    usbDevice,
			mutate:  func(d *model.Device) { d.BootloaderMethod = "" },
			missing: true,
		},
		{
			name:   "invalid pair",
			base:   usbDevice,
			mutate: func(d *model.Device) { d.FlashMethod = model.FlashUF2Mount },
		},
		{
			name:   "both identities",
			base:   usbDevice,
			mutate: func(d *model.Device) { d.CANBusUUID = "aabbccddeeff" },
		},
		{
			name:   "usb device with can pair",
			base:   canDevice,
			mutate: func(d *model.Device) { d.CANBusUUID = ""; d.SerialPattern = "usb-Klipper_x*" },
		},
		{
			name: "serial needs baud",
			base: usbDevice,
			mutate: func(d *model.Device) {
				d.BootloaderMethod = model.BootloaderSerial
			},
			missing: true,
		},
		{
			name: "serial bad baud",
			base: usbDevice,
			mutate: func(d *model.Device) {
				d.BootloaderMethod = model.BootloaderSerial
				d.BootloaderBaud = 115200
			},
		},
		{
			name:    "can needs interface",
			base:    canDevice,
			mutate:  func(d *model.Device) { d.CANInterface = "" },
			missing: true,
		},
		{
			name:   "can bad uuid",
			base:   canDevice,
			mutate: func(d *model.Device) { d.CANBusUUID = "xyz" },
		},
		{
			name:   "can bad interface",
			base:   canDevice,
			mutate: func(d *model.Device) { d.CANInterface = "vcan0" },
		},
		{
			name: "rp2040 excluded pair",
			base: usbDevice,
			mutate: func(d *model.Device) {
				d.MCU = "rp2040"
				d.FlashMethod = model.FlashMake
			},
		},
		{
			name:   "unknown role",
			base:   canDevice,
			mutate: func(d *model.Device) { d.Role = "leader" },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := tc.base()
			tc.mutate(d)
			issue := Device(d)
			if tc.ok {
				assert.Nil(t, issue)
				return
			}
			require.NotNil(t, issue)
			assert.Equal(t, tc.missing, issue.Missing, issue.Detail)
		})
	}
}

func TestDeviceErr_Kind(t *testing.T) {
	d := usbDevice()
	d.FlashMethod = model.FlashUF2Mount

	err := DeviceErr(d)
	require.Error(t, err)
	assert.Equal(t, flasherr.InvalidConfig, flasherr.KindOf(err))
	assert.Equal(t, "validate", flasherr.PhaseOf(err))

	assert.NoError(t, DeviceErr(usbDevice()))
}

func TestFieldValidators(t *testing.T) {
	assert.NoError(t, CANUUID("AABBCCDDEEFF"))
	assert.Error(t, CANUUID("aabbccddeef"))
	assert.NoError(t, CANInterface("can12"))
	assert.Error(t, CANInterface("eth0"))
	assert.NoError(t, BootloaderBaud(250000))
	assert.Error(t, BootloaderBaud(0))
}

func TestKey(t *testing.T) {
	taken := func(k string) bool { return k == "octopus" }

	assert.NoError(t, Key("spider", taken, ""))
	assert.Error(t, Key("octopus", taken, ""))
	assert.NoError(t, Key("octopus", taken, "octopus"), "renaming to itself is allowed")
	assert.Error(t, Key("Bad Key", taken, ""))
}
