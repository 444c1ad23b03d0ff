package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported("usb-Klipper_stm32h723xx_29001A001151313531383332-if00"))
	assert.True(t, IsSupported("usb-katapult_rp2040_E66138935F3A2B2C-if00"))
	assert.True(t, IsSupported("USB-KLIPPER_x"))
	assert.False(t, IsSupported("usb-Beacon_Beacon_RevH_FC2-if00"))
}

func TestDeviceSignature(t *testing.T) {
	sig, ok := DeviceSignature("usb-Klipper_stm32h723xx_29001A001151-if00")
	assert.True(t, ok)
	assert.Equal(t, Signature{MCU: "stm32h723xx", Serial: "29001A001151"}, sig)

	bootSig, ok := DeviceSignature("usb-katapult_stm32h723xx_29001A001151-if00")
	assert.True(t, ok)
	assert.Equal(t, sig, bootSig, "prefix change keeps the signature")

	_, ok = DeviceSignature("usb-Beacon_Beacon_RevH_FC2-if00")
	assert.False(t, ok)
}

func TestMCUFromSerial(t *testing.T) {
	testCases := []struct {
		filename string
		expected string
		ok       bool
	}{
		{"usb-Klipper_stm32h723xx_29001A001151313531383332-if00", "stm32h723", true},
		{"usb-Klipper_rp2040_E66138935F3A2B2C-if00", "rp2040", true},
		{"usb-katapult_stm32g0b1xx_4B0026-if00", "stm32g0b1", true},
		{"usb-Beacon_Beacon_RevH-if00", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.filename, func(t *testing.T) {
			got, ok := MCUFromSerial(tc.filename)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestSerialPattern(t *testing.T) {
	assert.Equal(t, "usb-Klipper_stm32h723xx_29001A*", SerialPattern("usb-Klipper_stm32h723xx_29001A-if00"))
	assert.Equal(t, "usb-Klipper_rp2040_E661*", SerialPattern("usb-Klipper_rp2040_E661"))
}

func TestMatchPattern_PrefixAgnostic(t *testing.T) {
	pattern := "usb-Klipper_stm32h723xx_29001A*"
	assert.True(t, MatchPattern(pattern, "usb-Klipper_stm32h723xx_29001A-if00"))
	assert.True(t, MatchPattern(pattern, "usb-katapult_stm32h723xx_29001A-if00"))
	assert.False(t, MatchPattern(pattern, "usb-Klipper_stm32h723xx_FFFF-if00"))

	assert.True(t, MatchPattern("usb-katapult_rp2040_E6*", "usb-Klipper_rp2040_E661-if00"))
}

func TestMatchFold(t *testing.T) {
	assert.True(t, MatchFold("usb-beacon_*", "usb-Beacon_Beacon_RevH-if00"))
	assert.False(t, MatchFold("usb-beacon_*", "usb-Klipper_stm32-if00"))
}

func TestMCUMatches(t *testing.T) {
	assert.True(t, MCUMatches("stm32h723", "stm32h723xx"))
	assert.True(t, MCUMatches("STM32H723XX", "stm32h723"))
	assert.False(t, MCUMatches("stm32f446", "stm32h723"))
	assert.False(t, MCUMatches("", "stm32"))
}
