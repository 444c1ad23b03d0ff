package model

import "strings"

// Field names a transport-specific parameter a method pair depends on.
type Field string

const (
	FieldBootloaderBaud Field = "bootloader_baud"
	FieldCANBusUUID     Field = "canbus_uuid"
	FieldCANInterface   Field = "canbus_interface"
	FieldUF2MountPath   Field = "uf2_mount_path"
	FieldSDCardBoard    Field = "sdcard_board"
)

// MethodPair is one valid (bootloader, flash) combination.
type MethodPair struct {
	Bootloader BootloaderMethod
	Flash      FlashMethod
	Name       string
	Required   []Field
}

// ID is the stable "bootloader+flash" identifier of the pair.
func (p MethodPair) ID() string {
	return string(p.Bootloader) + "+" + string(p.Flash)
}

// CANOnly reports pairs restricted to CAN devices.
func (p MethodPair) CANOnly() bool {
	return p.Bootloader == BootloaderCAN || p.Flash == FlashKatapultCAN
}

var methodPairs = []MethodPair{
	{Bootloader: BootloaderUSB, Flash: FlashKatapult, Name: "Katapult USB"},
	{Bootloader: BootloaderUSB, Flash: FlashMake, Name: "Make Flash USB"},
	{Bootloader: BootloaderSerial, Flash: FlashKatapult, Name: "Katapult Serial", Required: []Field{FieldBootloaderBaud}},
	{Bootloader: BootloaderManual, Flash: FlashKatapult, Name: "Katapult Manual"},
	{Bootloader: BootloaderManual, Flash: FlashMake, Name: "Make Flash Manual"},
	{Bootloader: BootloaderManual, Flash: FlashUF2Mount, Name: "UF2 Copy", Required: []Field{FieldUF2MountPath}},
	{Bootloader: BootloaderNone, Flash: FlashMake, Name: "Make Flash Direct"},
	{Bootloader: BootloaderNone, Flash: FlashSDCard, Name: "SD Card Flash", Required: []Field{FieldSDCardBoard}},
	{Bootloader: BootloaderCAN, Flash: FlashKatapultCAN, Name: "Katapult CAN", Required: []Field{FieldCANBusUUID, FieldCANInterface}},
	{Bootloader: BootloaderNone, Flash: FlashNone, Name: "Build Only"},
}

var rp2Excluded = map[string]bool{
	string(BootloaderUSB) + "+" + string(FlashMake):        true,
	string(BootloaderSerial) + "+" + string(FlashKatapult): true,
	string(BootloaderManual) + "+" + string(FlashMake):     true,
	string(BootloaderManual) + "+" + string(FlashKatapult): true,
	string(BootloaderNone) + "+" + string(FlashSDCard):     true,
}

// ValidBauds are the accepted serial bootloader baud rates.
var ValidBauds = []int{250000}

// Pairs returns every valid method combination.
func Pairs() []MethodPair {
	out := make([]MethodPair, len(methodPairs))
	copy(out, methodPairs)
	return out
}

// LookupPair finds the pair for the given methods. An empty flash method
// is read as none.
func LookupPair(b BootloaderMethod, f FlashMethod) (MethodPair, bool) {
	if f == "" {
		f = FlashNone
	}
	for _, p := range methodPairs {
		if p.Bootloader == b && p.Flash == f {
			return p, true
		}
	}
	return MethodPair{}, false
}

// IsRP2 reports RP2040 and RP2350 parts.
func IsRP2(mcu string) bool {
	m := strings.ToLower(mcu)
	return strings.HasPrefix(m, "rp2040") || strings.HasPrefix(m, "rp2350")
}

// PairsFor returns the pairs usable by an MCU over a transport.
func PairsFor(mcu string, transport Transport) []MethodPair {
	var out []MethodPair
	rp2 := IsRP2(mcu)
	for _, p := range methodPairs {
		if rp2 && rp2Excluded[p.ID()] {
			continue
		}
		if (transport == TransportCAN) != p.CANOnly() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// AllowedFor reports whether the pair is usable by the given MCU.
func (p MethodPair) AllowedFor(mcu string) bool {
	return !(IsRP2(mcu) && rp2Excluded[p.ID()])
}
