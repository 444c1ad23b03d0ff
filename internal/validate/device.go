// Package validate checks registry entries against the method pair table
// and the per-transport field rules.
package validate

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/model"
	"kalico-flash/internal/parse"
)

var (
	canUUIDRe  = regexp.MustCompile(`^[0-9a-f]{12}$`)
	canIfaceRe = regexp.MustCompile(`^can\d+$`)
)

// Issue is the first configuration problem found on a device.
type Issue struct {
	Missing bool
	Detail  string
}

func (i *Issue) Error() string {
	if i.Missing {
		return "missing configuration: " + i.Detail
	}
	return "invalid configuration: " + i.Detail
}

// CANUUID validates a 12 hex digit CAN bus UUID.
func CANUUID(uuid string) error {
	uuid = strings.ToLower(strings.TrimSpace(uuid))
	if !canUUIDRe.MatchString(uuid) {
		return fmt.Errorf("CAN UUID must be 12 hex characters, got %q", uuid)
	}
	return nil
}

// CANInterface validates a canN interface name.
func CANInterface(name string) error {
	if !canIfaceRe.MatchString(strings.TrimSpace(name)) {
		return fmt.Errorf("CAN interface must look like can0, got %q", name)
	}
	return nil
}

// BootloaderBaud validates a serial bootloader baud rate.
func BootloaderBaud(baud int) error {
	if !slices.Contains(model.ValidBauds, baud) {
		return fmt.Errorf("unsupported bootloader baud %d (valid: %v)", baud, model.ValidBauds)
	}
	return nil
}

// Transport enforces that exactly one of serial pattern or CAN UUID is set.
func Transport(serialPattern, canUUID string) error {
	hasSerial := strings.TrimSpace(serialPattern) != ""
	hasCAN := strings.TrimSpace(canUUID) != ""
	switch {
	case hasSerial && hasCAN:
		return fmt.Errorf("device has both serial_pattern and canbus_uuid; set exactly one")
	case !hasSerial && !hasCAN:
		return fmt.Errorf("device has neither serial_pattern nor canbus_uuid; set exactly one")
	}
	return nil
}

// Pair validates a method combination for an MCU.
func Pair(b model.BootloaderMethod, f model.FlashMethod, mcu string) (model.MethodPair, error) {
	pair, ok := model.LookupPair(b, f)
	if !ok {
		return model.MethodPair{}, fmt.Errorf("bootloader %q cannot be combined with flash method %q", b, f)
	}
	if !pair.AllowedFor(mcu) {
		return model.MethodPair{}, fmt.Errorf("%s is not supported on %s boards", pair.Name, mcu)
	}
	return pair, nil
}

// Device returns the first configuration issue on d, or nil.
func Device(d *model.Device) *Issue {
	if d.BootloaderMethod == "" {
		return &Issue{Missing: true, Detail: "no bootloader_method configured"}
	}
	if d.FlashMethod == "" {
		return &Issue{Missing: true, Detail: "no flash_command configured"}
	}

	pair, err := Pair(d.BootloaderMethod, d.FlashMethod, d.MCU)
	if err != nil {
		return &Issue{Detail: err.Error()}
	}

	if err := Transport(d.SerialPattern, d.CANBusUUID); err != nil {
		return &Issue{Detail: err.Error()}
	}

	if d.IsCAN() && !pair.CANOnly() {
		return &Issue{Detail: "CAN devices must use bootloader 'can' and flash command 'katapult_can'"}
	}
	if !d.IsCAN() && pair.CANOnly() {
		return &Issue{Detail: "USB/serial devices cannot use CAN-only flash methods"}
	}

	for _, f := range pair.Required {
		if fieldEmpty(d, f) {
			return &Issue{Missing: true, Detail: fmt.Sprintf("missing required field %q for flash method %q", f, pair.Name)}
		}
	}

	if d.CANBusUUID != "" {
		if err := CANUUID(d.CANBusUUID); err != nil {
			return &Issue{Detail: err.Error()}
		}
	}
	if d.CANInterface != "" {
		if err := CANInterface(d.CANInterface); err != nil {
			return &Issue{Detail: err.Error()}
		}
	}
	if d.BootloaderBaud != 0 {
		if err := BootloaderBaud(d.BootloaderBaud); err != nil {
			return &Issue{Detail: err.Error()}
		}
	}
	if d.Role != model.RoleNone && d.Role != model.RoleToolhead && d.Role != model.RoleBridge {
		return &Issue{Detail: fmt.Sprintf("unknown role %q", d.Role)}
	}
	return nil
}

// DeviceErr wraps Device as a flasherr for the config phase.
func DeviceErr(d *model.Device) error {
	issue := Device(d)
	if issue == nil {
		return nil
	}
	return flasherr.Wrap(issue, flasherr.InvalidConfig, "validate", fmt.Sprintf("device %q", d.Key))
}

// Key validates a key for registration; current may name the key being renamed.
func Key(key string, taken func(string) bool, current string) error {
	if err := parse.ValidKey(key); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if current != "" && key == current {
		return nil
	}
	if taken(key) {
		return fmt.Errorf("device %q already registered", key)
	}
	return nil
}

func fieldEmpty(d *model.Device, f model.Field) bool {
	switch f {
	case model.FieldBootloaderBaud:
		return d.BootloaderBaud == 0
	case model.FieldCANBusUUID:
		return strings.TrimSpace(d.CANBusUUID) == ""
	case model.FieldCANInterface:
		return strings.TrimSpace(d.CANInterface) == ""
	case model.FieldUF2MountPath:
		return strings.TrimSpace(d.UF2MountPath) == ""
	case model.FieldSDCardBoard:
		return strings.TrimSpace(d.SDCardBoard) == ""
	}
	return false
}
