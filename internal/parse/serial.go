package parse

import (
	"path"
	"regexp"
	"strings"
)

// SupportedPrefixes are the lowercase serial-by-id prefixes of Klipper and
// Katapult images.
var SupportedPrefixes = []string{"usb-klipper_", "usb-katapult_"}

var (
	signatureRe = regexp.MustCompile(`usb-(?:Klipper|katapult)_([a-zA-Z0-9]+)_([A-Fa-f0-9]+)`)
	mcuRe       = regexp.MustCompile(`(?i)usb-(?:Klipper|katapult)_([a-z0-9]+?)(?:x[a-z0-9]*)?_`)
	ifaceRe     = regexp.MustCompile(`-if\d+$`)
)

// Signature identifies a physical board across the Klipper/Katapult
// prefix change that happens on bootloader entry.
type Signature struct {
	MCU    string
	Serial string
}

// IsSupported reports whether filename is a Klipper or Katapult USB device.
func IsSupported(filename string) bool {
	lower := strings.ToLower(filename)
	for _, p := range SupportedPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// DeviceSignature extracts the MCU type and serial hex from a filename.
func DeviceSignature(filename string) (Signature, bool) {
	m := signatureRe.FindStringSubmatch(filename)
	if m == nil {
		return Signature{}, false
	}
	return Signature{MCU: strings.ToLower(m[1]), Serial: m[2]}, true
}

// MCUFromSerial extracts the short MCU type ("stm32h723" from
// "usb-Klipper_stm32h723xx_...").
func MCUFromSerial(filename string) (string, bool) {
	m := mcuRe.FindStringSubmatch(filename)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// SerialPattern turns a filename into the glob stored in the registry.
func SerialPattern(filename string) string {
	return ifaceRe.ReplaceAllString(filename, "") + "*"
}

// PatternVariants returns the pattern plus its Klipper/katapult swapped
// forms so a board matches in either mode.
func PatternVariants(pattern string) []string {
	variants := []string{pattern}
	lower := strings.ToLower(pattern)
	switch {
	case strings.HasPrefix(lower, "usb-klipper_"):
		variants = append(variants, "usb-katapult_"+pattern[len("usb-klipper_"):])
	case strings.HasPrefix(lower, "usb-katapult_"):
		variants = append(variants, "usb-Klipper_"+pattern[len("usb-katapult_"):])
	}
	return variants
}

// MatchPattern reports whether filename matches pattern or one of its
// prefix variants.
func MatchPattern(pattern, filename string) bool {
	for _, v := range PatternVariants(pattern) {
		if ok, _ := path.Match(v, filename); ok {
			return true
		}
	}
	return false
}

// MatchFold is a case-insensitive glob match.
func MatchFold(pattern, name string) bool {
	ok, _ := path.Match(strings.ToLower(strings.TrimSpace(pattern)), strings.ToLower(name))
	return ok
}

// MCUMatches compares MCU type strings by prefix in either direction,
// ignoring case.
func MCUMatches(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}
