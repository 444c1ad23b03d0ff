package safety

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"kalico-flash/internal/model"
	"kalico-flash/internal/moonraker"
	"kalico-flash/internal/runner"
)

const gitTimeout = 5 * time.Second

var (
	describeRe = regexp.MustCompile(`^(v[0-9A-Za-z.\-_]+?)(?:-([0-9]+)-g[0-9a-fA-F]+)?(?:-dirty)?$`)
	semverRe   = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(?:-([0-9]+)-g[0-9a-fA-F]+)?(?:-dirty)?$`)
	kalicoRe   = regexp.MustCompile(`^v?(20[2-9]\d)\.`)
	klipperRe  = regexp.MustCompile(`^v?\d+\.\d+\.\d+`)
)

// Flavor names the firmware family a version string belongs to.
func Flavor(version string) string {
	if version == "" {
		return "Unknown"
	}
	if m := kalicoRe.FindStringSubmatch(version); m != nil {
		if year, _ := strconv.Atoi(m[1]); year >= 2025 {
			return "Kalico"
		}
	}
	if klipperRe.MatchString(version) {
		return "Klipper"
	}
	return "Unknown"
}

// HostVersion runs git describe in the firmware source tree. When describe
// returns a bare tag it synthesises tag-count-gHASH from rev-list.
func HostVersion(ctx context.Context, run runner.Runner, klipperDir string) (string, error) {
	git := func(args ...string) (string, bool) {
		res, err := run.Run(ctx, runner.Command{Name: "git", Args: args, Dir: klipperDir, Timeout: gitTimeout})
		if err != nil || !res.OK() {
			return "", false
		}
		return strings.TrimSpace(res.Output), true
	}

	version, ok := git("describe", "--always", "--tags", "--long", "--dirty")
	if !ok {
		return "", fmt.Errorf("git describe failed in %s", klipperDir)
	}
	if version != "" && strings.Contains(version, "-g") {
		return version, nil
	}

	tag := ""
	if strings.HasPrefix(version, "v") {
		tag = version
	} else if t, ok := git("describe", "--tags", "--abbrev=0"); ok {
		tag = t
	}
	count, okCount := git("rev-list", "--count", "HEAD")
	hash, okHash := git("rev-parse", "--short", "HEAD")
	if !okCount || !okHash {
		return "", fmt.Errorf("could not derive version in %s", klipperDir)
	}
	if tag != "" {
		return fmt.Sprintf("%s-%s-g%s", tag, count, hash), nil
	}
	return fmt.Sprintf("%s-g%s", count, hash), nil
}

// ParseDescribe splits a git-describe string into tag and commit count.
// hasCount is false when the string carries no -N-gHASH suffix.
func ParseDescribe(version string) (tag string, count int, hasCount bool, ok bool) {
	m := describeRe.FindStringSubmatch(strings.TrimSpace(version))
	if m == nil {
		return "", 0, false, false
	}
	if m[2] != "" {
		count, _ = strconv.Atoi(m[2])
		hasCount = true
	}
	return m[1], count, hasCount, true
}

// IsDirty reports a host tree with uncommitted changes.
func IsDirty(version string) bool {
	return strings.HasSuffix(strings.TrimSpace(version), "-dirty")
}

// IsOutdated reports MCU firmware that appears behind the host tree.
func IsOutdated(host, mcu string) bool {
	host, mcu = strings.TrimSpace(host), strings.TrimSpace(mcu)
	if host == "" || mcu == "" {
		return false
	}
	hostTag, hostCount, hostHas, hostOK := ParseDescribe(host)
	mcuTag, mcuCount, mcuHas, mcuOK := ParseDescribe(mcu)
	if hostOK && mcuOK {
		if hostTag != mcuTag {
			return true
		}
		if hostHas && mcuHas {
			return mcuCount < hostCount
		}
		return false
	}
	return host != mcu
}

func versionTuple(v string) ([4]int, bool) {
	m := semverRe.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return [4]int{}, false
	}
	var t [4]int
	for i := 0; i < 4; i++ {
		if m[i+1] != "" {
			t[i], _ = strconv.Atoi(m[i+1])
		}
	}
	return t, true
}

// IsDowngrade reports when the MCU runs a newer version than the host
// would build. Unparseable versions never warn.
func IsDowngrade(host, mcu string) bool {
	h, okH := versionTuple(host)
	m, okM := versionTuple(mcu)
	if !okH || !okM {
		return false
	}
	for i := range h {
		if m[i] != h[i] {
			return m[i] > h[i]
		}
	}
	return false
}

// Warnings returns the non-blocking version warnings for one device.
func Warnings(host, mcu string) []string {
	var out []string
	if IsDirty(host) {
		out = append(out, fmt.Sprintf("host firmware tree has uncommitted changes (%s)", host))
	}
	if mcu != "" && IsDowngrade(host, mcu) {
		out = append(out, fmt.Sprintf("MCU firmware %s is newer than host %s (downgrade)", mcu, host))
	}
	return out
}

// DeviceVersion finds the running firmware version for a device. Lookup
// order: configured mcu_name, then the CAN uuid map, then (when fuzzy)
// device name or key, then chip type.
func DeviceVersion(d *model.Device, versions map[string]string, canMap map[string]string, fuzzy bool) (string, bool) {
	if len(versions) == 0 {
		return "", false
	}
	if d.MCUName != "" {
		return lookupFold(versions, moonraker.NormalizeName(d.MCUName))
	}
	if d.IsCAN() {
		if section, ok := canMap[d.CANBusUUID]; ok {
			return lookupFold(versions, moonraker.NormalizeName(section))
		}
	}
	if !fuzzy {
		return "", false
	}
	return fuzzyVersion(d, versions)
}

func lookupFold(versions map[string]string, name string) (string, bool) {
	for k, v := range versions {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func fuzzyVersion(d *model.Device, versions map[string]string) (string, bool) {
	keys := sortedKeys(versions)
	for _, candidate := range []string{d.Name, d.Key} {
		c := strings.ToLower(candidate)
		if c == "" {
			continue
		}
		for _, k := range keys {
			n := strings.ToLower(k)
			if n == c || strings.Contains(c, n) || strings.Contains(n, c) {
				return versions[k], true
			}
		}
	}

	mcu := strings.ToLower(d.MCU)
	if mcu == "" {
		return "", false
	}
	if v, ok := lookupFold(versions, mcu); ok {
		return v, true
	}
	for _, k := range keys {
		n := strings.ToLower(k)
		if strings.Contains(n, mcu) || strings.Contains(mcu, n) {
			return versions[k], true
		}
	}
	return "", false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
