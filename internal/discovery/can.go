package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/runner"
)

const (
	arphrdCAN = 280
	iffUp     = 0x1

	// MinCANQueueLen is the lowest tx_queue_len accepted for flashing.
	MinCANQueueLen = 128

	canQueryTimeout = 10 * time.Second
)

var (
	canIfaceRe = regexp.MustCompile(`^can\d+$`)
	canQueryRe = regexp.MustCompile(`Detected UUID:\s+([0-9a-f]{12}),\s+Application:\s+(\S+)`)
)

// CANDevice is one node answering a Katapult bus query.
type CANDevice struct {
	UUID        string `json:"uuid"`
	Application string `json:"application"`
}

// ParseCANQuery extracts nodes from flashtool.py -q output.
func ParseCANQuery(out string) []CANDevice {
	var devices []CANDevice
	for _, m := range canQueryRe.FindAllStringSubmatch(out, -1) {
		devices = append(devices, CANDevice{UUID: m[1], Application: m[2]})
	}
	return devices
}

// CANInterfaces lists real CAN interfaces (canN with ARPHRD_CAN type).
// vcan and anything unreadable is skipped.
func (s *Scanner) CANInterfaces() []string {
	entries, err := os.ReadDir(s.sysfsNet)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !canIfaceRe.MatchString(name) {
			continue
		}
		if t, err := s.readInt(name, "type", 10); err == nil && t == arphrdCAN {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// InterfaceUp reports operstate up, or unknown with IFF_UP set.
func (s *Scanner) InterfaceUp(iface string) bool {
	raw, err := os.ReadFile(filepath.Join(s.sysfsNet, iface, "operstate"))
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(string(raw))) {
	case "up":
		return true
	case "unknown":
		flags, err := s.readInt(iface, "flags", 0)
		return err == nil && flags&iffUp != 0
	}
	return false
}

// QueueLen reads tx_queue_len.
func (s *Scanner) QueueLen(iface string) (int, bool) {
	n, err := s.readInt(iface, "tx_queue_len", 10)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Scanner) readInt(iface, attr string, base int) (int, error) {
	raw, err := os.ReadFile(filepath.Join(s.sysfsNet, iface, attr))
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), base, 64)
	return int(n), err
}

// PreflightCAN checks that iface exists, is up and has a transmit queue of
// at least MinCANQueueLen. An unreadable queue length is not blocking.
func (s *Scanner) PreflightCAN(iface string) error {
	available := s.CANInterfaces()
	found := false
	for _, a := range available {
		if a == iface {
			found = true
			break
		}
	}
	if !found {
		list := "none"
		if len(available) > 0 {
			list = strings.Join(available, ", ")
		}
		return flasherr.Newf(flasherr.CanPreflightFailed, "preflight",
			"CAN interface %q not found (available: %s); check the adapter and run: sudo ip link set %s up type can bitrate 1000000", iface, list, iface)
	}
	if !s.InterfaceUp(iface) {
		return flasherr.Newf(flasherr.CanPreflightFailed, "preflight",
			"CAN interface %q is down; run: sudo ip link set %s up", iface, iface)
	}
	qlen, ok := s.QueueLen(iface)
	if !ok {
		s.log.Warn().Str("iface", iface).Msg("Could not read tx_queue_len; continuing")
		return nil
	}
	if qlen < MinCANQueueLen {
		return flasherr.Newf(flasherr.CanPreflightFailed, "preflight",
			"CAN interface %q has txqueuelen %d, need >= %d; run: sudo ip link set %s txqueuelen 1024", iface, qlen, MinCANQueueLen, iface)
	}
	return nil
}

// FlashtoolPath is the Katapult flashtool script under katapultDir.
func FlashtoolPath(katapultDir string) string {
	return filepath.Join(katapultDir, "scripts", "flashtool.py")
}

// QueryCAN asks the bus which nodes are present. It is invasive: the
// caller must have stopped the firmware host service first.
func (s *Scanner) QueryCAN(ctx context.Context, katapultDir, iface string) ([]CANDevice, error) {
	tool := FlashtoolPath(katapultDir)
	if _, err := os.Stat(tool); err != nil {
		return nil, fmt.Errorf("katapult flashtool not found: %w", err)
	}
	res, err := s.run.Run(ctx, runner.Command{
		Name:    "python3",
		Args:    []string{tool, "-i", iface, "-q"},
		Timeout: canQueryTimeout,
	})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, errors.New("CAN query failed: " + flasherr.Tail(res.Output, 5))
	}
	return ParseCANQuery(res.Output), nil
}
