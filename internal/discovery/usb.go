// Package discovery finds connected MCUs on USB and CAN, resolves them to
// registry entries and waits for them to come and go during flashing.
//
// Every scan reads the host from scratch; nothing is cached between calls
// because the physical topology changes whenever a board reboots.
package discovery

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"kalico-flash/internal/model"
	"kalico-flash/internal/parse"
	"kalico-flash/internal/runner"
)

// USBDevice is one entry of the serial-by-id directory.
type USBDevice struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// Scanner reads the serial directory and CAN sysfs tree.
type Scanner struct {
	serialDir string
	sysfsNet  string
	interval  time.Duration
	run       runner.Runner
	log       zerolog.Logger
}

// Options configures a Scanner. Zero values take the Linux defaults.
type Options struct {
	SerialDir    string
	SysfsNet     string
	PollInterval time.Duration
}

// NewScanner creates a scanner. run is used for the CAN bus query only.
func NewScanner(opts Options, run runner.Runner, log zerolog.Logger) *Scanner {
	if opts.SerialDir == "" {
		opts.SerialDir = "/dev/serial/by-id"
	}
	if opts.SysfsNet == "" {
		opts.SysfsNet = "/sys/class/net"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Scanner{
		serialDir: opts.SerialDir,
		sysfsNet:  opts.SysfsNet,
		interval:  opts.PollInterval,
		run:       run,
		log:       log.With().Str("component", "discovery").Logger(),
	}
}

// SerialDir returns the directory scanned for USB devices.
func (s *Scanner) SerialDir() string { return s.serialDir }

// ScanUSB lists every serial-by-id entry sorted by filename. A missing
// directory means nothing is plugged in and is not an error.
func (s *Scanner) ScanUSB() ([]USBDevice, error) {
	names, err := s.listSerial()
	if err != nil {
		return nil, err
	}
	devices := make([]USBDevice, 0, len(names))
	for _, name := range names {
		devices = append(devices, USBDevice{Path: filepath.Join(s.serialDir, name), Filename: name})
	}
	return devices, nil
}

func (s *Scanner) listSerial() ([]string, error) {
	entries, err := os.ReadDir(s.serialDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// MatchDevices returns every device whose filename matches pattern in
// either Klipper or katapult mode.
func MatchDevices(pattern string, devices []USBDevice) []USBDevice {
	var out []USBDevice
	for _, d := range devices {
		if parse.MatchPattern(pattern, d.Filename) {
			out = append(out, d)
		}
	}
	return out
}

// BlockedReason returns the block entry matching filename, if any.
func BlockedReason(filename string, blocked []model.BlockedDevice) (model.BlockedDevice, bool) {
	for _, b := range blocked {
		if b.Pattern != "" && parse.MatchFold(b.Pattern, filename) {
			return b, true
		}
	}
	return model.BlockedDevice{}, false
}

// blockedForPattern checks a registry serial pattern against the block
// list, trying both the pattern and its prefix variants as names.
func blockedForPattern(pattern string, blocked []model.BlockedDevice) (model.BlockedDevice, bool) {
	for _, v := range parse.PatternVariants(pattern) {
		if b, ok := BlockedReason(v, blocked); ok {
			return b, true
		}
	}
	return model.BlockedDevice{}, false
}
