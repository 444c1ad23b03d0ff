package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kalico-flash/config"
	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/runner"
)

const (
	ccacheQueryTimeout   = 10 * time.Second
	ccacheInstallTimeout = 120 * time.Second
)

var (
	compilers    = []string{"arm-none-eabi-gcc", "arm-none-eabi-g++"}
	ccacheConfig = [][2]string{
		{"sloppiness", "time_macros"},
		{"max_size", "2G"},
		{"compression", "true"},
	}
	firstNumberRe = regexp.MustCompile(`\d+`)
	sizeRe        = regexp.MustCompile(`(?i)([\d.]+)\s*([KMGT]i?B?)?`)
)

// Stats are ccache counters, either absolute or a per-build delta.
type Stats struct {
	HitDirect       int   `json:"hitDirect"`
	HitPreprocessed int   `json:"hitPreprocessed"`
	Miss            int   `json:"miss"`
	SizeBytes       int64 `json:"sizeBytes"`
	MaxBytes        int64 `json:"maxBytes"`
}

// Hits is direct plus preprocessed hits.
func (s Stats) Hits() int { return s.HitDirect + s.HitPreprocessed }

// Calls is hits plus misses.
func (s Stats) Calls() int { return s.Hits() + s.Miss }

// HitRate is the hit fraction, 0 with no calls.
func (s Stats) HitRate() float64 {
	if s.Calls() == 0 {
		return 0
	}
	return float64(s.Hits()) / float64(s.Calls())
}

// String renders the one-line build summary.
func (s Stats) String() string {
	return fmt.Sprintf("ccache: %d hits, %d misses (%d%% hit rate), cache: %.0fMB / %.1fGB max",
		s.Hits(), s.Miss, int(s.HitRate()*100),
		float64(s.SizeBytes)/(1<<20), float64(s.MaxBytes)/(1<<30))
}

// Delta returns the counters accumulated between s and after. Sizes come
// from after.
func (s Stats) Delta(after Stats) Stats {
	d := Stats{
		HitDirect:       max(0, after.HitDirect-s.HitDirect),
		HitPreprocessed: max(0, after.HitPreprocessed-s.HitPreprocessed),
		Miss:            max(0, after.Miss-s.Miss),
		SizeBytes:       after.SizeBytes,
		MaxBytes:        after.MaxBytes,
	}
	if d.MaxBytes == 0 {
		d.MaxBytes = s.MaxBytes
	}
	return d
}

// ParseStats reads ccache --print-stats (tab separated) and falls back to
// the human readable --show-stats layout.
func ParseStats(out string) Stats {
	var s Stats
	totalMiss, directMiss, preMiss := -1, 0, 0

	apply := func(key, value string) bool {
		key = strings.ReplaceAll(strings.TrimSpace(key), "-", "_")
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if key == "" || err != nil {
			return false
		}
		switch key {
		case "cache_hit_direct", "direct_cache_hit":
			s.HitDirect = int(n)
		case "cache_hit_preprocessed", "preprocessed_cache_hit":
			s.HitPreprocessed = int(n)
		case "cache_miss":
			totalMiss = int(n)
			s.Miss = int(n)
		case "direct_cache_miss":
			directMiss = int(n)
		case "preprocessed_cache_miss":
			preMiss = int(n)
		case "cache_size_kibibyte", "cache_size_kib", "cache_size_kibibytes":
			s.SizeBytes = n * 1024
		case "max_cache_size_kibibyte", "max_cache_size_kib", "max_cache_size_kibibytes":
			s.MaxBytes = n * 1024
		case "cache_size_bytes", "cache_size":
			s.SizeBytes = n
		case "max_cache_size_bytes", "max_cache_size":
			s.MaxBytes = n
		default:
			return false
		}
		return true
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, "\t"); ok && apply(k, v) {
			continue
		}
		if tokens := strings.Fields(strings.ReplaceAll(line, ":", " ")); len(tokens) >= 2 && apply(tokens[0], tokens[1]) {
			continue
		}

		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "cache hit (direct)") || strings.Contains(lower, "direct cache hit"):
			s.HitDirect = firstNumber(line)
		case strings.Contains(lower, "cache hit (preprocessed)") || strings.Contains(lower, "preprocessed cache hit"):
			s.HitPreprocessed = firstNumber(line)
		case strings.Contains(lower, "cache miss"):
			s.Miss = firstNumber(line)
		case strings.Contains(lower, "max cache size") || strings.Contains(lower, "maximum cache size"):
			s.MaxBytes = sizeBytes(line)
		case strings.Contains(lower, "cache size"):
			s.SizeBytes = sizeBytes(line)
		}
	}
	if totalMiss < 0 && (directMiss > 0 || preMiss > 0) {
		s.Miss = directMiss + preMiss
	}
	return s
}

func firstNumber(line string) int {
	n, _ := strconv.Atoi(firstNumberRe.FindString(line))
	return n
}

func sizeBytes(line string) int64 {
	m := sizeRe.FindStringSubmatch(line)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	mult := map[string]float64{
		"": 1, "B": 1,
		"K": 1 << 10, "KB": 1 << 10, "KIB": 1 << 10,
		"M": 1 << 20, "MB": 1 << 20, "MIB": 1 << 20,
		"G": 1 << 30, "GB": 1 << 30, "GIB": 1 << 30,
		"T": 1 << 40, "TB": 1 << 40, "TIB": 1 << 40,
	}[strings.ToUpper(m[2])]
	if mult == 0 {
		mult = 1
	}
	return int64(v * mult)
}

// Resolution is the operator's answer when acceleration is requested but
// ccache is missing.
type Resolution int

const (
	// ResolveInstall installs ccache with apt and builds accelerated.
	ResolveInstall Resolution = iota
	// ResolveSkip builds without ccache and records the decline.
	ResolveSkip
	// ResolveDisable clears the use_ccache setting.
	ResolveDisable
)

func (r Resolution) String() string {
	switch r {
	case ResolveInstall:
		return "install"
	case ResolveSkip:
		return "skip"
	case ResolveDisable:
		return "disable"
	}
	return "unknown"
}

// Ccache wraps the compiler cache: symlink farm, config and stats.
type Ccache struct {
	binDir string
	run    runner.Runner
	log    zerolog.Logger
}

// DefaultBinDir is ${XDG_DATA_HOME:-~/.local/share}/kalico-flash/ccache-bin.
func DefaultBinDir() string {
	return filepath.Join(config.AppDataDir(), "ccache-bin")
}

// NewCcache creates a wrapper that links compilers under binDir.
func NewCcache(binDir string, run runner.Runner, log zerolog.Logger) *Ccache {
	return &Ccache{binDir: binDir, run: run, log: log.With().Str("component", "ccache").Logger()}
}

// Available reports whether ccache is on PATH and returns its location.
func (c *Ccache) Available() (string, bool) {
	path, err := c.run.LookPath("ccache")
	return path, err == nil
}

// Setup links the cross compilers to ccache, applies the build settings
// and returns the env entries that put the links first on PATH.
func (c *Ccache) Setup(ctx context.Context) ([]string, error) {
	target, ok := c.Available()
	if !ok {
		return nil, flasherr.New(flasherr.AccelerationUnavailable, "build", "ccache not found in PATH")
	}
	if err := os.MkdirAll(c.binDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", c.binDir, err)
	}
	for _, name := range compilers {
		if err := relink(filepath.Join(c.binDir, name), target); err != nil {
			return nil, err
		}
	}
	for _, kv := range ccacheConfig {
		res, err := c.run.Run(ctx, runner.Command{
			Name:    "ccache",
			Args:    []string{"--set-config", kv[0] + "=" + kv[1]},
			Timeout: ccacheQueryTimeout,
		})
		if err != nil || !res.OK() {
			c.log.Warn().Err(err).Str("option", kv[0]).Msg("ccache --set-config failed")
			break
		}
	}
	return []string{"PATH=" + c.binDir + string(os.PathListSeparator) + os.Getenv("PATH")}, nil
}

func relink(link, target string) error {
	if existing, err := os.Readlink(link); err == nil && existing == target {
		return nil
	}
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to replace %s: %w", link, err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("failed to link %s: %w", link, err)
	}
	return nil
}

// Stats reads the current counters. ok is false when ccache cannot be queried.
func (c *Ccache) Stats(ctx context.Context) (Stats, bool) {
	query := func(flag string) (Stats, bool) {
		res, err := c.run.Run(ctx, runner.Command{Name: "ccache", Args: []string{flag}, Timeout: ccacheQueryTimeout})
		if err != nil || !res.OK() {
			return Stats{}, false
		}
		return ParseStats(res.Output), true
	}
	s, ok := query("--print-stats")
	if ok && s.Calls() == 0 {
		if fallback, ok := query("--show-stats"); ok && fallback.Calls() > 0 {
			return fallback, true
		}
	}
	return s, ok
}

// Install runs sudo apt install -y ccache.
func (c *Ccache) Install(ctx context.Context) error {
	res, err := c.run.Run(ctx, runner.Command{
		Name:    "sudo",
		Args:    []string{"apt", "install", "-y", "ccache"},
		Timeout: ccacheInstallTimeout,
	})
	if err != nil {
		return flasherr.Wrap(err, flasherr.AccelerationUnavailable, "build", "ccache install failed")
	}
	if !res.OK() {
		return flasherr.Newf(flasherr.AccelerationUnavailable, "build", "ccache install exited %d", res.ExitCode).WithOutput(res.Output)
	}
	c.log.Info().Msg("ccache installed")
	return nil
}
