// Package configcache stores one Klipper .config per device key.
package configcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"kalico-flash/config"
	"kalico-flash/internal/parse"
	"kalico-flash/internal/store"
)

// ReviewAge is the age after which a cached config is flagged for review.
const ReviewAge = 90 * 24 * time.Hour

const configName = ".config"

var (
	mcuLineRe   = regexp.MustCompile(`(?m)^CONFIG_MCU="([^"]+)"`)
	boardLineRe = regexp.MustCompile(`(?m)^CONFIG_BOARD_DIRECTORY="([^"]+)"`)

	// ErrNoConfig means the device has no cached configuration.
	ErrNoConfig = errors.New("no cached config")
)

// Cache is rooted at <config dir>/configs.
type Cache struct {
	root string
	log  zerolog.Logger
	now  func() time.Time
}

// DefaultRoot is ${XDG_CONFIG_HOME:-~/.config}/kalico-flash/configs.
func DefaultRoot() string {
	return filepath.Join(config.AppConfigDir(), "configs")
}

// New creates a cache rooted at root.
func New(root string, log zerolog.Logger) *Cache {
	return &Cache{
		root: root,
		log:  log.With().Str("component", "configcache").Logger(),
		now:  time.Now,
	}
}

// Dir returns the per-device directory.
func (c *Cache) Dir(key string) string {
	return filepath.Join(c.root, key)
}

// Path returns the cached .config path for key.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.Dir(key), configName)
}

// Exists reports whether key has a cached config.
func (c *Cache) Exists(key string) bool {
	info, err := os.Stat(c.Path(key))
	return err == nil && info.Mode().IsRegular()
}

// Read returns the cached config contents.
func (c *Cache) Read(key string) ([]byte, error) {
	data, err := os.ReadFile(c.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w for %q", ErrNoConfig, key)
	}
	return data, err
}

// Write replaces the cached config for key.
func (c *Cache) Write(key string, data []byte) error {
	if err := store.AtomicWrite(c.Path(key), data, 0o644); err != nil {
		return fmt.Errorf("failed to cache config for %q: %w", key, err)
	}
	c.log.Debug().Str("device", key).Int("bytes", len(data)).Msg("Config cached")
	return nil
}

// Install copies the cached config into <klipperDir>/.config.
func (c *Cache) Install(key, klipperDir string) error {
	data, err := c.Read(key)
	if err != nil {
		return err
	}
	dst := filepath.Join(klipperDir, configName)
	if err := store.AtomicWrite(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to install config into %s: %w", klipperDir, err)
	}
	return nil
}

// Capture saves <klipperDir>/.config as the cached config for key.
func (c *Cache) Capture(key, klipperDir string) error {
	data, err := os.ReadFile(filepath.Join(klipperDir, configName))
	if err != nil {
		return fmt.Errorf("no .config in %s: %w", klipperDir, err)
	}
	return c.Write(key, data)
}

// MCU returns the MCU type named by the cached config.
func (c *Cache) MCU(key string) (string, error) {
	data, err := c.Read(key)
	if err != nil {
		return "", err
	}
	mcu, ok := ParseMCU(data)
	if !ok {
		return "", fmt.Errorf("cached config for %q names no MCU", key)
	}
	return mcu, nil
}

// CheckMCU compares the cached config's MCU with the registry MCU. The
// returned actual value is empty when the config names no MCU.
func (c *Cache) CheckMCU(key, expected string) (actual string, match bool, err error) {
	data, err := c.Read(key)
	if err != nil {
		return "", false, err
	}
	actual, ok := ParseMCU(data)
	if !ok {
		return "", false, nil
	}
	return actual, parse.MCUMatches(actual, expected), nil
}

// Age returns how long ago the cached config was written.
func (c *Cache) Age(key string) (time.Duration, bool) {
	info, err := os.Stat(c.Path(key))
	if err != nil {
		return 0, false
	}
	return c.now().Sub(info.ModTime()), true
}

// NeedsReview reports configs older than ReviewAge.
func (c *Cache) NeedsReview(key string) bool {
	age, ok := c.Age(key)
	return ok && age > ReviewAge
}

// Rename moves the cache directory when a device key changes. It reports
// whether anything was moved.
func (c *Cache) Rename(oldKey, newKey string) (bool, error) {
	oldDir, newDir := c.Dir(oldKey), c.Dir(newKey)
	if _, err := os.Stat(oldDir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if _, err := os.Stat(newDir); err == nil {
		return false, fmt.Errorf("config cache for %q already exists", newKey)
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return false, err
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return false, fmt.Errorf("failed to move config cache: %w", err)
	}
	return true, nil
}

// Remove deletes the cache directory for key.
func (c *Cache) Remove(key string) error {
	return os.RemoveAll(c.Dir(key))
}

// ParseMCU extracts CONFIG_MCU, falling back to CONFIG_BOARD_DIRECTORY.
func ParseMCU(content []byte) (string, bool) {
	if m := mcuLineRe.FindSubmatch(content); m != nil {
		return string(m[1]), true
	}
	if m := boardLineRe.FindSubmatch(content); m != nil {
		return string(m[1]), true
	}
	return "", false
}

// FormatAge renders an age as "today", "1 day ago" or "N days ago".
func FormatAge(age time.Duration) string {
	days := int(age / (24 * time.Hour))
	switch days {
	case 0:
		return "today"
	case 1:
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}
