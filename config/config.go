package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kalico-flash/internal/logger"
)

// Config represents the overall tool configuration.
type Config struct {
	Moonraker MoonrakerConfig `yaml:"moonraker"`
	Service   ServiceConfig   `yaml:"service"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Paths     PathConfig      `yaml:"paths"`
	Poll      PollConfig      `yaml:"poll"`
	Log       logger.Config   `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
}

// MoonrakerConfig holds the status service connection settings.
type MoonrakerConfig struct {
	URL             string        `yaml:"url"`
	TimeoutSeconds  int           `yaml:"timeout_seconds"`
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds"`
	Timeout         time.Duration `yaml:"-"`
	CacheTTL        time.Duration `yaml:"-"`
}

// ServiceConfig names the controlled host service.
type ServiceConfig struct {
	Name           string        `yaml:"name"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	UseSudo        *bool         `yaml:"use_sudo"`
	Timeout        time.Duration `yaml:"-"`
}

// TimeoutConfig holds the per-phase deadlines.
type TimeoutConfig struct {
	BuildSeconds             int `yaml:"build_seconds"`
	ReenumerationSeconds     int `yaml:"reenumeration_seconds"`
	USBFlashSeconds          int `yaml:"usb_flash_seconds"`
	CANFlashSeconds          int `yaml:"can_flash_seconds"`
	USBVerifySeconds         int `yaml:"usb_verify_seconds"`
	CANVerifySeconds         int `yaml:"can_verify_seconds"`
	BootloaderCommandSeconds int `yaml:"bootloader_command_seconds"`
	UF2MountSeconds          int `yaml:"uf2_mount_seconds"`

	Build             time.Duration `yaml:"-"`
	Reenumeration     time.Duration `yaml:"-"`
	USBFlash          time.Duration `yaml:"-"`
	CANFlash          time.Duration `yaml:"-"`
	USBVerify         time.Duration `yaml:"-"`
	CANVerify         time.Duration `yaml:"-"`
	BootloaderCommand time.Duration `yaml:"-"`
	UF2Mount          time.Duration `yaml:"-"`
}

// PathConfig holds host paths that tests need to redirect.
type PathConfig struct {
	SerialDir string `yaml:"serial_dir"`
	SysfsNet  string `yaml:"sysfs_net"`
}

// PollConfig holds polling cadences for hardware waits.
type PollConfig struct {
	IntervalMS          int           `yaml:"interval_ms"`
	CANVerifyIntervalMS int           `yaml:"can_verify_interval_ms"`
	Interval            time.Duration `yaml:"-"`
	CANVerifyInterval   time.Duration `yaml:"-"`
}

// ServerConfig holds the read-only status API settings.
type ServerConfig struct {
	Addr            string  `yaml:"addr"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DefaultPath returns the tool config location, honouring KFLASH_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("KFLASH_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(AppConfigDir(), "kflash.yaml")
}

// AppConfigDir is ${XDG_CONFIG_HOME:-~/.config}/kalico-flash.
func AppConfigDir() string {
	return filepath.Join(xdgHome("XDG_CONFIG_HOME", ".config"), AppName)
}

// AppDataDir is ${XDG_DATA_HOME:-~/.local/share}/kalico-flash.
func AppDataDir() string {
	return filepath.Join(xdgHome("XDG_DATA_HOME", filepath.Join(".local", "share")), AppName)
}

// AppName names the per-user directories.
const AppName = "kalico-flash"

func xdgHome(env, fallback string) string {
	if xdg := os.Getenv(env); xdg != "" && filepath.IsAbs(xdg) {
		return xdg
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Load reads the configuration from the given path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Debug().Str("path", path).Msg("config file not found; using defaults")
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Moonraker.URL == "" {
		c.Moonraker.URL = "http://localhost:7125"
	}
	c.Moonraker.Timeout = seconds(&c.Moonraker.TimeoutSeconds, 5)
	c.Moonraker.CacheTTL = seconds(&c.Moonraker.CacheTTLSeconds, 30)

	if c.Service.Name == "" {
		c.Service.Name = "klipper"
	}
	if c.Service.UseSudo == nil {
		useSudo := true
		c.Service.UseSudo = &useSudo
	}
	c.Service.Timeout = seconds(&c.Service.TimeoutSeconds, 30)

	t := &c.Timeouts
	t.Build = seconds(&t.BuildSeconds, 300)
	t.Reenumeration = seconds(&t.ReenumerationSeconds, 30)
	t.USBFlash = seconds(&t.USBFlashSeconds, 60)
	t.CANFlash = seconds(&t.CANFlashSeconds, 120)
	t.USBVerify = seconds(&t.USBVerifySeconds, 30)
	t.CANVerify = seconds(&t.CANVerifySeconds, 15)
	t.BootloaderCommand = seconds(&t.BootloaderCommandSeconds, 10)
	t.UF2Mount = seconds(&t.UF2MountSeconds, 15)

	if c.Paths.SerialDir == "" {
		c.Paths.SerialDir = "/dev/serial/by-id"
	}
	if c.Paths.SysfsNet == "" {
		c.Paths.SysfsNet = "/sys/class/net"
	}

	if c.Poll.IntervalMS <= 0 {
		c.Poll.IntervalMS = 500
	}
	c.Poll.Interval = time.Duration(c.Poll.IntervalMS) * time.Millisecond
	if c.Poll.CANVerifyIntervalMS <= 0 {
		c.Poll.CANVerifyIntervalMS = 2000
	}
	c.Poll.CANVerifyInterval = time.Duration(c.Poll.CANVerifyIntervalMS) * time.Millisecond

	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
	if lvl := os.Getenv("KFLASH_LOG_LEVEL"); lvl != "" {
		c.Log.Level = lvl
	}
	if os.Getenv("KFLASH_DEBUG") == "true" {
		c.Log.Debug = true
	}

	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8089"
	}
	if c.Server.RateLimitPerSec <= 0 {
		c.Server.RateLimitPerSec = 5
	}
	if c.Server.CacheTTLSeconds <= 0 {
		c.Server.CacheTTLSeconds = 5
	}
}

func seconds(field *int, def int) time.Duration {
	if *field <= 0 {
		*field = def
	}
	return time.Duration(*field) * time.Second
}
