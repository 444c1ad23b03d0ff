// Package store persists the device registry as a single JSON file.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kalico-flash/config"
	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/model"
)

// PathEnv overrides the registry location.
const PathEnv = "KALICO_REGISTRY_PATH"

// ErrNotFound is returned when a key is not registered.
var ErrNotFound = errors.New("device not registered")

// Store defines the registry operations. Every mutation is load-modify-save.
type Store interface {
	Load() (*model.Registry, error)
	Save(reg *model.Registry) error
	Get(key string) (*model.Device, error)
	Add(d *model.Device) error
	Update(key string, fn func(d *model.Device) error) error
	Remove(key string) (bool, error)
	SaveGlobal(s model.Settings) error
	SetFlashable(key string, flashable bool) error
	RecordFlash(key string, at time.Time) error
}

// jsonStore implements Store on a devices.json file.
type jsonStore struct {
	path string
	log  zerolog.Logger
	mu   sync.Mutex
}

// DefaultPath resolves the registry path from the environment.
func DefaultPath() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return filepath.Join(config.AppConfigDir(), "devices.json")
}

// NewJSONStore creates a file-backed store.
func NewJSONStore(path string, log zerolog.Logger) Store {
	return &jsonStore{path: path, log: log.With().Str("component", "store").Logger()}
}

// Load reads the registry. A missing file yields an empty registry; a
// corrupt one is copied aside and also yields an empty registry. A file
// that cannot be read is logged and reads as empty too.
func (s *jsonStore) Load() (*model.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, err := s.load()
	if err != nil {
		s.log.Warn().Err(err).Msg("Registry unreadable; listing it as empty")
		return model.NewRegistry(), nil
	}
	return reg, nil
}

func (s *jsonStore) load() (*model.Registry, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return model.NewRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", s.path, err)
	}

	reg, err := decode(raw)
	if err != nil {
		corrupt := flasherr.Wrap(err, flasherr.RegistryCorrupt, "registry", s.path)
		backup := s.path + ".corrupt"
		if werr := os.WriteFile(backup, raw, 0o644); werr != nil {
			s.log.Warn().Err(werr).Msg("Failed to back up corrupt registry")
		}
		s.log.Warn().Err(corrupt).Str("backup", backup).Msg("Registry unreadable; starting empty")
		return model.NewRegistry(), nil
	}
	return reg, nil
}

func decode(raw []byte) (*model.Registry, error) {
	file := fileRegistry{Global: globalFromSettings(model.DefaultSettings())}
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, err
	}

	reg := model.NewRegistry()
	reg.Settings = file.Global.settings()
	for key, fd := range file.Devices {
		if fd == nil {
			return nil, fmt.Errorf("device %q entry must be a JSON object", key)
		}
		reg.Devices[key] = deviceFromFile(key, fd)
	}
	for _, item := range file.BlockedDevices {
		if b, ok := blockedFromFile(item); ok {
			reg.Blocked = append(reg.Blocked, b)
		}
	}
	return reg, nil
}

func encode(reg *model.Registry) ([]byte, error) {
	file := fileRegistry{
		BlockedDevices: make([]json.RawMessage, 0, len(reg.Blocked)),
		Devices:        make(map[string]*fileDevice, len(reg.Devices)),
		Global:         globalFromSettings(reg.Settings),
	}
	for key, d := range reg.Devices {
		file.Devices[key] = deviceToFile(d)
	}
	for _, b := range reg.Blocked {
		entry, err := json.Marshal(fileBlocked{Pattern: b.Pattern, Reason: b.Reason})
		if err != nil {
			return nil, err
		}
		file.BlockedDevices = append(file.BlockedDevices, entry)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(file); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save replaces the registry file atomically.
func (s *jsonStore) Save(reg *model.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(reg)
}

func (s *jsonStore) save(reg *model.Registry) error {
	data, err := encode(reg)
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	if err := AtomicWrite(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save registry: %w", err)
	}
	s.log.Debug().Int("devices", len(reg.Devices)).Msg("Registry saved")
	return nil
}

// AtomicWrite writes data to a temp file beside path and renames it into
// place. There is no fsync: on SD-card hosts it stalls for tens of seconds
// after a build, and the rename alone never leaves a torn file.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// mutate runs fn against a freshly loaded registry and saves the result.
// An unreadable file fails the mutation so it is never overwritten.
func (s *jsonStore) mutate(fn func(reg *model.Registry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(reg); err != nil {
		return err
	}
	return s.save(reg)
}

func (s *jsonStore) Get(key string) (*model.Device, error) {
	reg, err := s.Load()
	if err != nil {
		return nil, err
	}
	d, ok := reg.Devices[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return d, nil
}

// Add registers a new device, rejecting duplicate keys.
func (s *jsonStore) Add(d *model.Device) error {
	return s.mutate(func(reg *model.Registry) error {
		if _, exists := reg.Devices[d.Key]; exists {
			return fmt.Errorf("device %q already registered", d.Key)
		}
		reg.Devices[d.Key] = d
		return nil
	})
}

// Update applies fn to a registered device. A changed Key renames the entry.
func (s *jsonStore) Update(key string, fn func(d *model.Device) error) error {
	return s.mutate(func(reg *model.Registry) error {
		d, ok := reg.Devices[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err := fn(d); err != nil {
			return err
		}
		if d.Key != key {
			if _, taken := reg.Devices[d.Key]; taken {
				return fmt.Errorf("device %q already registered", d.Key)
			}
			delete(reg.Devices, key)
			reg.Devices[d.Key] = d
		}
		return nil
	})
}

// Remove deletes a device and reports whether it existed.
func (s *jsonStore) Remove(key string) (bool, error) {
	found := false
	err := s.mutate(func(reg *model.Registry) error {
		if _, ok := reg.Devices[key]; ok {
			found = true
			delete(reg.Devices, key)
		}
		return nil
	})
	return found, err
}

func (s *jsonStore) SaveGlobal(settings model.Settings) error {
	return s.mutate(func(reg *model.Registry) error {
		reg.Settings = settings
		return nil
	})
}

func (s *jsonStore) SetFlashable(key string, flashable bool) error {
	return s.Update(key, func(d *model.Device) error {
		d.Flashable = flashable
		return nil
	})
}

// RecordFlash stores the time of the last verified flash.
func (s *jsonStore) RecordFlash(key string, at time.Time) error {
	return s.Update(key, func(d *model.Device) error {
		d.LastFlashTimestamp = at.Format(model.TimestampLayout)
		return nil
	})
}
