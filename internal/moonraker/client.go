// Package moonraker queries the Moonraker HTTP API for printer state, MCU
// firmware versions and the MCU sections of printer.cfg.
package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	cacheKeyMCUs   = "mcus"
	cacheKeyConfig = "configfile"

	// DefaultState is reported when print_stats carries no state.
	DefaultState = "standby"
)

// API is the subset of Moonraker the flasher consumes. Every method can
// fail when Moonraker is down; callers treat that as "unknown".
type API interface {
	PrintStatus(ctx context.Context) (*PrintStatus, error)
	MCUs(ctx context.Context) ([]MCU, error)
	MCUVersions(ctx context.Context) (map[string]string, error)
	ConfigMCUs(ctx context.Context) (map[string]ConfigMCU, error)
	Invalidate()
}

// Client is an HTTP Moonraker client. MCU and configfile answers are cached
// for the configured TTL so a batch queries them once; print status is
// always fetched live.
type Client struct {
	baseURL string
	client  *http.Client
	cache   *cache.Cache
	log     zerolog.Logger
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, timeout, cacheTTL time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		cache:   cache.New(cacheTTL, 2*cacheTTL),
		log:     log.With().Str("component", "moonraker").Logger(),
	}
}

// Invalidate drops cached answers, e.g. after a flash changed a version.
func (c *Client) Invalidate() {
	c.cache.Flush()
}

// PrintStatus returns the current print_stats state and progress.
func (c *Client) PrintStatus(ctx context.Context) (*PrintStatus, error) {
	var env envelope[queryResult[printStatusObjects]]
	if err := c.get(ctx, "/printer/objects/query?print_stats&virtual_sdcard", &env); err != nil {
		return nil, err
	}
	objs := env.Result.Status
	status := &PrintStatus{
		State:    DefaultState,
		Filename: objs.PrintStats.Filename,
		Progress: objs.VirtualSDCard.Progress,
	}
	if objs.PrintStats.State != nil && *objs.PrintStats.State != "" {
		status.State = *objs.PrintStats.State
	}
	return status, nil
}

// MCUs lists every mcu object with its firmware version.
func (c *Client) MCUs(ctx context.Context) ([]MCU, error) {
	if cached, ok := c.cache.Get(cacheKeyMCUs); ok {
		return cached.([]MCU), nil
	}

	var list envelope[objectsList]
	if err := c.get(ctx, "/printer/objects/list", &list); err != nil {
		return nil, err
	}
	var objects []string
	for _, obj := range list.Result.Objects {
		if IsMCUObject(obj) {
			objects = append(objects, obj)
		}
	}
	if len(objects) == 0 {
		c.cache.SetDefault(cacheKeyMCUs, []MCU(nil))
		return nil, nil
	}

	params := make([]string, len(objects))
	for i, obj := range objects {
		params[i] = url.PathEscape(obj)
	}
	var env envelope[queryResult[map[string]mcuObject]]
	if err := c.get(ctx, "/printer/objects/query?"+strings.Join(params, "&"), &env); err != nil {
		return nil, err
	}

	mcus := make([]MCU, 0, len(env.Result.Status))
	for obj, data := range env.Result.Status {
		if data.MCUVersion == nil {
			continue
		}
		mcus = append(mcus, MCU{
			Object:  obj,
			Name:    NormalizeName(obj),
			Version: *data.MCUVersion,
			Chip:    data.MCUConstants.MCU,
		})
	}
	sort.Slice(mcus, func(i, j int) bool { return mcus[i].Object < mcus[j].Object })
	c.cache.SetDefault(cacheKeyMCUs, mcus)
	return mcus, nil
}

// MCUVersions maps normalised mcu names ("main", "nhk") to versions, and
// also each chip type to the first version seen for it.
func (c *Client) MCUVersions(ctx context.Context) (map[string]string, error) {
	mcus, err := c.MCUs(ctx)
	if err != nil {
		return nil, err
	}
	return VersionMap(mcus), nil
}

// VersionMap builds the name and chip keyed version map.
func VersionMap(mcus []MCU) map[string]string {
	versions := make(map[string]string, len(mcus)*2)
	for _, m := range mcus {
		versions[m.Name] = m.Version
	}
	for _, m := range mcus {
		if m.Chip == "" {
			continue
		}
		if _, taken := versions[m.Chip]; !taken {
			versions[m.Chip] = m.Version
		}
	}
	return versions
}

// ConfigMCUs returns the serial and canbus_uuid of each mcu section.
func (c *Client) ConfigMCUs(ctx context.Context) (map[string]ConfigMCU, error) {
	if cached, ok := c.cache.Get(cacheKeyConfig); ok {
		return cached.(map[string]ConfigMCU), nil
	}

	var env envelope[queryResult[configfileObjects]]
	if err := c.get(ctx, "/printer/objects/query?configfile", &env); err != nil {
		return nil, err
	}
	out := make(map[string]ConfigMCU)
	for section, settings := range env.Result.Status.Configfile.Settings {
		if !IsMCUObject(section) {
			continue
		}
		cfg := ConfigMCU{}
		if s, ok := settings["serial"].(string); ok {
			cfg.Serial = s
		}
		if u, ok := settings["canbus_uuid"].(string); ok {
			cfg.CANBusUUID = strings.ToLower(u)
		}
		out[section] = cfg
	}
	c.cache.SetDefault(cacheKeyConfig, out)
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("moonraker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("moonraker returned status %d for %s", resp.StatusCode, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode moonraker response: %w", err)
	}
	c.log.Debug().Str("path", path).Msg("Moonraker query ok")
	return nil
}

// IsMCUObject matches "mcu" and "mcu <name>".
func IsMCUObject(name string) bool {
	return name == "mcu" || strings.HasPrefix(name, "mcu ")
}

// NormalizeName maps "mcu" to "main" and "mcu nhk" to "nhk".
func NormalizeName(object string) string {
	if object == "mcu" {
		return "main"
	}
	return strings.TrimPrefix(object, "mcu ")
}

// SerialMap returns mcu section to serial path, skipping sections without one.
func SerialMap(cfg map[string]ConfigMCU) map[string]string {
	out := make(map[string]string)
	for section, m := range cfg {
		if m.Serial != "" {
			out[section] = m.Serial
		}
	}
	return out
}

// CANBusMap returns canbus_uuid to mcu section.
func CANBusMap(cfg map[string]ConfigMCU) map[string]string {
	out := make(map[string]string)
	for section, m := range cfg {
		if m.CANBusUUID != "" {
			out[m.CANBusUUID] = section
		}
	}
	return out
}
