// ABOUTME: Layered configuration for the beatwatch monitor
// ABOUTME: Defaults, optional YAML file, and BEATLINK_ environment overrides
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/harperreed/beatlink-go/pkg/devices"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix marks the environment variables that override configuration,
// e.g. BEATLINK_DEVICE_NUMBER=7.
const envPrefix = "BEATLINK_"

// defaultConfigPaths are searched in order when no config file is named.
var defaultConfigPaths = []string{
	"beatwatch.yaml",
	"beatwatch.yml",
}

// Config is the full beatwatch configuration.
type Config struct {
	Device   DeviceConfig   `koanf:"device"`
	Metadata MetadataConfig `koanf:"metadata"`
	Log      LogConfig      `koanf:"log"`
}

// DeviceConfig controls how we present ourselves on the DJ Link network.
type DeviceConfig struct {
	// Name is the device name reported in diagnostics.
	Name string `koanf:"name"`

	// Number is the device number we pose as when querying players. Real
	// players use 1 through 4, so software participants pick from 5 up.
	Number int `koanf:"number"`
}

// MetadataConfig controls the metadata finder.
type MetadataConfig struct {
	// Passive suppresses automatic network fetches; only attached caches
	// serve lookups triggered by track changes.
	Passive bool `koanf:"passive"`

	// Caches are cache archives to attach at startup.
	Caches []CacheAttachment `koanf:"caches"`
}

// CacheAttachment names a cache archive and the player slot it stands in
// for.
type CacheAttachment struct {
	Player int    `koanf:"player"`
	Slot   string `koanf:"slot"`
	Path   string `koanf:"path"`
}

// TrackSourceSlot resolves the attachment's slot name.
func (a CacheAttachment) TrackSourceSlot() (devices.TrackSourceSlot, error) {
	switch strings.ToLower(a.Slot) {
	case "usb":
		return devices.SlotUSB, nil
	case "sd":
		return devices.SlotSD, nil
	}
	return devices.SlotUnknown, fmt.Errorf("cache slot must be \"usb\" or \"sd\", got %q", a.Slot)
}

// LogConfig controls log output.
type LogConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `koanf:"level"`

	// File receives log output; stderr is used when empty.
	File string `koanf:"file"`
}

// defaultConfig supplies the values used when nothing overrides them.
func defaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Config{
		Device: DeviceConfig{
			Name:   fmt.Sprintf("%s-beatwatch", hostname),
			Number: 5,
		},
		Metadata: MetadataConfig{
			Passive: false,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load assembles the configuration from three layers, later layers
// overriding earlier ones: built-in defaults, an optional YAML file, and
// BEATLINK_ environment variables. An empty path triggers a search of the
// default locations.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load config defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyToPath), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeyToPath maps BEATLINK_DEVICE_NUMBER to device.number.
func envKeyToPath(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "_", ".")
}

// findConfigFile returns the first default config path that exists.
func findConfigFile() string {
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate rejects configurations that could not work.
func (c *Config) Validate() error {
	if c.Device.Number < 1 || c.Device.Number > 15 {
		return fmt.Errorf("device number must be between 1 and 15, got %d", c.Device.Number)
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	for _, attachment := range c.Metadata.Caches {
		if _, err := attachment.TrackSourceSlot(); err != nil {
			return err
		}
		if attachment.Player < 1 {
			return fmt.Errorf("cache attachment needs a player number, got %d", attachment.Player)
		}
		if attachment.Path == "" {
			return fmt.Errorf("cache attachment for player %d needs a path", attachment.Player)
		}
	}
	return nil
}
