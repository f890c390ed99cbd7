package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bleperiph/internal/gatt"
)

// Config holds all application configuration.
type Config struct {
	LogLevel        string            `yaml:"log_level"`
	Adapter         string            `yaml:"adapter"` // "native", "tinygo" or "sim"
	ChannelCapacity int               `yaml:"channel_capacity"`
	ResponseTimeout time.Duration     `yaml:"response_timeout"`
	Advertising     AdvertisingConfig `yaml:"advertising"`
	BlueZ           BlueZConfig       `yaml:"bluez"`
	Services        []ServiceConfig   `yaml:"services"`
}

// AdvertisingConfig holds advertisement settings. Services defaults to
// every configured service when empty.
type AdvertisingConfig struct {
	Name     string      `yaml:"name"`
	Services []gatt.UUID `yaml:"services,omitempty"`
}

// BlueZConfig holds Linux adapter settings.
type BlueZConfig struct {
	Adapter        string        `yaml:"adapter"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ServiceConfig describes one GATT service.
type ServiceConfig struct {
	UUID            gatt.UUID              `yaml:"uuid"`
	Primary         *bool                  `yaml:"primary,omitempty"`
	Characteristics []CharacteristicConfig `yaml:"characteristics"`
}

// CharacteristicConfig describes one characteristic. Permissions are
// derived from properties when omitted.
type CharacteristicConfig struct {
	UUID        gatt.UUID          `yaml:"uuid"`
	Properties  []string           `yaml:"properties"`
	Permissions []string           `yaml:"permissions,omitempty"`
	Value       string             `yaml:"value,omitempty"`
	ValueHex    string             `yaml:"value_hex,omitempty"`
	Descriptors []DescriptorConfig `yaml:"descriptors,omitempty"`
}

// DescriptorConfig describes one descriptor. Permissions default to
// readable.
type DescriptorConfig struct {
	UUID        gatt.UUID `yaml:"uuid"`
	Permissions []string  `yaml:"permissions,omitempty"`
	Value       string    `yaml:"value,omitempty"`
	ValueHex    string    `yaml:"value_hex,omitempty"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bleperiph")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values: one demo service
// 0x1234 holding a readable, writable, notifying characteristic 0x2A3D
// with a 0x2A13 descriptor.
func Default() *Config {
	return &Config{
		LogLevel:        "info",
		Adapter:         "native",
		ChannelCapacity: 16,
		ResponseTimeout: 10 * time.Second,
		Advertising: AdvertisingConfig{
			Name: "bleperiph",
		},
		BlueZ: BlueZConfig{
			Adapter:        "hci0",
			RequestTimeout: 25 * time.Second,
		},
		Services: []ServiceConfig{{
			UUID: gatt.UUID16(0x1234),
			Characteristics: []CharacteristicConfig{{
				UUID:       gatt.UUID16(0x2A3D),
				Properties: []string{"read", "write", "notify"},
				Value:      "Hello",
				Descriptors: []DescriptorConfig{{
					UUID:  gatt.UUID16(0x2A13),
					Value: "greeting",
				}},
			}},
		}},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults; a services list in the file replaces the demo service.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	cfg.Services = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Services == nil {
		cfg.Services = Default().Services
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Adapter {
	case "native", "tinygo", "sim":
	default:
		return fmt.Errorf("adapter must be native, tinygo, or sim, got %q", c.Adapter)
	}

	if c.ChannelCapacity < 1 {
		return fmt.Errorf("channel_capacity must be >= 1")
	}
	if c.ResponseTimeout < 0 {
		return fmt.Errorf("response_timeout must not be negative")
	}
	if c.BlueZ.RequestTimeout < 0 {
		return fmt.Errorf("bluez.request_timeout must not be negative")
	}

	if len(c.Services) == 0 {
		return fmt.Errorf("services must not be empty")
	}
	profile, err := c.Profile()
	if err != nil {
		return err
	}
	for _, id := range c.Advertising.Services {
		if _, ok := profile.Service(id); !ok {
			return fmt.Errorf("advertising.services: %s is not a configured service", id.ShortString())
		}
	}

	return nil
}

// Profile converts the services section into a validated GATT profile.
func (c *Config) Profile() (gatt.Profile, error) {
	var p gatt.Profile
	for i, sc := range c.Services {
		svc, err := sc.service()
		if err != nil {
			return gatt.Profile{}, fmt.Errorf("services[%d]: %w", i, err)
		}
		next, err := p.With(svc)
		if err != nil {
			return gatt.Profile{}, fmt.Errorf("services[%d]: %w", i, err)
		}
		p = next
	}
	return p, nil
}

// AdvertisedServices returns advertising.services, or every configured
// service when it is empty.
func (c *Config) AdvertisedServices() []gatt.UUID {
	if len(c.Advertising.Services) > 0 {
		return c.Advertising.Services
	}
	ids := make([]gatt.UUID, 0, len(c.Services))
	for _, s := range c.Services {
		ids = append(ids, s.UUID)
	}
	return ids
}

func (sc ServiceConfig) service() (gatt.Service, error) {
	svc := gatt.NewService(sc.UUID)
	if sc.Primary != nil {
		svc.Primary = *sc.Primary
	}
	for j, cc := range sc.Characteristics {
		chr, err := cc.characteristic()
		if err != nil {
			return gatt.Service{}, fmt.Errorf("characteristics[%d]: %w", j, err)
		}
		svc.Characteristics = append(svc.Characteristics, chr)
	}
	if err := svc.Validate(); err != nil {
		return gatt.Service{}, err
	}
	return svc, nil
}

func (cc CharacteristicConfig) characteristic() (gatt.Characteristic, error) {
	var props gatt.Properties
	for _, name := range cc.Properties {
		p, err := gatt.ParseProperty(name)
		if err != nil {
			return gatt.Characteristic{}, err
		}
		props |= p
	}
	if props == 0 {
		return gatt.Characteristic{}, errors.New("properties must not be empty")
	}

	chr := gatt.NewCharacteristic(cc.UUID, props)
	if len(cc.Permissions) > 0 {
		perms, err := parsePermissions(cc.Permissions)
		if err != nil {
			return gatt.Characteristic{}, err
		}
		chr.Permissions = perms
	}
	value, err := decodeValue(cc.Value, cc.ValueHex)
	if err != nil {
		return gatt.Characteristic{}, err
	}
	chr.Value = value

	for k, dc := range cc.Descriptors {
		value, err := decodeValue(dc.Value, dc.ValueHex)
		if err != nil {
			return gatt.Characteristic{}, fmt.Errorf("descriptors[%d]: %w", k, err)
		}
		d := gatt.NewDescriptor(dc.UUID, value)
		if len(dc.Permissions) > 0 {
			perms, err := parsePermissions(dc.Permissions)
			if err != nil {
				return gatt.Characteristic{}, fmt.Errorf("descriptors[%d]: %w", k, err)
			}
			d.Permissions = perms
		}
		chr.Descriptors = append(chr.Descriptors, d)
	}
	return chr, nil
}

func parsePermissions(names []string) (gatt.Permissions, error) {
	var perms gatt.Permissions
	for _, name := range names {
		p, err := gatt.ParsePermission(name)
		if err != nil {
			return 0, err
		}
		perms |= p
	}
	return perms, nil
}

// decodeValue returns the text value or the decoded hex value. Setting both
// is an error.
func decodeValue(text, hexText string) ([]byte, error) {
	switch {
	case text != "" && hexText != "":
		return nil, errors.New("value and value_hex are mutually exclusive")
	case hexText != "":
		b, err := hex.DecodeString(strings.ReplaceAll(hexText, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("value_hex: %w", err)
		}
		return b, nil
	case text != "":
		return []byte(text), nil
	}
	return nil, nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values map
// to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

const defaultHeader = `# bleperiph configuration
# adapter: native (BlueZ on Linux, CoreBluetooth on macOS), tinygo, or sim
# properties: broadcast, read, write-without-response, write, notify, indicate,
#   authenticated-signed-writes, extended-properties, notify-encryption-required,
#   indicate-encryption-required
`

// WriteDefault writes the default config to path, or to DefaultConfigPath
// when path is empty. It returns the path written, or "" when a file is
// already there.
func WriteDefault(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
