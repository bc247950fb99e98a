package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/papercomputeco/chatwire/pkg/dotdir"
)

const (
	configFile = "config.toml"

	// CurrentV is the config.toml layout version this build reads and writes.
	CurrentV = 0
)

// Configer loads and saves config.toml in a resolved .chatwire/ directory.
type Configer struct {
	path string
}

// NewConfiger resolves the .chatwire/ directory, preferring override when set.
// Without a directory the Configer loads defaults and refuses to save.
func NewConfiger(override string) (*Configer, error) {
	dir, err := dotdir.NewManager().Target(override)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return &Configer{}, nil
	}

	path := filepath.Join(dir, configFile)
	if _, err := os.Stat(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return &Configer{path: path}, nil
}

// GetTarget returns the config.toml path, or "" when no directory resolved.
func (c *Configer) GetTarget() string {
	return c.path
}

// ValidConfigKeys returns every supported key in config.toml section order.
func ValidConfigKeys() []string {
	return slices.Clone(keyOrder)
}

func IsValidConfigKey(key string) bool {
	_, ok := configKeys[key]
	return ok
}

// LoadConfig reads config.toml. A missing file yields NewDefaultConfig();
// keys absent from the file keep their defaults.
func (c *Configer) LoadConfig() (*Config, error) {
	if c.path == "" {
		return NewDefaultConfig(), nil
	}

	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewDefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := ParseConfigTOML(data)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults copies the default of every key that is unset in cfg.
func applyDefaults(cfg *Config) {
	defaults := NewDefaultConfig()
	if cfg.Version == 0 {
		cfg.Version = defaults.Version
	}
	for _, key := range keyOrder {
		info := configKeys[key]
		if info.get(cfg) != "" {
			continue
		}
		if def := info.get(defaults); def != "" {
			// Defaults always pass their own validation.
			_ = info.set(cfg, def)
		}
	}
}

// SaveConfig writes cfg to config.toml. The file is replaced atomically and
// is only readable by the owner, since it may hold an API key.
func (c *Configer) SaveConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("cannot save nil config")
	}
	if c.path == "" {
		return errors.New("cannot save empty target path")
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// SetConfigValue validates value for key and saves it.
func (c *Configer) SetConfigValue(key, value string) error {
	info, err := lookup(key)
	if err != nil {
		return err
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		return err
	}
	if err := info.set(cfg, value); err != nil {
		return err
	}
	return c.SaveConfig(cfg)
}

// GetConfigValue returns the string form of key, defaults applied.
func (c *Configer) GetConfigValue(key string) (string, error) {
	info, err := lookup(key)
	if err != nil {
		return "", err
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		return "", err
	}
	return info.get(cfg), nil
}

func lookup(key string) (configKeyInfo, error) {
	info, ok := configKeys[key]
	if !ok {
		return configKeyInfo{}, fmt.Errorf("unknown config key: %q", key)
	}
	return info, nil
}

// presetPrefixes maps each upstream environment to its API prefix.
var presetPrefixes = map[string]string{
	"development": "/llm-internet-access",
	"testing":     "/llm-internet-access",
	"production":  "/llm-internet-access-prod",
}

// PresetConfig returns the default Config pointed at the named upstream
// environment.
func PresetConfig(name string) (*Config, error) {
	prefix, ok := presetPrefixes[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown preset: %q (available: %s)", name, strings.Join(ValidPresetNames(), ", "))
	}

	cfg := NewDefaultConfig()
	cfg.Client.APIPrefix = prefix
	return cfg, nil
}

func ValidPresetNames() []string {
	return []string{"development", "testing", "production"}
}

// ParseConfigTOML decodes a config.toml document, rejecting layouts newer
// than CurrentV.
func ParseConfigTOML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config TOML: %w", err)
	}
	if cfg.Version != CurrentV {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentV)
	}
	return cfg, nil
}
