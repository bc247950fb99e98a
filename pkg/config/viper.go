package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/papercomputeco/chatwire/pkg/dotdir"
)

// EnvPrefix prefixes every environment override, e.g. CHATWIRE_CLIENT_MODEL.
const EnvPrefix = "CHATWIRE"

// InitViper returns a viper instance resolving keys in this order:
//
//  1. CLI flags, once bound with BindRegisteredFlags
//  2. CHATWIRE_* environment variables (CHATWIRE_RELAY_LISTEN for relay.listen)
//  3. config.toml in the resolved .chatwire directory
//  4. NewDefaultConfig
//
// A missing config.toml is not an error.
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()
	setViperDefaults(v)

	dir, err := dotdir.NewManager().Target(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	v.SetConfigName("config")
	v.SetConfigType("toml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers every key's default in its string form; viper
// casts on read, so GetDuration and GetUint see the typed values.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()
	v.SetDefault("version", d.Version)
	for _, key := range keyOrder {
		v.SetDefault(key, configKeys[key].get(d))
	}
}

// StringList reads key as a list. Entries are split on commas so a TOML
// list, a flag and an environment variable all yield the same result.
func StringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		out = append(out, SplitList(item)...)
	}
	return out
}

// IdleTimeout returns client.idle_timeout for a stream. A configured 0
// disables the watchdog and is returned as -1.
func IdleTimeout(v *viper.Viper) time.Duration {
	d := v.GetDuration("client.idle_timeout")
	if d == 0 {
		return -1
	}
	return d
}
