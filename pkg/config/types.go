package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config represents the persistent chatwire configuration stored as
// config.toml in the .chatwire/ directory. The TOML layout uses sections for
// logical grouping.
type Config struct {
	Version   int             `toml:"version"`
	Client    ClientConfig    `toml:"client"`
	Relay     RelayConfig     `toml:"relay"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// ClientConfig holds the upstream chat API settings used by chatwire chat
// and by the relay.
type ClientConfig struct {
	BaseURL         string   `toml:"base_url,omitempty"`
	APIPrefix       string   `toml:"api_prefix,omitempty"`
	CompletionsPath string   `toml:"completions_path,omitempty"`
	Model           string   `toml:"model,omitempty"`
	APIKey          string   `toml:"api_key,omitempty"`
	UserID          string   `toml:"user_id,omitempty"`
	Timeout         Duration `toml:"timeout,omitempty"`
	IdleTimeout     Duration `toml:"idle_timeout,omitempty"`

	// RelayTarget is the relay chatwire chat talks to with --relay.
	// Full URL (scheme + host + port).
	RelayTarget string `toml:"relay_target,omitempty"`
}

// RelayConfig holds relay server settings.
type RelayConfig struct {
	Listen string `toml:"listen,omitempty"`
	Format string `toml:"format,omitempty"`
}

// TelemetryConfig selects where stream telemetry events go.
type TelemetryConfig struct {
	// Provider is one of "nop", "log" or "kafka".
	Provider  string   `toml:"provider,omitempty"`
	Brokers   []string `toml:"brokers,omitempty"`
	Topic     string   `toml:"topic,omitempty"`
	Workers   uint     `toml:"workers,omitempty"`
	QueueSize uint     `toml:"queue_size,omitempty"`

	// ChunkRate caps stream_chunk_received events per second. 0 disables the cap.
	ChunkRate float64 `toml:"chunk_rate,omitempty"`
}

// Duration is a time.Duration written to TOML as a string such as "5m".
type Duration time.Duration

func (d Duration) String() string {
	if d == 0 {
		return ""
	}
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func stringKey(field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

func durationKey(name string, field func(c *Config) *Duration) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return field(c).String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*field(c) = Duration(d)
			return nil
		},
	}
}

func uintKey(name string, field func(c *Config) *uint) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(*field(c)), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*field(c) = uint(n)
			return nil
		},
	}
}

// keyOrder lists the keys in config.toml section order.
var keyOrder = []string{
	"client.base_url",
	"client.api_prefix",
	"client.completions_path",
	"client.model",
	"client.api_key",
	"client.user_id",
	"client.timeout",
	"client.idle_timeout",
	"client.relay_target",
	"relay.listen",
	"relay.format",
	"telemetry.provider",
	"telemetry.brokers",
	"telemetry.topic",
	"telemetry.workers",
	"telemetry.queue_size",
	"telemetry.chunk_rate",
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"client.base_url":         stringKey(func(c *Config) *string { return &c.Client.BaseURL }),
	"client.api_prefix":       stringKey(func(c *Config) *string { return &c.Client.APIPrefix }),
	"client.completions_path": stringKey(func(c *Config) *string { return &c.Client.CompletionsPath }),
	"client.model":            stringKey(func(c *Config) *string { return &c.Client.Model }),
	"client.api_key":          stringKey(func(c *Config) *string { return &c.Client.APIKey }),
	"client.user_id":          stringKey(func(c *Config) *string { return &c.Client.UserID }),
	"client.timeout":          durationKey("client.timeout", func(c *Config) *Duration { return &c.Client.Timeout }),
	"client.idle_timeout":     durationKey("client.idle_timeout", func(c *Config) *Duration { return &c.Client.IdleTimeout }),
	"client.relay_target":     stringKey(func(c *Config) *string { return &c.Client.RelayTarget }),

	"relay.listen": stringKey(func(c *Config) *string { return &c.Relay.Listen }),
	"relay.format": {
		get: func(c *Config) string { return c.Relay.Format },
		set: func(c *Config, v string) error {
			switch v {
			case "ndjson", "sse":
				c.Relay.Format = v
				return nil
			}
			return fmt.Errorf("invalid value for relay.format: %q (expected ndjson or sse)", v)
		},
	},

	"telemetry.provider": {
		get: func(c *Config) string { return c.Telemetry.Provider },
		set: func(c *Config, v string) error {
			switch v {
			case "nop", "log", "kafka":
				c.Telemetry.Provider = v
				return nil
			}
			return fmt.Errorf("invalid value for telemetry.provider: %q (expected nop, log or kafka)", v)
		},
	},
	"telemetry.brokers": {
		get: func(c *Config) string { return strings.Join(c.Telemetry.Brokers, ",") },
		set: func(c *Config, v string) error { c.Telemetry.Brokers = SplitList(v); return nil },
	},
	"telemetry.topic":      stringKey(func(c *Config) *string { return &c.Telemetry.Topic }),
	"telemetry.workers":    uintKey("telemetry.workers", func(c *Config) *uint { return &c.Telemetry.Workers }),
	"telemetry.queue_size": uintKey("telemetry.queue_size", func(c *Config) *uint { return &c.Telemetry.QueueSize }),
	"telemetry.chunk_rate": {
		get: func(c *Config) string {
			if c.Telemetry.ChunkRate == 0 {
				return ""
			}
			return strconv.FormatFloat(c.Telemetry.ChunkRate, 'f', -1, 64)
		},
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for telemetry.chunk_rate: %w", err)
			}
			c.Telemetry.ChunkRate = f
			return nil
		},
	},
}

// SplitList splits a comma or whitespace separated list, dropping empty items.
func SplitList(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}
