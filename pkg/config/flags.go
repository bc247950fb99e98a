package config

import (
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flag describes one CLI flag and the config key it overrides. The same
// logical flag (--base-url on both "chatwire chat" and "chatwire relay")
// is declared once here and registered by key on every command using it.
type Flag struct {
	Name      string
	Shorthand string

	// ViperKey is the dotted config key, e.g. "client.base_url". The flag
	// default is read from NewDefaultConfig through this key.
	ViperKey string

	Description string
}

// FlagSet maps registry keys to flag definitions.
type FlagSet map[string]Flag

// Registry keys accepted by the Add*Flag helpers and BindRegisteredFlags.
const (
	FlagBaseURL           = "base-url"
	FlagAPIPrefix         = "api-prefix"
	FlagModel             = "model"
	FlagAPIKey            = "api-key"
	FlagUserID            = "user-id"
	FlagIdleTimeout       = "idle-timeout"
	FlagRelayTarget       = "relay-target"
	FlagRelayListen       = "listen"
	FlagRelayFormat       = "format"
	FlagTelemetryProvider = "telemetry"
	FlagTelemetryBrokers  = "kafka-brokers"
	FlagTelemetryTopic    = "kafka-topic"
	FlagTelemetryWorkers  = "telemetry-workers"
)

// Flags is the registry of every chatwire CLI flag.
var Flags = FlagSet{
	FlagBaseURL:           {Name: "base-url", ViperKey: "client.base_url", Description: "Upstream chat API origin"},
	FlagAPIPrefix:         {Name: "api-prefix", ViperKey: "client.api_prefix", Description: "Path prefix between the origin and the completions path"},
	FlagModel:             {Name: "model", Shorthand: "m", ViperKey: "client.model", Description: "Model to chat with"},
	FlagAPIKey:            {Name: "api-key", ViperKey: "client.api_key", Description: "Bearer token for the upstream API"},
	FlagUserID:            {Name: "user-id", ViperKey: "client.user_id", Description: "User id attached to telemetry"},
	FlagIdleTimeout:       {Name: "idle-timeout", ViperKey: "client.idle_timeout", Description: "Report a stalled stream after this long without a chunk (0 disables)"},
	FlagRelayTarget:       {Name: "relay-target", ViperKey: "client.relay_target", Description: "Relay server URL used with --relay"},
	FlagRelayListen:       {Name: "listen", Shorthand: "l", ViperKey: "relay.listen", Description: "Address for the relay server to listen on"},
	FlagRelayFormat:       {Name: "format", Shorthand: "f", ViperKey: "relay.format", Description: "Relay output format: ndjson or sse"},
	FlagTelemetryProvider: {Name: "telemetry", ViperKey: "telemetry.provider", Description: "Telemetry sink: nop, log or kafka"},
	FlagTelemetryBrokers:  {Name: "kafka-brokers", ViperKey: "telemetry.brokers", Description: "Comma separated Kafka bootstrap brokers"},
	FlagTelemetryTopic:    {Name: "kafka-topic", ViperKey: "telemetry.topic", Description: "Kafka topic for telemetry events"},
	FlagTelemetryWorkers:  {Name: "telemetry-workers", ViperKey: "telemetry.workers", Description: "Number of telemetry publishing workers"},
}

// flagDefaults holds NewDefaultConfig in viper form for flag defaults.
var flagDefaults = sync.OnceValue(func() *viper.Viper {
	v := viper.New()
	setViperDefaults(v)
	return v
})

// AddStringFlag registers the string flag fs[key] on cmd, bound to target.
func AddStringFlag(cmd *cobra.Command, fs FlagSet, key string, target *string) {
	addFlag(cmd, fs, key, func(flags *pflag.FlagSet, def Flag) {
		flags.StringVarP(target, def.Name, def.Shorthand, flagDefaults().GetString(def.ViperKey), def.Description)
	})
}

// AddUintFlag registers the uint flag fs[key] on cmd, bound to target.
func AddUintFlag(cmd *cobra.Command, fs FlagSet, key string, target *uint) {
	addFlag(cmd, fs, key, func(flags *pflag.FlagSet, def Flag) {
		flags.UintVarP(target, def.Name, def.Shorthand, flagDefaults().GetUint(def.ViperKey), def.Description)
	})
}

// AddDurationFlag registers the duration flag fs[key] on cmd, bound to target.
func AddDurationFlag(cmd *cobra.Command, fs FlagSet, key string, target *time.Duration) {
	addFlag(cmd, fs, key, func(flags *pflag.FlagSet, def Flag) {
		flags.DurationVarP(target, def.Name, def.Shorthand, flagDefaults().GetDuration(def.ViperKey), def.Description)
	})
}

// addFlag is a no-op for keys missing from fs.
func addFlag(cmd *cobra.Command, fs FlagSet, key string, register func(*pflag.FlagSet, Flag)) {
	if def, ok := fs[key]; ok {
		register(cmd.Flags(), def)
	}
}

// BindRegisteredFlags binds the flags registered on cmd under keys to their
// viper keys, putting them at the top of the precedence chain
// (flag > env > config file > default). Call it in PreRunE after InitViper.
func BindRegisteredFlags(v *viper.Viper, cmd *cobra.Command, fs FlagSet, keys []string) {
	for _, key := range keys {
		def, ok := fs[key]
		if !ok {
			continue
		}
		if f := cmd.Flags().Lookup(def.Name); f != nil {
			_ = v.BindPFlag(def.ViperKey, f)
		}
	}
}
