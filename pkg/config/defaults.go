package config

import "time"

const (
	defaultBaseURL         = "https://tc.tencentdi.com"
	defaultAPIPrefix       = "/llm-internet-access"
	defaultCompletionsPath = "/chain/chatbot/completions"
	defaultModel           = "LILY"
	defaultTimeout         = 5 * time.Minute
	defaultIdleTimeout     = 5 * time.Second

	defaultRelayListen = ":8090"
	defaultRelayFormat = "ndjson"

	defaultClientRelayTarget = "http://localhost:8090"

	defaultTelemetryProvider  = "nop"
	defaultTelemetryTopic     = "chatwire.stream"
	defaultTelemetryWorkers   = 3
	defaultTelemetryQueueSize = 256
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Client: ClientConfig{
			BaseURL:         defaultBaseURL,
			APIPrefix:       defaultAPIPrefix,
			CompletionsPath: defaultCompletionsPath,
			Model:           defaultModel,
			Timeout:         Duration(defaultTimeout),
			IdleTimeout:     Duration(defaultIdleTimeout),
			RelayTarget:     defaultClientRelayTarget,
		},
		Relay: RelayConfig{
			Listen: defaultRelayListen,
			Format: defaultRelayFormat,
		},
		Telemetry: TelemetryConfig{
			Provider:  defaultTelemetryProvider,
			Topic:     defaultTelemetryTopic,
			Workers:   defaultTelemetryWorkers,
			QueueSize: defaultTelemetryQueueSize,
		},
	}
}

// KnownModels lists the models the upstream is known to serve, default first.
func KnownModels() []string {
	return []string{defaultModel, "gpt-4o", "claude-3-5-sonnet-20240620", "moonshot-v1-32k"}
}
