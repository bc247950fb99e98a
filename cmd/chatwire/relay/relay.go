// Package relaycmder provides the relay server command.
package relaycmder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papercomputeco/chatwire/pkg/client"
	"github.com/papercomputeco/chatwire/pkg/config"
	eventstreamutils "github.com/papercomputeco/chatwire/pkg/eventstream/utils"
	"github.com/papercomputeco/chatwire/pkg/logger"
	"github.com/papercomputeco/chatwire/relay"
)

var relayFlags = []string{
	config.FlagRelayListen,
	config.FlagRelayFormat,
	config.FlagBaseURL,
	config.FlagAPIPrefix,
	config.FlagModel,
	config.FlagAPIKey,
	config.FlagIdleTimeout,
	config.FlagTelemetryProvider,
	config.FlagTelemetryBrokers,
	config.FlagTelemetryTopic,
	config.FlagTelemetryWorkers,
}

type relayCommander struct {
	debug   bool
	logFile string

	listen      string
	format      string
	baseURL     string
	apiPrefix   string
	model       string
	apiKey      string
	idleTimeout time.Duration
	telemetry   string
	brokers     string
	topic       string
	workers     uint

	viper  *viper.Viper
	logger *slog.Logger
}

const relayLongDesc string = `Run the relay server.

The relay accepts chat completion requests over HTTP, forwards them to the
configured upstream and streams the reply back. Each stream is decoded on
the way through and reported to the telemetry provider.

Formats:
  ndjson   One JSON datum per line; a fatal error ends the body with an
           {"error": ...} line
  sse      The upstream Server-Sent-Events bytes, unchanged

Endpoints:
  POST /chain/chatbot/completions   Stream a completion
  GET  /healthz                     Liveness
  GET  /debug/vars                  Relay counters (expvar)

Examples:
  chatwire relay
  chatwire relay --listen :9000 --format sse
  chatwire relay --telemetry kafka --kafka-brokers localhost:9092`

const relayShortDesc string = "Run the chatwire relay server"

func NewRelayCmd() *cobra.Command {
	cmder := &relayCommander{}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: relayShortDesc,
		Long:  relayLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			v, err := config.InitViper(configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.BindRegisteredFlags(v, cmd, config.Flags, relayFlags)
			cmder.viper = v
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return cmder.run(ctx, cmd.ErrOrStderr())
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagRelayListen, &cmder.listen)
	config.AddStringFlag(cmd, config.Flags, config.FlagRelayFormat, &cmder.format)
	config.AddStringFlag(cmd, config.Flags, config.FlagBaseURL, &cmder.baseURL)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPIPrefix, &cmder.apiPrefix)
	config.AddStringFlag(cmd, config.Flags, config.FlagModel, &cmder.model)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPIKey, &cmder.apiKey)
	config.AddDurationFlag(cmd, config.Flags, config.FlagIdleTimeout, &cmder.idleTimeout)
	config.AddStringFlag(cmd, config.Flags, config.FlagTelemetryProvider, &cmder.telemetry)
	config.AddStringFlag(cmd, config.Flags, config.FlagTelemetryBrokers, &cmder.brokers)
	config.AddStringFlag(cmd, config.Flags, config.FlagTelemetryTopic, &cmder.topic)
	config.AddUintFlag(cmd, config.Flags, config.FlagTelemetryWorkers, &cmder.workers)
	cmd.Flags().StringVar(&cmder.logFile, "log-file", "", "Also write JSON logs to this file")

	return cmd
}

func (c *relayCommander) run(ctx context.Context, errOut io.Writer) error {
	log, closeLog, err := c.newLogger(errOut)
	if err != nil {
		return err
	}
	defer closeLog()
	c.logger = log

	v := c.viper
	publisher, err := eventstreamutils.NewPublisher(&eventstreamutils.NewPublisherOpts{
		ProviderType: v.GetString("telemetry.provider"),
		Brokers:      config.StringList(v, "telemetry.brokers"),
		Topic:        v.GetString("telemetry.topic"),
		Workers:      v.GetUint("telemetry.workers"),
		QueueSize:    v.GetUint("telemetry.queue_size"),
		ChunkRate:    v.GetFloat64("telemetry.chunk_rate"),
		Logger:       c.logger,
	})
	if err != nil {
		return err
	}
	// Drains queued telemetry after the server stops.
	defer publisher.Close()

	upstream, err := client.New(client.Config{
		BaseURL:         v.GetString("client.base_url"),
		APIPrefix:       v.GetString("client.api_prefix"),
		CompletionsPath: v.GetString("client.completions_path"),
		APIKey:          v.GetString("client.api_key"),
		UserID:          v.GetString("client.user_id"),
		Timeout:         v.GetDuration("client.timeout"),
		IdleTimeout:     config.IdleTimeout(v),
		Logger:          c.logger,
		Publisher:       publisher,
	})
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	r, err := relay.New(relay.Config{
		ListenAddr:   v.GetString("relay.listen"),
		Format:       v.GetString("relay.format"),
		DefaultModel: v.GetString("client.model"),
	}, upstream, c.logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	c.logger.Info("telemetry", "provider", v.GetString("telemetry.provider"))
	return r.Run(ctx)
}

// newLogger writes pretty logs to errOut and, with --log-file, JSON logs to
// the file as well.
func (c *relayCommander) newLogger(errOut io.Writer) (*slog.Logger, func(), error) {
	console := logger.New(logger.WithDebug(c.debug), logger.WithFormat(logger.FormatPretty), logger.WithWriter(errOut))
	if c.logFile == "" {
		return console, func() {}, nil
	}

	f, err := os.OpenFile(c.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	file := logger.New(logger.WithDebug(c.debug), logger.WithFormat(logger.FormatJSON), logger.WithSource(c.debug), logger.WithWriter(f))
	return logger.Multi(console, file), func() { _ = f.Close() }, nil
}
