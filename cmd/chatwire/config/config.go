// Package configcmder provides the config command for managing persistent
// chatwire configuration stored in the .chatwire/ directory.
package configcmder

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatwire/pkg/cliui"
	"github.com/papercomputeco/chatwire/pkg/config"
)

const configLongDesc string = `Manage persistent chatwire configuration.

Configuration is stored as config.toml in the .chatwire/ directory and provides
default values for command flags. CLI flags and CHATWIRE_* environment
variables take precedence over config file values.

Keys use dotted notation matching the TOML section structure:
  client.base_url, client.api_prefix, client.completions_path,
  client.model, client.api_key, client.user_id,
  client.timeout, client.idle_timeout, client.relay_target,
  relay.listen, relay.format,
  telemetry.provider, telemetry.brokers, telemetry.topic,
  telemetry.workers, telemetry.queue_size, telemetry.chunk_rate

Use subcommands to get, set, or list configuration values:
  chatwire config set <key> <value>    Set a configuration value
  chatwire config get <key>            Get a configuration value
  chatwire config list                 List all configuration values

Examples:
  chatwire config set client.model gpt-4o
  chatwire config set telemetry.brokers kafka-1:9092,kafka-2:9092
  chatwire config get client.idle_timeout
  chatwire config list`

const configShortDesc string = "Manage persistent chatwire configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}

// configCommander carries what every config subcommand needs.
type configCommander struct {
	out   io.Writer
	cfger *config.Configer
}

// newConfigCommander resolves the config file for cmd and prints where it is.
func newConfigCommander(cmd *cobra.Command) (*configCommander, error) {
	configDir, _ := cmd.Flags().GetString("config-dir")
	cfger, err := config.NewConfiger(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	c := &configCommander{out: cmd.OutOrStdout(), cfger: cfger}
	if target := cfger.GetTarget(); target != "" {
		fmt.Fprintf(c.out, "\n  %s\n\n", cliui.KeyValue("Config file", target))
	} else {
		fmt.Fprintf(c.out, "\n  %s\n\n", cliui.DimStyle.Render("No config file found. Using defaults."))
	}
	return c, nil
}

// keyArgs validates that the first argument is a known config key.
func keyArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return err
		}
		if !config.IsValidConfigKey(args[0]) {
			return fmt.Errorf("unknown config key: %q\n\nValid keys: %s",
				args[0], strings.Join(config.ValidConfigKeys(), ", "))
		}
		return nil
	}
}

// keyCompletion completes the first argument with the valid config keys.
func keyCompletion(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return config.ValidConfigKeys(), cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

// display renders a value for output, hiding secrets.
func display(key, value string) string {
	switch {
	case value == "":
		return cliui.DimStyle.Render("<not set>")
	case key == "client.api_key":
		return cliui.DimStyle.Render("<redacted>")
	default:
		return cliui.ValueStyle.Render(value)
	}
}
