package configcmder

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatwire/pkg/cliui"
)

const setLongDesc string = `Set a configuration value.

Validates the value and writes it to config.toml. Durations use Go syntax
("30s", "5m"), lists are comma separated. The stored form is echoed back,
so "90s" is reported as "1m30s".

Examples:
  chatwire config set client.base_url https://chat.example.com
  chatwire config set client.idle_timeout 10s
  chatwire config set relay.format sse
  chatwire config set telemetry.provider kafka`

const setShortDesc string = "Set a configuration value"

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "set <key> <value>",
		Short:             setShortDesc,
		Long:              setLongDesc,
		Args:              keyArgs(2),
		ValidArgsFunction: keyCompletion,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newConfigCommander(cmd)
			if err != nil {
				return err
			}
			return c.set(args[0], args[1])
		},
	}
}

func (c *configCommander) set(key, value string) error {
	if err := c.cfger.SetConfigValue(key, value); err != nil {
		return err
	}

	stored, err := c.cfger.GetConfigValue(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "  %s Set %s = %s\n\n", cliui.SuccessMark, cliui.KeyStyle.Render(key), display(key, stored))
	return nil
}
