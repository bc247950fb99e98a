package configcmder

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatwire/pkg/cliui"
)

const getLongDesc string = `Get a configuration value.

Prints the value config.toml holds for the key, or its default. Secrets
are printed as-is so they can be piped elsewhere.

Examples:
  chatwire config get client.model
  chatwire config get relay.format`

const getShortDesc string = "Get a configuration value"

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "get <key>",
		Short:             getShortDesc,
		Long:              getLongDesc,
		Args:              keyArgs(1),
		ValidArgsFunction: keyCompletion,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newConfigCommander(cmd)
			if err != nil {
				return err
			}
			return c.get(args[0])
		},
	}
}

func (c *configCommander) get(key string) error {
	value, err := c.cfger.GetConfigValue(key)
	if err != nil {
		return err
	}

	shown := cliui.ValueStyle.Render(value)
	if value == "" {
		shown = cliui.DimStyle.Render("<not set>")
	}
	fmt.Fprintf(c.out, "  %s  %s\n\n", cliui.KeyStyle.Render(key), shown)
	return nil
}
