package configcmder

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatwire/pkg/cliui"
	"github.com/papercomputeco/chatwire/pkg/config"
)

const listLongDesc string = `List all configuration values.

Shows every key in config.toml section order with defaults filled in.
The API key is redacted; use "chatwire config get client.api_key" to read it.

Examples:
  chatwire config list`

const listShortDesc string = "List all configuration values"

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: listShortDesc,
		Long:  listLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newConfigCommander(cmd)
			if err != nil {
				return err
			}
			return c.list()
		},
	}
}

func (c *configCommander) list() error {
	keys := config.ValidConfigKeys()
	width := 0
	for _, k := range keys {
		width = max(width, len(k))
	}

	for _, key := range keys {
		value, err := c.cfger.GetConfigValue(key)
		if err != nil {
			return err
		}
		if value != "" && key != "client.api_key" {
			value = fmt.Sprintf("%q", value)
		}
		fmt.Fprintf(c.out, "  %s  %s\n", cliui.KeyStyle.Render(fmt.Sprintf("%-*s", width, key)), display(key, value))
	}
	fmt.Fprintln(c.out)
	return nil
}
