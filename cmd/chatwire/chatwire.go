// Package chatwirecmder assembles the chatwire root command.
package chatwirecmder

import (
	"github.com/spf13/cobra"

	chatcmder "github.com/papercomputeco/chatwire/cmd/chatwire/chat"
	configcmder "github.com/papercomputeco/chatwire/cmd/chatwire/config"
	initcmder "github.com/papercomputeco/chatwire/cmd/chatwire/init"
	relaycmder "github.com/papercomputeco/chatwire/cmd/chatwire/relay"
	replaycmder "github.com/papercomputeco/chatwire/cmd/chatwire/replay"
	versioncmder "github.com/papercomputeco/chatwire/cmd/version"
)

const chatwireLongDesc string = `Chatwire talks to streaming chat completion APIs.

It decodes the upstream Server-Sent-Events stream into typed datums:
answer and reasoning text, plugin progress, references and session changes.

Commands:
  chatwire chat      Chat interactively with the upstream model
  chatwire relay     Serve decoded streams to other clients over HTTP
  chatwire replay    Decode a captured stream from a file
  chatwire config    Manage persistent configuration`

const chatwireShortDesc string = "Chatwire - streaming chat client and relay"

func NewChatwireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatwire",
		Short:         chatwireShortDesc,
		Long:          chatwireLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override the .chatwire/ directory")

	// Add subcommands
	cmd.AddCommand(chatcmder.NewChatCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(initcmder.NewInitCmd())
	cmd.AddCommand(relaycmder.NewRelayCmd())
	cmd.AddCommand(replaycmder.NewReplayCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
