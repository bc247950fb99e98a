// Package initcmder provides the init command for initializing a local
// .chatwire directory in the current working directory.
package initcmder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatwire/pkg/cliui"
	"github.com/papercomputeco/chatwire/pkg/config"
)

const (
	dirName = ".chatwire"

	remoteTimeout = 30 * time.Second
	maxRemoteSize = 1 << 20
)

const initLongDesc string = `Initialize a new .chatwire/ directory in the current working directory.

Creates a local .chatwire/ directory that takes precedence over the default
~/.chatwire/ directory for configuration and the saved conversation.
A config.toml with default values is written unless one already exists.

--preset writes config.toml for a named upstream environment
(development, testing, production) or fetches one from an http(s) URL.
An existing config.toml is overwritten.

Examples:
  chatwire init
  chatwire init --preset production
  chatwire init --preset https://example.com/chatwire/config.toml`

const initShortDesc string = "Initialize a local .chatwire/ directory"

type initCommander struct {
	preset string
	out    io.Writer
}

func NewInitCmd() *cobra.Command {
	cmder := &initCommander{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: initShortDesc,
		Long:  initLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmder.out = cmd.OutOrStdout()
			return cmder.run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&cmder.preset, "preset", "",
		fmt.Sprintf("Preset name (%s) or URL of a config.toml", strings.Join(config.ValidPresetNames(), ", ")))

	return cmd
}

func (c *initCommander) run(ctx context.Context) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	dir := filepath.Join(cwd, dirName)
	info, err := os.Stat(dir)
	existed := err == nil && info.IsDir()

	if !existed {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating .chatwire directory: %w", err)
		}
	}

	cfg, err := c.presetConfig(ctx)
	if err != nil {
		return err
	}

	cfger, err := config.NewConfiger(dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	_, statErr := os.Stat(cfger.GetTarget())
	switch {
	case cfg != nil:
		if err := cfger.SaveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "  %s Wrote %s preset to %s\n", cliui.SuccessMark, cliui.NameStyle.Render(c.preset), cfger.GetTarget())
	case errors.Is(statErr, os.ErrNotExist):
		if err := cfger.SaveConfig(config.NewDefaultConfig()); err != nil {
			return err
		}
	}

	if existed {
		fmt.Fprintf(c.out, "Already initialized: %s\n", dir)
		return nil
	}
	fmt.Fprintf(c.out, "Initialized .chatwire directory: %s\n", dir)
	return nil
}

// presetConfig resolves --preset. It returns nil when no preset was given.
func (c *initCommander) presetConfig(ctx context.Context) (*config.Config, error) {
	switch {
	case c.preset == "":
		return nil, nil
	case strings.HasPrefix(c.preset, "http://"), strings.HasPrefix(c.preset, "https://"):
		return fetchRemoteConfig(ctx, c.preset)
	default:
		return config.PresetConfig(c.preset)
	}
}

func fetchRemoteConfig(ctx context.Context, url string) (*config.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching remote config: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteSize))
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}

	cfg, err := config.ParseConfigTOML(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
