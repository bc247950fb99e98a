// Package versioncmder
package versioncmder

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatwire/pkg/utils"
)

// BuildInfo is what the version command reports.
type BuildInfo struct {
	Version   string `json:"version"`
	Sha       string `json:"sha"`
	Buildtime string `json:"buildtime"`
	Go        string `json:"go"`
}

type versionCommander struct {
	asJSON bool
	out    io.Writer
}

func NewVersionCmd() *cobra.Command {
	cmder := &versionCommander{}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "displays version",
		Long:  "displays the version of this CLI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmder.out = cmd.OutOrStdout()
			return cmder.run()
		},
	}
	cmd.Flags().BoolVar(&cmder.asJSON, "json", false, "Print the build info as JSON")

	return cmd
}

func (c *versionCommander) run() error {
	info := BuildInfo{
		Version:   utils.Version,
		Sha:       utils.Sha,
		Buildtime: utils.Buildtime,
		Go:        runtime.Version(),
	}

	if c.asJSON {
		return json.NewEncoder(c.out).Encode(info)
	}
	_, err := fmt.Fprintf(c.out, "Version: %s\nSha: %s\nBuilt at: %s\nGo: %s\n",
		info.Version, info.Sha, info.Buildtime, info.Go)
	return err
}
