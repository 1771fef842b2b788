package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/nzilbb/jsendpraat/cli/render"
	"github.com/nzilbb/jsendpraat/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version        string `json:"version" yaml:"version"`
	Commit         string `json:"commit" yaml:"commit"`
	MinHostVersion string `json:"min_host_version" yaml:"min_host_version"`
}

// VersionCommand returns the version command.
// It reports the bridge build and the oldest host it accepts. It must not
// start a host.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}

		// TUI not supported for version command
		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for version command", exitUsage)
		}

		return r.Render(VersionResponse{
			Version:        types.Version,
			Commit:         commit,
			MinHostVersion: types.MinHostVersion,
		})
	}
}
