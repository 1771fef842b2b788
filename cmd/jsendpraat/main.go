// Package main provides the jsendpraat CLI entrypoint.
//
// The bridge relays requests from browser extension pages to a single
// native Praat host process and routes the host's replies back.
//
// Usage:
//
//	jsendpraat <command> [subcommand] [options]
//
// Exit codes for `serve` and `send`:
//   - 0: success
//   - 1: host failure (non-zero status code, error reply, crash)
//   - 2: host unavailable or rejected as too old
//   - 3: usage or configuration error
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/nzilbb/jsendpraat/cli/cmd"
	"github.com/nzilbb/jsendpraat/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "jsendpraat",
		Usage:          "Browser to Praat bridge",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.SendCommand(),
			cmd.StatusCommand(),
			cmd.JournalCommand(),
			cmd.DebugCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// exitErrHandler prints err and exits with its code.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	msg, code := exitStatus(err)
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}

// exitStatus maps err to the message to print and the process exit code.
// cli.Exit("", N) prints nothing; any error that is not a cli.ExitCoder
// exits 1.
func exitStatus(err error) (string, int) {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return msg, code
	}
	return fmt.Sprintf("Error: %v", err), 1
}
