// Package main provides the dictum CLI entrypoint.
//
// Usage:
//
//	dictum <command> [options]
//
// Exit codes for record and recover:
//   - 0: consultation saved as completed
//   - 1: pipeline error
//   - 2: invalid configuration or arguments
//   - 3: summary still processing
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dictum/cli/cmd"
	"github.com/pithecene-io/dictum/runtime"
	"github.com/pithecene-io/dictum/types"
)

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(runtime.ExitCodeError)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "dictum",
		Usage:          "Record consultations and deliver them for transcription and summary",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RecordCommand(),
			cmd.RecoverCommand(),
			cmd.BackupsCommand(),
			cmd.OutcomesCommand(),
			cmd.ReconcileCommand(),
			cmd.StatsCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	code, msg := exitStatus(err)
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}

// exitStatus maps an action error to the process exit code and the message
// to print. cli.Exit("", n) carries no message.
func exitStatus(err error) (int, string) {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return code, msg
	}
	return runtime.ExitCodeError, fmt.Sprintf("Error: %v", err)
}
