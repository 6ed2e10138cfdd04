// Package cmd provides CLI commands for the dictum binary.
package cmd

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dictum/cli/config"
	"github.com/pithecene-io/dictum/runtime"
)

// Shared flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// ConfigFlag points at the dictum.yaml file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to dictum.yaml",
		Value:   "dictum.yaml",
		EnvVars: []string{"DICTUM_CONFIG"},
	}
)

// OutputFlags returns the shared output flags.
func OutputFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
	}
}

// PipelineFlags returns the flags of commands that load dictum.yaml.
func PipelineFlags() []cli.Flag {
	return append([]cli.Flag{ConfigFlag}, OutputFlags()...)
}

// loadConfig reads the config named by --config. Failures exit with the
// config exit code.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.Exit(err.Error(), runtime.ExitCodeConfig)
	}
	return cfg, nil
}

// usageError reports invalid flag combinations with the config exit code.
func usageError(format string, args ...any) error {
	return cli.Exit(fmt.Sprintf(format, args...), runtime.ExitCodeConfig)
}

// isStderrTTY reports whether progress lines should be printed.
func isStderrTTY() bool {
	return isatty.IsTerminal(os.Stderr.Fd())
}
