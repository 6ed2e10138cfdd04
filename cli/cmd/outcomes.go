package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dictum/cli/config"
	"github.com/pithecene-io/dictum/cli/render"
	"github.com/pithecene-io/dictum/lode"
	"github.com/pithecene-io/dictum/runtime"
	"github.com/pithecene-io/dictum/types"
)

// storeFlags select a consultation store without a full dictum.yaml.
func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "store-path",
			Usage:    "Store location (lode fs: directory, lode s3: bucket/prefix, sqlite: file)",
			Required: true,
			EnvVars:  []string{"DICTUM_STORE_PATH"},
		},
		&cli.StringFlag{
			Name:  "store-backend",
			Usage: "Store backend: lode or sqlite",
			Value: "lode",
		},
		&cli.StringFlag{
			Name:  "lode",
			Usage: "Lode storage backend: fs or s3",
			Value: "fs",
		},
		&cli.StringFlag{
			Name:  "dataset",
			Usage: "Lode dataset ID",
			Value: lode.DefaultDataset,
		},
		&cli.StringFlag{
			Name:  "s3-region",
			Usage: "AWS region for the s3 backend (optional, uses default chain)",
		},
		&cli.StringFlag{
			Name:  "s3-endpoint",
			Usage: "Custom S3 endpoint for S3-compatible providers",
		},
		&cli.BoolFlag{
			Name:  "s3-path-style",
			Usage: "Force path-style S3 addressing",
		},
	}
}

// openStore opens only the consultation store named by the store flags.
func openStore(c *cli.Context) (*pipeline, error) {
	cfg := config.Defaults()
	cfg.Store = config.StoreConfig{
		Backend:     c.String("store-backend"),
		Lode:        c.String("lode"),
		Dataset:     c.String("dataset"),
		Path:        c.String("store-path"),
		Region:      c.String("s3-region"),
		Endpoint:    c.String("s3-endpoint"),
		S3PathStyle: c.Bool("s3-path-style"),
	}
	switch cfg.Store.Backend {
	case "lode", "sqlite":
	default:
		return nil, usageError("invalid --store-backend: %q (must be lode or sqlite)", cfg.Store.Backend)
	}

	p := &pipeline{cfg: cfg}
	if err := p.openStore(c.Context); err != nil {
		return nil, cli.Exit(err.Error(), runtime.ExitCodeConfig)
	}
	return p, nil
}

// OutcomesCommand returns the outcomes command.
func OutcomesCommand() *cli.Command {
	return &cli.Command{
		Name:  "outcomes",
		Usage: "List persisted consultation outcomes",
		Flags: append(append(OutputFlags(), storeFlags()...),
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status: processing, completed, failed",
			},
			&cli.StringFlag{
				Name:  "id",
				Usage: "Show a single consultation",
			},
		),
		Action: outcomesAction,
	}
}

func parseStatus(s string) (types.OutcomeStatus, error) {
	switch status := types.OutcomeStatus(strings.ToLower(s)); status {
	case "", types.OutcomeProcessing, types.OutcomeCompleted, types.OutcomeFailed:
		return status, nil
	default:
		return "", fmt.Errorf("invalid status: %q (must be processing, completed, or failed)", s)
	}
}

func outcomesAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError("%v", err)
	}
	status, err := parseStatus(c.String("status"))
	if err != nil {
		return usageError("%v", err)
	}

	p, err := openStore(c)
	if err != nil {
		return err
	}
	defer p.Close()

	if id := c.String("id"); id != "" {
		o, err := p.store.Get(c.Context, id)
		if err != nil {
			return fmt.Errorf("get consultation %s: %w", id, err)
		}
		return r.Render(o)
	}

	outcomes, err := p.store.List(c.Context, status)
	if err != nil {
		return fmt.Errorf("list consultations: %w", err)
	}
	return r.Render(outcomes)
}

// ReconcileCommand returns the reconcile command, which completes a
// processing consultation after the summary arrived out of band.
func ReconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Complete a processing consultation with its transcription and summary",
		Flags: append(append(OutputFlags(), storeFlags()...),
			&cli.StringFlag{
				Name:     "id",
				Usage:    "Consultation ID",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "transcription",
				Usage: "Transcription text, or @path to read it from a file",
			},
			&cli.StringFlag{
				Name:     "summary",
				Usage:    "Summary text, or @path to read it from a file",
				Required: true,
			},
		),
		Action: reconcileAction,
	}
}

func reconcileAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError("%v", err)
	}
	transcription, err := textArg(c.String("transcription"))
	if err != nil {
		return usageError("--transcription: %v", err)
	}
	summary, err := textArg(c.String("summary"))
	if err != nil {
		return usageError("--summary: %v", err)
	}

	p, err := openStore(c)
	if err != nil {
		return err
	}
	defer p.Close()

	o, err := runtime.Reconcile(c.Context, p.store, c.String("id"), transcription, summary)
	if err != nil {
		if errors.Is(err, runtime.ErrNotProcessing) {
			return cli.Exit(err.Error(), runtime.ExitCodeError)
		}
		return err
	}
	return r.Render(o)
}

// textArg returns s, or the contents of the file when s starts with @.
func textArg(s string) (string, error) {
	path, ok := strings.CutPrefix(s, "@")
	if !ok {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// StatsCommand returns the stats command: the latest metrics record written
// by record sessions to a lode dataset.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show the latest session metrics",
		Flags: append(append(OutputFlags(), storeFlags()...),
			&cli.StringFlag{
				Name:  "host",
				Usage: "Only consider records written by this host",
			},
		),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError("%v", err)
	}
	if c.String("store-backend") != "lode" {
		return usageError("stats requires the lode store backend")
	}

	p, err := openStore(c)
	if err != nil {
		return err
	}
	defer p.Close()

	rec, err := lode.QueryLatestMetrics(c.Context, p.outcomes.Dataset(), c.String("host"))
	if err != nil {
		if errors.Is(err, lode.ErrNoMetricsFound) {
			return cli.Exit(err.Error(), runtime.ExitCodeError)
		}
		return err
	}
	return r.Render(rec)
}
