package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dictum/cli/render"
	"github.com/pithecene-io/dictum/device"
	"github.com/pithecene-io/dictum/runtime"
	"github.com/pithecene-io/dictum/spool"
	"github.com/pithecene-io/dictum/types"
)

// BackupsCommand returns the backups command.
func BackupsCommand() *cli.Command {
	return &cli.Command{
		Name:  "backups",
		Usage: "List spooled backup snapshots",
		Flags: append(OutputFlags(),
			&cli.StringFlag{
				Name:     "dir",
				Usage:    "Spool directory",
				Required: true,
				EnvVars:  []string{"DICTUM_SPOOL_DIR"},
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Only list one session",
			},
		),
		Action: backupsAction,
	}
}

func backupsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError("%v", err)
	}
	sp, err := spool.Open(c.String("dir"))
	if err != nil {
		return usageError("%v", err)
	}

	sessions := []string{c.String("session")}
	if sessions[0] == "" {
		if sessions, err = sp.Sessions(); err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
	}

	entries := []spool.Entry{}
	for _, id := range sessions {
		list, err := sp.List(id)
		if errors.Is(err, spool.ErrNoBackups) && c.String("session") == "" {
			continue
		}
		if err != nil {
			return fmt.Errorf("list backups of %s: %w", id, err)
		}
		entries = append(entries, list...)
	}
	return r.Render(entries)
}

// RecoverCommand returns the recover command, which delivers a spooled
// snapshot through upload, hand-off and persistence.
func RecoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "Deliver a spooled backup snapshot",
		Flags: append(PipelineFlags(),
			&cli.StringFlag{
				Name:  "file",
				Usage: "Backup file to deliver",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Spool directory (with --session, delivers its newest backup)",
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Session ID within --dir",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "Override the subject name stored in the backup",
			},
			&cli.BoolFlag{
				Name:  "purge",
				Usage: "Remove the session's spooled backups after a successful delivery",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress result output",
			},
		),
		Action: recoverAction,
	}
}

func recoverAction(c *cli.Context) error {
	file, dir, session := c.String("file"), c.String("dir"), c.String("session")
	switch {
	case file != "" && (dir != "" || session != ""):
		return usageError("--file cannot be combined with --dir or --session")
	case file == "" && (dir == "" || session == ""):
		return usageError("either --file or both --dir and --session are required")
	case file != "" && c.Bool("purge"):
		return usageError("--purge requires --dir and --session")
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError("%v", err)
	}

	var (
		snap *types.BackupSnapshot
		sp   *spool.Spool
	)
	if file != "" {
		snap, err = spool.ReadFile(file)
	} else {
		if sp, err = spool.Open(dir); err == nil {
			snap, err = sp.Latest(session)
		}
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot read backup: %v", err), runtime.ExitCodeError)
	}

	subject := snap.Subject
	if name := strings.TrimSpace(c.String("name")); name != "" {
		subject = name
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	p, err := buildPipeline(c.Context, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeConfig)
	}
	defer p.Close()
	defer p.flushMetrics(c.Context)

	// Redelivery never captures; the source only satisfies the controller.
	source := device.NewFFmpegSource(device.FFmpegConfig{Command: cfg.Device.Command})
	ctrl, err := runtime.NewSessionController(p.runtimeConfig(source, nil, nil))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeConfig)
	}

	logger.Info("redelivering backup", map[string]any{
		"session_id":         snap.SessionID,
		"subject":            subject,
		"captured_at_second": snap.CapturedAtSecond,
		"bytes":              snap.Size(),
	})
	res, err := ctrl.Redeliver(c.Context, subject, snap.Blob, device.Format(snap.Format))
	if res == nil {
		return cli.Exit(fmt.Sprintf("redelivery failed: %v", err), runtime.ExitCodeError)
	}

	if res.Err == nil && c.Bool("purge") {
		if err := sp.Remove(session); err != nil {
			logger.Warn("spool purge failed", map[string]any{"session_id": session, "error": err.Error()})
		}
	}
	if !c.Bool("quiet") {
		if err := r.Render(newSessionResponse(res)); err != nil {
			return err
		}
	}
	return cli.Exit("", res.ExitCode())
}
