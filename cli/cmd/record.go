package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dictum/cli/render"
	"github.com/pithecene-io/dictum/device"
	"github.com/pithecene-io/dictum/log"
	"github.com/pithecene-io/dictum/runtime"
	"github.com/pithecene-io/dictum/types"
)

// stopRetryInterval paces Stop while a restart holds the session outside
// the recording state.
const stopRetryInterval = 250 * time.Millisecond

// RecordCommand returns the record command.
// It captures one session and exits with the delivery's exit code.
func RecordCommand() *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "Record a consultation and deliver it for transcription",
		Flags: append(PipelineFlags(),
			&cli.StringFlag{
				Name:     "name",
				Aliases:  []string{"n"},
				Usage:    "Subject name for the consultation",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "stop-file",
				Usage: "Stop recording when this file is created or written",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress result output",
			},
		),
		Action: recordAction,
	}
}

// SessionResponse is the rendered result of a delivered session.
type SessionResponse struct {
	SessionID       string `json:"session_id"`
	Subject         string `json:"subject"`
	Source          string `json:"source"`
	Status          string `json:"status"`
	ConsultationID  string `json:"consultation_id,omitempty"`
	AudioURL        string `json:"audio_url,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
	Message         string `json:"message"`
	Error           string `json:"error,omitempty"`
	Fault           string `json:"fault,omitempty"`
	Backups         int    `json:"backups"`
	ExitCode        int    `json:"exit_code"`
}

func newSessionResponse(res *runtime.Result) SessionResponse {
	resp := SessionResponse{
		SessionID:       res.SessionID,
		Subject:         res.Subject,
		Source:          string(res.Source),
		Status:          string(types.OutcomeFailed),
		DurationSeconds: res.DurationSeconds,
		Message:         res.Message,
		Backups:         len(res.Backups),
		ExitCode:        res.ExitCode(),
	}
	if res.Outcome != nil {
		resp.Status = string(res.Outcome.Status)
		resp.ConsultationID = res.Outcome.ID
		resp.AudioURL = res.Outcome.AudioReference
	}
	if res.Err != nil {
		resp.Status = string(types.OutcomeFailed)
		resp.Error = res.Err.Error()
	} else if res.PersistErr != nil {
		resp.Error = res.PersistErr.Error()
	}
	if res.Fault != nil {
		resp.Fault = res.Fault.Error()
	}
	return resp
}

func recordAction(c *cli.Context) error {
	name := strings.TrimSpace(c.String("name"))
	if name == "" {
		return usageError("--name must not be blank")
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError("%v", err)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeConfig)
	}
	defer p.Close()
	defer p.flushMetrics(ctx)

	source := device.NewFFmpegSource(device.FFmpegConfig{
		Command:     cfg.Device.Command,
		InputFormat: cfg.Device.InputFormat,
		InputDevice: cfg.Device.InputDevice,
	})
	results := newResultListener(logger)
	ctrl, err := runtime.NewSessionController(p.runtimeConfig(source, source.Probe(), results))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeConfig)
	}

	session, err := ctrl.Start(ctx, name)
	if err != nil {
		return cli.Exit(fmt.Sprintf("recording failed to start: %s", types.Message(err)), runtime.ExitCodeError)
	}
	logger.Info("recording started", map[string]any{
		"session_id": session.ID,
		"subject":    session.Subject,
		"format":     session.Format,
	})
	if isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Recording %q. Press Ctrl+C to stop.\n", session.Subject)
	}

	var stopFile <-chan struct{}
	if path := c.String("stop-file"); path != "" {
		stopFile, err = watchStopFile(ctx, path)
		if err != nil {
			ctrl.Reset()
			return cli.Exit(err.Error(), runtime.ExitCodeConfig)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var res *runtime.Result
	select {
	case sig := <-sigCh:
		logger.Info("stop requested", map[string]any{"signal": sig.String()})
		go cancelOnSignal(sigCh, cancel)
		res, err = stopSession(ctx, ctrl, results.done)
	case <-stopFile:
		logger.Info("stop requested", map[string]any{"stop_file": c.String("stop-file")})
		go cancelOnSignal(sigCh, cancel)
		res, err = stopSession(ctx, ctrl, results.done)
	case res = <-results.done:
		// The ceiling or an unrecoverable fault ended the session.
	}
	if res == nil {
		if err == nil {
			err = errors.New("session ended without a result")
		}
		return cli.Exit(fmt.Sprintf("recording failed: %v", err), runtime.ExitCodeError)
	}

	if res.Recoverable() && p.spool != nil {
		logger.Warn("delivery failed; backups kept in spool", map[string]any{
			"session_id": res.SessionID,
			"spool":      p.spool.Dir(),
		})
	}
	if !c.Bool("quiet") {
		if err := r.Render(newSessionResponse(res)); err != nil {
			return err
		}
	}
	return cli.Exit("", res.ExitCode())
}

// stopSession stops the session and returns its result. While a restart is
// in flight Stop is a no-op, so it is retried until the session records
// again or reports a result on its own.
func stopSession(ctx context.Context, ctrl *runtime.SessionController, done <-chan *runtime.Result) (*runtime.Result, error) {
	for {
		res, err := ctrl.Stop(ctx)
		if res != nil || err != nil {
			return res, err
		}
		if st := ctrl.Status(); st.State == types.StateIdle {
			if last := ctrl.LastResult(); last != nil {
				return last, last.Err
			}
		}
		select {
		case res := <-done:
			return res, res.Err
		case <-time.After(stopRetryInterval):
		case <-ctx.Done():
			return ctrl.LastResult(), ctx.Err()
		}
	}
}

// cancelOnSignal aborts delivery when a further signal arrives.
func cancelOnSignal(sigCh <-chan os.Signal, cancel context.CancelFunc) {
	<-sigCh
	cancel()
}

// resultListener logs transitions and hands the first terminal result to
// the command.
type resultListener struct {
	log  *log.Logger
	done chan *runtime.Result
}

func newResultListener(l *log.Logger) *resultListener {
	return &resultListener{log: l, done: make(chan *runtime.Result, 1)}
}

func (l *resultListener) OnStateChange(change runtime.StateChange) {
	l.log.Debug("session state changed", map[string]any{
		"session_id": change.SessionID,
		"from":       string(change.From),
		"to":         string(change.To),
		"reason":     string(change.Reason),
	})
}

func (l *resultListener) OnResult(res *runtime.Result) {
	select {
	case l.done <- res:
	default:
	}
}

var _ runtime.Listener = (*resultListener)(nil)
