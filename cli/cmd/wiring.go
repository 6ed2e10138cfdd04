package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pithecene-io/dictum/adapter"
	"github.com/pithecene-io/dictum/adapter/redis"
	"github.com/pithecene-io/dictum/adapter/webhook"
	"github.com/pithecene-io/dictum/cli/config"
	"github.com/pithecene-io/dictum/device"
	"github.com/pithecene-io/dictum/handoff"
	"github.com/pithecene-io/dictum/iox"
	"github.com/pithecene-io/dictum/lode"
	"github.com/pithecene-io/dictum/log"
	"github.com/pithecene-io/dictum/metrics"
	"github.com/pithecene-io/dictum/runtime"
	"github.com/pithecene-io/dictum/spool"
	"github.com/pithecene-io/dictum/store/sqlite"
	"github.com/pithecene-io/dictum/upload"
)

// pipeline holds the delivery collaborators built from dictum.yaml.
type pipeline struct {
	cfg     *config.Config
	logger  *log.Logger
	metrics *metrics.Collector

	uploader *upload.Client
	handoff  *handoff.Client
	store    runtime.OutcomeStore
	// outcomes is set for the lode backend; it also receives metrics records.
	outcomes *lode.OutcomeStore
	archive  *lode.Archive
	notifier adapter.Adapter
	spool    *spool.Spool

	closers []io.Closer
}

// newLogger builds the CLI logger, rotating to a file when configured.
func newLogger(cfg *config.Config) *log.Logger {
	return log.NewFileLogger(nil, log.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
}

// buildPipeline wires every collaborator. On error anything already opened
// is closed.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *log.Logger) (_ *pipeline, err error) {
	p := &pipeline{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(cfg.Device.InputFormat, cfg.Store.Backend),
	}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()
	sink := logger.Source()

	p.uploader, err = upload.New(upload.Config{
		URL:         cfg.Upload.URL,
		APIKey:      cfg.Upload.APIKey,
		Timeout:     cfg.Upload.Timeout.Duration,
		Retries:     retriesOrSingle(cfg.Upload.Retries),
		BackoffBase: cfg.Upload.BackoffBase.Duration,
	}, p.metrics, sink)
	if err != nil {
		return nil, fmt.Errorf("upload client: %w", err)
	}
	p.closers = append(p.closers, p.uploader)

	p.handoff, err = handoff.New(handoff.Config{
		URL:              cfg.Webhook.URL,
		Headers:          cfg.Webhook.Headers,
		Timeout:          cfg.Webhook.Timeout.Duration,
		TimeoutAsPending: cfg.Webhook.TimeoutAsPending,
	}, p.metrics, sink)
	if err != nil {
		return nil, fmt.Errorf("handoff client: %w", err)
	}
	p.closers = append(p.closers, p.handoff)

	if err := p.openStore(ctx); err != nil {
		return nil, err
	}

	p.notifier, err = buildNotifier(cfg.Notify)
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}
	if p.notifier != nil {
		p.closers = append(p.closers, p.notifier)
	}

	if cfg.Backup.Dir != "" {
		p.spool, err = spool.Open(cfg.Backup.Dir)
		if err != nil {
			return nil, fmt.Errorf("backup spool: %w", err)
		}
	}
	return p, nil
}

func (p *pipeline) openStore(ctx context.Context) error {
	sc := p.cfg.Store
	if sc.Backend == "sqlite" {
		st, err := sqlite.Open(sc.Path)
		if err != nil {
			return fmt.Errorf("sqlite store: %w", err)
		}
		p.store = st
		p.closers = append(p.closers, st)
		return nil
	}

	factory, err := lodeFactory(ctx, sc)
	if err != nil {
		return err
	}
	host, _ := os.Hostname()
	lcfg := lode.Config{Dataset: sc.Dataset, Host: host}

	outcomes, err := lode.NewOutcomeStore(lcfg, factory)
	if err != nil {
		return fmt.Errorf("lode store: %w", err)
	}
	p.store = outcomes
	p.outcomes = outcomes
	p.closers = append(p.closers, outcomes)

	if sc.ArchiveAudio {
		p.archive = lode.NewArchive(lcfg, factory, sc.ArchiveBaseURL)
	}
	return nil
}

func lodeFactory(ctx context.Context, sc config.StoreConfig) (lode.StoreFactory, error) {
	switch sc.Lode {
	case "s3":
		bucket, prefix := lode.ParseS3Path(sc.Path)
		factory, err := lode.NewS3Factory(ctx, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       sc.Region,
			Endpoint:     sc.Endpoint,
			UsePathStyle: sc.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("lode s3 backend: %w", err)
		}
		return factory, nil
	case "fs", "":
		if err := os.MkdirAll(sc.Path, 0o755); err != nil {
			return nil, fmt.Errorf("lode fs backend: %w", err)
		}
		return lode.NewFSFactory(sc.Path), nil
	default:
		return nil, fmt.Errorf("unknown lode backend: %s (must be fs or s3)", sc.Lode)
	}
}

// buildNotifier returns nil when notifications are disabled. An omitted
// retries key keeps each adapter's default.
func buildNotifier(nc config.NotifyConfig) (adapter.Adapter, error) {
	switch nc.Type {
	case "":
		return nil, nil
	case "redis":
		retries := 0
		if nc.Retries != nil {
			retries = retriesOrSingle(*nc.Retries)
		}
		return redis.New(redis.Config{
			URL:       nc.URL,
			Channel:   nc.Channel,
			KeyPrefix: nc.KeyPrefix,
			KeyTTL:    nc.KeyTTL.Duration,
			Timeout:   nc.Timeout.Duration,
			Retries:   retries,
		})
	case "webhook":
		retries := webhook.DefaultRetries
		if nc.Retries != nil {
			retries = *nc.Retries
		}
		return webhook.New(webhook.Config{
			URL:     nc.URL,
			Headers: nc.Headers,
			Secret:  nc.Secret,
			Timeout: nc.Timeout.Duration,
			Retries: retries,
		})
	default:
		return nil, fmt.Errorf("unknown notify type: %s (must be redis or webhook)", nc.Type)
	}
}

// retriesOrSingle maps a configured zero to the clients' "no retries" value.
func retriesOrSingle(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// runtimeConfig assembles the controller configuration around a source.
func (p *pipeline) runtimeConfig(source device.Source, probe device.AudioLevelProbe, listener runtime.Listener) runtime.Config {
	rc := p.cfg.Recording
	formats := make([]device.Format, 0, len(rc.Formats))
	for _, f := range rc.Formats {
		formats = append(formats, device.Format(f))
	}

	cfg := runtime.Config{
		Source:                source,
		Formats:               formats,
		Probe:                 probe,
		SilenceThreshold:      p.cfg.Device.SilenceThreshold,
		Uploader:              p.uploader,
		Handoff:               p.handoff,
		Store:                 p.store,
		Notifier:              p.notifier,
		Listener:              listener,
		Metrics:               p.metrics,
		Log:                   p.logger.Source(),
		HealthInterval:        rc.HealthInterval.Duration,
		BackupIntervalSeconds: int(p.cfg.Backup.Interval.Seconds()),
		MaxRecordingSeconds:   int(rc.MaxDuration.Seconds()),
		MaxRetryAttempts:      rc.MaxRetries,
		SettleDelay:           rc.SettleDelay.Duration,
	}
	if rc.SettleDelay.Duration == 0 {
		cfg.SettleDelay = -1
	}
	if p.archive != nil {
		cfg.Archive = p.archive
	}
	if p.spool != nil {
		cfg.BackupSink = p.spool
	}
	return cfg
}

// flushMetrics writes the session counters to the lode dataset. Other
// backends only log them.
func (p *pipeline) flushMetrics(ctx context.Context) {
	snap := p.metrics.Snapshot()
	if p.outcomes == nil {
		p.logger.Info("session metrics", snapshotFields(snap))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.outcomes.WriteMetrics(ctx, snap, time.Now()); err != nil {
		p.logger.Warn("metrics write failed", map[string]any{"error": err.Error()})
	}
}

func snapshotFields(s metrics.Snapshot) map[string]any {
	return map[string]any{
		"sessions_started":   s.SessionsStarted,
		"sessions_completed": s.SessionsCompleted,
		"sessions_pending":   s.SessionsPending,
		"sessions_failed":    s.SessionsFailed,
		"recoveries":         s.Recoveries,
		"fallbacks":          s.Fallbacks,
		"backups_taken":      s.BackupsTaken,
		"upload_attempts":    s.UploadAttempts,
	}
}

// Close releases every opened collaborator in reverse order.
func (p *pipeline) Close() {
	if err := iox.CloseAll(p.closers); err != nil && p.logger != nil {
		p.logger.Warn("pipeline close failed", map[string]any{"error": err.Error()})
	}
	p.closers = nil
}
