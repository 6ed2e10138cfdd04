package lode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/dictum/metrics"
)

// ErrNoMetricsFound is returned when no metrics records exist in the dataset.
var ErrNoMetricsFound = errors.New("no metrics records found")

// WriteMetrics appends a metrics snapshot record.
func (s *OutcomeStore) WriteMetrics(ctx context.Context, snap metrics.Snapshot, at time.Time) error {
	record, err := toMetricsRecordMap(snap, at, s.config)
	if err != nil {
		return err
	}
	if _, err := s.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, s.config.Dataset+"/metrics")
	}
	return nil
}

// QueryLatestMetrics returns the most recent metrics record, optionally
// restricted to one host.
func QueryLatestMetrics(ctx context.Context, ds lode.Dataset, host string) (*MetricsRecord, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, string(ds.ID())+"/snapshots")
	}

	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotHasKind(snap, RecordKindMetrics) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", string(ds.ID()), snap.ID))
		}

		// Record fields are authoritative; the manifest path is a coarse pre-filter.
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok || m["record_kind"] != RecordKindMetrics {
				continue
			}
			var rec MetricsRecord
			if err := fromMap(m, &rec); err != nil {
				return nil, err
			}
			if host != "" && rec.Host != host {
				continue
			}
			return &rec, nil
		}
	}

	return nil, ErrNoMetricsFound
}
