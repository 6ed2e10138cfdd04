package lode

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pithecene-io/dictum/metrics"
	"github.com/pithecene-io/dictum/types"
)

// RecordKind discriminator values.
const (
	RecordKindConsultation = "consultation"
	RecordKindMetrics      = "metrics"
)

// ConsultationRecord is the storage format for one consultation revision.
type ConsultationRecord struct {
	RecordKind string `json:"record_kind"`
	Day        string `json:"day"`
	Revision   int    `json:"revision"`
	Host       string `json:"host,omitempty"`

	types.ConsultationOutcome
}

// MetricsRecord is the storage format for a session metrics snapshot.
type MetricsRecord struct {
	RecordKind string `json:"record_kind"`
	Day        string `json:"day"`
	Host       string `json:"host,omitempty"`
	RecordedAt string `json:"recorded_at"`

	metrics.Snapshot
}

func toConsultationRecordMap(o *types.ConsultationOutcome, revision int, cfg Config) (map[string]any, error) {
	return toMap(ConsultationRecord{
		RecordKind:          RecordKindConsultation,
		Day:                 DeriveDay(o.CreatedAt),
		Revision:            revision,
		Host:                cfg.Host,
		ConsultationOutcome: *o,
	})
}

func toMetricsRecordMap(s metrics.Snapshot, at time.Time, cfg Config) (map[string]any, error) {
	return toMap(MetricsRecord{
		RecordKind: RecordKindMetrics,
		Day:        DeriveDay(at),
		Host:       cfg.Host,
		RecordedAt: at.UTC().Format(time.RFC3339Nano),
		Snapshot:   s,
	})
}

// toMap flattens a record struct into the map form the JSONL codec writes.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return m, nil
}

// fromMap decodes a record map read back from the dataset.
func fromMap(item any, v any) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
