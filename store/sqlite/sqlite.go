// Package sqlite implements store.ConsultationStore on a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pithecene-io/dictum/store"
	"github.com/pithecene-io/dictum/types"
)

const schema = `
	CREATE TABLE IF NOT EXISTS consultations (
		id TEXT PRIMARY KEY,
		sessionId TEXT NOT NULL,
		subject TEXT NOT NULL,
		audioReference TEXT NOT NULL DEFAULT '',
		uploadReference TEXT NOT NULL DEFAULT '',
		transcription TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		durationSeconds INTEGER NOT NULL DEFAULT 0,
		createdAt REAL NOT NULL,
		updatedAt REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_consultations_status ON consultations(status, createdAt);
`

// Store persists consultations in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. Use ":memory:" for
// a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save implements store.ConsultationStore.
func (s *Store) Save(ctx context.Context, o *types.ConsultationOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consultations (id, sessionId, subject, audioReference, uploadReference,
			transcription, summary, status, durationSeconds, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.SessionID, o.Subject, o.AudioReference, o.UploadReference,
		o.Transcription, o.Summary, string(o.Status), o.DurationSeconds,
		unixFromTime(o.CreatedAt), unixFromTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

// Update implements store.ConsultationStore.
func (s *Store) Update(ctx context.Context, o *types.ConsultationOutcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE consultations
		SET audioReference = ?, uploadReference = ?, transcription = ?, summary = ?,
			status = ?, durationSeconds = ?, updatedAt = ?
		WHERE id = ?
	`, o.AudioReference, o.UploadReference, o.Transcription, o.Summary,
		string(o.Status), o.DurationSeconds, unixFromTime(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("update consultation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update consultation: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectColumns = `
	SELECT id, sessionId, subject, audioReference, uploadReference, transcription,
		summary, status, durationSeconds, createdAt, updatedAt
	FROM consultations
`

// Get implements store.Reader.
func (s *Store) Get(ctx context.Context, id string) (*types.ConsultationOutcome, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	o, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// List implements store.Reader.
func (s *Store) List(ctx context.Context, status types.OutcomeStatus) ([]types.ConsultationOutcome, error) {
	query := selectColumns
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY createdAt DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query consultations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.ConsultationOutcome
	for rows.Next() {
		o, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (*types.ConsultationOutcome, error) {
	var o types.ConsultationOutcome
	var status string
	var createdAt, updatedAt float64
	if err := r.Scan(&o.ID, &o.SessionID, &o.Subject, &o.AudioReference, &o.UploadReference,
		&o.Transcription, &o.Summary, &status, &o.DurationSeconds, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan consultation: %w", err)
	}
	o.Status = types.OutcomeStatus(status)
	o.CreatedAt = timeFromUnix(createdAt)
	o.UpdatedAt = timeFromUnix(updatedAt)
	return &o, nil
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

var (
	_ store.ConsultationStore = (*Store)(nil)
	_ store.Reader            = (*Store)(nil)
)
