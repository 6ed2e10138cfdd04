package spool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pithecene-io/dictum/iox"
	"github.com/pithecene-io/dictum/types"
)

// Extension is the backup file extension.
const Extension = ".dbk"

// ErrNoBackups is returned when a session has no spooled snapshots.
var ErrNoBackups = errors.New("no backups found")

// Spool stores backups under <dir>/<session_id>/.
type Spool struct {
	dir string
}

// Entry describes a spooled backup without loading its blob.
type Entry struct {
	Path             string    `json:"path"`
	SessionID        string    `json:"session_id"`
	Subject          string    `json:"subject"`
	Format           string    `json:"format"`
	CapturedAtSecond int       `json:"captured_at_second"`
	ChunkCount       int       `json:"chunk_count"`
	Forced           bool      `json:"forced"`
	Size             int64     `json:"size"`
	CreatedAt        time.Time `json:"created_at"`
}

// Open creates the spool directory if needed.
func Open(dir string) (*Spool, error) {
	if dir == "" {
		return nil, errors.New("spool directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the spool root.
func (s *Spool) Dir() string { return s.dir }

// fileName orders backups by capture second, then creation time.
func fileName(snap *types.BackupSnapshot) string {
	kind := "p"
	if snap.Forced {
		kind = "f"
	}
	return fmt.Sprintf("%06d-%d-%s%s", snap.CapturedAtSecond, snap.CreatedAt.UnixNano(), kind, Extension)
}

// Write implements backup.Sink. Files are written to a temporary name and
// renamed so a crash never leaves a truncated backup behind.
func (s *Spool) Write(ctx context.Context, snap *types.BackupSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.SessionID == "" || strings.ContainsAny(snap.SessionID, `/\`) || snap.SessionID == ".." {
		return fmt.Errorf("invalid session id %q", snap.SessionID)
	}

	sessionDir := filepath.Join(s.dir, snap.SessionID)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	final := filepath.Join(sessionDir, fileName(snap))
	tmp, err := os.CreateTemp(sessionDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp backup: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	if err := Encode(w, snap); err != nil {
		iox.DiscardClose(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		iox.DiscardClose(tmp)
		return fmt.Errorf("flush backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		iox.DiscardClose(tmp)
		return fmt.Errorf("sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("commit backup: %w", err)
	}
	return nil
}

// Sessions returns the session ids with spooled backups.
func (s *Spool) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// List returns the backups of a session in capture order.
func (s *Spool) List(sessionID string) ([]Entry, error) {
	sessionDir := filepath.Join(s.dir, sessionID)
	files, err := os.ReadDir(sessionDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoBackups
		}
		return nil, fmt.Errorf("read session directory: %w", err)
	}

	var out []Entry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != Extension {
			continue
		}
		path := filepath.Join(sessionDir, f.Name())
		entry, err := readEntry(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, *entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CapturedAtSecond != out[j].CapturedAtSecond {
			return out[i].CapturedAtSecond < out[j].CapturedAtSecond
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Latest loads the newest backup of a session.
func (s *Spool) Latest(sessionID string) (*types.BackupSnapshot, error) {
	entries, err := s.List(sessionID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoBackups
	}
	return ReadFile(entries[len(entries)-1].Path)
}

// Remove deletes every backup of a session.
func (s *Spool) Remove(sessionID string) error {
	return os.RemoveAll(filepath.Join(s.dir, sessionID))
}

// ReadFile loads a backup file.
func ReadFile(path string) (*types.BackupSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(f)
	return Decode(bufio.NewReader(f))
}

func readEntry(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(f)

	h, err := decodeHeader(&frameDecoder{reader: bufio.NewReader(f)})
	if err != nil {
		return nil, err
	}
	return &Entry{
		Path:             path,
		SessionID:        h.SessionID,
		Subject:          h.Subject,
		Format:           h.Format,
		CapturedAtSecond: h.CapturedAtSecond,
		ChunkCount:       h.ChunkCount,
		Forced:           h.Forced,
		Size:             h.Size,
		CreatedAt:        h.CreatedAt,
	}, nil
}
