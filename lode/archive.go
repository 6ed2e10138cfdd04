package lode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"
)

// Archive stores finished recordings as plain files next to the dataset,
// bypassing segment and manifest machinery.
type Archive struct {
	factory lode.StoreFactory
	config  Config
	// baseURL prefixes returned references (e.g. "s3://bucket/prefix").
	baseURL string
	now     func() time.Time

	storeOnce sync.Once
	store     lode.Store
	storeErr  error
}

// NewArchive creates an archive. baseURL is prepended to stored paths to
// form the reference handed downstream.
func NewArchive(cfg Config, factory lode.StoreFactory, baseURL string) *Archive {
	return &Archive{
		factory: factory,
		config:  cfg.withDefaults(),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		now:     time.Now,
	}
}

// Store writes the blob and returns its reference.
func (a *Archive) Store(ctx context.Context, sessionID, filename string, blob []byte) (string, error) {
	if sessionID == "" || filename == "" {
		return "", errors.New("archive requires a session id and filename")
	}
	if strings.ContainsAny(sessionID+filename, `/\`) || strings.Contains(sessionID+filename, "..") {
		return "", fmt.Errorf("invalid archive name %q/%q", sessionID, filename)
	}

	st, err := a.getOrCreateStore()
	if err != nil {
		return "", WrapInitError(fmt.Errorf("archive store init failed: %w", err), a.config.Dataset)
	}

	path := a.buildPath(sessionID, filename)
	if err := st.Put(ctx, path, bytes.NewReader(blob)); err != nil {
		return "", WrapWriteError(err, path)
	}
	if a.baseURL == "" {
		return path, nil
	}
	return a.baseURL + "/" + path, nil
}

func (a *Archive) getOrCreateStore() (lode.Store, error) {
	a.storeOnce.Do(func() {
		a.store, a.storeErr = a.factory()
	})
	return a.store, a.storeErr
}

// buildPath computes the Hive-partitioned path for a recording.
// Format: datasets/<dataset>/files/day=<d>/session_id=<id>/<filename>
func (a *Archive) buildPath(sessionID, filename string) string {
	return fmt.Sprintf("datasets/%s/files/day=%s/session_id=%s/%s",
		a.config.Dataset,
		DeriveDay(a.now()),
		sessionID,
		filename,
	)
}
