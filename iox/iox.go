// Package iox holds cleanup helpers for files, clients and stores.
package iox

import (
	"errors"
	"io"
)

// DiscardClose closes c and drops the error. For deferred closes of
// read-only files and temp files already being abandoned.
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc adapts c for t.Cleanup.
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// CloseAll closes closers last to first and joins their errors. Nil
// entries are skipped.
func CloseAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if closers[i] == nil {
			continue
		}
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
