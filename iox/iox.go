// Package iox holds small helpers for releasing resources.
package iox

import (
	"errors"
	"io"
)

// DiscardClose closes c and drops the error. For defers on error paths
// where nothing useful can be done with a close failure.
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseAll closes every non-nil closer in order, even after a failure,
// and returns the joined errors.
func CloseAll(closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
