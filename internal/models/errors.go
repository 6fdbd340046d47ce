package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for the ingestion core. Every failure is contained to the
// event or symbol that produced it; none of these terminate the process.
var (
	// ErrMalformedMessage marks a raw feed message that could not be
	// normalized. Logged and dropped; never blocks the stream.
	ErrMalformedMessage = errors.New("malformed feed message")

	// ErrStaleDelta marks a depth delta entirely behind the current book
	// watermark. Dropped silently (duplicate replay, not a gap).
	ErrStaleDelta = errors.New("depth delta behind watermark")

	// ErrCrossedBook marks a delta whose application would cross the book.
	ErrCrossedBook = errors.New("delta would cross book")

	// ErrSwapFailed marks an atomic staging->live swap that did not commit.
	// Fatal to the re-anchor attempt only; live state is untouched.
	ErrSwapFailed = errors.New("atomic state swap failed")

	// ErrReferenceFetch marks an exhausted reference-source retry budget.
	ErrReferenceFetch = errors.New("reference fetch failed")

	// ErrLeaseHeld means another re-anchor holds the symbol lease.
	ErrLeaseHeld = errors.New("re-anchor lease already held")

	// ErrDeadlineExceeded is the serving loop's routine per-tick timeout.
	// Counted, not logged as an error.
	ErrDeadlineExceeded = errors.New("tick deadline exceeded")

	// ErrNotFound is returned by the hot-state store for absent keys.
	ErrNotFound = errors.New("key not found")
)

// SequenceGapError reports a watermark discontinuity on a depth stream.
type SequenceGapError struct {
	Symbol   string
	Expected int64
	Got      int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap on %s: expected %d, got first_update_id %d", e.Symbol, e.Expected, e.Got)
}

// IsSequenceGap reports whether err is a watermark discontinuity.
func IsSequenceGap(err error) bool {
	var sg *SequenceGapError
	return errors.As(err, &sg)
}
