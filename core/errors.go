package core

import "errors"

var (
	// ErrInvalidAddress reports a malformed block identifier. Not retryable.
	ErrInvalidAddress = errors.New("coherence: invalid block address")
	// ErrInvalidNode reports a negative or otherwise unusable node identifier.
	ErrInvalidNode = errors.New("coherence: invalid node id")
	// ErrInvariantViolation reports a directory entry whose state and owner set disagree.
	ErrInvariantViolation = errors.New("coherence: directory invariant violation")
	// ErrChannelUnavailable reports a shared channel or payload store that timed out or is unreachable.
	ErrChannelUnavailable = errors.New("coherence: shared channel unavailable")
	// ErrDecode reports a published snapshot (or part of one) that could not be parsed.
	ErrDecode = errors.New("coherence: snapshot decode error")
	// ErrVersionConflict reports a compare-and-swap publish that lost against a newer snapshot.
	ErrVersionConflict = errors.New("coherence: snapshot version conflict")
	// ErrCapacity reports an invalid local cache capacity.
	ErrCapacity = errors.New("coherence: invalid cache capacity")
)

// Retryable reports whether a request that failed with err may succeed when
// retried against a freshly fetched snapshot.
func Retryable(err error) bool {
	return errors.Is(err, ErrChannelUnavailable) || errors.Is(err, ErrVersionConflict)
}
