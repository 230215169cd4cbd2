package status

import "errors"

var (
	// ErrNotTracked is returned for a heartbeat with no live session; the
	// client must re-join.
	ErrNotTracked = errors.New("presence: session not tracked")

	// ErrUnknownResource is returned when a join targets a gift that does not exist.
	ErrUnknownResource = errors.New("presence: unknown resource")

	// ErrTransportUnavailable means the shared broadcast medium is unreachable.
	// Local state mutation still succeeds; delivery is retried out of band.
	ErrTransportUnavailable = errors.New("presence: broadcast transport unavailable")

	// ErrStoreUnavailable means the shared store could not be reached. The
	// triggering operation fails without leaving partial state behind.
	ErrStoreUnavailable = errors.New("presence: store unavailable")
)
