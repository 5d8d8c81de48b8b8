package registry

import "errors"

// Sentinel errors for registry operations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAgentExists indicates a live (non-terminal) agent with the same
	// logical identity already exists.
	ErrAgentExists = errors.New("live agent already exists")

	// ErrDuplicateDelivery indicates the event delivery ID was seen before.
	ErrDuplicateDelivery = errors.New("event delivery already recorded")

	// ErrDuplicateMessage indicates a mail message with the same message ID
	// was already enqueued.
	ErrDuplicateMessage = errors.New("mail message already enqueued")

	// ErrConflict indicates the operation is invalid for the record's
	// current state.
	ErrConflict = errors.New("operation conflicts with current state")
)
