package graph

import "errors"

// Submission errors. All reject the write with no partial state
// committed; the input itself is invalid, so none are retried.
var (
	// ErrDuplicateID means a block with the same id already exists.
	ErrDuplicateID = errors.New("block id already exists")

	// ErrUnknownParent means a referenced parent is not in the graph.
	ErrUnknownParent = errors.New("unknown parent block")

	// ErrCycleDetected means committing the edges would close a
	// directed cycle.
	ErrCycleDetected = errors.New("edge would create a cycle")

	// ErrMissingParents means a non-genesis block arrived with an
	// empty parent set.
	ErrMissingParents = errors.New("non-genesis block must reference parents")

	// ErrNotFound means the requested block does not exist.
	ErrNotFound = errors.New("block not found")

	// ErrTransient means storage kept failing after bounded retries.
	ErrTransient = errors.New("transient storage failure")
)
