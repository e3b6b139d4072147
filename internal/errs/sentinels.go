// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across tree/persistence/sync layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (base version mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotLoaded indicates a tree operation issued before the model finished loading.
	ErrNotLoaded = errors.New("model not loaded")

	// ErrInvalidIndex indicates a child index outside [0, childCount].
	ErrInvalidIndex = errors.New("index out of range")

	// ErrPermanentNode indicates an attempt to rename, move or delete main/other/trash or the root.
	ErrPermanentNode = errors.New("permanent node")

	// ErrCycle indicates a move that would make a node a descendant of itself.
	ErrCycle = errors.New("move into descendant")

	// ErrNotFolder indicates a parent that cannot hold children, or a URL set on a folder.
	ErrNotFolder = errors.New("not a folder")

	// ErrInvalidArgument indicates a malformed request (bad permutation, empty id, etc).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvariant indicates an internal consistency violation detected at runtime.
	ErrInvariant = errors.New("invariant violation")
)
