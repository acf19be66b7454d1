package discovery

import (
	"context"
)

// Store is the persistence contract for backend descriptors. Every
// successful mutation atomically advances a monotonic 64-bit ETag
// counter together with the row mutation; the counter is the only
// caching signal offered to readers.
type Store interface {
	// Get returns the backend stored under the given address, or nil
	// if there is none.
	Get(ctx context.Context, addr Address) (*Backend, error)

	// GetAll returns the current ETag and, unless ifEtag is non-nil
	// and equal to it, all backends ordered by creation time (ties
	// broken by address). When the caller's ETag matches, the backend
	// list is nil.
	GetAll(ctx context.Context, ifEtag *uint64) (*Backends, error)

	// Post inserts a new backend and returns its address. If a
	// backend with the same address already exists, Post returns nil
	// without an error and without advancing the ETag.
	Post(ctx context.Context, backend Backend) (*Address, error)

	// Put upserts a backend and returns true if and only if a new row
	// was created rather than an existing one updated.
	Put(ctx context.Context, backend Backend) (bool, error)

	// Patch applies a partial update and returns false if no row
	// matched the patch address. An empty patch commits nothing and
	// leaves the ETag untouched.
	Patch(ctx context.Context, patch BackendPatch) (bool, error)

	// Delete removes a backend and returns true if and only if a row
	// was removed.
	Delete(ctx context.Context, addr Address) (bool, error)
}
