package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bitshock-src/switchgear-sub000/status"
	"github.com/lightningnetwork/lnd/clock"
)

// timestampedBackend pairs a descriptor with its creation instant so
// listings can be ordered by insertion.
type timestampedBackend struct {
	created time.Time
	backend Backend
}

// MemoryStore is an in-process Store. It is the reference semantics
// for the SQL and etcd stores and the default for tests.
type MemoryStore struct {
	mu       sync.Mutex
	backends map[Address]timestampedBackend
	etag     uint64
	clock    clock.Clock
}

// A compile time check to ensure MemoryStore implements the Store
// interface.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory backend store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.NewDefaultClock())
}

// NewMemoryStoreWithClock creates an empty in-memory backend store
// using the given clock for creation timestamps.
func NewMemoryStoreWithClock(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		backends: make(map[Address]timestampedBackend),
		clock:    clk,
	}
}

// Get returns the backend stored under the given address, or nil.
//
// NOTE: This is part of the Store interface.
func (s *MemoryStore) Get(_ context.Context, addr Address) (*Backend,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.backends[addr]
	if !ok {
		return nil, nil
	}
	backend := entry.backend

	return &backend, nil
}

// GetAll returns the current ETag and, unless the caller's ETag already
// matches it, all backends in insertion order.
//
// NOTE: This is part of the Store interface.
func (s *MemoryStore) GetAll(_ context.Context, ifEtag *uint64) (*Backends,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if ifEtag != nil && *ifEtag == s.etag {
		return &Backends{Etag: s.etag}, nil
	}

	entries := make([]timestampedBackend, 0, len(s.backends))
	for _, entry := range s.backends {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].created.Equal(entries[j].created) {
			return entries[i].created.Before(entries[j].created)
		}

		return entries[i].backend.Address.Encoded() <
			entries[j].backend.Address.Encoded()
	})

	backends := make([]Backend, len(entries))
	for i, entry := range entries {
		backends[i] = entry.backend
	}

	return &Backends{Etag: s.etag, Backends: backends}, nil
}

// Post inserts a new backend, returning nil without advancing the ETag
// if the address is already present.
//
// NOTE: This is part of the Store interface.
func (s *MemoryStore) Post(_ context.Context, backend Backend) (*Address,
	error) {

	if err := backend.Validate(); err != nil {
		return nil, status.WithSource(status.SourceDownstream, err)
	}
	backend.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.backends[backend.Address]; ok {
		return nil, nil
	}

	s.backends[backend.Address] = timestampedBackend{
		created: s.clock.Now(),
		backend: backend,
	}
	s.etag++

	addr := backend.Address
	return &addr, nil
}

// Put upserts a backend, returning true iff a new row was created. The
// original creation instant survives updates.
//
// NOTE: This is part of the Store interface.
func (s *MemoryStore) Put(_ context.Context, backend Backend) (bool,
	error) {

	if err := backend.Validate(); err != nil {
		return false, status.WithSource(status.SourceDownstream, err)
	}
	backend.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.clock.Now()
	wasNew := true
	if existing, ok := s.backends[backend.Address]; ok {
		created = existing.created
		wasNew = false
	}

	s.backends[backend.Address] = timestampedBackend{
		created: created,
		backend: backend,
	}
	s.etag++

	return wasNew, nil
}

// Patch applies a partial update. An empty patch leaves both the row
// and the ETag untouched.
//
// NOTE: This is part of the Store interface.
func (s *MemoryStore) Patch(_ context.Context, patch BackendPatch) (bool,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.backends[patch.Address]
	if !ok {
		return false, nil
	}

	if !patch.Apply(&entry.backend.BackendSparse) {
		return true, nil
	}

	s.backends[patch.Address] = entry
	s.etag++

	return true, nil
}

// Delete removes a backend, advancing the ETag only when a row was
// actually removed.
//
// NOTE: This is part of the Store interface.
func (s *MemoryStore) Delete(_ context.Context, addr Address) (bool,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.backends[addr]; !ok {
		return false, nil
	}

	delete(s.backends, addr)
	s.etag++

	return true, nil
}
