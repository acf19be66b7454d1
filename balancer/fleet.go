// Package balancer selects Lightning backends for invoice requests: it
// reconciles the backend fleet from the discovery store, tracks backend
// health, picks candidates under a configurable selection policy and
// retries invoice minting with backoff.
package balancer

import (
	"sort"

	"github.com/bitshock-src/switchgear-sub000/discovery"
)

// Backend is a selectable member of the fleet.
type Backend struct {
	// Address identifies the backend in the pool and the discovery
	// store.
	Address discovery.Address

	// Weight is the backend's relative selection weight.
	Weight uint32

	// Partitions are the served partitions this backend is a member
	// of.
	Partitions map[string]struct{}

	hash uint64
}

// NewBackend creates a selectable backend over the served partitions.
func NewBackend(addr discovery.Address, weight uint32,
	partitions ...string) *Backend {

	set := make(map[string]struct{}, len(partitions))
	for _, partition := range partitions {
		set[partition] = struct{}{}
	}

	return &Backend{
		Address:    addr,
		Weight:     weight,
		Partitions: set,
		hash:       addr.Hash(),
	}
}

// HasPartition reports whether the backend serves the partition.
func (b *Backend) HasPartition(partition string) bool {
	_, ok := b.Partitions[partition]
	return ok
}

// Hash returns the stable 64-bit identity of the backend, derived from
// its address.
func (b *Backend) Hash() uint64 {
	return b.hash
}

// Fleet is one complete reconciled view of the backend set. Fleets are
// immutable once built and swapped wholesale, readers always observe a
// consistent set.
type Fleet struct {
	// Backends is the member list in stable address order.
	Backends []*Backend

	enabled map[uint64]bool
}

// NewFleet builds a fleet from its members and their enablement flags,
// keyed by backend hash.
func NewFleet(backends []*Backend, enabled map[uint64]bool) *Fleet {
	sorted := make([]*Backend, len(backends))
	copy(sorted, backends)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Address.Encoded() <
			sorted[j].Address.Encoded()
	})

	return &Fleet{Backends: sorted, enabled: enabled}
}

// EmptyFleet returns a fleet with no members.
func EmptyFleet() *Fleet {
	return NewFleet(nil, make(map[uint64]bool))
}

// Enabled reports whether the backend with the given hash is enabled.
func (f *Fleet) Enabled(hash uint64) bool {
	return f.enabled[hash]
}
