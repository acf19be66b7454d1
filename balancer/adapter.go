package balancer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitshock-src/switchgear-sub000/discovery"
	"github.com/bitshock-src/switchgear-sub000/offer"
	"github.com/bitshock-src/switchgear-sub000/pool"
)

// NodePool is the slice of the RPC pool the balancer drives: client
// registration keyed by address, invoice and metrics dispatch, and the
// cached metrics snapshots.
type NodePool interface {
	pool.MetricsCache

	// Connect registers a client for the backend.
	Connect(backend *discovery.Backend) error

	// Has reports whether a client is registered for the backend.
	Has(key discovery.Address) bool

	// Remove drops a backend's client and cached metrics.
	Remove(key discovery.Address)

	// GetInvoice mints an invoice for the offer on the backend.
	GetInvoice(ctx context.Context, o *offer.Offer,
		key discovery.Address, amountMsat, expirySecs uint64) (string,
		error)

	// GetMetrics probes the backend and refreshes its cached metrics.
	GetMetrics(ctx context.Context,
		key discovery.Address) (*pool.Metrics, error)
}

// A compile time check to ensure the pool implements the NodePool
// interface.
var _ NodePool = (*pool.Pool)(nil)

// FleetSource yields the current fleet snapshot and can be asked to
// reconcile it against the discovery store.
type FleetSource interface {
	// Fleet returns the current fleet snapshot.
	Fleet() *Fleet

	// Refresh reconciles the fleet against the discovery store.
	Refresh(ctx context.Context) error
}

// Adapter reconciles the selectable fleet from the discovery store. It
// polls with the last seen ETag so an unchanged store costs a single
// conditional read, and swaps the fleet snapshot atomically so readers
// always observe a complete set.
type Adapter struct {
	store      discovery.Store
	pool       NodePool
	health     *HealthRegistry
	partitions map[string]struct{}

	fleet atomic.Value

	// refreshMu serializes reconciles. lastEtag advances only after a
	// successful reconcile.
	refreshMu sync.Mutex
	lastEtag  *uint64
}

// A compile time check to ensure Adapter implements the FleetSource
// interface.
var _ FleetSource = (*Adapter)(nil)

// NewAdapter creates an adapter serving the given partitions. The
// fleet starts empty until the first Refresh.
func NewAdapter(store discovery.Store, nodePool NodePool,
	health *HealthRegistry, partitions []string) *Adapter {

	served := make(map[string]struct{}, len(partitions))
	for _, partition := range partitions {
		served[partition] = struct{}{}
	}

	a := &Adapter{
		store:      store,
		pool:       nodePool,
		health:     health,
		partitions: served,
	}
	a.fleet.Store(EmptyFleet())

	return a
}

// Fleet returns the current fleet snapshot.
//
// NOTE: This is part of the FleetSource interface.
func (a *Adapter) Fleet() *Fleet {
	return a.fleet.Load().(*Fleet)
}

// Refresh reconciles the fleet against the discovery store. When the
// store's ETag is unchanged the cached fleet is kept as-is. Otherwise
// a new fleet is built from the records intersecting the served
// partitions, new backends are registered with the pool (logged and
// skipped on failure), departed backends are dropped from the pool and
// the health registry, and the snapshot is swapped atomically.
//
// NOTE: This is part of the FleetSource interface.
func (a *Adapter) Refresh(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	ReconcileCount.Inc()
	result, err := a.store.GetAll(ctx, a.lastEtag)
	if err != nil {
		return err
	}

	if result.Backends == nil {
		// Unchanged since the last reconcile.
		return nil
	}

	previous := a.Fleet()

	var members []*Backend
	enabled := make(map[uint64]bool)
	live := make(map[discovery.Address]struct{})

	for i := range result.Backends {
		record := result.Backends[i]

		var served []string
		for _, partition := range record.Partitions {
			if _, ok := a.partitions[partition]; ok {
				served = append(served, partition)
			}
		}
		if len(served) == 0 {
			continue
		}

		if !a.pool.Has(record.Address) {
			if err := a.pool.Connect(&record); err != nil {
				log.Errorf("Unable to connect backend %v, "+
					"skipping: %v", record.Address, err)
				continue
			}

			log.Infof("Registered backend %v serving "+
				"partitions %v", record.Address, served)
		}

		member := NewBackend(record.Address, record.Weight, served...)
		members = append(members, member)
		enabled[member.Hash()] = record.Enabled
		live[record.Address] = struct{}{}
	}

	fleet := NewFleet(members, enabled)
	a.fleet.Store(fleet)

	// Drop clients and health state of departed backends.
	for _, member := range previous.Backends {
		if _, ok := live[member.Address]; !ok {
			a.pool.Remove(member.Address)
			log.Infof("Dropped departed backend %v",
				member.Address)
		}
	}

	liveHashes := make(map[uint64]struct{}, len(members))
	for _, member := range members {
		liveHashes[member.Hash()] = struct{}{}
	}
	a.health.Prune(liveHashes)

	etag := result.Etag
	a.lastEtag = &etag

	log.Debugf("Reconciled fleet: %d backends at etag %d",
		len(members), etag)

	return nil
}

// Run polls the discovery store on the given cadence until the context
// is cancelled. Reconcile errors are logged, the previous fleet stays
// in service.
func (a *Adapter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.Refresh(ctx); err != nil {
				log.Errorf("Fleet reconcile failed: %v", err)
			}

		case <-ctx.Done():
			return
		}
	}
}
