package balancer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bitshock-src/switchgear-sub000/discovery"
	"github.com/bitshock-src/switchgear-sub000/offer"
	"github.com/bitshock-src/switchgear-sub000/pool"
	"github.com/bitshock-src/switchgear-sub000/status"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testAddr(t *testing.T, name string) discovery.Address {
	t.Helper()

	addr, err := discovery.NewURLAddress("https://" + name + ":9736")
	require.NoError(t, err)

	return addr
}

func testOffer(partition string) *offer.Offer {
	return &offer.Offer{
		Partition:    partition,
		ID:           uuid.New(),
		MaxSendable:  1_000_000,
		MinSendable:  1_000,
		MetadataJSON: `[["text/plain","coffee fund"]]`,
	}
}

// mockPool is a NodePool with scripted per-backend invoices, errors
// and metrics.
type mockPool struct {
	mu       sync.Mutex
	metrics  map[discovery.Address]pool.Metrics
	invoices map[discovery.Address]string
	errs     map[discovery.Address]error
	calls    []discovery.Address
}

func newMockPool() *mockPool {
	return &mockPool{
		metrics:  make(map[discovery.Address]pool.Metrics),
		invoices: make(map[discovery.Address]string),
		errs:     make(map[discovery.Address]error),
	}
}

func (m *mockPool) CachedMetrics(key discovery.Address) (*pool.Metrics,
	bool) {

	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, ok := m.metrics[key]
	if !ok {
		return nil, false
	}

	return &metrics, true
}

func (m *mockPool) Connect(*discovery.Backend) error { return nil }

func (m *mockPool) Has(discovery.Address) bool { return true }

func (m *mockPool) Remove(discovery.Address) {}

func (m *mockPool) GetInvoice(_ context.Context, _ *offer.Offer,
	key discovery.Address, _, _ uint64) (string, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, key)
	if err := m.errs[key]; err != nil {
		return "", err
	}

	return m.invoices[key], nil
}

func (m *mockPool) GetMetrics(_ context.Context,
	key discovery.Address) (*pool.Metrics, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, ok := m.metrics[key]
	if !ok {
		return nil, fmt.Errorf("no metrics for %v", key)
	}

	return &metrics, nil
}

// staticFleet is a FleetSource with a fixed snapshot.
type staticFleet struct {
	fleet *Fleet

	mu        sync.Mutex
	refreshed int
}

func (s *staticFleet) Fleet() *Fleet {
	return s.fleet
}

func (s *staticFleet) Refresh(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed++

	return nil
}

type fleetSpec struct {
	name       string
	weight     uint32
	partitions []string
	enabled    bool
	inbound    uint64
	invoice    string
	err        error
}

func buildBalancer(t *testing.T, specs []fleetSpec, policy Policy,
	provider BackoffProvider, bias *float64) (*Balancer, *mockPool,
	*staticFleet) {

	t.Helper()

	nodePool := newMockPool()
	var members []*Backend
	enabled := make(map[uint64]bool)

	for _, spec := range specs {
		addr := testAddr(t, spec.name)
		member := NewBackend(addr, spec.weight, spec.partitions...)
		members = append(members, member)
		enabled[member.Hash()] = spec.enabled

		nodePool.metrics[addr] = pool.Metrics{
			Healthy:              true,
			EffectiveInboundMsat: spec.inbound,
		}
		nodePool.invoices[addr] = spec.invoice
		if spec.err != nil {
			nodePool.errs[addr] = spec.err
		}
	}

	fleet := &staticFleet{fleet: NewFleet(members, enabled)}
	health := NewHealthRegistry(1, 1)
	b := New(fleet, nodePool, health, policy, provider, bias, true)

	return b, nodePool, fleet
}

// TestPartitionExclusion asserts backends outside the offer's
// partition are never picked even when they are the only healthy ones.
func TestPartitionExclusion(t *testing.T) {
	t.Parallel()

	b, nodePool, _ := buildBalancer(t, []fleetSpec{{
		name:       "tenant-a-node",
		weight:     1,
		partitions: []string{"tenant-a"},
		enabled:    true,
		inbound:    1_000_000,
		invoice:    "lnbc-tenant-a",
	}, {
		name:       "default-node",
		weight:     1,
		partitions: []string{"default"},
		enabled:    true,
		inbound:    1_000_000,
		invoice:    "lnbc-default",
	}}, NewRoundRobinPolicy(), StopBackoffProvider{}, nil)

	for i := 0; i < 8; i++ {
		invoice, err := b.GetInvoice(
			context.Background(), testOffer("default"), 21_000,
			600, nil,
		)
		require.NoError(t, err)
		require.Equal(t, "lnbc-default", invoice)
	}

	defaultAddr := testAddr(t, "default-node")
	for _, call := range nodePool.calls {
		require.Equal(t, defaultAddr, call)
	}
}

// TestDisabledBackendExcluded asserts a disabled backend is skipped.
func TestDisabledBackendExcluded(t *testing.T) {
	t.Parallel()

	b, _, _ := buildBalancer(t, []fleetSpec{{
		name:       "disabled-node",
		weight:     1,
		partitions: []string{"default"},
		enabled:    false,
		inbound:    1_000_000,
		invoice:    "lnbc-disabled",
	}, {
		name:       "live-node",
		weight:     1,
		partitions: []string{"default"},
		enabled:    true,
		inbound:    1_000_000,
		invoice:    "lnbc-live",
	}}, NewRoundRobinPolicy(), StopBackoffProvider{}, nil)

	for i := 0; i < 4; i++ {
		invoice, err := b.GetInvoice(
			context.Background(), testOffer("default"), 21_000,
			600, nil,
		)
		require.NoError(t, err)
		require.Equal(t, "lnbc-live", invoice)
	}
}

// TestCapacityBias asserts the capacity constraint on the first pass
// and the single immediate fallback pass without it.
func TestCapacityBias(t *testing.T) {
	t.Parallel()

	bias := 0.0

	// The small backend cannot cover the amount, the big one can.
	b, nodePool, _ := buildBalancer(t, []fleetSpec{{
		name:       "small-node",
		weight:     1,
		partitions: []string{"default"},
		enabled:    true,
		inbound:    10_000,
		invoice:    "lnbc-small",
	}, {
		name:       "big-node",
		weight:     1,
		partitions: []string{"default"},
		enabled:    true,
		inbound:    10_000_000,
		invoice:    "lnbc-big",
	}}, NewRoundRobinPolicy(), StopBackoffProvider{}, &bias)

	for i := 0; i < 4; i++ {
		invoice, err := b.GetInvoice(
			context.Background(), testOffer("default"), 500_000,
			600, nil,
		)
		require.NoError(t, err)
		require.Equal(t, "lnbc-big", invoice)
	}

	// With no backend meeting the capacity target the fallback pass
	// drops the constraint and still serves.
	nodePool.mu.Lock()
	for addr, metrics := range nodePool.metrics {
		metrics.EffectiveInboundMsat = 1_000
		nodePool.metrics[addr] = metrics
	}
	nodePool.mu.Unlock()

	invoice, err := b.GetInvoice(
		context.Background(), testOffer("default"), 500_000, 600, nil,
	)
	require.NoError(t, err)
	require.NotEmpty(t, invoice)
}

// TestMissingMetricsExcluded asserts a backend with no cached metrics
// is never picked.
func TestMissingMetricsExcluded(t *testing.T) {
	t.Parallel()

	b, nodePool, _ := buildBalancer(t, []fleetSpec{{
		name:       "probed-node",
		weight:     1,
		partitions: []string{"default"},
		enabled:    true,
		inbound:    1_000_000,
		invoice:    "lnbc-probed",
	}, {
		name:       "unprobed-node",
		weight:     1,
		partitions: []string{"default"},
		enabled:    true,
		inbound:    1_000_000,
		invoice:    "lnbc-unprobed",
	}}, NewRoundRobinPolicy(), StopBackoffProvider{}, nil)

	nodePool.mu.Lock()
	delete(nodePool.metrics, testAddr(t, "unprobed-node"))
	nodePool.mu.Unlock()

	for i := 0; i < 4; i++ {
		invoice, err := b.GetInvoice(
			context.Background(), testOffer("default"), 21_000,
			600, nil,
		)
		require.NoError(t, err)
		require.Equal(t, "lnbc-probed", invoice)
	}
}

// TestDownstreamErrorNotRetried asserts downstream errors surface
// immediately while upstream errors run the retry loop.
func TestDownstreamErrorNotRetried(t *testing.T) {
	t.Parallel()

	b, nodePool, _ := buildBalancer(t, []fleetSpec{{
		name:       "rejecting-node",
		weight:     1,
		partitions: []string{"default"},
		enabled:    true,
		inbound:    1_000_000,
		err:        status.Downstreamf("amount below minimum"),
	}}, NewRoundRobinPolicy(), StopBackoffProvider{}, nil)

	_, err := b.GetInvoice(
		context.Background(), testOffer("default"), 21_000, 600, nil,
	)
	require.Error(t, err)
	require.Equal(t, status.SourceDownstream, status.SourceOf(err))
	require.Len(t, nodePool.calls, 1)
}

// TestUpstreamErrorRetried asserts upstream errors retry under the
// backoff and trigger a concurrent fleet refresh.
func TestUpstreamErrorRetried(t *testing.T) {
	t.Parallel()

	provider := &ExponentialBackoffProvider{
		InitialInterval:     time.Millisecond,
		Multiplier:          1.5,
		RandomizationFactor: 0,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      50 * time.Millisecond,
	}

	b, nodePool, fleet := buildBalancer(t, []fleetSpec{{
		name:       "flaky-node",
		weight:     1,
		partitions: []string{"default"},
		enabled:    true,
		inbound:    1_000_000,
		err:        status.Upstreamf("connection reset"),
	}}, NewRoundRobinPolicy(), provider, nil)

	_, err := b.GetInvoice(
		context.Background(), testOffer("default"), 21_000, 600, nil,
	)
	require.Error(t, err)
	require.Equal(t, status.SourceUpstream, status.SourceOf(err))
	require.Greater(t, len(nodePool.calls), 1)

	// Each backoff sleep kicked off a refresh.
	require.Eventually(t, func() bool {
		fleet.mu.Lock()
		defer fleet.mu.Unlock()

		return fleet.refreshed > 0
	}, time.Second, 5*time.Millisecond)
}

// TestNoBackendAvailable asserts an empty fleet yields an upstream
// classification.
func TestNoBackendAvailable(t *testing.T) {
	t.Parallel()

	b, _, _ := buildBalancer(
		t, nil, NewRoundRobinPolicy(), StopBackoffProvider{}, nil,
	)

	_, err := b.GetInvoice(
		context.Background(), testOffer("default"), 21_000, 600, nil,
	)
	require.Error(t, err)
	require.Equal(t, status.SourceUpstream, status.SourceOf(err))

	require.Error(t, b.Health(context.Background()))
}

// TestConsistentHashDeterminism asserts the same routing key always
// lands on the same backend, and different keys spread.
func TestConsistentHashDeterminism(t *testing.T) {
	t.Parallel()

	specs := []fleetSpec{}
	for i := 0; i < 5; i++ {
		specs = append(specs, fleetSpec{
			name:       fmt.Sprintf("node-%d", i),
			weight:     1,
			partitions: []string{"default"},
			enabled:    true,
			inbound:    1_000_000,
			invoice:    fmt.Sprintf("lnbc-node-%d", i),
		})
	}

	b, _, _ := buildBalancer(
		t, specs, NewConsistentHashPolicy(16), StopBackoffProvider{},
		nil,
	)

	o := testOffer("default")
	key := []byte("payer-fingerprint-1")

	first, err := b.GetInvoice(context.Background(), o, 21_000, 600, key)
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		invoice, err := b.GetInvoice(
			context.Background(), o, 21_000, 600, key,
		)
		require.NoError(t, err)
		require.Equal(t, first, invoice)
	}

	// A spread of keys reaches more than one backend.
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		invoice, err := b.GetInvoice(
			context.Background(), o, 21_000, 600,
			[]byte(fmt.Sprintf("payer-%d", i)),
		)
		require.NoError(t, err)
		seen[invoice] = struct{}{}
	}
	require.Greater(t, len(seen), 1)
}

// TestRoundRobinRotation asserts round-robin cycles through all
// eligible backends.
func TestRoundRobinRotation(t *testing.T) {
	t.Parallel()

	specs := []fleetSpec{}
	for i := 0; i < 3; i++ {
		specs = append(specs, fleetSpec{
			name:       fmt.Sprintf("node-%d", i),
			weight:     1,
			partitions: []string{"default"},
			enabled:    true,
			inbound:    1_000_000,
			invoice:    fmt.Sprintf("lnbc-node-%d", i),
		})
	}

	b, _, _ := buildBalancer(
		t, specs, NewRoundRobinPolicy(), StopBackoffProvider{}, nil,
	)

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		invoice, err := b.GetInvoice(
			context.Background(), testOffer("default"), 21_000,
			600, nil,
		)
		require.NoError(t, err)
		seen[invoice]++
	}

	require.Len(t, seen, 3)
	for _, count := range seen {
		require.Equal(t, 3, count)
	}
}

// TestHealthEndpoint asserts the health pick ignores partitions and
// capacity but honors enablement and health.
func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	b, nodePool, _ := buildBalancer(t, []fleetSpec{{
		name:       "any-node",
		weight:     1,
		partitions: []string{"tenant-z"},
		enabled:    true,
		inbound:    0,
	}}, NewRoundRobinPolicy(), StopBackoffProvider{}, nil)

	// No metrics at all: the health pick still succeeds.
	nodePool.mu.Lock()
	nodePool.metrics = make(map[discovery.Address]pool.Metrics)
	nodePool.mu.Unlock()

	require.NoError(t, b.Health(context.Background()))

	// Mark the only backend unhealthy, the pick fails.
	member := b.fleet.Fleet().Backends[0]
	b.health.Observe(member.Hash(), false)
	require.Error(t, b.Health(context.Background()))
}

// TestCheckHealthObserves asserts probes feed the registry and flip
// backend health after the failure threshold.
func TestCheckHealthObserves(t *testing.T) {
	t.Parallel()

	b, nodePool, _ := buildBalancer(t, []fleetSpec{{
		name:       "watched-node",
		weight:     1,
		partitions: []string{"default"},
		enabled:    true,
		inbound:    1_000_000,
		invoice:    "lnbc-watched",
	}}, NewRoundRobinPolicy(), StopBackoffProvider{}, nil)

	addr := testAddr(t, "watched-node")
	member := b.fleet.Fleet().Backends[0]

	b.CheckHealth(context.Background())
	require.True(t, b.health.Healthy(member.Hash()))

	// Failing probes flip the backend after the threshold.
	nodePool.mu.Lock()
	delete(nodePool.metrics, addr)
	nodePool.mu.Unlock()

	b.CheckHealth(context.Background())
	require.False(t, b.health.Healthy(member.Hash()))
}
