package pool

import (
	"context"
	"sync"
	"time"

	"github.com/bitshock-src/switchgear-sub000/discovery"
	"github.com/bitshock-src/switchgear-sub000/offer"
	"github.com/bitshock-src/switchgear-sub000/status"
)

// MetricsCache exposes the last metrics snapshot seen per backend.
// Absence of an entry means no capacity data is known yet.
type MetricsCache interface {
	// CachedMetrics returns the last metrics probed for the backend,
	// if any.
	CachedMetrics(key discovery.Address) (*Metrics, bool)
}

// Pool keeps one lazily connecting RPC client per registered backend,
// keyed by the backend's address.
type Pool struct {
	timeout time.Duration

	// newClient builds the client for a backend descriptor. Tests
	// swap this out.
	newClient func(*discovery.Backend) (Client, error)

	mu      sync.Mutex
	clients map[discovery.Address]Client

	metricsMu sync.Mutex
	metrics   map[discovery.Address]Metrics
}

// A compile time check to ensure Pool implements the MetricsCache
// interface.
var _ MetricsCache = (*Pool)(nil)

// NewPool creates an empty pool. Every RPC call through the pool is
// bounded by the given timeout.
func NewPool(timeout time.Duration) *Pool {
	p := &Pool{
		timeout: timeout,
		clients: make(map[discovery.Address]Client),
		metrics: make(map[discovery.Address]Metrics),
	}
	p.newClient = p.defaultClient

	return p
}

func (p *Pool) defaultClient(backend *discovery.Backend) (Client, error) {
	impl := backend.Implementation
	switch {
	case impl.ClnGrpc != nil:
		return NewClnClient(p.timeout, impl.ClnGrpc), nil

	case impl.LndGrpc != nil:
		return NewLndClient(p.timeout, impl.LndGrpc), nil

	default:
		return newRemoteClient(backend.Address), nil
	}
}

// Connect registers a client for the backend, replacing any previous
// one. The client itself connects on first use.
func (p *Pool) Connect(backend *discovery.Backend) error {
	client, err := p.newClient(backend)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[backend.Address] = client

	return nil
}

// Has reports whether a client is registered for the backend.
func (p *Pool) Has(key discovery.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.clients[key]
	return ok
}

// Remove drops a backend's client and its cached metrics.
func (p *Pool) Remove(key discovery.Address) {
	p.mu.Lock()
	delete(p.clients, key)
	p.mu.Unlock()

	p.metricsMu.Lock()
	delete(p.metrics, key)
	p.metricsMu.Unlock()
}

// Close disconnects every registered client and drops all cached
// metrics.
func (p *Pool) Close() {
	p.mu.Lock()
	for key, client := range p.clients {
		client.Disconnect()
		delete(p.clients, key)
	}
	p.mu.Unlock()

	p.metricsMu.Lock()
	p.metrics = make(map[discovery.Address]Metrics)
	p.metricsMu.Unlock()
}

func (p *Pool) client(key discovery.Address) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	client, ok := p.clients[key]
	if !ok {
		return nil, status.Internalf("no client registered for "+
			"backend %v", key)
	}

	return client, nil
}

// GetInvoice mints an invoice for the offer on the given backend. The
// description binding follows the node's capability: nodes that accept
// a raw description hash get the offer's precomputed hash, all others
// get the metadata string to hash themselves. Both bind the same
// description hash into the invoice.
func (p *Pool) GetInvoice(ctx context.Context, o *offer.Offer,
	key discovery.Address, amountMsat, expirySecs uint64) (string,
	error) {

	client, err := p.client(key)
	if err != nil {
		return "", err
	}

	var desc Description
	if client.Features().InvoiceFromDescHash {
		desc = HashDescription(o.MetadataHash)
	} else {
		desc = DirectIntoHashDescription(o.MetadataJSON)
	}

	return client.GetInvoice(ctx, amountMsat, desc, expirySecs)
}

// GetMetrics probes the backend and refreshes its cached metrics
// snapshot on success.
func (p *Pool) GetMetrics(ctx context.Context,
	key discovery.Address) (*Metrics, error) {

	client, err := p.client(key)
	if err != nil {
		return nil, err
	}

	metrics, err := client.GetMetrics(ctx)
	if err != nil {
		return nil, err
	}

	p.metricsMu.Lock()
	p.metrics[key] = *metrics
	p.metricsMu.Unlock()

	return metrics, nil
}

// SetMetrics overwrites a backend's cached metrics snapshot. The
// health checker uses this to mark a backend unhealthy without waiting
// for a probe to succeed.
func (p *Pool) SetMetrics(key discovery.Address, metrics Metrics) {
	p.metricsMu.Lock()
	p.metrics[key] = metrics
	p.metricsMu.Unlock()
}

// CachedMetrics returns the last metrics probed for the backend, if
// any.
//
// NOTE: This is part of the MetricsCache interface.
func (p *Pool) CachedMetrics(key discovery.Address) (*Metrics, bool) {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()

	metrics, ok := p.metrics[key]
	if !ok {
		return nil, false
	}

	return &metrics, true
}
