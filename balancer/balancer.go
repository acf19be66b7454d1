package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/bitshock-src/switchgear-sub000/offer"
	"github.com/bitshock-src/switchgear-sub000/status"
	"github.com/cenkalti/backoff/v4"
)

// Balancer picks backends for invoice requests and drives the retry
// loop around minting. Selection is policy driven and bounded; every
// retry triggers a concurrent fleet refresh and health re-check that
// never outlives the backoff sleep.
type Balancer struct {
	fleet   FleetSource
	pool    NodePool
	health  *HealthRegistry
	policy  Policy
	backoff BackoffProvider

	// capacityBias, when set, restricts the first selection pass to
	// backends whose known inbound capacity covers the amount scaled
	// by (1 + bias).
	capacityBias *float64

	parallelHealthCheck bool
}

// New creates a balancer. A nil capacityBias disables the capacity
// constraint entirely.
func New(fleet FleetSource, nodePool NodePool, health *HealthRegistry,
	policy Policy, backoffProvider BackoffProvider,
	capacityBias *float64, parallelHealthCheck bool) *Balancer {

	return &Balancer{
		fleet:               fleet,
		pool:                nodePool,
		health:              health,
		policy:              policy,
		backoff:             backoffProvider,
		capacityBias:        capacityBias,
		parallelHealthCheck: parallelHealthCheck,
	}
}

// selectBackend scans up to the policy's iteration bound for the first
// candidate that is enabled, healthy, serves the partition and has
// known metrics. With a bias set the candidate's inbound capacity,
// scaled by (1 + bias), must additionally cover the amount.
func (b *Balancer) selectBackend(partition string, amountMsat uint64,
	key []byte, bias *float64) *Backend {

	fleet := b.fleet.Fleet()
	next := b.policy.Candidates(key, fleet.Backends)
	maxIterations := b.policy.MaxIterations(len(fleet.Backends))

	for i := 0; i < maxIterations; i++ {
		candidate := next()
		if candidate == nil {
			return nil
		}

		hash := candidate.Hash()
		if !fleet.Enabled(hash) || !b.health.Healthy(hash) {
			continue
		}
		if !candidate.HasPartition(partition) {
			continue
		}

		metrics, ok := b.pool.CachedMetrics(candidate.Address)
		if !ok {
			continue
		}

		if bias != nil {
			capacity := float64(metrics.EffectiveInboundMsat) *
				(1 + *bias)
			if float64(amountMsat) > capacity {
				continue
			}
		}

		return candidate
	}

	return nil
}

// GetInvoice mints an invoice for the offer, retrying transient
// failures under the configured backoff. The first selection pass uses
// the configured capacity bias and falls back once, immediately, to an
// unconstrained pass; later passes are unconstrained from the start.
// Downstream errors return immediately, everything else retries until
// the backoff terminates.
func (b *Balancer) GetInvoice(ctx context.Context, o *offer.Offer,
	amountMsat, expirySecs uint64, key []byte) (string, error) {

	schedule := b.backoff.NewBackoff()
	bias := b.capacityBias

	for {
		if err := ctx.Err(); err != nil {
			return "", status.Upstreamf("invoice request for "+
				"offer %v/%v cancelled: %w", o.Partition, o.ID,
				err)
		}

		candidate := b.selectBackend(o.Partition, amountMsat, key, bias)
		if bias != nil {
			bias = nil
			if candidate == nil {
				// Second pass without the capacity
				// constraint, no backoff in between.
				continue
			}
		}

		var (
			invoice string
			err     error
		)
		if candidate == nil {
			err = status.Upstreamf("no backend available for "+
				"offer %v/%v", o.Partition, o.ID)
		} else {
			invoice, err = b.pool.GetInvoice(
				ctx, o, candidate.Address, amountMsat,
				expirySecs,
			)
		}
		if err == nil {
			return invoice, nil
		}

		if status.SourceOf(err) == status.SourceDownstream {
			return "", err
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			log.Errorf("Too many retries minting invoice for "+
				"offer %v/%v, giving up: %v", o.Partition,
				o.ID, err)
			return "", err
		}

		RetryCount.Inc()
		log.Warnf("Error minting invoice for offer %v/%v: %v, "+
			"retrying in %v", o.Partition, o.ID, err, delay)

		if err := b.awaitRetry(ctx, delay); err != nil {
			return "", status.Upstreamf("invoice request for "+
				"offer %v/%v cancelled: %w", o.Partition, o.ID,
				err)
		}
	}
}

// awaitRetry sleeps for the backoff delay while a fleet refresh and a
// health re-check run concurrently. The refresh is bounded by the
// sleep duration so it can never stretch the retry window; its errors
// are logged, not propagated.
func (b *Balancer) awaitRetry(ctx context.Context,
	delay time.Duration) error {

	refreshCtx, cancel := context.WithTimeout(ctx, delay)
	go func() {
		defer cancel()

		if err := b.fleet.Refresh(refreshCtx); err != nil {
			log.Errorf("Fleet refresh during retry failed: %v",
				err)
		}
		b.CheckHealth(refreshCtx)
	}()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil

	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Health picks any enabled, healthy backend under the selection policy
// with no partition or capacity constraint. It fails when none exists.
func (b *Balancer) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return status.Upstreamf("health check cancelled: %w", err)
	}

	fleet := b.fleet.Fleet()
	next := b.policy.Candidates(nil, fleet.Backends)
	maxIterations := b.policy.MaxIterations(len(fleet.Backends))

	for i := 0; i < maxIterations; i++ {
		candidate := next()
		if candidate == nil {
			break
		}

		hash := candidate.Hash()
		if fleet.Enabled(hash) && b.health.Healthy(hash) {
			return nil
		}
	}

	return status.Upstreamf("no backend available")
}

// CheckHealth probes every fleet member and feeds the outcomes into
// the health registry. Probes also refresh the cached capacity
// metrics the selection predicate reads.
func (b *Balancer) CheckHealth(ctx context.Context) {
	fleet := b.fleet.Fleet()

	check := func(member *Backend) {
		metrics, err := b.pool.GetMetrics(ctx, member.Address)
		ok := err == nil && metrics.Healthy
		if err != nil {
			log.Debugf("Health probe of backend %v failed: %v",
				member.Address, err)
		}

		if b.health.Observe(member.Hash(), ok) {
			if ok {
				log.Infof("Backend %v is healthy again",
					member.Address)
			} else {
				log.Warnf("Backend %v is unhealthy",
					member.Address)
			}
		}
	}

	if !b.parallelHealthCheck {
		for _, member := range fleet.Backends {
			check(member)
		}
		return
	}

	var wg sync.WaitGroup
	for _, member := range fleet.Backends {
		member := member
		wg.Add(1)
		go func() {
			defer wg.Done()
			check(member)
		}()
	}
	wg.Wait()
}

// RunHealthChecks probes the fleet on the given cadence until the
// context is cancelled.
func (b *Balancer) RunHealthChecks(ctx context.Context,
	interval time.Duration) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.CheckHealth(ctx)

		case <-ctx.Done():
			return
		}
	}
}
