package balancer

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// The selection policy names accepted in the configuration.
const (
	PolicyNameRoundRobin     = "roundrobin"
	PolicyNameWeightedRandom = "random"
	PolicyNameConsistentHash = "consistent"
)

// Policy produces candidate sequences over a fleet. The caller bounds
// the scan with MaxIterations and applies the selection predicate to
// each candidate in turn.
type Policy interface {
	// Name returns the policy's configuration name.
	Name() string

	// MaxIterations bounds the candidate scan for a fleet of n
	// backends.
	MaxIterations(n int) int

	// Candidates returns an iterator over selection candidates for
	// the routing key. The iterator returns nil when the policy has
	// no further candidates.
	Candidates(key []byte, backends []*Backend) func() *Backend
}

// RoundRobinPolicy rotates the starting candidate per call and walks
// the fleet in order from there.
type RoundRobinPolicy struct {
	next uint64
}

// A compile time check to ensure RoundRobinPolicy implements the
// Policy interface.
var _ Policy = (*RoundRobinPolicy)(nil)

// NewRoundRobinPolicy creates a round-robin policy.
func NewRoundRobinPolicy() *RoundRobinPolicy {
	return &RoundRobinPolicy{}
}

// Name returns the policy's configuration name.
//
// NOTE: This is part of the Policy interface.
func (p *RoundRobinPolicy) Name() string {
	return PolicyNameRoundRobin
}

// MaxIterations scans each backend at most once.
//
// NOTE: This is part of the Policy interface.
func (p *RoundRobinPolicy) MaxIterations(n int) int {
	return n
}

// Candidates walks the fleet from a per-call rotating start index. The
// routing key is ignored.
//
// NOTE: This is part of the Policy interface.
func (p *RoundRobinPolicy) Candidates(_ []byte,
	backends []*Backend) func() *Backend {

	start := atomic.AddUint64(&p.next, 1) - 1
	var i uint64

	return func() *Backend {
		if len(backends) == 0 {
			return nil
		}

		backend := backends[(start+i)%uint64(len(backends))]
		i++

		return backend
	}
}

// WeightedRandomPolicy samples candidates independently, respecting
// the configured backend weights.
type WeightedRandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// A compile time check to ensure WeightedRandomPolicy implements the
// Policy interface.
var _ Policy = (*WeightedRandomPolicy)(nil)

// NewWeightedRandomPolicy creates a weighted random policy.
func NewWeightedRandomPolicy() *WeightedRandomPolicy {
	return &WeightedRandomPolicy{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Name returns the policy's configuration name.
//
// NOTE: This is part of the Policy interface.
func (p *WeightedRandomPolicy) Name() string {
	return PolicyNameWeightedRandom
}

// MaxIterations uses the coupon-collector style bound ceil(4·n·ln(n))
// so every backend has a high probability of being sampled at least
// once.
//
// NOTE: This is part of the Policy interface.
func (p *WeightedRandomPolicy) MaxIterations(n int) int {
	if n <= 1 {
		return n
	}

	return int(math.Ceil(4 * float64(n) * math.Log(float64(n))))
}

// Candidates samples backends proportionally to their weights. The
// routing key is ignored. Fleets whose weights sum to zero are sampled
// uniformly.
//
// NOTE: This is part of the Policy interface.
func (p *WeightedRandomPolicy) Candidates(_ []byte,
	backends []*Backend) func() *Backend {

	var total uint64
	for _, backend := range backends {
		total += uint64(backend.Weight)
	}

	return func() *Backend {
		if len(backends) == 0 {
			return nil
		}

		p.mu.Lock()
		defer p.mu.Unlock()

		if total == 0 {
			return backends[p.rng.Intn(len(backends))]
		}

		target := uint64(p.rng.Int63n(int64(total)))
		for _, backend := range backends {
			weight := uint64(backend.Weight)
			if target < weight {
				return backend
			}
			target -= weight
		}

		return backends[len(backends)-1]
	}
}

// ConsistentHashPolicy orders candidates by rendezvous hashing: every
// backend is scored against the routing key and candidates are visited
// in descending score order. The same key always yields the same
// sequence over the same fleet.
type ConsistentHashPolicy struct {
	maxIterations int
}

// A compile time check to ensure ConsistentHashPolicy implements the
// Policy interface.
var _ Policy = (*ConsistentHashPolicy)(nil)

// NewConsistentHashPolicy creates a consistent-hash policy with the
// given constant iteration bound.
func NewConsistentHashPolicy(maxIterations int) *ConsistentHashPolicy {
	return &ConsistentHashPolicy{maxIterations: maxIterations}
}

// Name returns the policy's configuration name.
//
// NOTE: This is part of the Policy interface.
func (p *ConsistentHashPolicy) Name() string {
	return PolicyNameConsistentHash
}

// MaxIterations returns the configured constant bound.
//
// NOTE: This is part of the Policy interface.
func (p *ConsistentHashPolicy) MaxIterations(_ int) int {
	return p.maxIterations
}

// Candidates visits backends in descending rendezvous score order for
// the key and terminates after the last one.
//
// NOTE: This is part of the Policy interface.
func (p *ConsistentHashPolicy) Candidates(key []byte,
	backends []*Backend) func() *Backend {

	type scored struct {
		backend *Backend
		score   uint64
	}

	ranked := make([]scored, len(backends))
	for i, backend := range backends {
		digest := xxhash.New()
		_, _ = digest.Write(key)
		_, _ = digest.WriteString(backend.Address.Encoded())
		ranked[i] = scored{backend: backend, score: digest.Sum64()}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}

		return ranked[i].backend.Address.Encoded() <
			ranked[j].backend.Address.Encoded()
	})

	var i int
	return func() *Backend {
		if i >= len(ranked) {
			return nil
		}

		backend := ranked[i].backend
		i++

		return backend
	}
}

// NewPolicy creates the policy named in the configuration.
func NewPolicy(name string, consistentMaxIterations int) (Policy, bool) {
	switch name {
	case PolicyNameRoundRobin:
		return NewRoundRobinPolicy(), true

	case PolicyNameWeightedRandom:
		return NewWeightedRandomPolicy(), true

	case PolicyNameConsistentHash:
		return NewConsistentHashPolicy(consistentMaxIterations), true

	default:
		return nil, false
	}
}
