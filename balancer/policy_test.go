package balancer

import (
	"fmt"
	"math"
	"testing"

	"github.com/bitshock-src/switchgear-sub000/discovery"
	"github.com/stretchr/testify/require"
)

func policyBackends(t *testing.T, n int) []*Backend {
	t.Helper()

	backends := make([]*Backend, n)
	for i := range backends {
		addr, err := discovery.NewURLAddress(
			fmt.Sprintf("https://node-%d:9736", i),
		)
		require.NoError(t, err)
		backends[i] = NewBackend(addr, uint32(i+1), "default")
	}

	return backends
}

// TestMaxIterations asserts the per-policy iteration bounds.
func TestMaxIterations(t *testing.T) {
	t.Parallel()

	rr := NewRoundRobinPolicy()
	require.Equal(t, 0, rr.MaxIterations(0))
	require.Equal(t, 7, rr.MaxIterations(7))

	random := NewWeightedRandomPolicy()
	require.Equal(t, 0, random.MaxIterations(0))
	require.Equal(t, 1, random.MaxIterations(1))
	for _, n := range []int{2, 5, 100} {
		expected := int(math.Ceil(
			4 * float64(n) * math.Log(float64(n)),
		))
		require.Equal(t, expected, random.MaxIterations(n))
	}

	consistent := NewConsistentHashPolicy(16)
	require.Equal(t, 16, consistent.MaxIterations(0))
	require.Equal(t, 16, consistent.MaxIterations(1000))
}

// TestRoundRobinCandidates asserts the start index rotates per call
// and each sequence walks the fleet in order.
func TestRoundRobinCandidates(t *testing.T) {
	t.Parallel()

	backends := policyBackends(t, 3)
	policy := NewRoundRobinPolicy()

	firsts := make(map[*Backend]int)
	for i := 0; i < 6; i++ {
		next := policy.Candidates(nil, backends)
		firsts[next()]++
	}

	// Every backend led the sequence twice over six rotations.
	require.Len(t, firsts, 3)
	for _, count := range firsts {
		require.Equal(t, 2, count)
	}

	// One sequence visits all members before repeating.
	next := policy.Candidates(nil, backends)
	seen := make(map[*Backend]struct{})
	for i := 0; i < len(backends); i++ {
		seen[next()] = struct{}{}
	}
	require.Len(t, seen, len(backends))
}

// TestWeightedRandomCandidates asserts sampling respects weights: a
// backend with zero weight is never drawn, heavier backends dominate.
func TestWeightedRandomCandidates(t *testing.T) {
	t.Parallel()

	backends := policyBackends(t, 3)
	backends[0].Weight = 0
	backends[1].Weight = 1
	backends[2].Weight = 9

	policy := NewWeightedRandomPolicy()
	next := policy.Candidates(nil, backends)

	counts := make(map[*Backend]int)
	for i := 0; i < 2000; i++ {
		counts[next()]++
	}

	require.Zero(t, counts[backends[0]])
	require.Greater(t, counts[backends[2]], counts[backends[1]])
}

// TestConsistentHashCandidates asserts the key fully determines the
// candidate order and distinct keys spread over the fleet.
func TestConsistentHashCandidates(t *testing.T) {
	t.Parallel()

	backends := policyBackends(t, 8)
	policy := NewConsistentHashPolicy(8)

	sequence := func(key []byte) []*Backend {
		next := policy.Candidates(key, backends)
		var out []*Backend
		for backend := next(); backend != nil; backend = next() {
			out = append(out, backend)
		}

		return out
	}

	key := []byte("payer-fingerprint")
	first := sequence(key)
	require.Len(t, first, len(backends))
	require.Equal(t, first, sequence(key))

	// Distinct keys land on more than one head.
	heads := make(map[*Backend]struct{})
	for i := 0; i < 32; i++ {
		s := sequence([]byte(fmt.Sprintf("payer-%d", i)))
		heads[s[0]] = struct{}{}
	}
	require.Greater(t, len(heads), 1)

	// The iterator terminates after the last candidate.
	next := policy.Candidates(key, backends)
	for i := 0; i < len(backends); i++ {
		require.NotNil(t, next())
	}
	require.Nil(t, next())
}

// TestNewPolicy asserts the configuration names map to policies.
func TestNewPolicy(t *testing.T) {
	t.Parallel()

	policy, ok := NewPolicy(PolicyNameRoundRobin, 0)
	require.True(t, ok)
	require.Equal(t, PolicyNameRoundRobin, policy.Name())

	policy, ok = NewPolicy(PolicyNameWeightedRandom, 0)
	require.True(t, ok)
	require.Equal(t, PolicyNameWeightedRandom, policy.Name())

	policy, ok = NewPolicy(PolicyNameConsistentHash, 32)
	require.True(t, ok)
	require.Equal(t, 32, policy.MaxIterations(1000))

	_, ok = NewPolicy("leastconn", 0)
	require.False(t, ok)
}
