package balancer

import (
	"sync"
)

// healthState tracks one backend's health plus the streak of
// observations contradicting it.
type healthState struct {
	healthy bool
	streak  int
}

// HealthRegistry tracks per-backend health with hysteresis: a backend
// flips state only after the configured number of consecutive
// contradicting observations. Unknown backends start healthy so a
// freshly discovered fleet can serve before its first probe completes.
type HealthRegistry struct {
	mu sync.Mutex

	successThreshold int
	failureThreshold int
	states           map[uint64]*healthState
}

// NewHealthRegistry creates a registry flipping to healthy after
// successThreshold consecutive successes and to unhealthy after
// failureThreshold consecutive failures. Thresholds below one are
// raised to one.
func NewHealthRegistry(successThreshold,
	failureThreshold int) *HealthRegistry {

	if successThreshold < 1 {
		successThreshold = 1
	}
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	return &HealthRegistry{
		successThreshold: successThreshold,
		failureThreshold: failureThreshold,
		states:           make(map[uint64]*healthState),
	}
}

// Healthy reports the backend's current health.
func (r *HealthRegistry) Healthy(hash uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[hash]
	if !ok {
		return true
	}

	return state.healthy
}

// Observe records one probe outcome and reports whether the backend's
// health flipped.
func (r *HealthRegistry) Observe(hash uint64, ok bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, known := r.states[hash]
	if !known {
		state = &healthState{healthy: true}
		r.states[hash] = state
	}

	if ok == state.healthy {
		state.streak = 0
		return false
	}

	state.streak++

	threshold := r.failureThreshold
	if ok {
		threshold = r.successThreshold
	}
	if state.streak < threshold {
		return false
	}

	state.healthy = ok
	state.streak = 0

	return true
}

// Prune drops state for backends no longer in the fleet.
func (r *HealthRegistry) Prune(live map[uint64]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for hash := range r.states {
		if _, ok := live[hash]; !ok {
			delete(r.states, hash)
		}
	}
}
