package channels

import (
	"sync"
	"time"
)

// CircuitConfig trips a per-host breaker after consecutive failed deliveries.
// While open, deliveries to that host fail fast with ErrCircuitOpen.
//
// Defaults: trip 5, base "5s", max "2m", reset_after "5m". A negative Trip
// disables the breaker.
type CircuitConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

func (c CircuitConfig) enabled() bool { return c.Trip > 0 }

type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuits struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// stateLocked returns the state for key, forgetting failures older than
// ResetAfter.
func (s *circuits) stateLocked(now time.Time, cfg CircuitConfig, key string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.ResetAfter {
		*st = circuitState{}
	}
	return st
}

func (s *circuits) open(now time.Time, cfg CircuitConfig, key string) (bool, time.Time) {
	if !cfg.enabled() || key == "" {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(now, cfg, key)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *circuits) record(now time.Time, cfg CircuitConfig, key string, err error) {
	if !cfg.enabled() || key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(now, cfg, key)
	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < cfg.Trip {
		return
	}
	// Cooldown doubles with every failure past the trip point.
	d := cfg.BaseDelay
	for i := 0; i < st.fails-cfg.Trip && d < cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	st.openUntil = now.Add(d)
}

// openCount reports how many hosts are currently tripped.
func (s *circuits) openCount(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.m {
		if now.Before(st.openUntil) {
			n++
		}
	}
	return n
}
