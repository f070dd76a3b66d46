package breaker

import (
	"sync"
	"time"
)

// Registry holds one breaker per named dependency. It is passed by
// reference to components needing breaker access rather than living as
// package-global state.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use with the
// given thresholds. Later calls ignore the thresholds.
func (r *Registry) Get(name string, failureThreshold int, recoveryTimeout time.Duration, opts ...Option) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, failureThreshold, recoveryTimeout, opts...)
	r.breakers[name] = b
	return b
}

// StatsAll snapshots every registered breaker.
func (r *Registry) StatsAll() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}
