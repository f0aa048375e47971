package resilience

import (
	"sync"
	"time"
)

// EndpointHealth represents the breaker-level health of one endpoint.
type EndpointHealth struct {
	// Endpoint is the service endpoint ID.
	Endpoint string

	// CircuitState is the current circuit breaker state.
	CircuitState State

	// Counts contains circuit breaker statistics.
	Counts Counts

	// LastSuccessAt is the timestamp of the last successful request.
	LastSuccessAt *time.Time

	// LastFailureAt is the timestamp of the last failed request.
	LastFailureAt *time.Time

	// LastError is the most recent error message, if any.
	LastError string
}

// IsHealthy returns true if the endpoint's circuit is closed.
func (h *EndpointHealth) IsHealthy() bool {
	return h.CircuitState == StateClosed
}

// IsDegraded returns true if the endpoint is half-open (probing).
func (h *EndpointHealth) IsDegraded() bool {
	return h.CircuitState == StateHalfOpen
}

// IsUnhealthy returns true if the endpoint's circuit is open.
func (h *EndpointHealth) IsUnhealthy() bool {
	return h.CircuitState == StateOpen
}

// Registry owns one circuit breaker per endpoint ID. The gateway is the only
// writer; tests instantiate independent registries so breaker state is never
// shared across instances.
type Registry struct {
	cfg Config

	mu        sync.RWMutex
	endpoints map[string]*registeredEndpoint
}

type registeredEndpoint struct {
	breaker       *Breaker
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates a registry that stamps new breakers from template.
// The template's Name is replaced with the endpoint ID on registration.
func NewRegistry(template Config) *Registry {
	return &Registry{
		cfg:       template,
		endpoints: make(map[string]*registeredEndpoint),
	}
}

// Breaker returns the circuit breaker for an endpoint, creating it on first
// use.
func (r *Registry) Breaker(endpoint string) *Breaker {
	r.mu.RLock()
	e, ok := r.endpoints[endpoint]
	r.mu.RUnlock()
	if ok {
		return e.breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.endpoints[endpoint]; ok {
		return e.breaker
	}

	cfg := r.cfg
	cfg.Name = endpoint
	e = &registeredEndpoint{breaker: New(cfg)}
	r.endpoints[endpoint] = e
	return e.breaker
}

// RecordSuccess records a successful request for an endpoint.
func (r *Registry) RecordSuccess(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.endpoints[endpoint]; ok {
		now := time.Now()
		e.lastSuccessAt = &now
	}
}

// RecordFailure records a failed request for an endpoint.
func (r *Registry) RecordFailure(endpoint string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.endpoints[endpoint]; ok {
		now := time.Now()
		e.lastFailureAt = &now
		if err != nil {
			e.lastError = err.Error()
		}
	}
}

// GetHealth returns the health of a specific endpoint, or nil if the
// endpoint has never been called.
func (r *Registry) GetHealth(endpoint string) *EndpointHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.endpoints[endpoint]
	if !ok {
		return nil
	}

	return &EndpointHealth{
		Endpoint:      endpoint,
		CircuitState:  e.breaker.State(),
		Counts:        e.breaker.Counts(),
		LastSuccessAt: e.lastSuccessAt,
		LastFailureAt: e.lastFailureAt,
		LastError:     e.lastError,
	}
}

// GetAllHealth returns the health of every endpoint seen so far.
func (r *Registry) GetAllHealth() []*EndpointHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := make([]*EndpointHealth, 0, len(r.endpoints))
	for endpoint, e := range r.endpoints {
		health = append(health, &EndpointHealth{
			Endpoint:      endpoint,
			CircuitState:  e.breaker.State(),
			Counts:        e.breaker.Counts(),
			LastSuccessAt: e.lastSuccessAt,
			LastFailureAt: e.lastFailureAt,
			LastError:     e.lastError,
		})
	}

	return health
}

// EndpointCount returns the number of endpoints with breaker state.
func (r *Registry) EndpointCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
