// Package resilience provides the per-endpoint circuit breaker protecting
// outbound calls to the backend services, and a registry tracking breaker
// state for diagnostics.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// Predefined breaker errors.
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	// without attempting the network.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State is the circuit breaker state.
type State int

// Circuit breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	// Name identifies the breaker for logging/diagnostics.
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Default: 5.
	FailureThreshold int

	// BaseCooldown is the open-state duration before the first half-open
	// probe. Default: 30 seconds.
	BaseCooldown time.Duration

	// MaxCooldown caps the cooldown, which doubles every time a half-open
	// probe fails. Default: 5 minutes.
	MaxCooldown time.Duration

	// OnStateChange is invoked after every state transition. Optional.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns sensible breaker defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

// Counts holds breaker statistics.
type Counts struct {
	ConsecutiveFailures int
	TotalSuccesses      uint64
	TotalFailures       uint64
	Trips               uint64
}

// Breaker is a three-state circuit breaker. Closed circuits pass calls
// through and count consecutive failures; open circuits fail fast until the
// cooldown elapses; half-open circuits admit exactly one probe. A failed
// probe re-opens the circuit and doubles the cooldown up to MaxCooldown.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	state         State
	counts        Counts
	openedAt      time.Time
	cooldown      time.Duration
	probeInFlight bool
}

// New creates a circuit breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 30 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 5 * time.Minute
	}
	return &Breaker{
		cfg:      cfg,
		now:      time.Now,
		state:    StateClosed,
		cooldown: cfg.BaseCooldown,
	}
}

// Execute runs fn under circuit breaker protection. It returns
// ErrCircuitOpen without calling fn when the circuit is open, or when a
// half-open probe is already in flight.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()
	b.afterCall(err == nil)
	return err
}

// Do runs fn under circuit breaker protection and returns its result.
// The generic counterpart of Execute for calls that produce a value.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := b.beforeCall(); err != nil {
		return zero, err
	}

	v, err := fn()
	b.afterCall(err == nil)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// State returns the current breaker state, applying the open-to-half-open
// transition if the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Counts returns the current breaker statistics.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset forces the breaker back to closed with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = Counts{}
	b.cooldown = b.cfg.BaseCooldown
	b.probeInFlight = false
	b.transition(StateClosed)
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		// Exactly one probe is admitted.
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
	case StateClosed:
	}
	return nil
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen {
			// Probe succeeded: close and reset the cooldown ladder.
			b.probeInFlight = false
			b.cooldown = b.cfg.BaseCooldown
			b.transition(StateClosed)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		// Probe failed: re-open with a doubled cooldown.
		b.probeInFlight = false
		b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
		b.trip()
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateOpen:
	}
}

// maybeHalfOpen transitions open to half-open once the cooldown elapses.
// Caller must hold b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.probeInFlight = false
		b.transition(StateHalfOpen)
	}
}

// trip opens the circuit and records when. Caller must hold b.mu.
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.counts.Trips++
	b.transition(StateOpen)
}

// transition changes state and fires the hook. Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
