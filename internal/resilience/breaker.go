package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the circuit mode for one service.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes one service's circuit.
type BreakerConfig struct {
	Threshold int
	Recovery  time.Duration
}

// Breaker tracks a failure state machine per service and fails fast while a
// dependency is unhealthy. The open to half-open transition is evaluated
// lazily on Allow; there is no background timer.
type Breaker struct {
	mu     sync.Mutex
	states map[Service]*circuitState
	now    func() time.Time
	logger zerolog.Logger
}

type circuitState struct {
	cfg      BreakerConfig
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker builds a breaker for the given per-service configs. Services
// without a config pass through unconditionally.
func NewBreaker(configs map[Service]BreakerConfig, logger zerolog.Logger) *Breaker {
	b := &Breaker{
		states: make(map[Service]*circuitState, len(configs)),
		now:    time.Now,
		logger: logger.With().Str("component", "circuit_breaker").Logger(),
	}
	for svc, cfg := range configs {
		if cfg.Threshold <= 0 || cfg.Recovery <= 0 {
			continue
		}
		b.states[svc] = &circuitState{cfg: cfg, state: StateClosed}
	}
	return b
}

// Allow reports whether a call may be attempted. While half-open, exactly one
// probe is permitted; the slot is claimed here and released only by
// RecordSuccess, RecordFailure, or Release, so a stalled probe never admits
// another.
func (b *Breaker) Allow(svc Service) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.states[svc]
	if !ok {
		return true
	}

	switch cs.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(cs.openedAt) >= cs.cfg.Recovery {
			b.transition(svc, cs, StateHalfOpen)
			cs.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if cs.probing {
			return false
		}
		cs.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess notes a successful call. A half-open probe success closes the
// circuit; any success while closed resets the consecutive-failure counter.
func (b *Breaker) RecordSuccess(svc Service) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.states[svc]
	if !ok {
		return
	}

	switch cs.state {
	case StateHalfOpen:
		cs.probing = false
		cs.failures = 0
		b.transition(svc, cs, StateClosed)
	case StateClosed:
		cs.failures = 0
	}
}

// RecordFailure notes a failed call, opening the circuit at the threshold or
// immediately on a failed half-open probe.
func (b *Breaker) RecordFailure(svc Service) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.states[svc]
	if !ok {
		return
	}

	cs.failures++

	switch cs.state {
	case StateClosed:
		if cs.failures >= cs.cfg.Threshold {
			cs.openedAt = b.now()
			b.transition(svc, cs, StateOpen)
		}
	case StateHalfOpen:
		cs.probing = false
		cs.openedAt = b.now()
		b.transition(svc, cs, StateOpen)
	}
}

// Release frees a claimed half-open probe slot when the attempt was aborted
// before the dependency was actually called, e.g. by rate limiting or
// shutdown. No outcome is recorded.
func (b *Breaker) Release(svc Service) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.states[svc]
	if !ok {
		return
	}
	if cs.state == StateHalfOpen {
		cs.probing = false
	}
}

// CurrentState reports the service's circuit mode without side effects.
func (b *Breaker) CurrentState(svc Service) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cs, ok := b.states[svc]; ok {
		return cs.state
	}
	return StateClosed
}

func (b *Breaker) transition(svc Service, cs *circuitState, to State) {
	from := cs.state
	cs.state = to
	b.logger.Warn().
		Str("service", string(svc)).
		Stringer("from", from).
		Stringer("to", to).
		Int("failures", cs.failures).
		Int("threshold", cs.cfg.Threshold).
		Msg("circuit state change")
}
