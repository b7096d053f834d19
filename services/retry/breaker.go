package retry

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the dependency while its circuit is open
var ErrCircuitOpen = errors.New("circuit open")

// State is a circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// GaugeValue is the value exported on the circuit state gauge
func (s State) GaugeValue() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Event drives breaker transitions
type Event string

const (
	EventSuccess          Event = "success"
	EventFailure          Event = "failure"
	EventThresholdReached Event = "threshold_reached"
	EventCooldownElapsed  Event = "cooldown_elapsed"
)

// NextState returns the state reached from s on e. Events that do not apply leave s unchanged.
func NextState(s State, e Event) State {
	switch s {
	case StateClosed:
		if e == EventThresholdReached {
			return StateOpen
		}
	case StateOpen:
		if e == EventCooldownElapsed {
			return StateHalfOpen
		}
	case StateHalfOpen:
		switch e {
		case EventSuccess:
			return StateClosed
		case EventFailure:
			return StateOpen
		}
	}
	return s
}

// Breaker is a consecutive-failure circuit breaker for one dependency.
// In half-open exactly one trial call is admitted; its outcome closes or reopens the circuit.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(State)
}

// NewBreaker creates a closed Breaker
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// State returns the current state, accounting for an elapsed cooldown
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkCooldown()
	return b.state
}

// Allow reports whether a call may proceed. A nil return in half-open claims the single trial slot.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkCooldown()
	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
	}
	return nil
}

// Success records a call the dependency answered
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialInFlight = false
	b.apply(EventSuccess)
}

// Failure records a failed call
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false
	if b.state == StateHalfOpen {
		b.openedAt = b.now()
		b.apply(EventFailure)
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = b.now()
		b.apply(EventThresholdReached)
	}
}

// Release gives back a trial slot whose call ended without an outcome
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

// must be called with mu held
func (b *Breaker) checkCooldown() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.apply(EventCooldownElapsed)
	}
}

// must be called with mu held
func (b *Breaker) apply(e Event) {
	next := NextState(b.state, e)
	if next == b.state {
		return
	}
	if next != StateOpen {
		b.failures = 0
	}
	b.state = next
	if b.onChange != nil {
		b.onChange(next)
	}
}

// Breakers holds one Breaker per dependency key, created on first use
type Breakers struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(key string, s State)
}

// NewBreakers creates a new Breakers instance
func NewBreakers(threshold int, cooldown time.Duration) *Breakers {
	return &Breakers{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnChange registers a callback invoked on every state transition
func (r *Breakers) OnChange(fn func(key string, s State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Get returns the breaker for key
func (r *Breakers) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := NewBreaker(r.threshold, r.cooldown)
	b.now = r.now
	if r.onChange != nil {
		notify := r.onChange
		b.onChange = func(s State) { notify(key, s) }
	}
	r.breakers[key] = b
	return b
}

// Snapshot returns the current state of every known breaker
func (r *Breakers) Snapshot() map[string]State {
	r.mu.Lock()
	all := make(map[string]*Breaker, len(r.breakers))
	for k, b := range r.breakers {
		all[k] = b
	}
	r.mu.Unlock()

	out := make(map[string]State, len(all))
	for k, b := range all {
		out[k] = b.State()
	}
	return out
}
