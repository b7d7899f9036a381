// Package circuit guards calls to a remote backend. After enough
// consecutive failures the breaker opens and calls fail fast until a
// cooldown passes, then a limited number of probe calls decide whether it
// closes again.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed passes calls through
	StateClosed State = iota
	// StateOpen rejects calls
	StateOpen
	// StateHalfOpen lets probe calls through
	StateHalfOpen
)

// String returns string representation of state
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

// ErrOpen is returned without calling the guarded function while the
// breaker is open or its probe slots are taken.
var ErrOpen = errors.New("circuit breaker is open")

// Config contains circuit breaker configuration
type Config struct {
	// Name identifies the guarded backend in logs.
	Name string
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default 5.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open. Default 30s.
	Cooldown time.Duration
	// HalfOpenProbes is the number of concurrent calls allowed while half
	// open. Default 1.
	HalfOpenProbes uint32
	// IsFailure reports whether err counts against the backend. The default
	// ignores nil and context cancellation.
	IsFailure func(err error) bool
	// OnStateChange runs with the breaker locked and must not call back
	// into it.
	OnStateChange func(name string, from, to State)
	Logger        *logrus.Logger
	Now           func() time.Time
}

// Counts holds the outcome counts of the current generation
type Counts struct {
	Requests             uint32 `json:"requests"`
	Successes            uint32 `json:"successes"`
	Failures             uint32 `json:"failures"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probes   uint32
}

// New creates a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the breaker rejects the call with ErrOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

// State returns the current state, moving an expired open breaker to half
// open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.state
}

// Counts returns the counts of the current generation.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Name returns the configured name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Reset closes the breaker and clears its counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(StateClosed)
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return ErrOpen
		}
		b.probes++
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}

	if !b.cfg.IsFailure(err) {
		b.counts.Successes++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.setStateLocked(StateClosed)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch b.state {
	case StateHalfOpen:
		b.setStateLocked(StateOpen)
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.setStateLocked(StateOpen)
		}
	}
}

func (b *Breaker) expireLocked() {
	if b.state == StateOpen && !b.cfg.Now().Before(b.openedAt.Add(b.cfg.Cooldown)) {
		b.setStateLocked(StateHalfOpen)
	}
}

// setStateLocked starts a new generation.
func (b *Breaker) setStateLocked(to State) {
	from := b.state
	b.state = to
	b.counts = Counts{}
	b.probes = 0
	if to == StateOpen {
		b.openedAt = b.cfg.Now()
	}
	if from == to {
		return
	}
	if b.cfg.Logger != nil {
		b.cfg.Logger.WithFields(logrus.Fields{
			"breaker": b.cfg.Name,
			"from":    from.String(),
			"to":      to.String(),
		}).Warn("Circuit breaker state changed")
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
