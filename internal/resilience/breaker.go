package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without touching the dependency while a breaker
// is open.
var ErrCircuitOpen = errors.New("circuit open")

type State int

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
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	// IsFailure decides which errors count against the dependency. nil counts
	// every error except context cancellation.
	IsFailure func(error) bool
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// CircuitState is a point-in-time copy of a breaker's counters.
type CircuitState struct {
	State       State
	Failures    int
	Successes   int
	NextAttempt time.Time
}

// Breaker isolates one external dependency. A single instance is shared by
// every tenant and goroutine calling that dependency.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	now    func() time.Time
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	nextAttempt time.Time
	probing     bool
}

func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	d := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = d.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(zap.String("breaker", name)),
	}
}

func (b *Breaker) Name() string { return b.name }

// Execute runs op unless the circuit is open. In HALF_OPEN only one probe is
// in flight at a time; concurrent callers are rejected like in OPEN.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}
	defer func() {
		// A panicking op counts as a failure and frees the probe slot.
		if p := recover(); p != nil {
			b.record(fmt.Errorf("%s: panic: %v", b.name, p), probe)
			panic(p)
		}
	}()
	err = op(ctx)
	b.record(err, probe)
	return err
}

func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			return false, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return true, nil
	case StateHalfOpen:
		if b.probing {
			return false, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(err error, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	switch {
	case err == nil:
		b.onSuccess()
	case b.countsAsFailure(err):
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.nextAttempt = b.now().Add(b.cfg.Cooldown)
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	switch to {
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	}
	b.logger.Info("circuit state change",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Time("next_attempt", b.nextAttempt),
	)
}

func (b *Breaker) countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if b.cfg.IsFailure != nil {
		return b.cfg.IsFailure(err)
	}
	return true
}

func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitState{
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		NextAttempt: b.nextAttempt,
	}
}
