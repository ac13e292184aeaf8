// Package circuit guards calls to external collaborators (revenue feeds,
// the message bus) so a failing dependency sheds load quickly instead of
// stalling settlements behind timeouts.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker state machine position.
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

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds breaker tuning.
type Config struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(name string, from, to State)
}

// Breaker implements a three-state circuit breaker. All state is guarded
// by a single mutex; the hot path is one lock acquisition either side of
// the protected call.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenInUse int
	openedAt      time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn under breaker protection. The context is passed through
// untouched; fn is responsible for honoring it.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.Timeout {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.halfOpenInUse = 1
		return nil
	case StateHalfOpen:
		if b.halfOpenInUse >= b.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		b.halfOpenInUse++
		return nil
	}
	return errors.New("unknown breaker state")
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenInUse > 0 {
		b.halfOpenInUse--
	}

	if err != nil {
		b.failures++
		switch b.state {
		case StateClosed:
			if b.failures >= b.cfg.MaxFailures {
				b.openedAt = time.Now()
				b.transition(StateOpen)
			}
		case StateHalfOpen:
			b.openedAt = time.Now()
			b.transition(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			b.transition(StateClosed)
		}
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	if to != StateHalfOpen {
		b.halfOpenInUse = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

// Group manages one breaker per named dependency, created lazily with a
// shared default config.
type Group struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewGroup creates a breaker group.
func NewGroup(defaultConfig Config) *Group {
	return &Group{
		breakers: make(map[string]*Breaker),
		cfg:      defaultConfig,
	}
}

// Get returns the breaker for name, creating it on first use.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[name]; ok {
		return b
	}
	cfg := g.cfg
	cfg.Name = name
	b := NewBreaker(cfg)
	g.breakers[name] = b
	return b
}

// Execute runs fn under the named breaker.
func (g *Group) Execute(ctx context.Context, name string, fn func() error) error {
	return g.Get(name).Execute(ctx, fn)
}

// States snapshots every breaker's state, keyed by name.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()

	states := make(map[string]State, len(g.breakers))
	for name, b := range g.breakers {
		states[name] = b.State()
	}
	return states
}
