// Package resilience guards calls to flaky collaborators (the document
// extraction service) with a three-state circuit breaker.
//
// A [Breaker] starts closed. After MaxFailures consecutive counted failures
// it opens and rejects calls with [ErrCircuitOpen]. Once ResetTimeout has
// passed it lets up to HalfOpenMax probe calls through; enough successful
// probes close it again, any failing probe re-opens it.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
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

// Config tunes a [Breaker].
type Config struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close.
	// Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker.
	// Errors the caller caused (bad input) should return false.
	// Default: every non-nil error except context cancellation.
	IsFailure func(error) bool

	// OnStateChange is called, without the lock held, after each transition.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock.
	Now func() time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	probeWins   int
	transitions []transition
}

type transition struct{ from, to State }

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
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

// Do runs fn unless the breaker is open. The error of fn is returned as is.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if !b.allowLocked() {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	probe := b.state == StateHalfOpen
	if probe {
		b.probes++
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	if b.cfg.IsFailure(err) {
		b.failLocked(probe, err)
	} else {
		b.succeedLocked(probe)
	}
	pending := b.transitions
	b.transitions = nil
	b.mu.Unlock()

	b.notify(pending)
	return err
}

// allowLocked moves open → half-open once the timeout passed and reports
// whether a call may proceed.
func (b *Breaker) allowLocked() bool {
	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false
		}
		b.setLocked(StateHalfOpen)
		b.probes, b.probeWins = 0, 0
		return true
	case StateHalfOpen:
		return b.probes < b.cfg.HalfOpenMax
	default:
		return true
	}
}

func (b *Breaker) failLocked(probe bool, err error) {
	if probe || b.state == StateHalfOpen {
		b.openLocked()
		slog.Warn("resilience: probe failed, circuit re-opened", "name", b.cfg.Name, "err", err)
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures && b.state == StateClosed {
		b.openLocked()
		slog.Warn("resilience: circuit opened", "name", b.cfg.Name, "consecutive_failures", b.failures, "err", err)
	}
}

func (b *Breaker) succeedLocked(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.probeWins++
	if b.probeWins >= b.cfg.HalfOpenMax {
		b.failures = 0
		b.setLocked(StateClosed)
		slog.Info("resilience: circuit closed", "name", b.cfg.Name)
	}
}

func (b *Breaker) openLocked() {
	b.openedAt = b.cfg.Now()
	b.setLocked(StateOpen)
}

func (b *Breaker) setLocked(to State) {
	if b.state == to {
		return
	}
	b.transitions = append(b.transitions, transition{b.state, to})
	b.state = to
}

func (b *Breaker) notify(ts []transition) {
	if b.cfg.OnStateChange == nil {
		return
	}
	for _, t := range ts {
		b.cfg.OnStateChange(b.cfg.Name, t.from, t.to)
	}
}

// State returns the current state. An open breaker whose timeout passed
// reports half-open; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures, b.probes, b.probeWins = 0, 0, 0
	b.setLocked(StateClosed)
	pending := b.transitions
	b.transitions = nil
	b.mu.Unlock()
	b.notify(pending)
}
