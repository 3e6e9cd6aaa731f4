package limits

import (
	"context"
	"fmt"
	"sync"

	"github.com/microclaw/backend/internal/events"
	"github.com/microclaw/backend/internal/store"
)

// ============================================================================
// CIRCUIT BREAKER STATES
// ============================================================================

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name as persisted in the breakers table.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

func stateFromRow(s string) State {
	switch s {
	case "OPEN":
		return StateOpen
	case "HALF_OPEN":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// BreakerDecision is the outcome of a breaker check. IsProbe marks the single
// call allowed through a half-open breaker.
type BreakerDecision struct {
	Allowed bool   `json:"allowed"`
	State   string `json:"state"`
	IsProbe bool   `json:"isProbe,omitempty"`
}

// ============================================================================
// PER-PROVIDER BREAKER OVER PERSISTED ROWS
// ============================================================================

// providerLock returns the mutex serializing transitions for one provider.
// State lives in the breakers table; the lock only covers the read-decide-
// write window inside this process.
func (e *Engine) providerLock(provider string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.providerLocks[provider]
	if !ok {
		l = &sync.Mutex{}
		e.providerLocks[provider] = l
	}
	return l
}

// CheckBreaker reports whether a call to the provider may proceed. An OPEN
// breaker whose cooldown has elapsed transitions to HALF_OPEN and admits a
// single probe; further calls are denied until the probe resolves.
func (e *Engine) CheckBreaker(ctx context.Context, provider string) (*BreakerDecision, error) {
	lock := e.providerLock(provider)
	lock.Lock()
	defer lock.Unlock()

	row, err := e.store.BreakerByProvider(ctx, provider)
	if err != nil {
		return nil, err
	}
	cfg := e.cfg.BreakerFor(provider)
	now := e.now()

	switch stateFromRow(row.State) {
	case StateOpen:
		if row.OpenedAt != nil && now.Sub(*row.OpenedAt) >= secondsDur(cfg.CooldownSec) {
			if err := e.setBreakerState(ctx, row, StateHalfOpen); err != nil {
				return nil, err
			}
			e.mu.Lock()
			e.probesInFlight[provider] = 1
			e.mu.Unlock()
			return &BreakerDecision{Allowed: true, State: StateHalfOpen.String(), IsProbe: true}, nil
		}
		return &BreakerDecision{Allowed: false, State: StateOpen.String()}, nil

	case StateHalfOpen:
		e.mu.Lock()
		inFlight := e.probesInFlight[provider]
		allowed := inFlight < cfg.HalfOpenProbes
		if allowed {
			e.probesInFlight[provider] = inFlight + 1
		}
		e.mu.Unlock()
		return &BreakerDecision{Allowed: allowed, State: StateHalfOpen.String(), IsProbe: allowed}, nil

	default:
		return &BreakerDecision{Allowed: true, State: StateClosed.String()}, nil
	}
}

// RecordSuccess closes the breaker and resets its counters. Called after any
// successful provider call, probe or not.
func (e *Engine) RecordSuccess(ctx context.Context, provider string) error {
	lock := e.providerLock(provider)
	lock.Lock()
	defer lock.Unlock()

	row, err := e.store.BreakerByProvider(ctx, provider)
	if err != nil {
		return err
	}
	e.clearProbes(provider)
	if stateFromRow(row.State) == StateClosed && row.FailCount == 0 {
		return nil
	}
	row.FailCount = 0
	row.OpenedAt = nil
	row.LastFailureAt = nil
	return e.setBreakerState(ctx, row, StateClosed)
}

// RecordFailure counts a provider failure. Failures outside the fail window
// start a fresh count; reaching the threshold opens the breaker, and a failed
// half-open probe reopens it with a fresh cooldown.
func (e *Engine) RecordFailure(ctx context.Context, provider string) error {
	lock := e.providerLock(provider)
	lock.Lock()
	defer lock.Unlock()

	row, err := e.store.BreakerByProvider(ctx, provider)
	if err != nil {
		return err
	}
	cfg := e.cfg.BreakerFor(provider)
	now := e.now()

	switch stateFromRow(row.State) {
	case StateHalfOpen:
		e.clearProbes(provider)
		opened := now
		row.OpenedAt = &opened
		row.LastFailureAt = &opened
		return e.setBreakerState(ctx, row, StateOpen)

	case StateOpen:
		// Late failure from a call admitted before the trip. Count it but do
		// not extend the cooldown.
		row.FailCount++
		row.LastFailureAt = &now
		return e.store.SaveBreaker(ctx, row)

	default:
		if row.LastFailureAt != nil && now.Sub(*row.LastFailureAt) > secondsDur(cfg.FailWindowSec) {
			row.FailCount = 0
		}
		row.FailCount++
		row.LastFailureAt = &now
		if row.FailCount >= cfg.OpenAfterFails {
			opened := now
			row.OpenedAt = &opened
			return e.setBreakerState(ctx, row, StateOpen)
		}
		return e.store.SaveBreaker(ctx, row)
	}
}

// setBreakerState persists the row in its new state and announces the
// transition on the bus.
func (e *Engine) setBreakerState(ctx context.Context, row *store.BreakerRow, to State) error {
	from := row.State
	if from == "" {
		from = StateClosed.String()
	}
	row.State = to.String()
	if err := e.store.SaveBreaker(ctx, row); err != nil {
		return err
	}
	breakerState.WithLabelValues(row.Provider).Set(float64(to))
	if from != to.String() {
		breakerTransitions.WithLabelValues(row.Provider, to.String()).Inc()
		if e.bus != nil {
			e.bus.Emit(events.ChannelBreakerState, map[string]interface{}{
				"provider":   row.Provider,
				"from":       from,
				"to":         to.String(),
				"fail_count": row.FailCount,
			})
		}
	}
	return nil
}

func (e *Engine) clearProbes(provider string) {
	e.mu.Lock()
	delete(e.probesInFlight, provider)
	e.mu.Unlock()
}
