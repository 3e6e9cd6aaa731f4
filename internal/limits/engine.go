// Package limits composes the three protection mechanisms every governed
// operation passes through: fixed-window rate limits, per-provider circuit
// breakers, and daily quotas. Counters and breaker state live in the durable
// store so restarts do not reset them; denials are logged without request
// parameters and announced on the event bus.
package limits

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/microclaw/backend/internal/events"
	"github.com/microclaw/backend/internal/store"
)

// Stable decision codes surfaced to callers and the denial log.
const (
	CodeLimitsDisabled     = "LIMITS_DISABLED"
	CodeNotAuthorized      = "NOT_AUTHORIZED"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeBreakerOpen        = "PROVIDER_BREAKER_OPEN"
	CodeDailyQuotaExceeded = "DAILY_QUOTA_EXCEEDED"
	CodeDailyQuotaSoftWarn = "DAILY_QUOTA_SOFT_WARN"
)

// Decision is the structured outcome of one enforcement pass. Denials are
// values, never errors; only store failures surface as error.
type Decision struct {
	Allowed   bool             `json:"allowed"`
	Code      string           `json:"code,omitempty"`
	SoftWarn  bool             `json:"softWarn,omitempty"`
	RateCount int64            `json:"rateCount,omitempty"`
	RateLimit int              `json:"rateLimit,omitempty"`
	QuotaUsed int64            `json:"quotaUsed,omitempty"`
	QuotaSoft int              `json:"quotaSoft,omitempty"`
	QuotaHard int              `json:"quotaHard,omitempty"`
	Breaker   *BreakerDecision `json:"breaker,omitempty"`
}

// Engine enforces limits over the store. One instance serves the whole
// process; per-provider mutexes serialize breaker transitions.
type Engine struct {
	store *store.Store
	cfg   *Config
	bus   events.Publisher

	mu             sync.Mutex
	providerLocks  map[string]*sync.Mutex
	probesInFlight map[string]int

	now func() time.Time
}

// NewEngine wires the engine to its store, config, and event publisher.
func NewEngine(st *store.Store, cfg *Config, bus events.Publisher) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		store:          st,
		cfg:            cfg,
		bus:            bus,
		providerLocks:  make(map[string]*sync.Mutex),
		probesInFlight: make(map[string]int),
		now:            time.Now,
	}
}

// Config exposes the engine's limits configuration.
func (e *Engine) Config() *Config { return e.cfg }

// Enforce runs the composition in order: kill switches, rate limit, breaker
// (ops that name a provider), quota. It exits at the first denial; soft quota
// pressure is allowed through with SoftWarn set.
func (e *Engine) Enforce(ctx context.Context, op Op) (*Decision, error) {
	if !e.cfg.Enabled {
		return e.deny(ctx, op, CodeLimitsDisabled)
	}
	if op.Name == OpExtCall && !e.cfg.ExtCallsEnabled {
		return e.deny(ctx, op, CodeLimitsDisabled)
	}
	if op.Name == OpEmbed && !e.cfg.EmbeddingsEnabled {
		return e.deny(ctx, op, CodeLimitsDisabled)
	}

	d := &Decision{Allowed: true}

	limit := e.cfg.RateLimitFor(op)
	if limit == 0 {
		return e.deny(ctx, op, CodeNotAuthorized)
	}
	if limit > 0 {
		count, err := e.store.IncrementRateLimit(ctx, op.Name, op.ScopeKey, e.now())
		if err != nil {
			return nil, err
		}
		d.RateCount = count
		d.RateLimit = limit
		if count > int64(limit) {
			denied, err := e.deny(ctx, op, CodeRateLimitExceeded)
			if denied != nil {
				denied.RateCount = count
				denied.RateLimit = limit
			}
			return denied, err
		}
	}

	if op.Provider != "" {
		bd, err := e.CheckBreaker(ctx, op.Provider)
		if err != nil {
			return nil, err
		}
		d.Breaker = bd
		if !bd.Allowed {
			denied, err := e.deny(ctx, op, CodeBreakerOpen)
			if denied != nil {
				denied.Breaker = bd
			}
			return denied, err
		}
	}

	if bounds, ok := e.cfg.QuotaFor(op); ok && bounds.Hard > 0 {
		used, err := e.store.IncrementQuota(ctx, op.Name, op.ScopeKey, e.now())
		if err != nil {
			return nil, err
		}
		d.QuotaUsed = used
		d.QuotaSoft = bounds.Soft
		d.QuotaHard = bounds.Hard
		if used > int64(bounds.Hard) {
			denied, err := e.deny(ctx, op, CodeDailyQuotaExceeded)
			if denied != nil {
				denied.QuotaUsed = used
				denied.QuotaSoft = bounds.Soft
				denied.QuotaHard = bounds.Hard
			}
			return denied, err
		}
		if used > int64(bounds.Soft) {
			d.SoftWarn = true
			d.Code = CodeDailyQuotaSoftWarn
		}
	}

	return d, nil
}

// deny records the denial and returns it as a value. The log row carries only
// (op, scope_key, code); request parameters never reach it.
func (e *Engine) deny(ctx context.Context, op Op, code string) (*Decision, error) {
	if err := e.store.AppendDenial(ctx, op.Name, op.ScopeKey, code); err != nil {
		slog.Warn("limits: denial log append failed", "op", op.Name, "error", err)
	}
	denialsTotal.WithLabelValues(op.Name, code).Inc()
	if e.bus != nil {
		e.bus.Emit(events.ChannelLimitsDenial, map[string]interface{}{
			"op":        op.Name,
			"scope_key": op.ScopeKey,
			"code":      code,
		})
	}
	return &Decision{Allowed: false, Code: code}, nil
}

func secondsDur(s int) time.Duration {
	return time.Duration(s) * time.Second
}
