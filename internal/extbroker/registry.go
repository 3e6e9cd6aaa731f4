// Package extbroker is the capability-scoped gateway to external providers.
// Providers register named actions with a minimum capability level; calls are
// checked against the caller group's grants, pass the limits engine, and land
// in the ext_calls audit table that context packs read.
package extbroker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/microclaw/backend/internal/limits"
	"github.com/microclaw/backend/internal/store"
)

// Denial codes returned on Call results.
const (
	CodeUnknownProvider     = "UNKNOWN_PROVIDER"
	CodeUnknownAction       = "UNKNOWN_ACTION"
	CodeNotAuthorized       = "NOT_AUTHORIZED"
	CodeActionDenied        = "ACTION_DENIED"
	CodeCapabilityExpired   = "CAPABILITY_EXPIRED"
	CodeRequiresHigherLevel = "REQUIRES_HIGHER_LEVEL"
	CodeProviderError       = "PROVIDER_ERROR"
)

// Action snapshot statuses, rendered into ext_capabilities.json.
const (
	StatusAvailable     = "available"
	StatusRequiresLevel = "requires_higher_level"
	StatusDenied        = "DENIED"
)

// DefaultCallTimeout is the per-call deadline for provider execution.
const DefaultCallTimeout = 10 * time.Second

// ExecuteFunc performs one provider action. The summary is a one-line
// description safe for the ext_calls audit row and context packs.
type ExecuteFunc func(ctx context.Context, params map[string]any) (result any, summary string, err error)

// Action is one operation a provider exposes.
type Action struct {
	Name        string
	Level       int
	Description string
	Idempotent  bool
	Execute     ExecuteFunc
}

// Provider is a named bundle of actions.
type Provider struct {
	Name    string
	Actions map[string]*Action
}

// Capability grants a group access to one provider up to AccessLevel.
// Denied actions always lose; an allow-list, when present, is exhaustive.
type Capability struct {
	Provider       string     `json:"provider"`
	AccessLevel    int        `json:"access_level"`
	AllowedActions []string   `json:"allowed_actions,omitempty"`
	DeniedActions  []string   `json:"denied_actions,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Registry keys providers by name and capabilities by (group, provider).
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	caps      map[string]map[string]Capability

	limits *limits.Engine
	store  *store.Store
	now    func() time.Time
}

// NewRegistry builds an empty registry over the limits engine and store.
func NewRegistry(eng *limits.Engine, st *store.Store) *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		caps:      make(map[string]map[string]Capability),
		limits:    eng,
		store:     st,
		now:       time.Now,
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name] = p
}

// Grant installs a capability for a group.
func (r *Registry) Grant(group string, cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.caps[group] == nil {
		r.caps[group] = make(map[string]Capability)
	}
	r.caps[group][cap.Provider] = cap
}

// Providers lists registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallRequest identifies one provider invocation. TaskID, when set, ties the
// audit row into that task's context pack.
type CallRequest struct {
	Group    string
	TaskID   string
	Provider string
	Action   string
	Params   map[string]any
}

// CallResult is the structured outcome. Denials carry a code and OK=false;
// only store failures surface as errors from Call.
type CallResult struct {
	OK       bool             `json:"ok"`
	Code     string           `json:"code,omitempty"`
	Summary  string           `json:"summary,omitempty"`
	Result   any              `json:"result,omitempty"`
	SoftWarn bool             `json:"softWarn,omitempty"`
	Decision *limits.Decision `json:"-"`
}

// Call runs one capability-checked, limits-gated provider action. Every
// attempt that reaches the limits engine or the provider leaves an ext_calls
// row; capability denials are logged too so reviewers see refused attempts.
func (r *Registry) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	r.mu.RLock()
	provider, ok := r.providers[req.Provider]
	var action *Action
	if ok {
		action = provider.Actions[req.Action]
	}
	cap, hasCap := r.capability(req.Group, req.Provider)
	r.mu.RUnlock()

	if !ok {
		return &CallResult{Code: CodeUnknownProvider}, nil
	}
	if action == nil {
		return &CallResult{Code: CodeUnknownAction}, nil
	}

	if code := r.actionStatusCode(cap, hasCap, action); code != "" {
		res := &CallResult{Code: code}
		err := r.logCall(ctx, req, action, code, "")
		return res, err
	}

	dec, err := r.limits.Enforce(ctx, limits.ExtCallOp(req.Group, req.Provider, action.Level))
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		res := &CallResult{Code: dec.Code, Decision: dec}
		err := r.logCall(ctx, req, action, dec.Code, "")
		return res, err
	}

	callCtx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()
	result, summary, execErr := action.Execute(callCtx, req.Params)
	if execErr != nil {
		if berr := r.limits.RecordFailure(ctx, req.Provider); berr != nil {
			return nil, berr
		}
		res := &CallResult{Code: CodeProviderError, Summary: execErr.Error(), Decision: dec}
		err := r.logCall(ctx, req, action, "error", execErr.Error())
		return res, err
	}
	if berr := r.limits.RecordSuccess(ctx, req.Provider); berr != nil {
		return nil, berr
	}
	res := &CallResult{OK: true, Summary: summary, Result: result,
		SoftWarn: dec.SoftWarn, Decision: dec}
	return res, r.logCall(ctx, req, action, "ok", summary)
}

// actionStatusCode reports why the capability refuses the action, or "" when
// the call may proceed.
func (r *Registry) actionStatusCode(cap Capability, hasCap bool, action *Action) string {
	if !hasCap {
		return CodeNotAuthorized
	}
	if cap.ExpiresAt != nil && r.now().After(*cap.ExpiresAt) {
		return CodeCapabilityExpired
	}
	for _, d := range cap.DeniedActions {
		if d == action.Name {
			return CodeActionDenied
		}
	}
	if len(cap.AllowedActions) > 0 {
		allowed := false
		for _, a := range cap.AllowedActions {
			if a == action.Name {
				allowed = true
				break
			}
		}
		if !allowed {
			return CodeActionDenied
		}
	}
	if action.Level > cap.AccessLevel {
		return CodeRequiresHigherLevel
	}
	return ""
}

func (r *Registry) logCall(ctx context.Context, req CallRequest, action *Action, status, summary string) error {
	return r.store.AppendExtCall(ctx, &store.ExtCall{
		TaskID:      req.TaskID,
		GroupFolder: req.Group,
		Provider:    req.Provider,
		Action:      action.Name,
		Level:       fmt.Sprintf("L%d", action.Level),
		Status:      status,
		Summary:     summary,
	})
}

func (r *Registry) capability(group, provider string) (Capability, bool) {
	caps, ok := r.caps[group]
	if !ok {
		return Capability{}, false
	}
	cap, ok := caps[provider]
	return cap, ok
}
