package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/microclaw/backend/internal/limits"
	"github.com/microclaw/backend/internal/policy"
	"github.com/microclaw/backend/internal/store"
)

// Codes and audit reasons surfaced by memory operations.
const (
	CodeNotAuthorized     = "NOT_AUTHORIZED"
	CodeEmptyContent      = "EMPTY_CONTENT"
	CodeInvalidLevel      = "INVALID_LEVEL"
	CodeInvalidScope      = "INVALID_SCOPE"
	CodeProductIDRequired = "PRODUCT_ID_REQUIRED"

	ReasonL3Denied      = "L3_ACCESS_DENIED"
	ReasonL3StoreDenied = "L3_STORE_DENIED"
	ReasonAccessDenied  = "ACCESS_DENIED"
)

// Retrieval modes reported on recall responses.
const (
	ModeSemantic = "semantic"
	ModeKeyword  = "keyword"
)

// Access log entry types.
const (
	AccessTypeRecall = "recall"
	AccessTypeStore  = "store"
)

// sanitizePolicyVersion stamps rows with the redaction rule set they were
// sanitized under. Bump it when piiRules change semantics.
const sanitizePolicyVersion = 1

// DefaultRecallLimit is the top-k size when the caller does not ask.
const DefaultRecallLimit = 5

const (
	overFetchFactor = 4
	minOverFetch    = 20
)

// Service is the tiered memory store. All reads and writes flow through it
// so classification, the access matrix, and L3 auditing cannot be bypassed.
type Service struct {
	store    *store.Store
	limits   *limits.Engine
	embedder Embedder
	cache    *EmbeddingCache
}

// NewService wires the memory store. The limits engine is required; embedder
// and cache are optional and their absence degrades recall to keyword mode.
func NewService(st *store.Store, eng *limits.Engine, emb Embedder, cache *EmbeddingCache) *Service {
	return &Service{store: st, limits: eng, embedder: emb, cache: cache}
}

// StoreRequest is one memory write. The owning group and main flag come from
// the authenticated caller, never from the payload.
type StoreRequest struct {
	Content    string   `json:"content"`
	Level      string   `json:"level,omitempty"`
	Scope      string   `json:"scope,omitempty"`
	ProductID  string   `json:"product_id,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	SourceType string   `json:"source_type,omitempty"`
}

// StoreResult reports the persisted row or the denial code.
type StoreResult struct {
	OK      bool          `json:"ok"`
	Code    string        `json:"code,omitempty"`
	Created bool          `json:"created"`
	Memory  *store.Memory `json:"memory,omitempty"`
}

// Store sanitizes, classifies, and persists one memory. Storing content whose
// original hash already exists for the owner group updates that row instead
// of inserting a duplicate.
func (s *Service) Store(ctx context.Context, acc Accessor, req *StoreRequest) (*StoreResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return &StoreResult{Code: CodeEmptyContent}, nil
	}
	switch req.Level {
	case "", LevelL0, LevelL1, LevelL2, LevelL3:
	default:
		return &StoreResult{Code: CodeInvalidLevel}, nil
	}
	scope := req.Scope
	if scope == "" {
		scope = policy.ScopeCompany
	}
	if scope != policy.ScopeCompany && scope != policy.ScopeProduct {
		return &StoreResult{Code: CodeInvalidScope}, nil
	}
	if scope == policy.ScopeProduct && req.ProductID == "" {
		return &StoreResult{Code: CodeProductIDRequired}, nil
	}

	san := Sanitize(req.Content)
	level := classify(req.Level, scope, san.PIIDetected)

	// L3 writes are a main-group privilege, including auto-escalated ones.
	if level == LevelL3 && !acc.IsMain {
		s.audit(ctx, &store.MemoryAccess{
			AccessorGroup: acc.Group,
			AccessType:    AccessTypeStore,
			Granted:       false,
			Reason:        ReasonL3StoreDenied,
		})
		return &StoreResult{Code: CodeNotAuthorized}, nil
	}

	hash := HashContent(req.Content)
	existing, err := s.store.MemoryByHash(ctx, acc.Group, hash)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}
	if existing != nil {
		return s.refresh(ctx, acc, existing, san, hash, req.Tags)
	}

	m := &store.Memory{
		Content:       san.Content,
		ContentHash:   hash,
		Level:         level,
		Scope:         scope,
		ProductID:     req.ProductID,
		GroupFolder:   acc.Group,
		Tags:          req.Tags,
		PIIDetected:   san.PIIDetected,
		PIITypes:      san.PIITypes,
		SourceType:    req.SourceType,
		PolicyVersion: sanitizePolicyVersion,
	}
	if err := s.store.CreateMemory(ctx, m); err != nil {
		return nil, err
	}
	storesTotal.WithLabelValues(m.Level).Inc()
	s.maybeEmbed(ctx, acc, m)
	return &StoreResult{OK: true, Created: true, Memory: m}, nil
}

// refresh rewrites an existing row for a repeat store of the same original
// content. The version check makes concurrent repeat stores settle on one
// winner; the loser just returns the winner's row.
func (s *Service) refresh(ctx context.Context, acc Accessor, existing *store.Memory, san SanitizeResult, hash string, tags []string) (*StoreResult, error) {
	next := *existing
	next.Content = san.Content
	next.ContentHash = hash
	next.Level = classify(existing.Level, existing.Scope, san.PIIDetected)
	next.PIIDetected = san.PIIDetected
	next.PIITypes = san.PIITypes
	if len(tags) > 0 {
		next.Tags = tags
	}
	ok, err := s.store.UpdateMemoryContent(ctx, existing.ID, existing.Version, &next)
	if err != nil {
		return nil, err
	}
	cur, err := s.store.MemoryByID(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.maybeEmbed(ctx, acc, cur)
		cur, err = s.store.MemoryByID(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
	}
	return &StoreResult{OK: true, Memory: cur}, nil
}

// RecallRequest is one scoped recall over the memory store.
type RecallRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// RecallResult carries the granted rows plus the audit counters callers use
// to reason about what was withheld.
type RecallResult struct {
	Memories        []*store.Memory `json:"memories"`
	Mode            string          `json:"mode"`
	AccessDenials   int             `json:"access_denials"`
	TotalConsidered int             `json:"total_considered"`
}

type scoredMemory struct {
	m     *store.Memory
	score float64
}

// Recall retrieves the top-k memories the accessor may see. Semantic mode
// needs embedded candidates and a query vector; anything short of that falls
// back to keyword scoring. Every L3 candidate encountered is audited whether
// or not it is returned.
func (s *Service) Recall(ctx context.Context, acc Accessor, req *RecallRequest) (*RecallResult, error) {
	k := req.Limit
	if k <= 0 {
		k = DefaultRecallLimit
	}
	overFetch := k * overFetchFactor
	if overFetch < minOverFetch {
		overFetch = minOverFetch
	}

	res := &RecallResult{Memories: []*store.Memory{}, Mode: ModeKeyword}

	var scored []scoredMemory
	cands, err := s.store.MemoriesWithEmbeddings(ctx, overFetch)
	if err != nil {
		return nil, err
	}
	if len(cands) > 0 {
		if qvec := s.embedText(ctx, acc.Group, HashContent(req.Query), req.Query); qvec != nil {
			scored = make([]scoredMemory, 0, len(cands))
			for _, m := range cands {
				scored = append(scored, scoredMemory{m: m, score: Cosine(qvec, m.Embedding)})
			}
			res.Mode = ModeSemantic
		}
	}
	if res.Mode != ModeSemantic {
		keywords := Keywords(req.Query)
		if len(keywords) == 0 {
			recallsTotal.WithLabelValues(res.Mode).Inc()
			return res, nil
		}
		kwCands, err := s.store.SearchMemoriesKeyword(ctx, keywords, overFetch)
		if err != nil {
			return nil, err
		}
		scored = make([]scoredMemory, 0, len(kwCands))
		for _, m := range kwCands {
			scored = append(scored, scoredMemory{m: m, score: keywordScore(m.Content, keywords)})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	res.TotalConsidered = len(scored)
	for _, sm := range scored {
		granted := CanAccess(sm.m, acc)
		s.auditRecall(ctx, sm.m, acc, granted)
		if !granted {
			res.AccessDenials++
			accessDenialsTotal.Inc()
			continue
		}
		if len(res.Memories) < k {
			res.Memories = append(res.Memories, sm.m)
		}
	}
	recallsTotal.WithLabelValues(res.Mode).Inc()
	return res, nil
}

// List exposes recent rows for the cockpit. No access filtering: callers are
// operator-authenticated, and embeddings never serialize anyway.
func (s *Service) List(ctx context.Context, groupFolder string, limit int) ([]*store.Memory, error) {
	return s.store.ListMemories(ctx, groupFolder, limit)
}

// AccessLog returns the audit trail for one memory, oldest first.
func (s *Service) AccessLog(ctx context.Context, memoryID string) ([]*store.MemoryAccess, error) {
	return s.store.MemoryAccessLog(ctx, memoryID)
}

// auditRecall writes the rows the audit policy requires: every attempt on an
// L3 memory, granted or denied, and every denial at any level.
func (s *Service) auditRecall(ctx context.Context, m *store.Memory, acc Accessor, granted bool) {
	l3 := levelRank(m.Level) == 3
	if granted && !l3 {
		return
	}
	reason := ""
	if !granted {
		reason = ReasonAccessDenied
		if l3 {
			reason = ReasonL3Denied
		}
	}
	s.audit(ctx, &store.MemoryAccess{
		MemoryID:      m.ID,
		AccessorGroup: acc.Group,
		AccessType:    AccessTypeRecall,
		Granted:       granted,
		Reason:        reason,
	})
}

func (s *Service) audit(ctx context.Context, a *store.MemoryAccess) {
	if err := s.store.AppendMemoryAccess(ctx, a); err != nil {
		slog.Warn("memory: access audit append failed",
			"memory_id", a.MemoryID, "accessor", a.AccessorGroup, "error", err)
	}
}

// maybeEmbed computes and persists the embedding for a non-L3 row. Failure
// is not fatal: the row stays recallable in keyword mode.
func (s *Service) maybeEmbed(ctx context.Context, acc Accessor, m *store.Memory) {
	if s.embedder == nil || levelRank(m.Level) == 3 {
		return
	}
	vec := s.embedText(ctx, acc.Group, m.ContentHash, m.Content)
	if vec == nil {
		return
	}
	if err := s.store.SetMemoryEmbedding(ctx, m.ID, vec, s.embedder.Model()); err != nil {
		slog.Warn("memory: set embedding failed", "memory_id", m.ID, "error", err)
		return
	}
	m.Embedding = vec
	m.EmbeddingModel = s.embedder.Model()
}

// embedText runs one governed embedding call: limits gate, then cache, then
// the model host. Any denial or failure returns nil and the caller degrades
// to keyword mode. Provider faults feed the breaker; limits denials do not.
func (s *Service) embedText(ctx context.Context, group, contentHash, text string) []float64 {
	if s.embedder == nil || s.limits == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	op := limits.EmbedOp(group, s.embedder.Provider(), s.embedder.Model())
	d, err := s.limits.Enforce(ctx, op)
	if err != nil || !d.Allowed {
		return nil
	}
	if vec, ok := s.cache.Get(ctx, s.embedder.Model(), contentHash); ok {
		return vec
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		slog.Warn("memory: embedding call failed",
			"provider", s.embedder.Provider(), "error", err)
		if rerr := s.limits.RecordFailure(ctx, s.embedder.Provider()); rerr != nil {
			slog.Warn("memory: breaker record failure failed", "error", rerr)
		}
		return nil
	}
	if err := s.limits.RecordSuccess(ctx, s.embedder.Provider()); err != nil {
		slog.Warn("memory: breaker record success failed", "error", err)
	}
	s.cache.Put(ctx, s.embedder.Model(), contentHash, vec)
	return vec
}

// keywordScore is the fraction of query keywords present in the content.
func keywordScore(content string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lc := strings.ToLower(content)
	matches := 0
	for _, kw := range keywords {
		if strings.Contains(lc, kw) {
			matches++
		}
	}
	return float64(matches) / float64(len(keywords))
}
