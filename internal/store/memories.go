package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Memory is one stored unit of knowledge. Content is always the sanitized
// form; ContentHash keeps the SHA-256 of the original bytes. Embedding never
// serializes into API responses.
type Memory struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	ContentHash    string    `json:"content_hash"`
	Level          string    `json:"level"`
	Scope          string    `json:"scope"`
	ProductID      string    `json:"product_id,omitempty"`
	GroupFolder    string    `json:"group_folder"`
	Tags           []string  `json:"tags"`
	PIIDetected    bool      `json:"pii_detected"`
	PIITypes       []string  `json:"pii_types"`
	SourceType     string    `json:"source_type"`
	PolicyVersion  int       `json:"policy_version"`
	Embedding      []float64 `json:"-"`
	EmbeddingModel string    `json:"-"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MemoryAccess is one append-only audit row for a memory read attempt.
type MemoryAccess struct {
	ID            int64     `json:"id"`
	MemoryID      string    `json:"memory_id"`
	AccessorGroup string    `json:"accessor_group"`
	AccessType    string    `json:"access_type"`
	Granted       bool      `json:"granted"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const memoryColumns = `id, content, content_hash, level, scope, product_id,
	group_folder, tags, pii_detected, pii_types, source_type, policy_version,
	embedding, embedding_model, version, created_at, updated_at`

// CreateMemory inserts a new memory row at version 0.
func (s *Store) CreateMemory(ctx context.Context, m *Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Level == "" {
		m.Level = "L1"
	}
	if m.Scope == "" {
		m.Scope = "COMPANY"
	}
	if m.SourceType == "" {
		m.SourceType = "manual"
	}
	if m.PolicyVersion == 0 {
		m.PolicyVersion = 1
	}
	ts := now()
	m.CreatedAt, m.UpdatedAt = ts, ts
	m.Version = 0
	tags, piiTypes, embedding, err := marshalMemoryBlobs(m)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO memories
		(id, content, content_hash, level, scope, product_id, group_folder,
		 tags, pii_detected, pii_types, source_type, policy_version,
		 embedding, embedding_model, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, m.ContentHash, m.Level, m.Scope, nullable(m.ProductID),
		m.GroupFolder, tags, boolInt(m.PIIDetected), piiTypes, m.SourceType,
		m.PolicyVersion, embedding, m.EmbeddingModel, m.Version,
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create memory: %w", err)
	}
	return nil
}

// UpdateMemoryContent rewrites a memory's sanitized content and
// classification under the optimistic version check. The embedding is
// cleared; regeneration is the memory service's problem.
func (s *Store) UpdateMemoryContent(ctx context.Context, id string, expectedVersion int64, m *Memory) (bool, error) {
	tags, piiTypes, _, err := marshalMemoryBlobs(m)
	if err != nil {
		return false, err
	}
	res, err := s.exec(ctx, `UPDATE memories SET
		content = ?, content_hash = ?, level = ?, pii_detected = ?, pii_types = ?,
		tags = ?, embedding = NULL, embedding_model = '',
		version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		m.Content, m.ContentHash, m.Level, boolInt(m.PIIDetected), piiTypes,
		tags, now(), id, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update memory %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetMemoryEmbedding stores a freshly computed vector. No version bump: the
// embedding is derived data.
func (s *Store) SetMemoryEmbedding(ctx context.Context, id string, vec []float64, model string) error {
	blob, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = s.exec(ctx, `UPDATE memories SET embedding = ?, embedding_model = ?, updated_at = ?
		WHERE id = ?`, string(blob), model, now(), id)
	if err != nil {
		return fmt.Errorf("set embedding %s: %w", id, err)
	}
	return nil
}

// MemoryByID fetches one memory or ErrNotFound.
func (s *Store) MemoryByID(ctx context.Context, id string) (*Memory, error) {
	row := s.queryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// MemoryByHash finds the owner group's memory with the given original-content
// hash, used to make repeated stores of the same content an update.
func (s *Store) MemoryByHash(ctx context.Context, groupFolder, contentHash string) (*Memory, error) {
	row := s.queryRow(ctx, `SELECT `+memoryColumns+` FROM memories
		WHERE group_folder = ? AND content_hash = ?`, groupFolder, contentHash)
	return scanMemory(row)
}

// ListMemories returns recent rows, optionally restricted to a group.
func (s *Store) ListMemories(ctx context.Context, groupFolder string, limit int) ([]*Memory, error) {
	q := `SELECT ` + memoryColumns + ` FROM memories`
	var args []any
	if groupFolder != "" {
		q += ` WHERE group_folder = ?`
		args = append(args, groupFolder)
	}
	q += ` ORDER BY updated_at DESC, id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.listMemories(ctx, q, args...)
}

// MemoriesWithEmbeddings over-fetches semantic-search candidates. L3 rows
// never carry embeddings, so they cannot appear here.
func (s *Store) MemoriesWithEmbeddings(ctx context.Context, limit int) ([]*Memory, error) {
	q := `SELECT ` + memoryColumns + ` FROM memories
		WHERE embedding IS NOT NULL ORDER BY updated_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.listMemories(ctx, q)
}

// SearchMemoriesKeyword over-fetches keyword candidates with LIKE matching
// on the sanitized content. Scoring happens in the memory service.
func (s *Store) SearchMemoriesKeyword(ctx context.Context, keywords []string, limit int) ([]*Memory, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	conds := make([]string, 0, len(keywords))
	args := make([]any, 0, len(keywords))
	for _, kw := range keywords {
		conds = append(conds, "LOWER(content) LIKE ?")
		args = append(args, "%"+strings.ToLower(kw)+"%")
	}
	q := `SELECT ` + memoryColumns + ` FROM memories WHERE ` +
		strings.Join(conds, " OR ") + ` ORDER BY updated_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.listMemories(ctx, q, args...)
}

// AppendMemoryAccess writes one audit row; the log is append-only.
func (s *Store) AppendMemoryAccess(ctx context.Context, a *MemoryAccess) error {
	a.CreatedAt = now()
	_, err := s.exec(ctx, `INSERT INTO memory_access_log
		(memory_id, accessor_group, access_type, granted, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.MemoryID, a.AccessorGroup, a.AccessType, boolInt(a.Granted), a.Reason, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("append memory access: %w", err)
	}
	return nil
}

// MemoryAccessLog lists audit rows for one memory, oldest first.
func (s *Store) MemoryAccessLog(ctx context.Context, memoryID string) ([]*MemoryAccess, error) {
	rows, err := s.query(ctx, `SELECT id, memory_id, accessor_group, access_type,
		granted, reason, created_at
		FROM memory_access_log WHERE memory_id = ? ORDER BY id ASC`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("list memory access: %w", err)
	}
	defer rows.Close()
	var out []*MemoryAccess
	for rows.Next() {
		a := &MemoryAccess{}
		var granted int
		if err := rows.Scan(&a.ID, &a.MemoryID, &a.AccessorGroup, &a.AccessType,
			&granted, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Granted = granted != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) listMemories(ctx context.Context, q string, args ...any) ([]*Memory, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func marshalMemoryBlobs(m *Memory) (tags, piiTypes string, embedding any, err error) {
	tb, err := json.Marshal(orEmpty(m.Tags))
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal tags: %w", err)
	}
	pb, err := json.Marshal(orEmpty(m.PIITypes))
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal pii types: %w", err)
	}
	if len(m.Embedding) > 0 {
		eb, err := json.Marshal(m.Embedding)
		if err != nil {
			return "", "", nil, fmt.Errorf("marshal embedding: %w", err)
		}
		embedding = string(eb)
	}
	return string(tb), string(pb), embedding, nil
}

func scanMemory(r scanner) (*Memory, error) {
	m := &Memory{}
	var productID, embedding sql.NullString
	var tags, piiTypes string
	var piiDetected int
	err := r.Scan(&m.ID, &m.Content, &m.ContentHash, &m.Level, &m.Scope,
		&productID, &m.GroupFolder, &tags, &piiDetected, &piiTypes,
		&m.SourceType, &m.PolicyVersion, &embedding, &m.EmbeddingModel,
		&m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	m.ProductID = productID.String
	m.PIIDetected = piiDetected != 0
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(piiTypes), &m.PIITypes); err != nil {
		return nil, fmt.Errorf("decode pii types: %w", err)
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &m.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
	}
	return m, nil
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
