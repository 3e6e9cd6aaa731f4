package gov

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/microclaw/backend/internal/policy"
	"github.com/microclaw/backend/internal/store"
)

// TaskMeta is the typed view of the metadata blob. The blob is open-world:
// unknown keys pass through untouched, so writes always go through
// mergeMetadata rather than re-marshalling this struct.
type TaskMeta struct {
	DoD struct {
		Checklist        []policy.DoDItem `json:"checklist,omitempty"`
		EvidenceRequired *bool            `json:"evidenceRequired,omitempty"`
	} `json:"dod,omitempty"`
	EvidenceLinks []string         `json:"evidenceLinks,omitempty"`
	DocsUpdated   bool             `json:"docsUpdated,omitempty"`
	Override      *policy.Override `json:"override,omitempty"`
}

func parseMeta(raw json.RawMessage) TaskMeta {
	var m TaskMeta
	if len(raw) > 0 {
		// A malformed blob degrades to zero facts rather than blocking the
		// task forever.
		_ = json.Unmarshal(raw, &m)
	}
	return m
}

// factsFor assembles the policy facts for a task: metadata-carried DoD and
// evidence state plus the stored gate approval.
func (s *Service) factsFor(ctx context.Context, task *store.GovTask) (*policy.TaskFacts, error) {
	m := parseMeta(task.Metadata)
	facts := &policy.TaskFacts{
		TaskType:         task.TaskType,
		Gate:             task.Gate,
		DoDChecklist:     m.DoD.Checklist,
		EvidenceRequired: m.DoD.EvidenceRequired,
		EvidenceLinks:    m.EvidenceLinks,
		DocsUpdated:      m.DocsUpdated,
		Override:         m.Override,
	}
	if task.Gate != "" && task.Gate != policy.GateNone {
		approved, err := s.store.HasApproval(ctx, task.ID, task.Gate)
		if err != nil {
			return nil, err
		}
		facts.GateApproved = approved
	}
	return facts, nil
}

// mergeMetadata applies updates on top of the existing blob, preserving every
// key it does not touch. A nil value deletes the key.
func mergeMetadata(existing json.RawMessage, updates map[string]any) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &doc); err != nil {
			doc = map[string]any{}
		}
	}
	for k, v := range updates {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("merge metadata: %w", err)
	}
	return merged, nil
}
