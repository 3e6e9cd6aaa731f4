package gov

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/microclaw/backend/internal/store"
)

// DefaultPackActivities caps the activity section of a context pack.
const DefaultPackActivities = 20

// packActions are the activity kinds that carry cross-agent meaning; the
// rest (create, assign) is noise for a reviewer.
var packActions = map[string]bool{
	ActionTransition:       true,
	ActionApprove:          true,
	ActionEvidence:         true,
	ActionExecutionSummary: true,
	ActionCoerceScope:      true,
}

// ContextPack renders the reviewer bundle for a task: the latest limit
// cross-agent activities in chronological order, every gate approval, and
// every external call logged against the task. The text is deterministic:
// regenerating from the same rows yields identical bytes.
func (s *Service) ContextPack(ctx context.Context, taskID string, limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultPackActivities
	}
	task, err := s.store.GovTaskByID(ctx, taskID)
	if err != nil {
		return "", err
	}
	activities, err := s.store.ActivitiesForTask(ctx, taskID, 0)
	if err != nil {
		return "", err
	}
	approvals, err := s.store.ApprovalsForTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	calls, err := s.store.ExtCallsForTask(ctx, taskID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s: %s\n", task.ID, task.Title)
	fmt.Fprintf(&b, "state=%s gate=%s priority=%s group=%s\n",
		task.State, task.Gate, task.Priority, task.AssignedGroup)

	b.WriteString("\n## Recent activity\n")
	picked := pickPackActivities(activities, limit)
	if len(picked) == 0 {
		b.WriteString("(none)\n")
	}
	for _, a := range picked {
		b.WriteString("- " + packStamp(a.CreatedAt) + " " + a.Action)
		if a.FromState != "" || a.ToState != "" {
			fmt.Fprintf(&b, " %s->%s", a.FromState, a.ToState)
		}
		b.WriteString(" by " + a.Actor)
		if a.Reason != "" {
			b.WriteString(": " + a.Reason)
		}
		b.WriteByte('\n')
	}

	b.WriteString("\n## Approvals\n")
	if len(approvals) == 0 {
		b.WriteString("(none)\n")
	}
	for _, ap := range approvals {
		fmt.Fprintf(&b, "- %s approved by %s at %s", ap.GateType, ap.ApprovedBy,
			packStamp(ap.ApprovedAt))
		if ap.Notes != "" {
			b.WriteString(": " + ap.Notes)
		}
		b.WriteByte('\n')
	}

	b.WriteString("\n## External calls\n")
	if len(calls) == 0 {
		b.WriteString("(none)\n")
	}
	for _, c := range calls {
		fmt.Fprintf(&b, "- %s %s.%s %s %s by %s", packStamp(c.CreatedAt),
			c.Provider, c.Action, c.Level, c.Status, c.GroupFolder)
		if c.Summary != "" {
			b.WriteString(": " + c.Summary)
		}
		b.WriteByte('\n')
	}

	return b.String(), nil
}

// pickPackActivities keeps the newest limit cross-agent rows, returned oldest
// first for reading order. Input arrives newest first.
func pickPackActivities(activities []*store.Activity, limit int) []*store.Activity {
	var newest []*store.Activity
	for _, a := range activities {
		if packActions[a.Action] {
			newest = append(newest, a)
			if len(newest) == limit {
				break
			}
		}
	}
	out := make([]*store.Activity, 0, len(newest))
	for i := len(newest) - 1; i >= 0; i-- {
		out = append(out, newest[i])
	}
	return out
}

func packStamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
