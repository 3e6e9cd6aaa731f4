package extbroker

import (
	"context"
	"fmt"
)

// Stub providers for deployments without real integrations wired. They keep
// the capability surface, limits gating, and audit trail exercisable; the
// execute bodies only echo what they were asked to do.

// NewGitHubProvider returns the github provider with its standard actions.
func NewGitHubProvider() *Provider {
	return &Provider{
		Name: "github",
		Actions: map[string]*Action{
			"get_repo": {
				Name:        "get_repo",
				Level:       1,
				Description: "Read repository metadata",
				Idempotent:  true,
				Execute:     echoExecute("github", "get_repo"),
			},
			"list_issues": {
				Name:        "list_issues",
				Level:       1,
				Description: "List open issues",
				Idempotent:  true,
				Execute:     echoExecute("github", "list_issues"),
			},
			"create_issue": {
				Name:        "create_issue",
				Level:       2,
				Description: "Open a new issue",
				Idempotent:  false,
				Execute:     echoExecute("github", "create_issue"),
			},
			"merge_pr": {
				Name:        "merge_pr",
				Level:       3,
				Description: "Merge a pull request",
				Idempotent:  false,
				Execute:     echoExecute("github", "merge_pr"),
			},
		},
	}
}

// NewCalendarProvider returns the calendar provider with its standard actions.
func NewCalendarProvider() *Provider {
	return &Provider{
		Name: "calendar",
		Actions: map[string]*Action{
			"list_events": {
				Name:        "list_events",
				Level:       1,
				Description: "List upcoming events",
				Idempotent:  true,
				Execute:     echoExecute("calendar", "list_events"),
			},
			"create_event": {
				Name:        "create_event",
				Level:       2,
				Description: "Create a calendar event",
				Idempotent:  false,
				Execute:     echoExecute("calendar", "create_event"),
			},
		},
	}
}

func echoExecute(provider, action string) ExecuteFunc {
	return func(ctx context.Context, params map[string]any) (any, string, error) {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		return map[string]any{"provider": provider, "action": action, "stub": true},
			fmt.Sprintf("%s.%s executed (stub)", provider, action), nil
	}
}
