package extbroker

import (
	"sort"
	"time"
)

// ActionStatus is one action's entry in the capability snapshot.
type ActionStatus struct {
	Level       int    `json:"level"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// ProviderCapability is one provider's section of ext_capabilities.json.
type ProviderCapability struct {
	Provider       string                  `json:"provider"`
	AccessLevel    int                     `json:"access_level"`
	AllowedActions []string                `json:"allowed_actions,omitempty"`
	DeniedActions  []string                `json:"denied_actions,omitempty"`
	ExpiresAt      *time.Time              `json:"expires_at,omitempty"`
	Actions        map[string]ActionStatus `json:"actions"`
}

// CapabilitySnapshot is the full ext_capabilities.json document for a group.
type CapabilitySnapshot struct {
	GeneratedAt        time.Time            `json:"generatedAt"`
	Capabilities       []ProviderCapability `json:"capabilities"`
	ProvidersAvailable []string             `json:"providers_available"`
}

// Snapshot renders the capability view one group sees. Providers the group
// holds no capability for are omitted from the capability list but still
// appear in providers_available so the worker knows they exist.
func (r *Registry) Snapshot(group string) *CapabilitySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &CapabilitySnapshot{
		GeneratedAt:        r.now().UTC(),
		Capabilities:       []ProviderCapability{},
		ProvidersAvailable: []string{},
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	snap.ProvidersAvailable = names

	for _, name := range names {
		cap, hasCap := r.capability(group, name)
		if !hasCap {
			continue
		}
		provider := r.providers[name]
		pc := ProviderCapability{
			Provider:       name,
			AccessLevel:    cap.AccessLevel,
			AllowedActions: cap.AllowedActions,
			DeniedActions:  cap.DeniedActions,
			ExpiresAt:      cap.ExpiresAt,
			Actions:        make(map[string]ActionStatus, len(provider.Actions)),
		}
		for actionName, action := range provider.Actions {
			status := StatusAvailable
			switch r.actionStatusCode(cap, true, action) {
			case "":
			case CodeRequiresHigherLevel:
				status = StatusRequiresLevel
			default:
				status = StatusDenied
			}
			pc.Actions[actionName] = ActionStatus{
				Level:       action.Level,
				Description: action.Description,
				Status:      status,
			}
		}
		snap.Capabilities = append(snap.Capabilities, pc)
	}
	return snap
}
