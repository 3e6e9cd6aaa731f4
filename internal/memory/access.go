package memory

import (
	"github.com/microclaw/backend/internal/policy"
	"github.com/microclaw/backend/internal/store"
)

// Sensitivity levels, ascending. L3 never leaves the control plane: it is
// stored and read by the main group only and is never embedded.
const (
	LevelL0 = "L0"
	LevelL1 = "L1"
	LevelL2 = "L2"
	LevelL3 = "L3"
)

// levelRank maps a level name to its rank for comparisons. Unknown names
// rank as L3 so a corrupted row fails closed.
func levelRank(level string) int {
	switch level {
	case LevelL0:
		return 0
	case LevelL1:
		return 1
	case LevelL2:
		return 2
	default:
		return 3
	}
}

// Accessor is the principal attempting a memory operation.
type Accessor struct {
	Group   string `json:"group"`
	IsMain  bool   `json:"is_main"`
	Product string `json:"product,omitempty"`
}

// classify applies the auto-classification ladder on store: detected PII
// forces L3, PRODUCT scope floors the level at L2, otherwise the requested
// level stands (default L1).
func classify(requested, scope string, piiDetected bool) string {
	if piiDetected {
		return LevelL3
	}
	if requested == "" {
		requested = LevelL1
	}
	if scope == policy.ScopeProduct && levelRank(requested) < 2 {
		return LevelL2
	}
	return requested
}

// MaxLevel returns the highest sensitivity the accessor may read from m.
// Product isolation is absolute: across products nothing above L0 is
// visible, regardless of ownership.
func MaxLevel(m *store.Memory, acc Accessor) int {
	if acc.IsMain {
		return 3
	}
	if m.Scope == policy.ScopeProduct {
		if acc.Product == "" || acc.Product != m.ProductID {
			return 0
		}
		if m.GroupFolder == acc.Group {
			return 2
		}
		return 1
	}
	if m.GroupFolder == acc.Group {
		return 2
	}
	return 0
}

// CanAccess grants iff the memory's level does not exceed the accessor's
// maximum under the matrix.
func CanAccess(m *store.Memory, acc Accessor) bool {
	return levelRank(m.Level) <= MaxLevel(m, acc)
}
