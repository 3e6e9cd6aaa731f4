// Package policy validates governance state transitions. Everything here is
// a pure function over the supplied facts: no store access, no clock, no
// side effects, and denials are returned, never raised.
package policy

// Task lifecycle states.
const (
	StateInbox    = "INBOX"
	StateTriaged  = "TRIAGED"
	StateReady    = "READY"
	StateDoing    = "DOING"
	StateReview   = "REVIEW"
	StateApproval = "APPROVAL"
	StateDone     = "DONE"
	StateBlocked  = "BLOCKED"
)

// Approval gates.
const (
	GateNone     = "None"
	GateSecurity = "Security"
	GateRevOps   = "RevOps"
	GateClaims   = "Claims"
	GateProduct  = "Product"
)

// Task scopes.
const (
	ScopeCompany = "COMPANY"
	ScopeProduct = "PRODUCT"
)

// MainGroup is the supervisory group folder. It may approve any gate, store
// and read L3 memory, and carry overrides.
const MainGroup = "main"

// Error codes callers can switch on.
const (
	ErrUnknownState          = "UNKNOWN_STATE"
	ErrInvalidTransition     = "INVALID_TRANSITION"
	ErrMissingDoDChecklist   = "MISSING_DOD_CHECKLIST"
	ErrMissingEvidenceLink   = "MISSING_EVIDENCE_LINK"
	ErrDoDIncomplete         = "DOD_INCOMPLETE"
	ErrDocsNotUpdated        = "DOCS_NOT_UPDATED"
	ErrGateNotApproved       = "GATE_NOT_APPROVED"
	ErrOverrideMissingBy     = "OVERRIDE_MISSING_BY"
	ErrOverrideMissingReason = "OVERRIDE_MISSING_REASON"
	ErrOverrideMissingRisk   = "OVERRIDE_MISSING_ACCEPTED_RISK"
	ErrOverrideMissingDue    = "OVERRIDE_MISSING_REVIEW_DEADLINE"
	ErrForbidden             = "FORBIDDEN"
)

// transitions is the fixed state graph. DONE is terminal; nothing leaves it.
var transitions = map[string][]string{
	StateInbox:    {StateTriaged, StateBlocked},
	StateTriaged:  {StateReady, StateBlocked},
	StateReady:    {StateDoing, StateBlocked},
	StateDoing:    {StateReview, StateBlocked},
	StateReview:   {StateApproval, StateDoing, StateBlocked},
	StateApproval: {StateDone, StateReview, StateBlocked},
	StateDone:     {},
	StateBlocked:  {StateInbox, StateTriaged, StateReady, StateDoing},
}

// docTaskTypes are the task types that must have docs updated before DONE.
var docTaskTypes = map[string]bool{
	"SECURITY": true,
	"REVOPS":   true,
	"INCIDENT": true,
	"FEATURE":  true,
}

// DoDItem is one definition-of-done checklist entry.
type DoDItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Override carries the four fields a gate override must provide.
type Override struct {
	By                string `json:"by"`
	Reason            string `json:"reason"`
	AcceptedRisk      bool   `json:"acceptedRisk"`
	ReviewDeadlineISO string `json:"reviewDeadlineIso"`
}

// TaskFacts are the slices of task state the strict checks read. The
// governance core extracts them from the task metadata blob.
type TaskFacts struct {
	TaskType         string
	Gate             string
	DoDChecklist     []DoDItem
	EvidenceRequired *bool
	EvidenceLinks    []string
	DocsUpdated      bool
	GateApproved     bool
	Override         *Override
}

// Result reports a validation outcome. OK is true iff Errors is empty.
type Result struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

func deny(codes ...string) Result { return Result{OK: false, Errors: codes} }

// KnownState reports membership in the state set.
func KnownState(s string) bool {
	_, ok := transitions[s]
	return ok
}

// ValidateTransition checks the edge (from, to) against the graph and, in
// strict mode, the DoD / evidence / gate preconditions. One error code per
// missing precondition; codes accumulate rather than short-circuit so the
// caller sees everything that is still missing.
func ValidateTransition(from, to string, facts *TaskFacts, strict bool) Result {
	allowed, ok := transitions[from]
	if !ok {
		return deny(ErrUnknownState)
	}
	if !KnownState(to) {
		return deny(ErrUnknownState)
	}
	legal := false
	for _, next := range allowed {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		return deny(ErrInvalidTransition)
	}
	if !strict || facts == nil {
		return Result{OK: true}
	}

	var errs []string

	// Entering DOING, from any edge, needs a populated DoD block: a
	// non-empty checklist and an explicit evidence-required decision.
	if to == StateDoing {
		if len(facts.DoDChecklist) == 0 || facts.EvidenceRequired == nil {
			errs = append(errs, ErrMissingDoDChecklist)
		}
	}

	evidenceRequired := facts.EvidenceRequired != nil && *facts.EvidenceRequired
	if evidenceRequired && (from == StateReview || to == StateDone) && len(facts.EvidenceLinks) == 0 {
		errs = append(errs, ErrMissingEvidenceLink)
	}

	if to == StateDone {
		for _, item := range facts.DoDChecklist {
			if !item.Done {
				errs = append(errs, ErrDoDIncomplete)
				break
			}
		}
		if docTaskTypes[facts.TaskType] && !facts.DocsUpdated {
			errs = append(errs, ErrDocsNotUpdated)
		}
		if facts.Override != nil {
			if facts.Override.By == "" {
				errs = append(errs, ErrOverrideMissingBy)
			}
			if facts.Override.Reason == "" {
				errs = append(errs, ErrOverrideMissingReason)
			}
			if !facts.Override.AcceptedRisk {
				errs = append(errs, ErrOverrideMissingRisk)
			}
			if facts.Override.ReviewDeadlineISO == "" {
				errs = append(errs, ErrOverrideMissingDue)
			}
		} else if facts.Gate != "" && facts.Gate != GateNone && !facts.GateApproved {
			errs = append(errs, ErrGateNotApproved)
		}
	}

	if len(errs) > 0 {
		return Result{OK: false, Errors: errs}
	}
	return Result{OK: true}
}
