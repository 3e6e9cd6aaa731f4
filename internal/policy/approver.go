package policy

// approvers maps each gate to the single group folder allowed to sign it
// off. The mapping is static per deployment.
var approvers = map[string]string{
	GateSecurity: "security",
	GateRevOps:   "revops",
	GateClaims:   "claims",
	GateProduct:  "product",
}

// ApproverFor returns the approver group for a gate, or "" for GateNone and
// unknown gates.
func ApproverFor(gate string) string {
	return approvers[gate]
}

// CheckApprover decides whether actorGroup may approve the given gate for a
// task executed by executorGroup. Main overrides the mapping; the executor
// group can never approve its own work. Returns "" when allowed, otherwise
// an error code.
func CheckApprover(gate, actorGroup, executorGroup string) string {
	if actorGroup == MainGroup {
		return ""
	}
	if actorGroup == executorGroup && executorGroup != "" {
		return ErrForbidden
	}
	if ApproverFor(gate) != actorGroup {
		return ErrForbidden
	}
	return ""
}
