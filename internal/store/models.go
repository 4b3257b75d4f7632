package store

import "time"

// DecisionState is the lifecycle state of a self-heal decision.
type DecisionState string

// Decision lifecycle states. A decision advances strictly forward through
// the transition table below; Rejected and Propagated are terminal.
const (
	StateDetected         DecisionState = "detected"
	StateContextRetrieved DecisionState = "context_retrieved"
	StateFixProposed      DecisionState = "fix_proposed"
	StatePendingApproval  DecisionState = "pending_approval"
	StateApproved         DecisionState = "approved"
	StateRejected         DecisionState = "rejected"
	StateApplied          DecisionState = "applied"
	StatePropagated       DecisionState = "propagated"
)

// transitions is the allowed successor set for each state. Human approval
// is the only path from pending_approval to approved; there is no
// automatic edge.
var transitions = map[DecisionState][]DecisionState{
	StateDetected:         {StateContextRetrieved},
	StateContextRetrieved: {StateFixProposed},
	StateFixProposed:      {StatePendingApproval},
	StatePendingApproval:  {StateApproved, StateRejected},
	StateApproved:         {StateApplied},
	StateApplied:          {StatePropagated},
	StateRejected:         {},
	StatePropagated:       {},
}

// Terminal reports whether s admits no further transitions.
func (s DecisionState) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether s -> next is an allowed transition.
func (s DecisionState) CanTransition(next DecisionState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Test case statuses.
const (
	TestActive     = "active"
	TestDeprecated = "deprecated"
)

// TestCase is one automated test owned by a tenant. TestID is unique
// within the tenant, not globally.
type TestCase struct {
	Tenant      string    `json:"tenant"`
	TestID      string    `json:"test_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Script      string    `json:"script"`
	Status      string    `json:"status"`
	Version     int       `json:"version"`
	SourceHeal  string    `json:"source_heal_id,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedFrom string    `json:"updated_from,omitempty"`
}

// ScriptVersion is one historical version of a test script. History is
// append-only; an update never rewrites a prior version.
type ScriptVersion struct {
	Version    int       `json:"version"`
	Script     string    `json:"script"`
	SourceHeal string    `json:"source_heal_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Execution is a recorded test run, immutable once created. FailureDetail
// is empty for passing runs.
type Execution struct {
	ID            string    `json:"id"`
	Tenant        string    `json:"tenant"`
	TestID        string    `json:"test_id"`
	Status        string    `json:"status"`
	FailureDetail string    `json:"failure_detail,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// Execution statuses. "failed" is an assertion failure; "error" is an
// infrastructure fault (browser crash, network). Both count against the
// pass rate.
const (
	ExecutionPassed = "passed"
	ExecutionFailed = "failed"
	ExecutionError  = "error"
)

// HealDecision is one self-heal decision record. At most one non-terminal
// decision may exist per (tenant, test_id) at any time; the schema
// enforces this with a partial unique index.
type HealDecision struct {
	ID             string        `json:"id"`
	Tenant         string        `json:"tenant"`
	TestID         string        `json:"test_id"`
	State          DecisionState `json:"state"`
	FailureDetail  string        `json:"failure_detail"`
	UIChanges      string        `json:"ui_changes,omitempty"`
	Context        string        `json:"context,omitempty"`
	ProposedFix    string        `json:"proposed_fix,omitempty"`
	Confidence     float64       `json:"confidence"`
	Rationale      string        `json:"rationale,omitempty"`
	ApprovedBy     string        `json:"approved_by,omitempty"`
	RejectedReason string        `json:"rejected_reason,omitempty"`
	PropagatedFrom string        `json:"propagated_from,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// PropagationResult records the outcome of offering an approved fix to one
// target tenant. Results are idempotent per (decision, tenant): repeating
// a propagation never duplicates a row.
type PropagationResult struct {
	DecisionID       string    `json:"decision_id"`
	Tenant           string    `json:"tenant"`
	TestID           string    `json:"test_id"`
	Applied          bool      `json:"applied"`
	TargetDecisionID string    `json:"target_decision_id,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	AppliedAt        time.Time `json:"applied_at"`
}

// FlakyTest is one test flagged by the flakiness pipeline: pass rate
// strictly between the configured bounds over at least the minimum number
// of runs.
type FlakyTest struct {
	TestID     string  `json:"test_id"`
	Name       string  `json:"name"`
	Executions int     `json:"executions"`
	PassRate   float64 `json:"pass_rate"`
}

// ExecutionStats summarizes a tenant's recorded runs over a time window.
// PassRate is passed over all runs, errored included.
type ExecutionStats struct {
	Total       int     `json:"total"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	Errored     int     `json:"errored"`
	PassRate    float64 `json:"pass_rate"`
	AvgMS       float64 `json:"avg_duration_ms"`
	UniqueTests int     `json:"unique_tests"`
}

// HealStats summarizes decision outcomes for a tenant over a time window.
// Approved counts decisions that reached approval or beyond; ApprovalRate
// is approved over all decisions in the window.
type HealStats struct {
	Total          int     `json:"total"`
	Approved       int     `json:"approved"`
	Rejected       int     `json:"rejected"`
	Pending        int     `json:"pending"`
	ApprovalRate   float64 `json:"approval_rate"`
	MeanConfidence float64 `json:"mean_confidence_approved"`
}
