// Package workflow drives a task from intake to a learned precedent. Each
// session walks a fixed stage machine; every transition reads and writes the
// graph store in one all-or-nothing write group.
package workflow

// Stage is a workflow session's position in the intake state machine.
type Stage string

const (
	StageStart      Stage = "start"
	StagePrecedents Stage = "precedents"
	StageClarify    Stage = "clarify"
	StagePlan       Stage = "plan"
	StageApprove    Stage = "approve"
	StageExecute    Stage = "execute"
	StageVerify     Stage = "verify"
	StageLearn      Stage = "learn"
	StageComplete   Stage = "complete"
)

// transitions is the full set of permitted stage moves. approve -> plan is
// the only back-edge; it is taken when a gate is rejected.
var transitions = map[Stage][]Stage{
	StageStart:      {StagePrecedents},
	StagePrecedents: {StageClarify},
	StageClarify:    {StageClarify, StagePlan},
	StagePlan:       {StageApprove, StageExecute},
	StageApprove:    {StageExecute, StagePlan},
	StageExecute:    {StageExecute, StageVerify},
	StageVerify:     {StageLearn},
	StageLearn:      {StageComplete},
}

// Stages lists every stage in forward order.
func Stages() []Stage {
	return []Stage{StageStart, StagePrecedents, StageClarify, StagePlan,
		StageApprove, StageExecute, StageVerify, StageLearn, StageComplete}
}

func (s Stage) Valid() bool {
	if s == StageComplete {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool { return s == StageComplete }

// CanTransition reports whether from -> to is an edge of the stage machine.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Node statuses written by the engine.
const (
	TaskDraft       = "draft"
	TaskPlanned     = "planned"
	TaskInProgress  = "in_progress"
	TaskDone        = "done"
	TaskNeedsReview = "needs_review"
	TaskCancelled   = "cancelled"

	PlanProposed   = "proposed"
	PlanApproved   = "approved"
	PlanRejected   = "rejected"
	PlanSuperseded = "superseded"

	GatePending   = "pending_approval"
	GateApproved  = "approved"
	GateRejected  = "rejected"
	GateWithdrawn = "withdrawn"

	RunRunning     = "running"
	RunNeedsReview = "needs_review"
	RunSucceeded   = "succeeded"
	RunPartial     = "partial"
	RunAbandoned   = "abandoned"
)

// Priorities accepted by Start.
var priorities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

const defaultPriority = "medium"
