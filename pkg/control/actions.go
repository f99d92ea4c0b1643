package control

import "time"

// ActionKind names a maintenance operation the loop can run.
type ActionKind string

const (
	// ActionRefreshStatistics refreshes the query planner statistics.
	ActionRefreshStatistics ActionKind = "refresh_statistics"
	// ActionRebuildIndex rebuilds the spatial index in curve order.
	ActionRebuildIndex ActionKind = "rebuild_spatial_index"
	// ActionPrewarmCache touches hot regions so first queries after a
	// rebuild do not pay cold-read latency.
	ActionPrewarmCache ActionKind = "prewarm_cache"
	// ActionRecomputeBuckets re-derives grid resolutions from the
	// observed coordinate distribution.
	ActionRecomputeBuckets ActionKind = "recompute_buckets"
	// ActionRetrainProjection replaces the landmark basis. Weight-
	// mutating, so it always requires manual approval.
	ActionRetrainProjection ActionKind = "retrain_projection"
)

// ApprovalState is the decision attached to a proposed action.
type ApprovalState string

const (
	AutoApproved          ApprovalState = "auto_approved"
	PendingManualApproval ApprovalState = "pending_manual_approval"
)

// neverAutoApproved lists kinds that mutate learned weights; no risk
// score can clear them for unattended execution.
var neverAutoApproved = map[ActionKind]bool{
	ActionRetrainProjection: true,
}

// Action is one proposed maintenance operation with its estimated risk.
type Action struct {
	ID        string        `json:"id"`
	Kind      ActionKind    `json:"kind"`
	Reason    string        `json:"reason,omitempty"`
	RiskScore float64       `json:"riskScore"`
	Approval  ApprovalState `json:"approval,omitempty"`
}

// ActionResult records one execution attempt.
type ActionResult struct {
	ActionID string        `json:"actionId"`
	Kind     ActionKind    `json:"kind"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Decide stamps an approval state on every action. Risk strictly below
// the threshold executes without review; everything else, and any kind
// on the never-auto-approve list regardless of score, waits for a
// human.
func Decide(actions []Action, threshold float64) []Action {
	out := make([]Action, len(actions))
	for i, a := range actions {
		if !neverAutoApproved[a.Kind] && a.RiskScore < threshold {
			a.Approval = AutoApproved
		} else {
			a.Approval = PendingManualApproval
		}
		out[i] = a
	}
	return out
}
