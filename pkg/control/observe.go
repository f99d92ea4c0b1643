package control

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Observations is the analysis snapshot a cycle works from.
type Observations struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	QueryCount     int     `json:"queryCount"`
	MeanLatency    float64 `json:"meanLatency"` // seconds
	MaxLatency     float64 `json:"maxLatency"`
	MeanCandidates float64 `json:"meanCandidates"`
	Throughput     float64 `json:"throughput"`

	IndexSize     int `json:"indexSize"`
	LeafCells     int `json:"leafCells"`
	MaxLeafBucket int `json:"maxLeafBucket"`
	AtomCount     int `json:"atomCount"`

	Anomalies []string `json:"anomalies,omitempty"`
}

// Observer gathers observations over a lookback window. The facade
// provides one backed by the live store, index and metrics recorder.
type Observer func(ctx context.Context, lookback time.Duration) (Observations, error)

// Hypothesizer proposes actions for a set of observations. Optional;
// when absent the loop falls back to the built-in heuristics.
type Hypothesizer interface {
	Hypothesize(ctx context.Context, obs Observations) ([]Action, error)
}

// Thresholds for the built-in heuristics.
const (
	slowQuerySeconds  = 0.050
	candidateBlowup   = 4.0 // mean candidates per index entry, scaled
	crowdedLeafBucket = 256
	statsRefreshEvery = 10000
)

// proposeActions is the default hypothesis stage: cheap rule-of-thumb
// checks that map observed degradation to maintenance actions.
func proposeActions(obs Observations) []Action {
	var actions []Action
	add := func(kind ActionKind, risk float64, reason string) {
		actions = append(actions, Action{
			ID:        uuid.NewString(),
			Kind:      kind,
			Reason:    reason,
			RiskScore: risk,
		})
	}

	if obs.MeanLatency > slowQuerySeconds && obs.QueryCount > 0 {
		add(ActionRebuildIndex, 0.15,
			fmt.Sprintf("mean query latency %.1fms", obs.MeanLatency*1000))
	}
	if obs.IndexSize > 0 && obs.MeanCandidates > candidateBlowup*float64(obs.LeafCells+1) {
		add(ActionRecomputeBuckets, 0.35,
			fmt.Sprintf("candidate sets averaging %.0f entries", obs.MeanCandidates))
	}
	if obs.MaxLeafBucket > crowdedLeafBucket {
		add(ActionRecomputeBuckets, 0.35,
			fmt.Sprintf("leaf bucket holding %d entries", obs.MaxLeafBucket))
	}
	if obs.AtomCount > 0 && obs.AtomCount%statsRefreshEvery < 100 {
		add(ActionRefreshStatistics, 0.05, "periodic planner statistics refresh")
	}
	if len(actions) == 0 && obs.QueryCount > 0 {
		// Nothing degraded; keep caches warm as a no-risk default.
		add(ActionPrewarmCache, 0.02, "steady state, prewarm only")
	}
	return actions
}
