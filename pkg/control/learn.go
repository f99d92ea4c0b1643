package control

import (
	"time"

	"github.com/lithicdb/lithic/internal/metrics"
)

// Outcome classifies a completed cycle.
type Outcome string

const (
	// OutcomeHighSuccess means latency improved by more than ten
	// percent against the pre-action window.
	OutcomeHighSuccess Outcome = "high_success"
	// OutcomeSuccess means any measurable improvement.
	OutcomeSuccess Outcome = "success"
	// OutcomeRegressed means latency held steady or got worse.
	OutcomeRegressed Outcome = "regressed"
	// OutcomeFailed means every executed action errored.
	OutcomeFailed Outcome = "failed"
	// OutcomeNoData means neither window held enough samples to judge.
	OutcomeNoData Outcome = "no_data"
)

const highSuccessImprovement = 0.10

// classify compares latency before and after the cycle's actions.
func classify(before, after metrics.WindowStats, results []ActionResult) Outcome {
	executed, failed := 0, 0
	for _, res := range results {
		executed++
		if !res.Success {
			failed++
		}
	}
	if executed > 0 && failed == executed {
		return OutcomeFailed
	}
	if before.Count == 0 || after.Count == 0 {
		return OutcomeNoData
	}

	improvement := (before.MeanLatency - after.MeanLatency) / before.MeanLatency
	switch {
	case improvement > highSuccessImprovement:
		return OutcomeHighSuccess
	case improvement > 0:
		return OutcomeSuccess
	default:
		return OutcomeRegressed
	}
}

// nextDelay adapts the inter-cycle delay: act again sooner when the
// last cycle helped, back off when it did not.
func nextDelay(cur time.Duration, outcome Outcome, min, max time.Duration) time.Duration {
	var next time.Duration
	switch outcome {
	case OutcomeHighSuccess:
		next = cur / 2
	case OutcomeSuccess:
		next = cur * 3 / 4
	case OutcomeRegressed, OutcomeFailed:
		next = cur * 2
	default:
		next = cur
	}
	if next < min {
		next = min
	}
	if next > max {
		next = max
	}
	return next
}
