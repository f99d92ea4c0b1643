package control

import (
	"context"
	"database/sql"
	"math/rand"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lithicdb/lithic/internal/metrics"
	"github.com/lithicdb/lithic/internal/queue"
)

func TestDecideThreshold(t *testing.T) {
	actions := Decide([]Action{
		{ID: "a", Kind: ActionRebuildIndex, RiskScore: 0.10},
		{ID: "b", Kind: ActionRebuildIndex, RiskScore: 0.25},
		{ID: "c", Kind: ActionRecomputeBuckets, RiskScore: 0.80},
	}, 0.25)

	assert.Equal(t, AutoApproved, actions[0].Approval)
	// At the threshold is not below it.
	assert.Equal(t, PendingManualApproval, actions[1].Approval)
	assert.Equal(t, PendingManualApproval, actions[2].Approval)
}

func TestDecideNeverAutoApprovesWeightMutation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		risk := rng.Float64()
		threshold := rng.Float64()
		out := Decide([]Action{{ID: "r", Kind: ActionRetrainProjection, RiskScore: risk}}, threshold)
		if out[0].Approval == AutoApproved {
			t.Fatalf("retrain auto-approved at risk=%f threshold=%f", risk, threshold)
		}
	}
}

func TestClassify(t *testing.T) {
	ok := []ActionResult{{ActionID: "a", Success: true}}
	bad := []ActionResult{{ActionID: "a", Error: "boom"}}

	tests := []struct {
		name          string
		before, after metrics.WindowStats
		results       []ActionResult
		want          Outcome
	}{
		{"big improvement", metrics.WindowStats{Count: 10, MeanLatency: 0.100}, metrics.WindowStats{Count: 10, MeanLatency: 0.050}, ok, OutcomeHighSuccess},
		{"small improvement", metrics.WindowStats{Count: 10, MeanLatency: 0.100}, metrics.WindowStats{Count: 10, MeanLatency: 0.095}, ok, OutcomeSuccess},
		{"unchanged", metrics.WindowStats{Count: 10, MeanLatency: 0.100}, metrics.WindowStats{Count: 10, MeanLatency: 0.100}, ok, OutcomeRegressed},
		{"worse", metrics.WindowStats{Count: 10, MeanLatency: 0.100}, metrics.WindowStats{Count: 10, MeanLatency: 0.200}, ok, OutcomeRegressed},
		{"all actions failed", metrics.WindowStats{Count: 10, MeanLatency: 0.100}, metrics.WindowStats{Count: 10, MeanLatency: 0.050}, bad, OutcomeFailed},
		{"empty before window", metrics.WindowStats{}, metrics.WindowStats{Count: 10, MeanLatency: 0.050}, ok, OutcomeNoData},
		{"no actions ran", metrics.WindowStats{Count: 10, MeanLatency: 0.100}, metrics.WindowStats{Count: 10, MeanLatency: 0.080}, nil, OutcomeHighSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.before, tt.after, tt.results))
		})
	}
}

func TestNextDelay(t *testing.T) {
	min, max := 5*time.Minute, 24*time.Hour

	assert.Equal(t, 30*time.Minute, nextDelay(time.Hour, OutcomeHighSuccess, min, max))
	assert.Equal(t, 45*time.Minute, nextDelay(time.Hour, OutcomeSuccess, min, max))
	assert.Equal(t, 2*time.Hour, nextDelay(time.Hour, OutcomeRegressed, min, max))
	assert.Equal(t, 2*time.Hour, nextDelay(time.Hour, OutcomeFailed, min, max))
	assert.Equal(t, time.Hour, nextDelay(time.Hour, OutcomeNoData, min, max))

	// Clamped at both ends.
	assert.Equal(t, min, nextDelay(6*time.Minute, OutcomeHighSuccess, min, max))
	assert.Equal(t, max, nextDelay(20*time.Hour, OutcomeRegressed, min, max))
}

func newTestRecords(t *testing.T) *Records {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "control.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	r := NewRecords(db)
	require.NoError(t, r.Init(context.Background()))
	return r
}

func TestClaimStageIdempotent(t *testing.T) {
	r := newTestRecords(t)
	ctx := context.Background()

	first, err := r.ClaimStage(ctx, "c1", "act")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := r.ClaimStage(ctx, "c1", "act")
	require.NoError(t, err)
	assert.False(t, again, "redelivered stage claimed twice")

	other, err := r.ClaimStage(ctx, "c1", "learn")
	require.NoError(t, err)
	assert.True(t, other, "distinct stage blocked by sibling claim")
}

func TestRecordsCycleAudit(t *testing.T) {
	r := newTestRecords(t)
	ctx := context.Background()

	require.NoError(t, r.BeginCycle(ctx, "c1"))
	obs := Observations{QueryCount: 42, MeanLatency: 0.031}
	require.NoError(t, r.SaveObservations(ctx, "c1", obs))
	require.NoError(t, r.SaveActions(ctx, "c1", []Action{
		{ID: "a1", Kind: ActionRebuildIndex, RiskScore: 0.1, Approval: AutoApproved},
		{ID: "a2", Kind: ActionRetrainProjection, RiskScore: 0.1, Approval: PendingManualApproval},
	}))
	require.NoError(t, r.RecordResult(ctx, "c1", ActionResult{ActionID: "a1", Kind: ActionRebuildIndex, Success: true, Duration: time.Second}))
	require.NoError(t, r.CloseCycle(ctx, "c1", OutcomeSuccess, 45*time.Minute))

	rec, err := r.Cycle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "done", rec.Phase)
	assert.Equal(t, OutcomeSuccess, rec.Outcome)
	assert.Equal(t, 45*time.Minute, rec.NextDelay)
	require.NotNil(t, rec.Observations)
	assert.Equal(t, 42, rec.Observations.QueryCount)

	pending, err := r.PendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ActionRetrainProjection, pending[0].Kind)

	_, err = r.Cycle(ctx, "missing")
	assert.ErrorIs(t, err, ErrCycleNotFound)
}

type loopHarness struct {
	loop     *Loop
	queue    *queue.Queue
	records  *Records
	recorder *metrics.Recorder
	executed atomic.Int32
}

func newLoopHarness(t *testing.T, obs Observations, hyp Hypothesizer) *loopHarness {
	t.Helper()
	q, err := queue.New(queue.Config{InMemory: true, MaxAttempts: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	h := &loopHarness{
		queue:    q,
		records:  newTestRecords(t),
		recorder: metrics.NewRecorder(nil),
	}
	exec := func(ctx context.Context) error {
		h.executed.Add(1)
		return nil
	}
	loop, err := New(Config{
		AutoApproveThreshold: 0.25,
		Lookback:             time.Hour,
		ActTimeout:           time.Second,
		InitialDelay:         time.Hour, // keep the scheduler out of the way
		MinDelay:             time.Minute,
		MaxDelay:             time.Hour,
	}, Deps{
		Queue:        q,
		Records:      h.records,
		Recorder:     h.recorder,
		Observer:     func(ctx context.Context, lookback time.Duration) (Observations, error) { return obs, nil },
		Hypothesizer: hyp,
		Executors: map[ActionKind]Executor{
			ActionRebuildIndex:      exec,
			ActionRecomputeBuckets:  exec,
			ActionRefreshStatistics: exec,
			ActionPrewarmCache:      exec,
		},
	})
	require.NoError(t, err)
	h.loop = loop
	loop.Start(context.Background())
	t.Cleanup(loop.Stop)
	return h
}

func (h *loopHarness) waitDone(t *testing.T, cycleID string) *CycleRecord {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.records.Cycle(context.Background(), cycleID)
		if err == nil && rec.Phase == "done" {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("cycle %s never completed", cycleID)
	return nil
}

func TestLoopEndToEnd(t *testing.T) {
	// Slow queries trigger an index rebuild at low risk.
	h := newLoopHarness(t, Observations{QueryCount: 100, MeanLatency: 0.080, IndexSize: 1000}, nil)

	cycleID, err := h.loop.Trigger()
	require.NoError(t, err)

	rec := h.waitDone(t, cycleID)
	assert.Equal(t, int32(1), h.executed.Load())
	// No post-action samples were recorded, so the cycle cannot judge.
	assert.Equal(t, OutcomeNoData, rec.Outcome)
	require.NotNil(t, rec.Observations)
	assert.Equal(t, 100, rec.Observations.QueryCount)
}

func TestLoopRedeliveryRunsActionsOnce(t *testing.T) {
	h := newLoopHarness(t, Observations{QueryCount: 100, MeanLatency: 0.080, IndexSize: 1000}, nil)

	cycleID, err := h.loop.Trigger()
	require.NoError(t, err)
	// Duplicate analyze for the same cycle, as a crashed producer would
	// leave behind.
	msg := AnalyzeMessage{CycleID: cycleID, LookbackWindow: time.Hour}
	data, err := encodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(TopicAnalyze, cycleID, data))

	h.waitDone(t, cycleID)
	time.Sleep(200 * time.Millisecond) // let the duplicate drain
	assert.Equal(t, int32(1), h.executed.Load())
}

type retrainHypothesizer struct{}

func (retrainHypothesizer) Hypothesize(ctx context.Context, obs Observations) ([]Action, error) {
	return []Action{{ID: "r1", Kind: ActionRetrainProjection, RiskScore: 0.0, Reason: "drift"}}, nil
}

func TestLoopHoldsWeightMutationForApproval(t *testing.T) {
	h := newLoopHarness(t, Observations{QueryCount: 10}, retrainHypothesizer{})

	cycleID, err := h.loop.Trigger()
	require.NoError(t, err)
	h.waitDone(t, cycleID)

	assert.Zero(t, h.executed.Load(), "weight-mutating action executed without approval")
	pending, err := h.records.PendingActions(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ActionRetrainProjection, pending[0].Kind)
}

func TestLoopPoisonMessageDeadLetters(t *testing.T) {
	h := newLoopHarness(t, Observations{QueryCount: 10}, nil)

	require.NoError(t, h.queue.Enqueue(TopicAnalyze, "poison", []byte("{not json")))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		dls, err := h.queue.DeadLetters(TopicAnalyze)
		require.NoError(t, err)
		if len(dls) == 1 {
			assert.Equal(t, "poison", dls[0].Key)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("poison message never dead-lettered")
}

func TestProposeActions(t *testing.T) {
	slow := proposeActions(Observations{QueryCount: 50, MeanLatency: 0.120, IndexSize: 10})
	require.NotEmpty(t, slow)
	assert.Equal(t, ActionRebuildIndex, slow[0].Kind)

	crowded := proposeActions(Observations{QueryCount: 50, MeanLatency: 0.001, IndexSize: 10, MaxLeafBucket: 1000})
	require.NotEmpty(t, crowded)
	assert.Equal(t, ActionRecomputeBuckets, crowded[0].Kind)

	idle := proposeActions(Observations{})
	assert.Empty(t, idle)

	steady := proposeActions(Observations{QueryCount: 50, MeanLatency: 0.001})
	require.Len(t, steady, 1)
	assert.Equal(t, ActionPrewarmCache, steady[0].Kind)
}

func TestLoopStopIsClean(t *testing.T) {
	h := newLoopHarness(t, Observations{QueryCount: 10}, nil)
	done := make(chan struct{})
	go func() {
		h.loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	// Trigger after Stop still enqueues; workers are gone but the
	// queue survives for the next process.
	_, err := h.loop.Trigger()
	assert.NoError(t, err)
}
