package lithic

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lithicdb/lithic/internal/queue"
	"github.com/lithicdb/lithic/pkg/control"
	"github.com/lithicdb/lithic/pkg/spatial"
)

// maxLeafResolution bounds how fine re-bucketing may subdivide the
// grid.
const maxLeafResolution = 4096

func (e *Engine) startControl(ctx context.Context) error {
	q, err := queue.New(queue.Config{
		Path:   filepath.Join(e.cfg.DataDir, "control-queue"),
		Logger: e.logger,
	})
	if err != nil {
		return err
	}
	e.queue = q

	e.records = control.NewRecords(e.store.DB())
	if err := e.records.Init(ctx); err != nil {
		return err
	}

	ctlCfg := e.cfg.Control
	if ctlCfg.Logger == nil {
		ctlCfg.Logger = e.logger
	}
	loop, err := control.New(ctlCfg, control.Deps{
		Queue:    q,
		Records:  e.records,
		Recorder: e.recorder,
		Observer: e.observe,
		Executors: map[control.ActionKind]control.Executor{
			control.ActionRefreshStatistics: e.refreshStatistics,
			control.ActionRebuildIndex:      e.rebuildIndex,
			control.ActionPrewarmCache:      e.prewarmCache,
			control.ActionRecomputeBuckets:  e.recomputeBuckets,
		},
	})
	if err != nil {
		return err
	}
	e.loop = loop
	loop.Start(ctx)
	return nil
}

// observe assembles the analysis snapshot from the metrics window, the
// index counters and the store size.
func (e *Engine) observe(ctx context.Context, lookback time.Duration) (control.Observations, error) {
	now := time.Now()
	win := e.recorder.Window(now.Add(-lookback), now)
	stats := e.IndexStats()

	var atomCount int
	if err := e.store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM atoms").Scan(&atomCount); err != nil {
		return control.Observations{}, fmt.Errorf("failed to count atoms: %w", err)
	}

	obs := control.Observations{
		From:           now.Add(-lookback),
		To:             now,
		QueryCount:     win.Count,
		MeanLatency:    win.MeanLatency,
		MaxLatency:     win.MaxLatency,
		MeanCandidates: win.MeanCandidates,
		Throughput:     win.Throughput,
		IndexSize:      stats.Size,
		LeafCells:      stats.LeafCells,
		MaxLeafBucket:  stats.MaxLeafBucket,
		AtomCount:      atomCount,
	}
	if stats.Size > 0 && atomCount > stats.Size*2 {
		obs.Anomalies = append(obs.Anomalies, "most atoms are unindexed")
	}
	return obs, nil
}

func (e *Engine) refreshStatistics(ctx context.Context) error {
	if _, err := e.store.DB().ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("failed to refresh statistics: %w", err)
	}
	return nil
}

func (e *Engine) rebuildIndex(ctx context.Context) error {
	e.mu.RLock()
	index := e.index
	e.mu.RUnlock()
	if index == nil {
		return ErrNoBasis
	}
	index.Rebuild()
	return index.SaveSnapshot(ctx, e.store.DB())
}

// prewarmCache touches the pages queries will hit: the coordinate scan
// and the dedup index.
func (e *Engine) prewarmCache(ctx context.Context) error {
	if _, err := e.store.Coordinates(ctx); err != nil {
		return err
	}
	var n int
	return e.store.DB().QueryRowContext(ctx, "SELECT COUNT(DISTINCT tenant_id) FROM atoms").Scan(&n)
}

// recomputeBuckets doubles the leaf resolution when buckets have grown
// crowded and swaps in a freshly loaded index. Queries keep running
// against the old grid until the swap.
func (e *Engine) recomputeBuckets(ctx context.Context) error {
	e.mu.RLock()
	old := e.index
	basis := e.basis
	e.mu.RUnlock()
	if old == nil {
		return ErrNoBasis
	}

	idxCfg := spatial.DefaultConfig(basis.AxisCount())
	if len(e.cfg.Resolutions) > 0 {
		idxCfg.Resolutions = append([]int(nil), e.cfg.Resolutions...)
	}
	leaf := len(idxCfg.Resolutions) - 1
	if idxCfg.Resolutions[leaf]*2 > maxLeafResolution {
		return fmt.Errorf("leaf resolution %d already at the bound", idxCfg.Resolutions[leaf])
	}
	idxCfg.Resolutions[leaf] *= 2
	idxCfg.Logger = e.logger

	next, err := spatial.New(idxCfg)
	if err != nil {
		return err
	}
	if err := reindexFromStore(ctx, e.store, next); err != nil {
		return err
	}

	e.mu.Lock()
	e.cfg.Resolutions = idxCfg.Resolutions
	e.index = next
	e.mu.Unlock()

	e.logger.Info("spatial grid re-bucketed", "leafResolution", idxCfg.Resolutions[leaf])
	return next.SaveSnapshot(ctx, e.store.DB())
}

// TriggerCycle starts a maintenance cycle now, outside the schedule.
func (e *Engine) TriggerCycle() (string, error) {
	if e.loop == nil {
		return "", fmt.Errorf("control loop is not enabled")
	}
	return e.loop.Trigger()
}

// CycleStatus returns the audit record of one cycle.
func (e *Engine) CycleStatus(ctx context.Context, cycleID string) (*control.CycleRecord, error) {
	if e.records == nil {
		return nil, fmt.Errorf("control loop is not enabled")
	}
	return e.records.Cycle(ctx, cycleID)
}

// PendingActions lists maintenance actions waiting for manual approval.
func (e *Engine) PendingActions(ctx context.Context) ([]control.Action, error) {
	if e.records == nil {
		return nil, fmt.Errorf("control loop is not enabled")
	}
	return e.records.PendingActions(ctx)
}
