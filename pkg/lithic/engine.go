// Package lithic assembles the storage engine: the content-addressable
// atom store, the landmark projector, the spatial index with its
// Hilbert curve keys, the composition graph and the autonomous
// maintenance loop, behind one handle.
package lithic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lithicdb/lithic/internal/metrics"
	"github.com/lithicdb/lithic/internal/queue"
	"github.com/lithicdb/lithic/pkg/atom"
	"github.com/lithicdb/lithic/pkg/composition"
	"github.com/lithicdb/lithic/pkg/control"
	"github.com/lithicdb/lithic/pkg/curve"
	"github.com/lithicdb/lithic/pkg/projector"
	"github.com/lithicdb/lithic/pkg/spatial"
)

// ErrNoBasis is returned by vector operations before a landmark basis
// has been onboarded.
var ErrNoBasis = errors.New("no landmark basis onboarded")

// ErrEngineClosed is returned after Close.
var ErrEngineClosed = errors.New("engine is closed")

// Config configures the assembled engine.
type Config struct {
	// DataDir holds the SQLite database and the control queue.
	DataDir string

	// ModelID selects which landmark basis family projects vectors.
	ModelID string

	// MaxContentSize, RetentionWindow and GCInterval pass through to
	// the atom store; zero values take the store defaults.
	MaxContentSize  int
	RetentionWindow time.Duration
	GCInterval      time.Duration

	// Resolutions overrides the spatial grid levels.
	Resolutions []int

	// BitsPerAxis overrides the Hilbert curve quantization.
	BitsPerAxis int

	// EnableControl starts the autonomous maintenance loop.
	EnableControl bool
	Control       control.Config

	// Registerer receives the Prometheus collectors; nil keeps them on
	// a private registry.
	Registerer prometheus.Registerer

	Logger *log.Logger
}

// Engine is the assembled storage engine.
type Engine struct {
	cfg    Config
	logger *log.Logger

	store    *atom.Store
	registry *projector.Registry
	graph    *composition.Graph
	recorder *metrics.Recorder

	// mu guards the projection path: basis, encoder and index swap
	// together when a basis is onboarded or the grid is re-bucketed.
	mu      sync.RWMutex
	basis   *projector.Basis
	encoder *curve.Encoder
	index   *spatial.Index

	queue   *queue.Queue
	records *control.Records
	loop    *control.Loop

	closed bool
}

// Open builds the engine, restoring the spatial index from its
// persisted snapshot or, failing that, from the stored coordinates.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
		logger.SetLevel(log.FatalLevel)
	}

	storeCfg := atom.DefaultConfig(filepath.Join(cfg.DataDir, "lithic.db"))
	storeCfg.Logger = logger
	if cfg.MaxContentSize > 0 {
		storeCfg.MaxContentSize = cfg.MaxContentSize
	}
	if cfg.RetentionWindow > 0 {
		storeCfg.RetentionWindow = cfg.RetentionWindow
	}
	storeCfg.GCInterval = cfg.GCInterval

	store, err := atom.New(storeCfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: projector.NewRegistry(store.DB()),
		graph:    composition.New(store),
		recorder: metrics.NewRecorder(cfg.Registerer),
	}
	if err := e.registry.InitSchema(ctx); err != nil {
		e.closePartial()
		return nil, err
	}
	if err := spatial.EnsureSnapshotSchema(ctx, store.DB()); err != nil {
		e.closePartial()
		return nil, err
	}

	// Collected atoms leave the spatial index on the sweeper's
	// goroutine; a missing index entry is not an error here.
	store.OnCollect(func(ids []int64) {
		e.mu.RLock()
		idx := e.index
		e.mu.RUnlock()
		if idx == nil {
			return
		}
		for _, id := range ids {
			_ = idx.Remove(id)
		}
	})

	// A basis may not exist yet on a fresh data directory; the engine
	// then stores and deduplicates but cannot project or query until
	// OnboardBasis runs.
	basis, err := e.registry.Latest(ctx, cfg.ModelID)
	switch {
	case errors.Is(err, projector.ErrBasisNotFound):
		logger.Info("no landmark basis onboarded yet", "model", cfg.ModelID)
	case err != nil:
		e.closePartial()
		return nil, err
	default:
		if err := e.activateBasis(ctx, basis, true); err != nil {
			e.closePartial()
			return nil, err
		}
	}

	if cfg.EnableControl {
		if err := e.startControl(ctx); err != nil {
			e.closePartial()
			return nil, err
		}
	}
	return e, nil
}

// activateBasis installs the projection path for a basis and populates
// the index, from the snapshot when restore is set and one exists,
// otherwise from the stored coordinates.
func (e *Engine) activateBasis(ctx context.Context, basis *projector.Basis, restore bool) error {
	idxCfg := spatial.DefaultConfig(basis.AxisCount())
	if len(e.cfg.Resolutions) > 0 {
		idxCfg.Resolutions = e.cfg.Resolutions
	}
	idxCfg.Logger = e.logger
	index, err := spatial.New(idxCfg)
	if err != nil {
		return err
	}
	encoder, err := curve.NewEncoder(e.cfg.BitsPerAxis, idxCfg.Min, idxCfg.Max)
	if err != nil {
		return err
	}

	loaded := false
	if restore {
		loaded, err = index.LoadSnapshot(ctx, e.store.DB())
		if err != nil {
			e.logger.Warn("failed to restore index snapshot, reindexing", "error", err)
			loaded = false
		}
	}
	if !loaded {
		if err := reindexFromStore(ctx, e.store, index); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.basis = basis
	e.encoder = encoder
	e.index = index
	e.mu.Unlock()

	e.logger.Info("landmark basis active", "model", basis.ModelID, "version", basis.Version,
		"axes", basis.AxisCount(), "indexed", index.Stats().Size, "fromSnapshot", loaded)
	return nil
}

// reindexFromStore bulk-loads every stored coordinate into the index.
func reindexFromStore(ctx context.Context, store *atom.Store, index *spatial.Index) error {
	entries, err := store.Coordinates(ctx)
	if err != nil {
		return err
	}
	for _, c := range entries {
		if err := index.Insert(c.ID, c.Coord, uint64(c.CurveKey)); err != nil {
			return err
		}
	}
	index.Rebuild()
	return nil
}

// OnboardBasis registers an immutable landmark basis and, when it is
// the first for the configured model, activates it.
func (e *Engine) OnboardBasis(ctx context.Context, modelID string, version int, axes []projector.Landmark) error {
	basis, err := projector.NewBasis(modelID, version, axes)
	if err != nil {
		return err
	}
	if err := e.registry.Create(ctx, basis); err != nil {
		return err
	}
	e.mu.RLock()
	active := e.basis
	e.mu.RUnlock()
	if active == nil && modelID == e.cfg.ModelID {
		return e.activateBasis(ctx, basis, false)
	}
	return nil
}

// Store exposes the atom store.
func (e *Engine) Store() *atom.Store { return e.store }

// Graph exposes the composition graph.
func (e *Engine) Graph() *composition.Graph { return e.graph }

// Registry exposes the landmark basis registry.
func (e *Engine) Registry() *projector.Registry { return e.registry }

// IndexStats reports spatial index health, or zeros before a basis is
// active.
func (e *Engine) IndexStats() spatial.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.index == nil {
		return spatial.Stats{}
	}
	return e.index.Stats()
}

func (e *Engine) closePartial() {
	_ = e.store.Close()
	if e.queue != nil {
		_ = e.queue.Close()
	}
}

// Close stops the control loop, persists the index snapshot and closes
// the stores.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	index := e.index
	e.mu.Unlock()

	if e.loop != nil {
		e.loop.Stop()
	}
	if index != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := index.SaveSnapshot(ctx, e.store.DB()); err != nil {
			e.logger.Warn("failed to persist index snapshot", "error", err)
		}
		cancel()
	}
	var firstErr error
	if e.queue != nil {
		if err := e.queue.Close(); err != nil {
			firstErr = err
		}
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}
