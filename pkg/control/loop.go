package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/lithicdb/lithic/internal/metrics"
	"github.com/lithicdb/lithic/internal/queue"
)

// Config tunes the loop.
type Config struct {
	// AutoApproveThreshold is the risk cutoff below which an action
	// executes without review.
	AutoApproveThreshold float64

	// Lookback is the observation window feeding Analyze and the
	// "before" side of Learn.
	Lookback time.Duration

	// ActTimeout bounds each action execution.
	ActTimeout time.Duration

	// InitialDelay schedules the first automatic cycle; MinDelay and
	// MaxDelay clamp the adaptive delay after that.
	InitialDelay time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration

	Logger *log.Logger
}

// DefaultConfig returns the standing tuning.
func DefaultConfig() Config {
	return Config{
		AutoApproveThreshold: 0.25,
		Lookback:             24 * time.Hour,
		ActTimeout:           2 * time.Minute,
		InitialDelay:         time.Hour,
		MinDelay:             5 * time.Minute,
		MaxDelay:             24 * time.Hour,
	}
}

// Executor runs one action kind against the live system.
type Executor func(ctx context.Context) error

// Deps are the collaborators a loop drives.
type Deps struct {
	Queue    *queue.Queue
	Records  *Records
	Recorder *metrics.Recorder
	Observer Observer

	// Hypothesizer is optional; nil selects the built-in heuristics.
	Hypothesizer Hypothesizer

	Executors map[ActionKind]Executor
}

// Loop runs the four stages as queue workers plus a timer that seeds
// the next cycle. One loop manages one store scope; run several loops
// for several scopes.
type Loop struct {
	cfg    Config
	deps   Deps
	logger *log.Logger

	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a loop. Config zero values fall back to DefaultConfig.
func New(cfg Config, deps Deps) (*Loop, error) {
	def := DefaultConfig()
	if cfg.AutoApproveThreshold <= 0 {
		cfg.AutoApproveThreshold = def.AutoApproveThreshold
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.ActTimeout <= 0 {
		cfg.ActTimeout = def.ActTimeout
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
		cfg.Logger.SetLevel(log.FatalLevel)
	}
	if deps.Queue == nil || deps.Records == nil || deps.Recorder == nil || deps.Observer == nil {
		return nil, fmt.Errorf("control loop requires queue, records, recorder and observer")
	}
	return &Loop{
		cfg:    cfg,
		deps:   deps,
		logger: cfg.Logger,
		delay:  cfg.InitialDelay,
	}, nil
}

// Start launches the stage workers and schedules the first cycle.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	stages := []struct {
		topic   string
		handler func(context.Context, *queue.Message) error
	}{
		{TopicAnalyze, l.handleAnalyze},
		{TopicHypothesize, l.handleHypothesize},
		{TopicAct, l.handleAct},
		{TopicLearn, l.handleLearn},
	}
	for _, st := range stages {
		l.wg.Add(1)
		go l.worker(ctx, st.topic, st.handler)
	}
	l.scheduleNext(ctx, l.cfg.InitialDelay)
}

// Stop cancels the workers and waits for them to drain.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Trigger injects a cycle immediately, outside the schedule. Returns
// the new cycle id.
func (l *Loop) Trigger() (string, error) {
	cycleID := uuid.NewString()
	msg := AnalyzeMessage{CycleID: cycleID, LookbackWindow: l.cfg.Lookback}
	data, err := encodeMessage(msg)
	if err != nil {
		return "", err
	}
	if err := l.deps.Queue.Enqueue(TopicAnalyze, cycleID, data); err != nil {
		return "", err
	}
	return cycleID, nil
}

func (l *Loop) scheduleNext(ctx context.Context, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := l.Trigger(); err != nil {
			l.logger.Error("failed to start scheduled cycle", "error", err)
		}
	})
}

func (l *Loop) worker(ctx context.Context, topic string, handler func(context.Context, *queue.Message) error) {
	defer l.wg.Done()
	for {
		msg, err := l.deps.Queue.Dequeue(ctx, topic)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			l.logger.Error("dequeue failed", "topic", topic, "error", err)
			continue
		}
		if err := l.safeHandle(ctx, handler, msg); err != nil {
			l.logger.Warn("stage failed", "topic", topic, "key", msg.Key, "attempt", msg.Attempts+1, "error", err)
			dead, nerr := l.deps.Queue.Nack(msg)
			if nerr != nil {
				l.logger.Error("nack failed", "topic", topic, "error", nerr)
			} else if dead {
				l.logger.Error("cycle message dead-lettered", "topic", topic, "cycle", msg.Key)
			}
			continue
		}
		if err := l.deps.Queue.Ack(msg); err != nil {
			l.logger.Error("ack failed", "topic", topic, "error", err)
		}
	}
}

// safeHandle turns a handler panic into an error so one bad message
// cannot take a worker down.
func (l *Loop) safeHandle(ctx context.Context, handler func(context.Context, *queue.Message) error, msg *queue.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stage panicked: %v", rec)
		}
	}()
	return handler(ctx, msg)
}

func (l *Loop) enqueue(topic, cycleID string, v any) error {
	data, err := encodeMessage(v)
	if err != nil {
		return err
	}
	return l.deps.Queue.Enqueue(topic, cycleID, data)
}

func (l *Loop) handleAnalyze(ctx context.Context, msg *queue.Message) error {
	var m AnalyzeMessage
	if err := decodeMessage(msg.Payload, &m); err != nil {
		return err
	}
	first, err := l.deps.Records.ClaimStage(ctx, m.CycleID, "analyze")
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	if err := l.deps.Records.BeginCycle(ctx, m.CycleID); err != nil {
		return err
	}

	lookback := m.LookbackWindow
	if lookback <= 0 {
		lookback = l.cfg.Lookback
	}
	obs, err := l.deps.Observer(ctx, lookback)
	if err != nil {
		return fmt.Errorf("failed to observe: %w", err)
	}
	if err := l.deps.Records.SaveObservations(ctx, m.CycleID, obs); err != nil {
		return err
	}
	l.logger.Info("cycle analyzed", "cycle", m.CycleID,
		"queries", obs.QueryCount, "meanLatency", obs.MeanLatency, "indexSize", obs.IndexSize)

	if l.deps.Hypothesizer != nil {
		if err := l.deps.Records.SetPhase(ctx, m.CycleID, "hypothesize"); err != nil {
			return err
		}
		return l.enqueue(TopicHypothesize, m.CycleID, HypothesizeMessage{CycleID: m.CycleID, Observations: obs})
	}
	return l.decideAndDispatch(ctx, m.CycleID, proposeActions(obs))
}

func (l *Loop) handleHypothesize(ctx context.Context, msg *queue.Message) error {
	var m HypothesizeMessage
	if err := decodeMessage(msg.Payload, &m); err != nil {
		return err
	}
	first, err := l.deps.Records.ClaimStage(ctx, m.CycleID, "hypothesize")
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	actions, err := l.deps.Hypothesizer.Hypothesize(ctx, m.Observations)
	if err != nil {
		return fmt.Errorf("failed to hypothesize: %w", err)
	}
	return l.decideAndDispatch(ctx, m.CycleID, actions)
}

func (l *Loop) decideAndDispatch(ctx context.Context, cycleID string, proposed []Action) error {
	actions := Decide(proposed, l.cfg.AutoApproveThreshold)
	if err := l.deps.Records.SaveActions(ctx, cycleID, actions); err != nil {
		return err
	}
	for _, a := range actions {
		if a.Approval == PendingManualApproval {
			l.logger.Warn("action held for manual approval",
				"cycle", cycleID, "kind", a.Kind, "risk", a.RiskScore, "reason", a.Reason)
		}
	}
	if err := l.deps.Records.SetPhase(ctx, cycleID, "act"); err != nil {
		return err
	}
	return l.enqueue(TopicAct, cycleID, ActMessage{CycleID: cycleID, Actions: actions})
}

func (l *Loop) handleAct(ctx context.Context, msg *queue.Message) error {
	var m ActMessage
	if err := decodeMessage(msg.Payload, &m); err != nil {
		return err
	}
	first, err := l.deps.Records.ClaimStage(ctx, m.CycleID, "act")
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	started := time.Now()
	var results []ActionResult
	for _, a := range m.Actions {
		if a.Approval != AutoApproved {
			continue
		}
		res := l.runAction(ctx, a)
		results = append(results, res)
		if err := l.deps.Records.RecordResult(ctx, m.CycleID, res); err != nil {
			return err
		}
	}
	if err := l.deps.Records.SetPhase(ctx, m.CycleID, "learn"); err != nil {
		return err
	}
	return l.enqueue(TopicLearn, m.CycleID, LearnMessage{CycleID: m.CycleID, Results: results, ActStarted: started})
}

func (l *Loop) runAction(ctx context.Context, a Action) ActionResult {
	res := ActionResult{ActionID: a.ID, Kind: a.Kind}
	exec, ok := l.deps.Executors[a.Kind]
	if !ok {
		res.Error = fmt.Sprintf("no executor for action kind %q", a.Kind)
		return res
	}
	actCtx, cancel := context.WithTimeout(ctx, l.cfg.ActTimeout)
	defer cancel()

	start := time.Now()
	err := exec(actCtx)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		l.logger.Warn("action failed", "kind", a.Kind, "error", err, "duration", res.Duration)
		return res
	}
	res.Success = true
	l.logger.Info("action executed", "kind", a.Kind, "duration", res.Duration)
	return res
}

func (l *Loop) handleLearn(ctx context.Context, msg *queue.Message) error {
	var m LearnMessage
	if err := decodeMessage(msg.Payload, &m); err != nil {
		return err
	}
	first, err := l.deps.Records.ClaimStage(ctx, m.CycleID, "learn")
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	// The act start splits the sample stream: everything inside the
	// lookback before it is the baseline, everything after is the
	// post-action window.
	split := m.ActStarted
	before := l.deps.Recorder.Window(split.Add(-l.cfg.Lookback), split)
	after := l.deps.Recorder.Window(split, time.Now())

	outcome := classify(before, after, m.Results)

	l.mu.Lock()
	cur := l.delay
	next := nextDelay(cur, outcome, l.cfg.MinDelay, l.cfg.MaxDelay)
	l.delay = next
	l.mu.Unlock()

	if err := l.deps.Records.CloseCycle(ctx, m.CycleID, outcome, next); err != nil {
		return err
	}
	l.logger.Info("cycle learned", "cycle", m.CycleID, "outcome", outcome,
		"beforeMean", before.MeanLatency, "afterMean", after.MeanLatency, "nextDelay", next)

	l.scheduleNext(ctx, next)
	return nil
}
