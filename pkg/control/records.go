package control

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCycleNotFound is returned when a cycle id has no audit record.
var ErrCycleNotFound = errors.New("control cycle not found")

// Records is the append-oriented audit trail for control cycles. It
// also backs stage idempotency: a stage runs its side effects only if
// it is the first to claim the (cycle, stage) row, so queue redelivery
// is harmless.
type Records struct {
	db *sql.DB
}

// NewRecords wraps an open database.
func NewRecords(db *sql.DB) *Records {
	return &Records{db: db}
}

// Init creates the audit tables.
func (r *Records) Init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS control_cycles (
		cycle_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		phase TEXT NOT NULL,
		observations TEXT,
		outcome TEXT,
		next_delay_ms INTEGER,
		closed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS control_actions (
		cycle_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		reason TEXT,
		risk_score REAL NOT NULL,
		approval TEXT NOT NULL,
		success INTEGER,
		error TEXT,
		duration_ms INTEGER,
		PRIMARY KEY (cycle_id, action_id)
	);

	CREATE TABLE IF NOT EXISTS control_stages (
		cycle_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		done_at INTEGER NOT NULL,
		PRIMARY KEY (cycle_id, stage)
	);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create control schema: %w", err)
	}
	return nil
}

// ClaimStage records that a stage handled a cycle. Returns true for
// the first claim; a redelivered message gets false and must skip its
// side effects.
func (r *Records) ClaimStage(ctx context.Context, cycleID, stage string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO control_stages (cycle_id, stage, done_at) VALUES (?, ?, ?)`,
		cycleID, stage, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to claim stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim stage: %w", err)
	}
	return n > 0, nil
}

// BeginCycle opens the audit row for a new cycle.
func (r *Records) BeginCycle(ctx context.Context, cycleID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO control_cycles (cycle_id, started_at, phase) VALUES (?, ?, 'analyze')`,
		cycleID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to begin cycle: %w", err)
	}
	return nil
}

// SetPhase advances the cycle's current phase.
func (r *Records) SetPhase(ctx context.Context, cycleID, phase string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE control_cycles SET phase = ? WHERE cycle_id = ?`, phase, cycleID)
	if err != nil {
		return fmt.Errorf("failed to set cycle phase: %w", err)
	}
	return nil
}

// SaveObservations stores the analysis snapshot on the cycle row.
func (r *Records) SaveObservations(ctx context.Context, cycleID string, obs Observations) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to encode observations: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE control_cycles SET observations = ? WHERE cycle_id = ?`, string(data), cycleID)
	if err != nil {
		return fmt.Errorf("failed to save observations: %w", err)
	}
	return nil
}

// SaveActions records the decided action set, approvals included.
func (r *Records) SaveActions(ctx context.Context, cycleID string, actions []Action) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to save actions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range actions {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO control_actions (cycle_id, action_id, kind, reason, risk_score, approval)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			cycleID, a.ID, string(a.Kind), a.Reason, a.RiskScore, string(a.Approval))
		if err != nil {
			return fmt.Errorf("failed to save action %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to save actions: %w", err)
	}
	return nil
}

// RecordResult attaches an execution result to its action row.
func (r *Records) RecordResult(ctx context.Context, cycleID string, res ActionResult) error {
	errText := sql.NullString{String: res.Error, Valid: res.Error != ""}
	_, err := r.db.ExecContext(ctx,
		`UPDATE control_actions SET success = ?, error = ?, duration_ms = ?
		 WHERE cycle_id = ? AND action_id = ?`,
		boolInt(res.Success), errText, res.Duration.Milliseconds(), cycleID, res.ActionID)
	if err != nil {
		return fmt.Errorf("failed to record action result: %w", err)
	}
	return nil
}

// CloseCycle finalizes the cycle with its learned outcome and the delay
// chosen for the next cycle.
func (r *Records) CloseCycle(ctx context.Context, cycleID string, outcome Outcome, nextDelay time.Duration) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE control_cycles SET phase = 'done', outcome = ?, next_delay_ms = ?, closed_at = ?
		 WHERE cycle_id = ?`,
		string(outcome), nextDelay.Milliseconds(), time.Now().UnixNano(), cycleID)
	if err != nil {
		return fmt.Errorf("failed to close cycle: %w", err)
	}
	return nil
}

// CycleRecord is the audit view of one cycle.
type CycleRecord struct {
	CycleID      string
	Phase        string
	Outcome      Outcome
	NextDelay    time.Duration
	Observations *Observations
	StartedAt    time.Time
	ClosedAt     time.Time
}

// Cycle loads one cycle's audit row.
func (r *Records) Cycle(ctx context.Context, cycleID string) (*CycleRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT phase, outcome, next_delay_ms, observations, started_at, closed_at
		 FROM control_cycles WHERE cycle_id = ?`, cycleID)

	var (
		rec     = CycleRecord{CycleID: cycleID}
		outcome sql.NullString
		delayMS sql.NullInt64
		obsJSON sql.NullString
		started int64
		closed  sql.NullInt64
	)
	err := row.Scan(&rec.Phase, &outcome, &delayMS, &obsJSON, &started, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cycle: %w", err)
	}
	rec.Outcome = Outcome(outcome.String)
	rec.NextDelay = time.Duration(delayMS.Int64) * time.Millisecond
	rec.StartedAt = time.Unix(0, started)
	if closed.Valid {
		rec.ClosedAt = time.Unix(0, closed.Int64)
	}
	if obsJSON.Valid {
		var obs Observations
		if err := json.Unmarshal([]byte(obsJSON.String), &obs); err != nil {
			return nil, fmt.Errorf("failed to decode observations: %w", err)
		}
		rec.Observations = &obs
	}
	return &rec, nil
}

// PendingActions lists actions across all cycles still waiting for
// manual approval.
func (r *Records) PendingActions(ctx context.Context) ([]Action, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT action_id, kind, reason, risk_score FROM control_actions
		 WHERE approval = ? AND success IS NULL ORDER BY rowid`,
		string(PendingManualApproval))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Action
	for rows.Next() {
		a := Action{Approval: PendingManualApproval}
		var reason sql.NullString
		if err := rows.Scan(&a.ID, &a.Kind, &reason, &a.RiskScore); err != nil {
			return nil, fmt.Errorf("failed to scan pending action: %w", err)
		}
		a.Reason = reason.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
