// Package control implements the autonomous maintenance loop: Analyze,
// optionally Hypothesize, Act, Learn. Stages are independent workers
// connected by durable messages; every message carries the cycle id so
// at-least-once delivery never double-applies a stage.
package control

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue topics, one per stage.
const (
	TopicAnalyze     = "control.analyze"
	TopicHypothesize = "control.hypothesize"
	TopicAct         = "control.act"
	TopicLearn       = "control.learn"
)

// AnalyzeMessage starts a cycle.
type AnalyzeMessage struct {
	CycleID        string        `json:"cycleId"`
	LookbackWindow time.Duration `json:"lookbackWindow"`
}

// HypothesizeMessage carries observations to the hypothesis stage.
type HypothesizeMessage struct {
	CycleID      string       `json:"cycleId"`
	Observations Observations `json:"observations"`
}

// ActMessage carries the decided action set. Only auto-approved actions
// execute; the rest ride along for the audit record.
type ActMessage struct {
	CycleID string   `json:"cycleId"`
	Actions []Action `json:"actions"`
}

// LearnMessage carries execution results to the learning stage.
type LearnMessage struct {
	CycleID    string         `json:"cycleId"`
	Results    []ActionResult `json:"results"`
	ActStarted time.Time      `json:"actStarted"`
}

func encodeMessage(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode control message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode control message: %w", err)
	}
	return nil
}
