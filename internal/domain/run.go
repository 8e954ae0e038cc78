package domain

import "time"

// RunStatus represents the state of a pipeline run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// RowCounts tracks how many rows each stage handled during a run.
type RowCounts struct {
	Raw         int `json:"raw"`
	Staged      int `json:"staged"`
	Malformed   int `json:"malformed_fields"`
	Accounts    int `json:"accounts"`
	Merchants   int `json:"merchants"`
	Facts       int `json:"facts"`
	Filtered    int `json:"filtered"`
	Normalized  int `json:"normalized"`
	Categorized int `json:"categorized"`
}

// Run is one execution of the pipeline.
type Run struct {
	RunID      string     `json:"run_id"`
	Pipeline   string     `json:"pipeline"`
	Status     RunStatus  `json:"status"`
	CursorFrom int64      `json:"cursor_from"`
	CursorTo   int64      `json:"cursor_to"`
	Counts     RowCounts  `json:"counts"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}
