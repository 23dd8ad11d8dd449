package model

import "time"

// JobID identifies a submitted job. It is assigned by the queue and never reused.
type JobID string

// JobState is the lifecycle state of a job.
type JobState string

const (
	StatePending    JobState = "PENDING"
	StateProcessing JobState = "PROCESSING"
	StateSuccess    JobState = "SUCCESS"
	StateFailure    JobState = "FAILURE"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobState) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// CanTransition reports whether moving from s to next respects the
// PENDING -> PROCESSING -> SUCCESS|FAILURE order.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case StatePending:
		return next == StateProcessing
	case StateProcessing:
		return next == StateSuccess || next == StateFailure
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateSuccess, StateFailure:
		return true
	}
	return false
}

// JobRecord represents a job row.
type JobRecord struct {
	ID            JobID           `json:"id"`
	State         JobState        `json:"state"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	HeartbeatAt   *time.Time      `json:"heartbeat_at,omitempty"` // last sign of life from the claimant
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	PayloadSize   int64           `json:"payload_size"`
	Report        *AnalysisReport `json:"report,omitempty"`
	ResultKey     string          `json:"result_key,omitempty"`
	FailureKind   string          `json:"failure_kind,omitempty"`
	FailureDetail string          `json:"failure_detail,omitempty"`
}
