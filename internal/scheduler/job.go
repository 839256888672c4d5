// Package scheduler runs sync jobs under a concurrency bound and fires cron
// schedules. It owns in-flight jobs and schedule records; terminal job
// outcomes are appended to the run history store.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/windrose-io/windrose/internal/protocol"
)

// JobStatus is one state of the job lifecycle.
type JobStatus string

// Job statuses.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Sentinel errors for job lifecycle validation.
var (
	// ErrInvalidJobTransition is returned for a transition outside the
	// lifecycle.
	ErrInvalidJobTransition = errors.New("invalid job transition")

	// ErrJobTerminal is returned when transitioning out of a terminal state.
	ErrJobTerminal = errors.New("job already in terminal state")
)

// jobTransitions is the lifecycle: pending → running → one of the terminal
// states, with direct pending → cancelled allowed for jobs cancelled before
// they start.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// IsTerminal reports whether the status ends the lifecycle.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ValidateJobTransition checks one lifecycle step.
func ValidateJobTransition(from, to JobStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrJobTerminal, from, to)
	}

	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidJobTransition, from, to)
}

type (
	// SyncJob is one unit of scheduled or ad-hoc sync work across a source's
	// streams.
	SyncJob struct {
		ID            uuid.UUID              `json:"job_id"`
		SourceID      string                 `json:"source_id"`
		SourceName    string                 `json:"source_name,omitempty"`
		Streams       []string               `json:"streams"`
		SyncMode      protocol.SyncMode      `json:"sync_mode"`
		Status        JobStatus              `json:"status"`
		CreatedAt     time.Time              `json:"created_at"`
		StartedAt     *time.Time             `json:"started_at,omitempty"`
		CompletedAt   *time.Time             `json:"completed_at,omitempty"`
		RecordsSynced int64                  `json:"records_synced"`
		Error         string                 `json:"error,omitempty"`
		Metadata      map[string]interface{} `json:"metadata,omitempty"`
	}

	// Schedule fires jobs for a source on a cron expression.
	Schedule struct {
		ID             uuid.UUID         `json:"schedule_id"`
		SourceID       string            `json:"source_id"`
		SourceName     string            `json:"source_name,omitempty"`
		Streams        []string          `json:"streams"`
		SyncMode       protocol.SyncMode `json:"sync_mode"`
		CronExpression string            `json:"cron_expression"`
		Enabled        bool              `json:"enabled"`
		LastRunAt      *time.Time        `json:"last_run_at,omitempty"`
		NextRunAt      *time.Time        `json:"next_run_at,omitempty"`
		RunCount       int64             `json:"run_count"`
	}
)

// Clone returns a deep copy safe to hand out of the scheduler's lock.
func (j *SyncJob) Clone() *SyncJob {
	clone := *j
	clone.Streams = append([]string(nil), j.Streams...)

	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}

	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}

	if j.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(j.Metadata))
		for k, v := range j.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}

// Clone returns a deep copy safe to hand out of the scheduler's lock.
func (s *Schedule) Clone() *Schedule {
	clone := *s
	clone.Streams = append([]string(nil), s.Streams...)

	if s.LastRunAt != nil {
		t := *s.LastRunAt
		clone.LastRunAt = &t
	}

	if s.NextRunAt != nil {
		t := *s.NextRunAt
		clone.NextRunAt = &t
	}

	return &clone
}
