package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/windrose-io/windrose/internal/config"
	"github.com/windrose-io/windrose/internal/protocol"
	"github.com/windrose-io/windrose/internal/storage"
)

// Sentinel errors for the scheduler.
var (
	// ErrCapacityExceeded is returned when RunJob would exceed the
	// concurrent-jobs bound. The job keeps its prior status.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrScheduleNotFound is returned for an unknown schedule id.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrNoExecutor is returned when RunJob has neither an override nor a
	// default executor.
	ErrNoExecutor = errors.New("no executor configured")

	// ErrNoStreams is returned when creating a job or schedule without
	// streams.
	ErrNoStreams = errors.New("at least one stream is required")
)

// CallbackEvent names a lifecycle hook.
type CallbackEvent string

// Callback events.
const (
	OnJobStart    CallbackEvent = "on_job_start"
	OnJobComplete CallbackEvent = "on_job_complete"
	OnJobFail     CallbackEvent = "on_job_fail"
)

// defaultMaxConcurrentJobs bounds running jobs when MAX_CONCURRENT_JOBS is
// unset.
const defaultMaxConcurrentJobs = 3

// tickInterval is how often the Start loop checks for due schedules.
const tickInterval = 30 * time.Second

type (
	// ExecutorFunc syncs one stream of a job and returns the records synced.
	// The orchestrator's full sync is the production executor; tests inject
	// their own.
	ExecutorFunc func(ctx context.Context, job *SyncJob, stream string) (int64, error)

	// CallbackFunc observes a job lifecycle event. Callbacks run outside
	// the scheduler lock on a snapshot of the job; panics are isolated.
	CallbackFunc func(job *SyncJob)

	// JobFilter narrows ListJobs.
	JobFilter struct {
		SourceID string
		Status   JobStatus
	}

	// Stats is the aggregate scheduler snapshot.
	Stats struct {
		Total              int   `json:"total"`
		Running            int   `json:"running"`
		Completed          int   `json:"completed"`
		Failed             int   `json:"failed"`
		TotalRecordsSynced int64 `json:"total_records_synced"`
		ActiveSchedules    int   `json:"active_schedules"`
		TotalSchedules     int   `json:"total_schedules"`
		MaxConcurrentJobs  int   `json:"max_concurrent_jobs"`
	}

	// Scheduler owns jobs and schedules, bounds concurrent execution, and
	// appends terminal outcomes to the history store.
	Scheduler struct {
		mu        sync.Mutex
		jobs      map[uuid.UUID]*SyncJob
		schedules map[uuid.UUID]*Schedule
		crons     map[uuid.UUID]*Cron
		running   map[uuid.UUID]context.CancelFunc
		callbacks map[CallbackEvent][]CallbackFunc

		maxConcurrent int
		executor      ExecutorFunc
		history       *storage.HistoryStore
		logger        *slog.Logger
		now           func() time.Time
	}

	// SchedulerOption configures optional Scheduler behavior.
	SchedulerOption func(*Scheduler)

	// ScheduleUpdate carries the mutable schedule fields; nil means keep.
	ScheduleUpdate struct {
		CronExpression *string
		Enabled        *bool
		Streams        []string
		SyncMode       *protocol.SyncMode
	}
)

// WithMaxConcurrentJobs overrides the running-jobs bound.
func WithMaxConcurrentJobs(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithHistoryStore enables run history persistence.
func WithHistoryStore(history *storage.HistoryStore) SchedulerOption {
	return func(s *Scheduler) {
		s.history = history
	}
}

// WithSchedulerLogger routes scheduler diagnostics through the given logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// withClock fixes the scheduler's clock. Test hook.
func withClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a scheduler around the default executor. The
// concurrency bound comes from MAX_CONCURRENT_JOBS unless overridden.
func NewScheduler(executor ExecutorFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		jobs:          make(map[uuid.UUID]*SyncJob),
		schedules:     make(map[uuid.UUID]*Schedule),
		crons:         make(map[uuid.UUID]*Cron),
		running:       make(map[uuid.UUID]context.CancelFunc),
		callbacks:     make(map[CallbackEvent][]CallbackFunc),
		maxConcurrent: config.GetEnvInt("MAX_CONCURRENT_JOBS", defaultMaxConcurrentJobs),
		executor:      executor,
		now:           time.Now,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// CreateJob registers a pending job.
func (s *Scheduler) CreateJob(
	sourceID, sourceName string,
	streams []string,
	mode protocol.SyncMode,
) (*SyncJob, error) {
	if len(streams) == 0 {
		return nil, ErrNoStreams
	}

	if mode == "" {
		mode = protocol.SyncModeFullRefresh
	}

	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", protocol.ErrInvalidSyncMode, mode)
	}

	job := &SyncJob{
		ID:         uuid.New(),
		SourceID:   sourceID,
		SourceName: sourceName,
		Streams:    append([]string(nil), streams...),
		SyncMode:   mode,
		Status:     JobStatusPending,
		CreatedAt:  s.now().UTC(),
		Metadata:   make(map[string]interface{}),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	return job.Clone(), nil
}

// RunJob executes a pending job synchronously: pending → running, one
// executor call per stream in order, then a terminal transition, history
// append, and callbacks. A nil executor uses the scheduler's default. At the
// concurrency bound the job is rejected with ErrCapacityExceeded and keeps
// its status.
func (s *Scheduler) RunJob(ctx context.Context, jobID uuid.UUID, executor ExecutorFunc) (*SyncJob, error) {
	if executor == nil {
		executor = s.executor
	}

	if executor == nil {
		return nil, ErrNoExecutor
	}

	s.mu.Lock()

	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	if err := ValidateJobTransition(job.Status, JobStatusRunning); err != nil {
		s.mu.Unlock()

		return nil, err
	}

	if len(s.running) >= s.maxConcurrent {
		s.mu.Unlock()

		return nil, fmt.Errorf("%w: %d jobs running", ErrCapacityExceeded, s.maxConcurrent)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.running[job.ID] = cancel

	started := s.now().UTC()
	job.Status = JobStatusRunning
	job.StartedAt = &started

	snapshot := job.Clone()
	s.mu.Unlock()

	s.fireCallbacks(OnJobStart, snapshot)

	var (
		records int64
		runErr  error
	)

	for _, stream := range snapshot.Streams {
		if jobCtx.Err() != nil {
			runErr = jobCtx.Err()

			break
		}

		n, err := executor(jobCtx, snapshot, stream)
		records += n

		if err != nil {
			runErr = fmt.Errorf("stream %q: %w", stream, err)

			break
		}
	}

	cancel()

	return s.finishJob(ctx, jobID, records, runErr, jobCtx.Err() != nil)
}

// finishJob applies the terminal transition and its side effects.
func (s *Scheduler) finishJob(
	ctx context.Context,
	jobID uuid.UUID,
	records int64,
	runErr error,
	cancelled bool,
) (*SyncJob, error) {
	s.mu.Lock()

	job := s.jobs[jobID]
	delete(s.running, jobID)

	completed := s.now().UTC()
	job.CompletedAt = &completed
	job.RecordsSynced = records

	// CancelJob may have already flipped the status; terminal states stay.
	if !job.Status.IsTerminal() {
		switch {
		case cancelled:
			job.Status = JobStatusCancelled
		case runErr != nil:
			job.Status = JobStatusFailed
		default:
			job.Status = JobStatusCompleted
		}
	}

	if runErr != nil {
		job.Error = runErr.Error()
	}

	snapshot := job.Clone()
	s.mu.Unlock()

	s.appendHistory(ctx, snapshot)

	switch snapshot.Status {
	case JobStatusCompleted:
		s.fireCallbacks(OnJobComplete, snapshot)
	case JobStatusFailed:
		s.fireCallbacks(OnJobFail, snapshot)
	}

	s.logger.Info("job finished",
		slog.String("job_id", snapshot.ID.String()),
		slog.String("source_id", snapshot.SourceID),
		slog.String("status", string(snapshot.Status)),
		slog.Int64("records_synced", snapshot.RecordsSynced),
	)

	return snapshot, runErr
}

// CancelJob cancels a pending or running job. Reports whether a cancellation
// took effect.
func (s *Scheduler) CancelJob(jobID uuid.UUID) bool {
	s.mu.Lock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		s.mu.Unlock()

		return false
	}

	job.Status = JobStatusCancelled

	cancel := s.running[jobID]

	var snapshot *SyncJob
	if job.StartedAt == nil {
		// Never started; finalize here rather than in finishJob.
		completed := s.now().UTC()
		job.CompletedAt = &completed
		snapshot = job.Clone()
	}

	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if snapshot != nil {
		s.appendHistory(context.Background(), snapshot)
	}

	return true
}

// GetJob returns a snapshot of one job.
func (s *Scheduler) GetJob(jobID uuid.UUID) (*SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	return job.Clone(), nil
}

// ListJobs returns jobs matching the filter, newest first. limit <= 0 means
// no limit.
func (s *Scheduler) ListJobs(filter JobFilter, limit int) []*SyncJob {
	s.mu.Lock()

	matched := make([]*SyncJob, 0, len(s.jobs))

	for _, job := range s.jobs {
		if filter.SourceID != "" && job.SourceID != filter.SourceID {
			continue
		}

		if filter.Status != "" && job.Status != filter.Status {
			continue
		}

		matched = append(matched, job.Clone())
	}

	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return matched
}

// RunningJobs returns snapshots of the jobs currently running.
func (s *Scheduler) RunningJobs() []*SyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*SyncJob, 0, len(s.running))

	for id := range s.running {
		if job, ok := s.jobs[id]; ok {
			jobs = append(jobs, job.Clone())
		}
	}

	return jobs
}

// History returns persisted terminal runs, newest first.
func (s *Scheduler) History(ctx context.Context, sourceID string, limit int) ([]storage.JobRun, error) {
	if s.history == nil {
		return nil, nil
	}

	return s.history.History(ctx, sourceID, limit)
}

// CreateSchedule registers a cron schedule and computes its first fire time.
func (s *Scheduler) CreateSchedule(
	sourceID, sourceName string,
	streams []string,
	mode protocol.SyncMode,
	cronExpression string,
) (*Schedule, error) {
	if len(streams) == 0 {
		return nil, ErrNoStreams
	}

	cron, err := ParseCron(cronExpression)
	if err != nil {
		return nil, err
	}

	if mode == "" {
		mode = protocol.SyncModeIncremental
	}

	next := cron.Next(s.now())

	schedule := &Schedule{
		ID:             uuid.New(),
		SourceID:       sourceID,
		SourceName:     sourceName,
		Streams:        append([]string(nil), streams...),
		SyncMode:       mode,
		CronExpression: cronExpression,
		Enabled:        true,
		NextRunAt:      &next,
	}

	s.mu.Lock()
	s.schedules[schedule.ID] = schedule
	s.crons[schedule.ID] = cron
	s.mu.Unlock()

	return schedule.Clone(), nil
}

// UpdateSchedule applies the given changes and recomputes the next fire
// time.
func (s *Scheduler) UpdateSchedule(scheduleID uuid.UUID, update ScheduleUpdate) (*Schedule, error) {
	var cron *Cron

	if update.CronExpression != nil {
		parsed, err := ParseCron(*update.CronExpression)
		if err != nil {
			return nil, err
		}

		cron = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[scheduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}

	if cron != nil {
		schedule.CronExpression = *update.CronExpression
		s.crons[scheduleID] = cron
	}

	if update.Enabled != nil {
		schedule.Enabled = *update.Enabled
	}

	if update.Streams != nil {
		schedule.Streams = append([]string(nil), update.Streams...)
	}

	if update.SyncMode != nil {
		schedule.SyncMode = *update.SyncMode
	}

	next := s.crons[scheduleID].Next(s.now())
	schedule.NextRunAt = &next

	return schedule.Clone(), nil
}

// DeleteSchedule removes a schedule. Its historical jobs remain.
func (s *Scheduler) DeleteSchedule(scheduleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[scheduleID]; !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}

	delete(s.schedules, scheduleID)
	delete(s.crons, scheduleID)

	return nil
}

// GetSchedule returns a snapshot of one schedule.
func (s *Scheduler) GetSchedule(scheduleID uuid.UUID) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[scheduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}

	return schedule.Clone(), nil
}

// ListSchedules returns snapshots of all schedules.
func (s *Scheduler) ListSchedules() []*Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules := make([]*Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		schedules = append(schedules, schedule.Clone())
	}

	return schedules
}

// RunScheduledSync fires one schedule now: mints a job tagged with the
// schedule id, runs it, and advances the schedule's bookkeeping.
func (s *Scheduler) RunScheduledSync(ctx context.Context, scheduleID uuid.UUID) (*SyncJob, error) {
	s.mu.Lock()

	schedule, ok := s.schedules[scheduleID]
	if !ok {
		s.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}

	sourceID := schedule.SourceID
	sourceName := schedule.SourceName
	streams := append([]string(nil), schedule.Streams...)
	mode := schedule.SyncMode
	s.mu.Unlock()

	job, err := s.CreateJob(sourceID, sourceName, streams, mode)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.jobs[job.ID].Metadata["schedule_id"] = scheduleID.String()

	now := s.now().UTC()
	schedule.LastRunAt = &now
	schedule.RunCount++

	next := s.crons[scheduleID].Next(now)
	schedule.NextRunAt = &next
	s.mu.Unlock()

	return s.RunJob(ctx, job.ID, nil)
}

// Start runs the cron loop until the context ends: every tick, each enabled
// schedule past its fire time runs in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		slog.Int("max_concurrent_jobs", s.maxConcurrent),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")

			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue launches every enabled schedule whose next fire time has passed.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()

	var due []uuid.UUID

	for id, schedule := range s.schedules {
		if schedule.Enabled && schedule.NextRunAt != nil && !schedule.NextRunAt.After(now) {
			due = append(due, id)
		}
	}

	s.mu.Unlock()

	for _, id := range due {
		go func(scheduleID uuid.UUID) {
			if _, err := s.RunScheduledSync(ctx, scheduleID); err != nil {
				s.logger.Warn("scheduled sync failed",
					slog.String("schedule_id", scheduleID.String()),
					slog.String("error", err.Error()),
				)
			}
		}(id)
	}
}

// Stats returns the aggregate snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Total:             len(s.jobs),
		Running:           len(s.running),
		TotalSchedules:    len(s.schedules),
		MaxConcurrentJobs: s.maxConcurrent,
	}

	for _, job := range s.jobs {
		switch job.Status {
		case JobStatusCompleted:
			stats.Completed++
		case JobStatusFailed:
			stats.Failed++
		}

		stats.TotalRecordsSynced += job.RecordsSynced
	}

	for _, schedule := range s.schedules {
		if schedule.Enabled {
			stats.ActiveSchedules++
		}
	}

	return stats
}

// RegisterCallback attaches a lifecycle hook.
func (s *Scheduler) RegisterCallback(event CallbackEvent, fn CallbackFunc) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	s.callbacks[event] = append(s.callbacks[event], fn)
	s.mu.Unlock()
}

// fireCallbacks invokes the hooks for an event. A panicking callback is
// logged and cannot take down the scheduler.
func (s *Scheduler) fireCallbacks(event CallbackEvent, job *SyncJob) {
	s.mu.Lock()
	hooks := append([]CallbackFunc(nil), s.callbacks[event]...)
	s.mu.Unlock()

	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("callback panicked",
						slog.String("event", string(event)),
						slog.String("job_id", job.ID.String()),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
				}
			}()

			hook(job.Clone())
		}()
	}
}

// appendHistory persists one terminal outcome when a history store is
// configured.
func (s *Scheduler) appendHistory(ctx context.Context, job *SyncJob) {
	if s.history == nil {
		return
	}

	run := storage.JobRun{
		JobID:            job.ID.String(),
		SourceID:         job.SourceID,
		SourceName:       job.SourceName,
		Streams:          job.Streams,
		SyncMode:         string(job.SyncMode),
		Status:           string(job.Status),
		RecordsProcessed: job.RecordsSynced,
		ErrorMessage:     job.Error,
		Metadata:         job.Metadata,
	}

	if job.StartedAt != nil {
		run.StartedAt = *job.StartedAt
	}

	if job.CompletedAt != nil {
		run.CompletedAt = *job.CompletedAt

		if job.StartedAt != nil {
			run.DurationSeconds = job.CompletedAt.Sub(*job.StartedAt).Seconds()
		}
	}

	if err := s.history.Append(ctx, run); err != nil {
		s.logger.Warn("history append failed",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
