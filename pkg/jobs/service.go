package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/eventlog"
	"github.com/domaindetermine/governance/pkg/quota"
	"github.com/domaindetermine/governance/pkg/telemetry"
)

// Handler executes one job attempt. logf appends to the job's durable
// execution log. Returning a retryable error (see errs.Retryable)
// schedules another attempt until the job's budget runs out.
type Handler func(ctx context.Context, job *Record, logf func(format string, args ...any)) error

// Config tunes the service.
type Config struct {
	Workers     int
	MaxAttempts int
	Backoff     BackoffPolicy
	// CostTable maps job types to their estimated cost units; unlisted
	// types cost 1.
	CostTable map[string]int64
	// Timeout bounds one handler attempt; Timeouts overrides it per job
	// type. Grace is how long a timed-out handler gets to return before
	// its worker slot is reclaimed.
	Timeout  time.Duration
	Timeouts map[string]time.Duration
	Grace    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultBackoff.MaxAttempts
	}
	if c.Backoff.BaseMs == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	return c
}

// Service is the job runner: durable records, per-tenant FIFO dispatch,
// quota-gated admission, bounded retries, cooperative cancellation.
type Service struct {
	cfg    Config
	store  *RecordStore
	quota  *quota.Manager
	log    eventlog.Log
	logger *slog.Logger
	tel    *telemetry.Provider
	clock  func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []string
	handlers map[string]Handler
	cancels  map[string]context.CancelFunc
	canceled map[string]bool
	stopped  bool

	wg sync.WaitGroup
}

// NewService creates a job service. Call Recover then Start before
// accepting submissions.
func NewService(store *RecordStore, quotaMgr *quota.Manager, log eventlog.Log, logger *slog.Logger, cfg Config) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		quota:    quotaMgr,
		log:      log,
		logger:   logger.With("component", "jobs"),
		clock:    time.Now,
		handlers: make(map[string]Handler),
		cancels:  make(map[string]context.CancelFunc),
		canceled: make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// WithClock injects a deterministic clock (tests).
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithTelemetry wires queue depth, duration, and retry metrics.
func (s *Service) WithTelemetry(tel *telemetry.Provider) *Service {
	s.tel = tel
	return s
}

// RegisterHandler binds a job type to its handler. Submissions for
// unregistered types are rejected.
func (s *Service) RegisterHandler(jobType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = h
}

func (s *Service) costFor(jobType string) int64 {
	if c, ok := s.cfg.CostTable[jobType]; ok && c > 0 {
		return c
	}
	return 1
}

// Enqueue admits a job. project attributes the work for reporting and
// may be empty. Submissions repeating an active idempotency key return
// the first job's record unchanged. Quota refusals are journaled and
// surface as RATE_LIMITED.
func (s *Service) Enqueue(ctx context.Context, tenant, project, actor, jobType string, payload json.RawMessage, idempotencyKey string) (*Record, error) {
	s.mu.Lock()
	_, known := s.handlers[jobType]
	s.mu.Unlock()
	if !known {
		return nil, errs.Newf(errs.SchemaViolation, "unknown job type %q", jobType).
			WithRemediation("register the handler or fix the job_type field")
	}

	if idempotencyKey == "" {
		key, err := DeriveIdempotencyKey(jobType, payload)
		if err != nil {
			return nil, errs.Wrap(errs.SchemaViolation, err, "invalid job payload")
		}
		idempotencyKey = key
	}

	if existing, err := s.store.FindActiveByIdempotencyKey(ctx, tenant, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	cost := s.costFor(jobType)
	refusal, err := s.quota.Reserve(ctx, tenant, cost)
	if err != nil {
		return nil, err
	}
	if refusal != nil {
		if _, err := s.log.Append(ctx, &eventlog.Event{
			Tenant: tenant,
			Actor:  actor,
			Kind:   eventlog.KindJobQuotaExceeded,
			Payload: map[string]any{
				"job_type":            jobType,
				"dimension":           refusal.Dimension,
				"limit":               refusal.Limit,
				"retry_after_seconds": refusal.RetryAfterSeconds(),
			},
		}); err != nil {
			return nil, err
		}
		if s.tel != nil {
			s.tel.RecordQuotaRefusal(ctx, tenant, refusal.Dimension)
		}
		s.logger.WarnContext(ctx, "job refused by quota",
			"tenant", tenant, "job_type", jobType, "dimension", refusal.Dimension)
		return nil, refusal.Err()
	}

	id, err := newJobID()
	if err != nil {
		s.quota.Release(tenant)
		return nil, err
	}
	now := s.clock().UTC()
	rec := &Record{
		JobID:          id,
		Tenant:         tenant,
		Project:        project,
		Type:           jobType,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		Status:         StatusQueued,
		MaxAttempts:    s.cfg.MaxAttempts,
		EstimatedCost:  cost,
		SubmittedBy:    actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		s.quota.Release(tenant)
		return nil, err
	}

	if _, err := s.log.Append(ctx, &eventlog.Event{
		Tenant:    tenant,
		Actor:     actor,
		Kind:      eventlog.KindJobEnqueued,
		SubjectID: rec.JobID,
		Payload: map[string]any{
			"job_type":        jobType,
			"idempotency_key": idempotencyKey,
			"estimated_cost":  cost,
		},
	}); err != nil {
		return nil, err
	}

	s.push(rec.JobID)
	if s.tel != nil {
		s.tel.AddQueueDepth(ctx, tenant, 1)
	}
	s.logger.InfoContext(ctx, "job enqueued",
		"tenant", tenant, "job_id", rec.JobID, "job_type", jobType)
	return rec, nil
}

// Get loads a job record.
func (s *Service) Get(ctx context.Context, jobID string) (*Record, error) {
	return s.store.Get(ctx, jobID)
}

// Logs returns a job's execution log.
func (s *Service) Logs(ctx context.Context, jobID string) ([]LogLine, error) {
	if _, err := s.store.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.Logs(ctx, jobID)
}

// Cancel stops a job. Queued jobs cancel immediately; running jobs get
// their context canceled and finish as CANCELED when the handler
// returns. Terminal jobs cannot be canceled.
func (s *Service) Cancel(ctx context.Context, jobID, actor string) (*Record, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, errs.Newf(errs.PolicyViolation, "job %s is already %s", jobID, rec.Status)
	}

	s.mu.Lock()
	if rec.Status == StatusRunning {
		s.canceled[jobID] = true
		if cancel, ok := s.cancels[jobID]; ok {
			cancel()
		}
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "job cancellation requested",
			"job_id", jobID, "actor", actor)
		return rec, nil
	}
	s.canceled[jobID] = true
	s.mu.Unlock()

	// QUEUED or RETRYING: finalize now, the workers will skip it.
	now := s.clock().UTC()
	rec.Status = StatusCanceled
	rec.UpdatedAt = now
	rec.FinishedAt = &now
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	s.quota.Release(rec.Tenant)
	s.logger.InfoContext(ctx, "job canceled", "job_id", jobID, "actor", actor)
	return rec, nil
}

// Recover rebuilds runtime state from the store after a restart:
// interrupted RUNNING jobs are requeued, quota reservations are
// re-seeded from active records.
func (s *Service) Recover(ctx context.Context) error {
	unfinished, err := s.store.ListUnfinished(ctx)
	if err != nil {
		return err
	}

	activeByTenant := make(map[string]int)
	for _, rec := range unfinished {
		activeByTenant[rec.Tenant]++

		if rec.Status == StatusRunning {
			rec.Status = StatusQueued
			rec.UpdatedAt = s.clock().UTC()
			if err := s.store.Update(ctx, rec); err != nil {
				return err
			}
		}
		s.push(rec.JobID)
	}
	for tenant, n := range activeByTenant {
		s.quota.SetActive(tenant, n)
	}

	if len(unfinished) > 0 {
		s.logger.InfoContext(ctx, "recovered unfinished jobs", "count", len(unfinished))
	}
	return nil
}

// Start launches the worker pool. Workers drain until Stop.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) push(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, jobID)
	s.cond.Signal()
}

// pop blocks for the next job id; false means the service stopped.
func (s *Service) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped && len(s.queue) == 0 {
		return "", false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	return id, true
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		jobID, ok := s.pop()
		if !ok {
			return
		}
		s.runJob(ctx, jobID)
	}
}

func (s *Service) runJob(ctx context.Context, jobID string) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		s.logger.ErrorContext(ctx, "job vanished from store", "job_id", jobID, "error", err)
		return
	}
	// Canceled while waiting in the queue.
	if rec.Status != StatusQueued && rec.Status != StatusRetrying {
		return
	}

	timeout := s.cfg.Timeout
	if t, ok := s.cfg.Timeouts[rec.Type]; ok && t > 0 {
		timeout = t
	}

	s.mu.Lock()
	handler, known := s.handlers[rec.Type]
	jobCtx, timeoutCancel := context.WithTimeout(ctx, timeout)
	jobCtx, cancel := context.WithCancel(jobCtx)
	s.cancels[jobID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		timeoutCancel()
		s.mu.Lock()
		delete(s.cancels, jobID)
		s.mu.Unlock()
	}()

	now := s.clock().UTC()
	rec.Status = StatusRunning
	rec.Attempts++
	rec.UpdatedAt = now
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark job running", "job_id", jobID, "error", err)
		return
	}
	if s.tel != nil {
		s.tel.AddQueueDepth(ctx, rec.Tenant, -1)
	}

	logf := func(format string, args ...any) {
		_ = s.store.AppendLog(ctx, jobID, s.clock().UTC(), fmt.Sprintf(format, args...))
	}

	var runErr error
	if !known {
		runErr = errs.Newf(errs.SchemaViolation, "no handler registered for job type %q", rec.Type)
	} else {
		started := s.clock()
		runErr = s.runAttempt(jobCtx, handler, rec, logf, timeout)
		s.logger.DebugContext(ctx, "job attempt finished",
			"job_id", jobID, "attempt", rec.Attempts,
			"duration_ms", s.clock().Sub(started).Milliseconds(), "error", runErr)
	}

	s.mu.Lock()
	wasCanceled := s.canceled[jobID]
	delete(s.canceled, jobID)
	s.mu.Unlock()

	switch {
	case wasCanceled:
		s.finalize(ctx, rec, StatusCanceled, runErr)
	case runErr == nil:
		s.finalize(ctx, rec, StatusSucceeded, nil)
	case rec.Attempts < rec.MaxAttempts && errs.Retryable(runErr):
		s.scheduleRetry(ctx, rec, runErr)
	default:
		s.finalize(ctx, rec, StatusFailed, runErr)
	}
}

// runAttempt runs one handler attempt under its deadline. On expiry the
// handler is signaled through its context; one that still has not
// returned after the grace period is abandoned so the worker slot comes
// back, and the attempt fails with TIMEOUT.
func (s *Service) runAttempt(ctx context.Context, handler Handler, rec *Record, logf func(string, ...any), timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- handler(ctx, rec, logf) }()

	select {
	case err := <-done:
		return s.mapDeadline(ctx, err, timeout)
	case <-ctx.Done():
	}

	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// Cooperative cancellation: the handler is expected to return.
		return <-done
	}
	select {
	case err := <-done:
		return s.mapDeadline(ctx, err, timeout)
	case <-time.After(s.cfg.Grace):
		s.logger.Warn("handler abandoned after deadline and grace period",
			"job_id", rec.JobID, "job_type", rec.Type, "timeout", timeout)
		return errs.Newf(errs.Timeout, "handler exceeded its %s deadline and the grace period", timeout).
			WithRemediation("split the work into smaller jobs or raise the job type's timeout")
	}
}

// mapDeadline shapes a handler error returned after deadline expiry
// into the TIMEOUT taxonomy code, unless it already carries one.
func (s *Service) mapDeadline(ctx context.Context, err error, timeout time.Duration) error {
	if err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	if _, ok := errs.CodeOf(err); ok {
		return err
	}
	return errs.Wrap(errs.Timeout, err, fmt.Sprintf("handler exceeded its %s deadline", timeout))
}

func (s *Service) scheduleRetry(ctx context.Context, rec *Record, cause error) {
	now := s.clock().UTC()
	rec.Status = StatusRetrying
	rec.UpdatedAt = now
	if code, ok := errs.CodeOf(cause); ok {
		rec.ErrorCode = string(code)
	}
	rec.ErrorMessage = cause.Error()
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark job retrying", "job_id", rec.JobID, "error", err)
		return
	}

	delay := ComputeBackoff(rec.Tenant, rec.JobID, rec.Attempts-1, s.cfg.Backoff)
	if s.tel != nil {
		s.tel.RecordJobRetry(ctx, rec.Type)
		s.tel.AddQueueDepth(ctx, rec.Tenant, 1)
	}
	s.logger.InfoContext(ctx, "job retry scheduled",
		"job_id", rec.JobID, "attempt", rec.Attempts, "delay_ms", delay.Milliseconds())
	time.AfterFunc(delay, func() { s.push(rec.JobID) })
}

func (s *Service) finalize(ctx context.Context, rec *Record, status Status, cause error) {
	now := s.clock().UTC()
	rec.Status = status
	rec.UpdatedAt = now
	rec.FinishedAt = &now
	if cause != nil {
		if code, ok := errs.CodeOf(cause); ok {
			rec.ErrorCode = string(code)
		}
		rec.ErrorMessage = cause.Error()
	}
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "failed to finalize job", "job_id", rec.JobID, "error", err)
	}
	s.quota.Release(rec.Tenant)
	if s.tel != nil && rec.StartedAt != nil {
		s.tel.RecordJobDuration(ctx, rec.Type, now.Sub(*rec.StartedAt))
	}

	var kind eventlog.Kind
	payload := map[string]any{"job_type": rec.Type, "attempts": rec.Attempts}
	switch status {
	case StatusSucceeded:
		kind = eventlog.KindJobCompleted
	case StatusFailed:
		kind = eventlog.KindJobFailed
		payload["error_code"] = rec.ErrorCode
	default:
		// Cancellations end the record without a completion event.
		s.logger.InfoContext(ctx, "job canceled", "job_id", rec.JobID)
		return
	}

	if _, err := s.log.Append(ctx, &eventlog.Event{
		Tenant:    rec.Tenant,
		Actor:     "system:job-runner",
		Kind:      kind,
		SubjectID: rec.JobID,
		Payload:   payload,
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to journal job outcome", "job_id", rec.JobID, "error", err)
	}
	s.logger.InfoContext(ctx, "job finished",
		"job_id", rec.JobID, "status", status, "attempts", rec.Attempts)
}
