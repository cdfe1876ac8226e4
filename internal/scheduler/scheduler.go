// Package scheduler runs durable auto-sort jobs: at a scheduled time, move a
// fixed set of already-created drafts into a folder and optionally tag them
// with a category. Jobs survive process restarts and are pausable,
// resumable and cancelable.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/draftsmith/draftsmith/internal/mailapi"
	"github.com/draftsmith/draftsmith/internal/metrics"
	"github.com/draftsmith/draftsmith/internal/models"
)

const (
	// DefaultPollInterval is how often the loop looks for due jobs.
	DefaultPollInterval = 5 * time.Second
	// DefaultMaxAttempts is the run budget when the caller does not choose.
	DefaultMaxAttempts = 3
	// DraftsFolder is the well-known parent under which sort folders live.
	DraftsFolder = "drafts"

	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = 600 * time.Second
	resumeBump     = time.Second
)

// SortAPI is the slice of the remote surface a job run needs.
type SortAPI interface {
	ListChildFolders(ctx context.Context, parentFolderID string) ([]mailapi.Folder, error)
	CreateChildFolder(ctx context.Context, parentFolderID, displayName string) (string, error)
	PatchCategories(ctx context.Context, messageID string, categories []string) error
	MoveMessage(ctx context.Context, messageID, destinationFolderID string) error
}

// Tokens guards credential validity before a run touches the remote API.
type Tokens interface {
	EnsureValidToken(ctx context.Context) bool
}

// Scheduler owns the job table and the single poll loop. Every mutation,
// whether from the loop or from operator calls, goes through the table mutex
// and is persisted before it is considered applied.
type Scheduler struct {
	PollInterval time.Duration

	// OnTransition, when set, observes every persisted job transition with
	// a copy of the job and the transition name. Invoked on its own
	// goroutine; the ledger consumes it.
	OnTransition func(job *models.SchedulerJob, event string)

	api    SortAPI
	tokens Tokens
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*models.SchedulerJob
}

// New loads the persisted table and reconciles jobs left in running by an
// unclean shutdown back to queued for immediate pickup.
func New(api SortAPI, tokens Tokens, store Store, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		PollInterval: DefaultPollInterval,
		api:          api,
		tokens:       tokens,
		store:        store,
		logger:       logger,
		now:          time.Now,
		jobs:         make(map[string]*models.SchedulerJob),
	}

	loaded, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load job table: %w", err)
	}
	reconciled := 0
	for _, job := range loaded {
		if job.Status == models.JobRunning {
			job.Status = models.JobQueued
			job.RunAt = s.now()
			job.UpdatedAt = s.now()
			reconciled++
		}
		s.jobs[job.ID] = job
	}
	if reconciled > 0 {
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		logger.Info("reconciled interrupted jobs", zap.Int("count", reconciled))
	}
	return s, nil
}

// Run drives the poll loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("poll_interval", s.PollInterval))
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes every queued job whose runAt has passed. Due jobs are
// independent; no ordering is guaranteed among them.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*models.SchedulerJob
	for _, job := range s.jobs {
		if job.Status == models.JobQueued && !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.runJob(ctx, job.ID)
	}
}

// Enqueue creates a queued job. Message ids are deduplicated and runAt is
// clamped to now.
func (s *Scheduler) Enqueue(campaignID string, messageIDs []string, runAt time.Time, folderName, categoryName string, maxAttempts int) (*models.SchedulerJob, error) {
	if folderName == "" {
		return nil, fmt.Errorf("folder name is required")
	}
	deduped := dedupe(messageIDs)
	if len(deduped) == 0 {
		return nil, fmt.Errorf("at least one message id is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := s.now()
	if runAt.Before(now) {
		runAt = now
	}

	job := &models.SchedulerJob{
		ID:           uuid.NewString(),
		CampaignID:   campaignID,
		MessageIDs:   deduped,
		RunAt:        runAt,
		FolderName:   folderName,
		CategoryName: categoryName,
		MaxAttempts:  maxAttempts,
		Status:       models.JobQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	if err := s.persistLocked(); err != nil {
		delete(s.jobs, job.ID)
		return nil, err
	}
	s.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("folder", folderName),
		zap.Int("messages", len(deduped)),
		zap.Time("run_at", runAt),
	)
	s.notify(job, "enqueued")
	return job.Clone(), nil
}

func (s *Scheduler) notify(job *models.SchedulerJob, event string) {
	if s.OnTransition == nil {
		return
	}
	go s.OnTransition(job.Clone(), event)
}

// List returns copies of all jobs, oldest first.
func (s *Scheduler) List() []*models.SchedulerJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.SchedulerJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a copy of one job, nil when unknown.
func (s *Scheduler) Get(id string) *models.SchedulerJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Clone()
}

// Pause moves a queued or running job to paused. For a running job the pause
// takes effect when the in-flight run would otherwise reschedule. Returns
// nil when the job is unknown or not pausable.
func (s *Scheduler) Pause(id string) *models.SchedulerJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || (job.Status != models.JobQueued && job.Status != models.JobRunning) {
		return nil
	}
	prev := job.Status
	job.Status = models.JobPaused
	job.UpdatedAt = s.now()
	if err := s.persistLocked(); err != nil {
		job.Status = prev
		s.logger.Error("persist failed on pause", zap.String("job_id", id), zap.Error(err))
		return nil
	}
	s.logger.Info("job paused", zap.String("job_id", id))
	s.notify(job, "paused")
	return job.Clone()
}

// Resume moves a paused job back to queued. A runAt that already elapsed is
// bumped just past now so the next tick picks it up.
func (s *Scheduler) Resume(id string) *models.SchedulerJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobPaused {
		return nil
	}
	now := s.now()
	job.Status = models.JobQueued
	if job.RunAt.Before(now) {
		job.RunAt = now.Add(resumeBump)
	}
	job.UpdatedAt = now
	if err := s.persistLocked(); err != nil {
		job.Status = models.JobPaused
		s.logger.Error("persist failed on resume", zap.String("job_id", id), zap.Error(err))
		return nil
	}
	s.logger.Info("job resumed", zap.String("job_id", id), zap.Time("run_at", job.RunAt))
	s.notify(job, "resumed")
	return job.Clone()
}

// Cancel terminates a queued or paused job. A running job cannot be
// cancelled; its in-flight run completes and is applied.
func (s *Scheduler) Cancel(id string) *models.SchedulerJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || (job.Status != models.JobQueued && job.Status != models.JobPaused) {
		return nil
	}
	prev := job.Status
	job.Status = models.JobCancelled
	job.UpdatedAt = s.now()
	if err := s.persistLocked(); err != nil {
		job.Status = prev
		s.logger.Error("persist failed on cancel", zap.String("job_id", id), zap.Error(err))
		return nil
	}
	s.logger.Info("job cancelled", zap.String("job_id", id))
	s.notify(job, "cancelled")
	return job.Clone()
}

// runJob executes one run of one job: queued -> running -> terminal or
// requeued with backoff. Exceptions never escape; they become a retry-or-fail
// transition.
func (s *Scheduler) runJob(ctx context.Context, id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobQueued {
		s.mu.Unlock()
		return
	}
	job.Status = models.JobRunning
	job.UpdatedAt = s.now()
	if err := s.persistLocked(); err != nil {
		job.Status = models.JobQueued
		s.mu.Unlock()
		s.logger.Error("persist failed starting job", zap.String("job_id", id), zap.Error(err))
		return
	}
	// Copy what the run needs so remote calls happen outside the lock.
	snapshot := job.Clone()
	s.mu.Unlock()

	metrics.JobRuns.Inc()
	s.logger.Info("job run started",
		zap.String("job_id", id),
		zap.Int("attempt", snapshot.Attempts+1),
		zap.Int("max_attempts", snapshot.MaxAttempts),
	)

	result, runErr := s.execute(ctx, snapshot)
	s.applyRunResult(id, result, runErr)
}

// execute performs the remote work of one run: ensure a credential, resolve
// the destination folder, then sort every target message. One message's
// failure never stops the rest.
func (s *Scheduler) execute(ctx context.Context, job *models.SchedulerJob) (*models.JobResult, error) {
	if !s.tokens.EnsureValidToken(ctx) {
		return nil, mailapi.NewError(mailapi.KindAuth, "no valid credential for job run")
	}

	folderID, err := s.resolveFolder(ctx, job.FolderName)
	if err != nil {
		return nil, fmt.Errorf("resolve folder %q: %w", job.FolderName, err)
	}

	// A rerun after partial failure only retries the failed remainder.
	targets := job.MessageIDs
	var carried []string
	if job.LastResult != nil {
		carried = job.LastResult.SucceededMessageIDs
		targets = make([]string, 0, len(job.LastResult.FailedMessages))
		for _, f := range job.LastResult.FailedMessages {
			targets = append(targets, f.MessageID)
		}
	}

	result := &models.JobResult{
		SucceededMessageIDs: append([]string(nil), carried...),
	}
	for _, messageID := range targets {
		if err := s.sortMessage(ctx, messageID, folderID, job.CategoryName); err != nil {
			s.logger.Warn("message sort failed",
				zap.String("job_id", job.ID),
				zap.String("message_id", messageID),
				zap.Error(err),
			)
			result.FailedMessages = append(result.FailedMessages, models.MessageError{
				MessageID: messageID,
				ErrorMsg:  err.Error(),
			})
			continue
		}
		result.SucceededMessageIDs = append(result.SucceededMessageIDs, messageID)
	}
	return result, nil
}

func (s *Scheduler) sortMessage(ctx context.Context, messageID, folderID, category string) error {
	if category != "" {
		if err := s.api.PatchCategories(ctx, messageID, []string{category}); err != nil {
			return fmt.Errorf("patch categories: %w", err)
		}
	}
	if err := s.api.MoveMessage(ctx, messageID, folderID); err != nil {
		return fmt.Errorf("move message: %w", err)
	}
	return nil
}

// resolveFolder finds the child folder of drafts matching name
// case-insensitively, creating it when absent.
func (s *Scheduler) resolveFolder(ctx context.Context, name string) (string, error) {
	folders, err := s.api.ListChildFolders(ctx, DraftsFolder)
	if err != nil {
		return "", err
	}
	for _, f := range folders {
		if strings.EqualFold(f.DisplayName, name) {
			return f.ID, nil
		}
	}
	return s.api.CreateChildFolder(ctx, DraftsFolder, name)
}

// applyRunResult moves a job out of running based on the run outcome,
// honouring an operator pause that landed during the run.
func (s *Scheduler) applyRunResult(id string, result *models.JobResult, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return
	}
	pausedMidRun := job.Status == models.JobPaused

	job.Attempts++
	now := s.now()
	job.UpdatedAt = now

	switch {
	case runErr == nil && len(result.FailedMessages) == 0:
		// Full success completes the job even if a pause landed mid-run:
		// there is nothing left to hold back.
		job.Status = models.JobCompleted
		job.ErrorMsg = ""
		job.LastResult = result
		metrics.JobsCompleted.Inc()
		s.logger.Info("job completed",
			zap.String("job_id", id),
			zap.Int("messages", len(result.SucceededMessageIDs)),
		)
	default:
		if result != nil {
			job.LastResult = result
			job.ErrorMsg = fmt.Sprintf("%d of %d messages failed to sort", len(result.FailedMessages), len(job.MessageIDs))
		}
		if runErr != nil {
			job.ErrorMsg = runErr.Error()
		}
		if job.Attempts >= job.MaxAttempts {
			job.Status = models.JobFailed
			metrics.JobsFailed.Inc()
			s.logger.Warn("job failed, attempts exhausted",
				zap.String("job_id", id),
				zap.Int("attempts", job.Attempts),
				zap.String("error", job.ErrorMsg),
			)
		} else if pausedMidRun {
			job.Status = models.JobPaused
		} else {
			delay := retryDelay(job.Attempts)
			job.Status = models.JobQueued
			job.RunAt = now.Add(delay)
			s.logger.Info("job requeued",
				zap.String("job_id", id),
				zap.Int("attempts", job.Attempts),
				zap.Duration("delay", delay),
			)
		}
	}

	if err := s.persistLocked(); err != nil {
		s.logger.Error("persist failed applying run result", zap.String("job_id", id), zap.Error(err))
	}
	s.notify(job, "run_"+string(job.Status))
}

// retryDelay is the job-level backoff: 30s doubled per attempt, capped at
// ten minutes.
func retryDelay(attempts int) time.Duration {
	d := baseRetryDelay * time.Duration(1<<attempts)
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// persistLocked writes the whole table. Callers hold s.mu.
func (s *Scheduler) persistLocked() error {
	jobs := make([]*models.SchedulerJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return s.store.Save(jobs)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
