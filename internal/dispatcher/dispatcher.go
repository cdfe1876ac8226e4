// Package dispatcher fans a contact list out into bounded-size,
// bounded-concurrency draft-creation batches, tracking a forward-only
// per-contact status and streaming snapshots to an observer.
package dispatcher

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/draftsmith/draftsmith/internal/executor"
	"github.com/draftsmith/draftsmith/internal/mailapi"
	"github.com/draftsmith/draftsmith/internal/metrics"
	"github.com/draftsmith/draftsmith/internal/models"
	"github.com/draftsmith/draftsmith/internal/template"
	"github.com/draftsmith/draftsmith/internal/uploader"
)

const (
	// DefaultGroupSize matches the remote API's per-request batch ceiling.
	DefaultGroupSize = mailapi.MaxBatchSize
	// DefaultConcurrency bounds how many groups are in flight at once.
	DefaultConcurrency = 3
	// DefaultMaxRetries is the retry budget per group submission.
	DefaultMaxRetries = 3
)

// BatchAPI is the slice of the remote surface the dispatcher needs.
type BatchAPI interface {
	CreateDraftsBatch(ctx context.Context, requests []mailapi.DraftRequest) ([]mailapi.DraftResult, error)
}

// Tokens guards credential validity before the run starts.
type Tokens interface {
	EnsureValidToken(ctx context.Context) bool
}

// Attacher uploads the campaign file to the created drafts.
type Attacher interface {
	AttachFileToMultipleDrafts(ctx context.Context, messageIDs []string, file models.Attachment) []uploader.Result
}

// ProgressFunc receives a full copy of all per-contact results after every
// status transition. Snapshots are monotonic: the completed+failed count
// never decreases between calls.
type ProgressFunc func(snapshot []models.ProcessingResult)

// Dispatcher runs mail-merge dispatches.
type Dispatcher struct {
	GroupSize   int
	Concurrency int64
	MaxRetries  int

	api      BatchAPI
	tokens   Tokens
	attacher Attacher
	logger   *zap.Logger

	// newExecutor builds the per-run executor so each dispatch run shares
	// one throttle cooldown window across its groups.
	newExecutor func() *executor.Executor
}

func New(api BatchAPI, tokens Tokens, attacher Attacher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		GroupSize:   DefaultGroupSize,
		Concurrency: DefaultConcurrency,
		MaxRetries:  DefaultMaxRetries,
		api:         api,
		tokens:      tokens,
		attacher:    attacher,
		logger:      logger,
		newExecutor: func() *executor.Executor { return executor.New(logger) },
	}
}

// Partition splits contacts into ordered groups of at most size contacts.
func Partition(contacts []models.Contact, size int) [][]models.Contact {
	if size <= 0 {
		size = DefaultGroupSize
	}
	var groups [][]models.Contact
	for start := 0; start < len(contacts); start += size {
		end := start + size
		if end > len(contacts) {
			end = len(contacts)
		}
		groups = append(groups, contacts[start:end])
	}
	return groups
}

// run is the mutable state of one dispatch run. All mutations go through its
// mutex; snapshots handed to the observer are copies.
type run struct {
	mu         sync.Mutex
	results    []models.ProcessingResult
	byContact  map[string]int
	onProgress ProgressFunc
}

func newRun(contacts []models.Contact, onProgress ProgressFunc) *run {
	r := &run{
		results:    make([]models.ProcessingResult, len(contacts)),
		byContact:  make(map[string]int, len(contacts)),
		onProgress: onProgress,
	}
	for i, c := range contacts {
		r.results[i] = models.ProcessingResult{ContactID: c.ID, Status: models.StatusPending}
		r.byContact[c.ID] = i
	}
	return r
}

func (r *run) snapshotLocked() []models.ProcessingResult {
	snap := make([]models.ProcessingResult, len(r.results))
	copy(snap, r.results)
	return snap
}

// apply mutates results and emits one snapshot. The observer is called with
// the lock held so snapshots arrive in transition order and the terminal
// count never appears to decrease; observers must not call back into the run.
func (r *run) apply(mutate func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate()
	if r.onProgress != nil {
		r.onProgress(r.snapshotLocked())
	}
}

func (r *run) markProcessing(group []models.Contact) {
	r.apply(func() {
		for _, c := range group {
			res := &r.results[r.byContact[c.ID]]
			if res.Status == models.StatusPending {
				res.Status = models.StatusProcessing
			}
		}
	})
}

func (r *run) markGroupFailed(group []models.Contact, err error) {
	r.apply(func() {
		for _, c := range group {
			res := &r.results[r.byContact[c.ID]]
			res.Status = models.StatusFailed
			res.ErrorMsg = err.Error()
		}
	})
}

func (r *run) markGroupOutcomes(group []models.Contact, outcomes []mailapi.DraftResult) {
	r.apply(func() {
		for i, c := range group {
			res := &r.results[r.byContact[c.ID]]
			if i < len(outcomes) && outcomes[i].Err == nil {
				res.Status = models.StatusCompleted
				res.MessageID = outcomes[i].ID
				metrics.DraftsCreated.Inc()
				continue
			}
			res.Status = models.StatusFailed
			if i < len(outcomes) {
				res.ErrorMsg = outcomes[i].Err.Error()
			} else {
				res.ErrorMsg = "no outcome returned for batch item"
			}
			metrics.DraftFailures.Inc()
		}
	})
}

// markAttachmentFailures downgrades completed results whose upload failed.
// This is the one sanctioned completed->failed transition.
func (r *run) markAttachmentFailures(results []uploader.Result) {
	byMessage := make(map[string]uploader.Result, len(results))
	for _, res := range results {
		byMessage[res.MessageID] = res
	}
	r.apply(func() {
		for i := range r.results {
			res := &r.results[i]
			if res.Status != models.StatusCompleted || res.MessageID == "" {
				continue
			}
			up, ok := byMessage[res.MessageID]
			if ok && !up.Success {
				res.Status = models.StatusFailed
				res.ErrorMsg = "attachment upload failed: " + up.ErrorMsg
			}
		}
	})
}

// ProcessContacts renders every contact against the template, creates drafts
// in batches, optionally attaches the file to the created drafts, and
// returns the run's operation id. The call blocks until every contact has a
// terminal status; progress is observable through onProgress along the way.
func (d *Dispatcher) ProcessContacts(
	ctx context.Context,
	contacts []models.Contact,
	tmpl models.Template,
	attachment *models.Attachment,
	onProgress ProgressFunc,
) (string, error) {
	if !d.tokens.EnsureValidToken(ctx) {
		return "", mailapi.NewError(mailapi.KindAuth, "no valid credential for dispatch")
	}

	operationID := uuid.NewString()
	d.logger.Info("dispatch started",
		zap.String("operation_id", operationID),
		zap.Int("contacts", len(contacts)),
		zap.String("template", tmpl.Name),
	)

	r := newRun(contacts, onProgress)
	exec := d.newExecutor()
	sem := semaphore.NewWeighted(d.Concurrency)
	var wg sync.WaitGroup

	for _, group := range Partition(contacts, d.GroupSize) {
		// Acquiring before launching keeps group submission in list order.
		if err := sem.Acquire(ctx, 1); err != nil {
			r.markGroupFailed(group, err)
			continue
		}
		wg.Add(1)
		go func(group []models.Contact) {
			defer wg.Done()
			defer sem.Release(1)
			d.submitGroup(ctx, exec, r, group, tmpl)
		}(group)
	}
	wg.Wait()

	d.attachPhase(ctx, r, attachment)

	r.mu.Lock()
	completed, failed := 0, 0
	for _, res := range r.results {
		switch res.Status {
		case models.StatusCompleted:
			completed++
		case models.StatusFailed:
			failed++
		}
	}
	r.mu.Unlock()
	d.logger.Info("dispatch finished",
		zap.String("operation_id", operationID),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
	)
	return operationID, nil
}

func (d *Dispatcher) submitGroup(ctx context.Context, exec *executor.Executor, r *run, group []models.Contact, tmpl models.Template) {
	r.markProcessing(group)

	requests := make([]mailapi.DraftRequest, len(group))
	for i, c := range group {
		rendered := template.Merge(tmpl, c)
		requests[i] = mailapi.DraftRequest{
			Subject:    rendered.Subject,
			Body:       rendered.Body,
			Recipients: rendered.Recipients,
		}
	}

	var outcomes []mailapi.DraftResult
	err := exec.Do(ctx, d.MaxRetries, func(ctx context.Context) error {
		out, err := d.api.CreateDraftsBatch(ctx, requests)
		if err != nil {
			return err
		}
		outcomes = out
		return nil
	})
	if err != nil {
		d.logger.Warn("batch submission failed",
			zap.Int("group_size", len(group)),
			zap.Error(err),
		)
		r.markGroupFailed(group, err)
		return
	}
	r.markGroupOutcomes(group, outcomes)
}

// attachPhase uploads the attachment to every successfully created draft and
// downgrades the results whose upload failed. Sibling results are untouched.
func (d *Dispatcher) attachPhase(ctx context.Context, r *run, attachment *models.Attachment) {
	if attachment == nil || d.attacher == nil {
		return
	}

	r.mu.Lock()
	var messageIDs []string
	for _, res := range r.results {
		if res.Status == models.StatusCompleted && res.MessageID != "" {
			messageIDs = append(messageIDs, res.MessageID)
		}
	}
	r.mu.Unlock()
	if len(messageIDs) == 0 {
		return
	}

	results := d.attacher.AttachFileToMultipleDrafts(ctx, messageIDs, *attachment)
	r.markAttachmentFailures(results)
}
