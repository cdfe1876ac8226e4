package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/draftsmith/draftsmith/internal/mailapi"
	"github.com/draftsmith/draftsmith/internal/models"
)

type alwaysValidTokens struct{}

func (alwaysValidTokens) EnsureValidToken(ctx context.Context) bool { return true }

type deniedTokens struct{}

func (deniedTokens) EnsureValidToken(ctx context.Context) bool { return false }

type fakeSortAPI struct {
	mu      sync.Mutex
	folders []mailapi.Folder
	// failMove maps message id -> error returned from MoveMessage.
	failMove   map[string]error
	moved      map[string]string
	categories map[string][]string
	created    []string
	listErr    error
}

func newFakeSortAPI(folders ...mailapi.Folder) *fakeSortAPI {
	return &fakeSortAPI{
		folders:    folders,
		failMove:   make(map[string]error),
		moved:      make(map[string]string),
		categories: make(map[string][]string),
	}
}

func (f *fakeSortAPI) ListChildFolders(ctx context.Context, parent string) ([]mailapi.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]mailapi.Folder(nil), f.folders...), nil
}

func (f *fakeSortAPI) CreateChildFolder(ctx context.Context, parent, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "folder-" + name
	f.folders = append(f.folders, mailapi.Folder{ID: id, DisplayName: name})
	f.created = append(f.created, name)
	return id, nil
}

func (f *fakeSortAPI) PatchCategories(ctx context.Context, messageID string, categories []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.categories[messageID] = categories
	return nil
}

func (f *fakeSortAPI) MoveMessage(ctx context.Context, messageID, folderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failMove[messageID]; err != nil {
		return err
	}
	f.moved[messageID] = folderID
	return nil
}

type memStore struct {
	mu    sync.Mutex
	jobs  []*models.SchedulerJob
	saves int
	err   error
}

func (m *memStore) Load() ([]*models.SchedulerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs, nil
}

func (m *memStore) Save(jobs []*models.SchedulerJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cloned := make([]*models.SchedulerJob, len(jobs))
	for i, j := range jobs {
		cloned[i] = j.Clone()
	}
	m.jobs = cloned
	m.saves++
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, api SortAPI, tokens Tokens, store Store) (*Scheduler, *testClock) {
	t.Helper()
	s, err := New(api, tokens, store, zap.NewNop())
	if err != nil {
		t.Fatalf("scheduler init failed: %v", err)
	}
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	return s, clock
}

func TestEnqueueDedupesAndClamps(t *testing.T) {
	s, clock := newTestScheduler(t, newFakeSortAPI(), alwaysValidTokens{}, &memStore{})

	past := clock.Now().Add(-time.Hour)
	job, err := s.Enqueue("camp-1", []string{"m1", "m2", "m1", "", "m2"}, past, "Sorted", "Campaign", 0)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if len(job.MessageIDs) != 2 {
		t.Fatalf("expected deduped ids, got %v", job.MessageIDs)
	}
	if job.RunAt.Before(clock.Now()) {
		t.Fatalf("runAt must be clamped to now, got %v", job.RunAt)
	}
	if job.Status != models.JobQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	if job.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("expected default max attempts, got %d", job.MaxAttempts)
	}
}

func TestSuccessfulRunCompletesJob(t *testing.T) {
	api := newFakeSortAPI(mailapi.Folder{ID: "f1", DisplayName: "sorted"})
	s, _ := newTestScheduler(t, api, alwaysValidTokens{}, &memStore{})

	job, err := s.Enqueue("camp-1", []string{"m1", "m2"}, time.Time{}, "Sorted", "Campaign X", 3)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	s.Tick(context.Background())

	got := s.Get(job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.ErrorMsg)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.LastResult == nil || len(got.LastResult.SucceededMessageIDs) != 2 {
		t.Fatalf("expected full success in lastResult, got %+v", got.LastResult)
	}
	// Case-insensitive folder match: "Sorted" resolved to existing "sorted".
	if len(api.created) != 0 {
		t.Fatalf("expected no folder creation, created %v", api.created)
	}
	if api.moved["m1"] != "f1" || api.moved["m2"] != "f1" {
		t.Fatalf("messages not moved into f1: %v", api.moved)
	}
	if len(api.categories["m1"]) != 1 || api.categories["m1"][0] != "Campaign X" {
		t.Fatalf("category not patched: %v", api.categories["m1"])
	}
}

func TestMissingFolderIsCreated(t *testing.T) {
	api := newFakeSortAPI()
	s, _ := newTestScheduler(t, api, alwaysValidTokens{}, &memStore{})

	job, _ := s.Enqueue("camp-1", []string{"m1"}, time.Time{}, "Fresh", "", 3)
	s.Tick(context.Background())

	if len(api.created) != 1 || api.created[0] != "Fresh" {
		t.Fatalf("expected folder creation, got %v", api.created)
	}
	if s.Get(job.ID).Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s", s.Get(job.ID).Status)
	}
	if _, ok := api.categories["m1"]; ok {
		t.Fatal("no category was set; patch must be skipped")
	}
}

func TestBackoffLadderEndsFailed(t *testing.T) {
	api := newFakeSortAPI()
	api.failMove["m1"] = errors.New("mailbox locked")
	s, clock := newTestScheduler(t, api, alwaysValidTokens{}, &memStore{})

	job, _ := s.Enqueue("camp-1", []string{"m1"}, time.Time{}, "Sorted", "", 3)

	// Run 1: queued -> running -> queued, attempts=1, delay 60s.
	s.Tick(context.Background())
	got := s.Get(job.ID)
	if got.Status != models.JobQueued || got.Attempts != 1 {
		t.Fatalf("after run 1: status %s attempts %d", got.Status, got.Attempts)
	}
	if wait := got.RunAt.Sub(clock.Now()); wait != 60*time.Second {
		t.Fatalf("expected 60s delay after first failure, got %v", wait)
	}

	// Not due yet: nothing happens.
	s.Tick(context.Background())
	if got := s.Get(job.ID); got.Attempts != 1 {
		t.Fatalf("job ran before its runAt, attempts %d", got.Attempts)
	}

	// Run 2: attempts=2, delay 120s.
	clock.Advance(61 * time.Second)
	s.Tick(context.Background())
	got = s.Get(job.ID)
	if got.Status != models.JobQueued || got.Attempts != 2 {
		t.Fatalf("after run 2: status %s attempts %d", got.Status, got.Attempts)
	}
	if wait := got.RunAt.Sub(clock.Now()); wait != 120*time.Second {
		t.Fatalf("expected 120s delay after second failure, got %v", wait)
	}

	// Run 3: attempts exhausted -> failed.
	clock.Advance(121 * time.Second)
	s.Tick(context.Background())
	got = s.Get(job.ID)
	if got.Status != models.JobFailed || got.Attempts != 3 {
		t.Fatalf("after run 3: status %s attempts %d", got.Status, got.Attempts)
	}
	if got.ErrorMsg == "" {
		t.Fatal("failed job must carry a human-readable error")
	}

	// Terminal: no further runs.
	clock.Advance(time.Hour)
	s.Tick(context.Background())
	if got := s.Get(job.ID); got.Attempts != 3 {
		t.Fatalf("failed job ran again, attempts %d", got.Attempts)
	}
}

func TestRetryDelayCap(t *testing.T) {
	if d := retryDelay(1); d != 60*time.Second {
		t.Fatalf("retryDelay(1) = %v", d)
	}
	if d := retryDelay(4); d != 480*time.Second {
		t.Fatalf("retryDelay(4) = %v", d)
	}
	if d := retryDelay(5); d != maxRetryDelay {
		t.Fatalf("retryDelay(5) = %v, expected cap %v", d, maxRetryDelay)
	}
}

func TestPartialFailureRetriesOnlyRemainder(t *testing.T) {
	api := newFakeSortAPI()
	api.failMove["m2"] = errors.New("transient lock")
	s, clock := newTestScheduler(t, api, alwaysValidTokens{}, &memStore{})

	job, _ := s.Enqueue("camp-1", []string{"m1", "m2"}, time.Time{}, "Sorted", "", 3)
	s.Tick(context.Background())

	got := s.Get(job.ID)
	if got.Status != models.JobQueued || got.Attempts != 1 {
		t.Fatalf("after partial failure: status %s attempts %d", got.Status, got.Attempts)
	}
	if got.LastResult == nil {
		t.Fatal("expected lastResult after run")
	}
	if len(got.LastResult.SucceededMessageIDs)+len(got.LastResult.FailedMessages) != 2 {
		t.Fatalf("lastResult must partition the message set: %+v", got.LastResult)
	}

	// The remote recovers; only m2 should be retried.
	delete(api.failMove, "m2")
	movesBefore := len(api.moved)
	clock.Advance(61 * time.Second)
	s.Tick(context.Background())

	got = s.Get(job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("expected completed after retry, got %s", got.Status)
	}
	if len(api.moved) != movesBefore+1 {
		t.Fatalf("expected exactly one extra move, had %d now %d", movesBefore, len(api.moved))
	}
	if len(got.LastResult.SucceededMessageIDs) != 2 || len(got.LastResult.FailedMessages) != 0 {
		t.Fatalf("final lastResult must cover all messages: %+v", got.LastResult)
	}
}

func TestPauseResumeSemantics(t *testing.T) {
	s, clock := newTestScheduler(t, newFakeSortAPI(), alwaysValidTokens{}, &memStore{})

	// Elapsed runAt: resume bumps it just past now.
	job, _ := s.Enqueue("camp-1", []string{"m1"}, time.Time{}, "Sorted", "", 3)
	if p := s.Pause(job.ID); p == nil || p.Status != models.JobPaused {
		t.Fatalf("pause failed: %+v", p)
	}
	clock.Advance(time.Hour)
	resumed := s.Resume(job.ID)
	if resumed == nil || resumed.Status != models.JobQueued {
		t.Fatalf("resume failed: %+v", resumed)
	}
	if !resumed.RunAt.After(clock.Now()) || resumed.RunAt.Sub(clock.Now()) > time.Second {
		t.Fatalf("elapsed runAt should be bumped to now+1s, got %v (now %v)", resumed.RunAt, clock.Now())
	}

	// Future runAt: resume leaves it untouched.
	future := clock.Now().Add(2 * time.Hour)
	job2, _ := s.Enqueue("camp-1", []string{"m2"}, future, "Sorted", "", 3)
	s.Pause(job2.ID)
	resumed2 := s.Resume(job2.ID)
	if !resumed2.RunAt.Equal(future) {
		t.Fatalf("future runAt must be untouched, got %v want %v", resumed2.RunAt, future)
	}
}

func TestPausedJobIsNotPickedUp(t *testing.T) {
	api := newFakeSortAPI()
	s, clock := newTestScheduler(t, api, alwaysValidTokens{}, &memStore{})

	job, _ := s.Enqueue("camp-1", []string{"m1"}, time.Time{}, "Sorted", "", 3)
	s.Pause(job.ID)
	clock.Advance(time.Hour)
	s.Tick(context.Background())

	if got := s.Get(job.ID); got.Attempts != 0 {
		t.Fatalf("paused job must not run, attempts %d", got.Attempts)
	}
}

func TestCancelOnlyFromQueuedOrPaused(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeSortAPI(), alwaysValidTokens{}, &memStore{})

	job, _ := s.Enqueue("camp-1", []string{"m1"}, time.Time{}, "Sorted", "", 3)
	if c := s.Cancel(job.ID); c == nil || c.Status != models.JobCancelled {
		t.Fatalf("cancel from queued failed: %+v", c)
	}
	// Cancelled is terminal.
	if c := s.Cancel(job.ID); c != nil {
		t.Fatal("cancelling a cancelled job must be rejected")
	}
	if p := s.Pause(job.ID); p != nil {
		t.Fatal("pausing a cancelled job must be rejected")
	}

	job2, _ := s.Enqueue("camp-1", []string{"m2"}, time.Time{}, "Sorted", "", 3)
	s.Pause(job2.ID)
	if c := s.Cancel(job2.ID); c == nil || c.Status != models.JobCancelled {
		t.Fatalf("cancel from paused failed: %+v", c)
	}
}

func TestAuthFailureCountsAsRunFailure(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeSortAPI(), deniedTokens{}, &memStore{})

	job, _ := s.Enqueue("camp-1", []string{"m1"}, time.Time{}, "Sorted", "", 2)
	s.Tick(context.Background())

	got := s.Get(job.ID)
	if got.Status != models.JobQueued || got.Attempts != 1 {
		t.Fatalf("expected requeue after auth failure, status %s attempts %d", got.Status, got.Attempts)
	}
	if got.ErrorMsg == "" {
		t.Fatal("expected the auth error to be surfaced")
	}
}

func TestRestartReconciliation(t *testing.T) {
	store := &memStore{}
	api := newFakeSortAPI()
	s, _ := newTestScheduler(t, api, alwaysValidTokens{}, store)
	job, _ := s.Enqueue("camp-1", []string{"m1"}, time.Time{}, "Sorted", "", 3)

	// Simulate an unclean shutdown mid-run: force the persisted copy into
	// running.
	store.mu.Lock()
	for _, j := range store.jobs {
		if j.ID == job.ID {
			j.Status = models.JobRunning
		}
	}
	store.mu.Unlock()

	restarted, err := New(api, alwaysValidTokens{}, store, zap.NewNop())
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	got := restarted.Get(job.ID)
	if got == nil || got.Status != models.JobQueued {
		t.Fatalf("interrupted job must be requeued, got %+v", got)
	}

	restarted.Tick(context.Background())
	if got := restarted.Get(job.ID); got.Status != models.JobCompleted {
		t.Fatalf("requeued job should run to completion, got %s", got.Status)
	}
}

func TestEveryMutationIsPersisted(t *testing.T) {
	store := &memStore{}
	s, _ := newTestScheduler(t, newFakeSortAPI(), alwaysValidTokens{}, store)

	job, _ := s.Enqueue("camp-1", []string{"m1"}, time.Time{}, "Sorted", "", 3)
	afterEnqueue := store.saves
	if afterEnqueue == 0 {
		t.Fatal("enqueue was not persisted")
	}

	s.Pause(job.ID)
	s.Resume(job.ID)
	s.Cancel(job.ID)
	if store.saves != afterEnqueue+3 {
		t.Fatalf("expected a save per mutation, got %d after %d", store.saves, afterEnqueue)
	}
}

func TestEnqueueValidation(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeSortAPI(), alwaysValidTokens{}, &memStore{})

	if _, err := s.Enqueue("c", []string{"m1"}, time.Time{}, "", "", 3); err == nil {
		t.Fatal("expected error for missing folder name")
	}
	if _, err := s.Enqueue("c", nil, time.Time{}, "Sorted", "", 3); err == nil {
		t.Fatal("expected error for empty message set")
	}
}
