package models

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPaused    JobStatus = "paused"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition can leave the status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// MessageError records one message that failed during a job run.
type MessageError struct {
	MessageID string `json:"message_id"`
	ErrorMsg  string `json:"error_msg"`
}

// JobResult is the outcome of the most recent run of a job. Together the two
// lists partition the job's message set exactly.
type JobResult struct {
	SucceededMessageIDs []string       `json:"succeeded_message_ids"`
	FailedMessages      []MessageError `json:"failed_messages"`
}

// SchedulerJob is a durable auto-sort job: move a fixed set of drafts into a
// folder, optionally tagging them with a category, at or after RunAt.
type SchedulerJob struct {
	ID           string     `json:"id"`
	CampaignID   string     `json:"campaign_id"`
	MessageIDs   []string   `json:"message_ids"`
	RunAt        time.Time  `json:"run_at"`
	FolderName   string     `json:"folder_name"`
	CategoryName string     `json:"category_name,omitempty"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	Status       JobStatus  `json:"status"`
	ErrorMsg     string     `json:"error_msg,omitempty"`
	LastResult   *JobResult `json:"last_result,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand jobs out of the scheduler's
// table without sharing slices.
func (j *SchedulerJob) Clone() *SchedulerJob {
	if j == nil {
		return nil
	}
	cp := *j
	cp.MessageIDs = append([]string(nil), j.MessageIDs...)
	if j.LastResult != nil {
		lr := JobResult{
			SucceededMessageIDs: append([]string(nil), j.LastResult.SucceededMessageIDs...),
			FailedMessages:      append([]MessageError(nil), j.LastResult.FailedMessages...),
		}
		cp.LastResult = &lr
	}
	return &cp
}
