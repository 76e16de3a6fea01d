package domain

import "time"

// Task status constants
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusFailed     = "failed"
	TaskStatusCompleted  = "completed"
)

// DownloadTask is one queued package download in the task ledger.
// (TitleID, PackageID) identifies the package; at most one active task
// exists per identity.
type DownloadTask struct {
	ID        int64
	TitleID   string
	Title     string
	PackageID string
	Package   PackageInfo

	// State
	Status   string
	WorkerID string

	// Retry handling
	RetryCount  int
	MaxRetries  int
	NextRetryAt *time.Time
	LastError   string

	// Timestamps
	CreatedAt time.Time
	ClaimedAt *time.Time
	UpdatedAt time.Time
}

// NewDownloadTask creates a pending task for one package of an update
func NewDownloadTask(update *UpdateInfo, pkg PackageInfo, maxRetries int) *DownloadTask {
	return &DownloadTask{
		TitleID:    update.TitleID,
		Title:      update.Title(),
		PackageID:  pkg.ID(),
		Package:    pkg,
		Status:     TaskStatusPending,
		MaxRetries: maxRetries,
	}
}

// CanRetry returns true if the task can be retried
func (t *DownloadTask) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// MarkFailed records a failed attempt. When retry is true and attempts
// remain, the task goes back to pending and becomes claimable after backoff.
func (t *DownloadTask) MarkFailed(err string, retry bool, backoff time.Duration) {
	t.RetryCount++
	t.LastError = err
	t.WorkerID = ""
	t.ClaimedAt = nil

	if retry && t.CanRetry() {
		t.Status = TaskStatusPending
		nextRetry := time.Now().Add(backoff)
		t.NextRetryAt = &nextRetry
	} else {
		t.Status = TaskStatusFailed
		t.NextRetryAt = nil
	}
}

// Claim marks the task as claimed by a worker
func (t *DownloadTask) Claim(workerID string) {
	t.Status = TaskStatusInProgress
	t.WorkerID = workerID
	now := time.Now()
	t.ClaimedAt = &now
	t.NextRetryAt = nil
}

// IsActive returns true while the task is pending or being downloaded
func (t *DownloadTask) IsActive() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusInProgress
}

// QueueStats represents download queue statistics
type QueueStats struct {
	PendingCount    int
	InProgressCount int
	FailedCount     int
	CompletedCount  int
}

// Active returns the number of tasks that still need a worker
func (s *QueueStats) Active() int {
	return s.PendingCount + s.InProgressCount
}
