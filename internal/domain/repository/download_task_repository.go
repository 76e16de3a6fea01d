package repository

import (
	"time"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
)

// DownloadTaskRepository defines the interface for download task queue operations
type DownloadTaskRepository interface {
	// CreateTask creates a new download task
	// Returns domain.ErrAlreadyExists if an active task for the same
	// title and package already exists
	CreateTask(task *domain.DownloadTask) error

	// ClaimNextTask atomically claims the next pending task for a worker
	// Returns nil if no tasks are available
	// Only claims tasks where next_retry_at is NULL or <= now, oldest first
	// When titleIDs is non-empty only tasks of those titles are considered
	ClaimNextTask(workerID string, titleIDs []string) (*domain.DownloadTask, error)

	// GetTask retrieves a task by ID
	GetTask(id int64) (*domain.DownloadTask, error)

	// CompleteTask marks a task as completed
	CompleteTask(taskID int64) error

	// FailTask persists a failed attempt (status, retry count, next retry)
	FailTask(task *domain.DownloadTask) error

	// ReleaseTask puts an in_progress task back to pending without counting
	// an attempt, used when a download is interrupted
	ReleaseTask(taskID int64) error

	// ReleaseStaleInProgressTasks resets tasks stuck in in_progress state
	// Used for tasks whose process died (claimed_at older than timeout)
	ReleaseStaleInProgressTasks(staleDuration time.Duration) (int, error)

	// ReleaseInProgressTasks puts every in_progress task of the given titles
	// back to pending, used before a run when no worker of this process
	// holds a claim yet
	ReleaseInProgressTasks(titleIDs []string) (int, error)

	// GetQueueStats returns queue statistics, optionally limited to titles
	GetQueueStats(titleIDs []string) (*domain.QueueStats, error)

	// CleanupOldTasks removes failed and completed tasks older than the
	// specified duration
	CleanupOldTasks(olderThan time.Duration) (int, error)

	// ListTasks returns the most recent tasks, newest first
	ListTasks(limit int) ([]*domain.DownloadTask, error)
}
