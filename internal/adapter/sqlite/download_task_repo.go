package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
)

const taskColumns = `id, title_id, title, package_id, package_json, status, worker_id,
	retry_count, max_retries, next_retry_at, last_error, created_at, claimed_at, updated_at`

// CreateTask creates a new download task
func (s *Store) CreateTask(task *domain.DownloadTask) error {
	pkgJSON, err := json.Marshal(task.Package)
	if err != nil {
		return fmt.Errorf("failed to encode package: %w", err)
	}

	now := s.now()
	query := `
		INSERT INTO download_tasks (
			title_id, title, package_id, package_json, status, max_retries,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)
	`

	result, err := s.db.Exec(query,
		task.TitleID, task.Title, task.PackageID, string(pkgJSON), task.MaxRetries,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		if isUniqueConstraintError(err) {
			return domain.ErrAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	task.ID = id
	task.Status = domain.TaskStatusPending
	task.CreatedAt = now
	task.UpdatedAt = now
	return nil
}

// ClaimNextTask atomically claims the oldest claimable pending task
func (s *Store) ClaimNextTask(workerID string, titleIDs []string) (*domain.DownloadTask, error) {
	now := s.now().UnixNano()

	filter, args := titleFilter(titleIDs)
	query := `
		UPDATE download_tasks
		SET status = 'in_progress', worker_id = ?, claimed_at = ?,
			next_retry_at = NULL, updated_at = ?
		WHERE id = (
			SELECT id FROM download_tasks
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= ?)` + filter + `
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING ` + taskColumns

	params := append([]any{workerID, now, now, now}, args...)
	task, err := scanTask(s.db.QueryRow(query, params...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(id int64) (*domain.DownloadTask, error) {
	query := `SELECT ` + taskColumns + ` FROM download_tasks WHERE id = ?`

	task, err := scanTask(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return task, err
}

// CompleteTask marks a task as completed
func (s *Store) CompleteTask(taskID int64) error {
	query := `
		UPDATE download_tasks
		SET status = 'completed', worker_id = NULL, claimed_at = NULL,
			next_retry_at = NULL, updated_at = ?
		WHERE id = ?
	`
	return s.execOne(query, s.now().UnixNano(), taskID)
}

// FailTask persists a failed attempt as recorded by task.MarkFailed
func (s *Store) FailTask(task *domain.DownloadTask) error {
	var nextRetryAt sql.NullInt64
	if task.NextRetryAt != nil {
		nextRetryAt = sql.NullInt64{Int64: task.NextRetryAt.UnixNano(), Valid: true}
	}
	var lastError sql.NullString
	if task.LastError != "" {
		lastError = sql.NullString{String: task.LastError, Valid: true}
	}

	query := `
		UPDATE download_tasks
		SET status = ?, worker_id = NULL, claimed_at = NULL,
			retry_count = ?, next_retry_at = ?, last_error = ?,
			updated_at = ?
		WHERE id = ?
	`
	return s.execOne(query,
		task.Status, task.RetryCount, nextRetryAt, lastError, s.now().UnixNano(), task.ID)
}

// ReleaseTask puts a claimed task back to pending
func (s *Store) ReleaseTask(taskID int64) error {
	query := `
		UPDATE download_tasks
		SET status = 'pending', worker_id = NULL, claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = 'in_progress'
	`
	return s.execOne(query, s.now().UnixNano(), taskID)
}

// ReleaseStaleInProgressTasks resets tasks stuck in in_progress state
func (s *Store) ReleaseStaleInProgressTasks(staleDuration time.Duration) (int, error) {
	now := s.now()
	cutoff := now.Add(-staleDuration)

	query := `
		UPDATE download_tasks
		SET status = 'pending', worker_id = NULL, claimed_at = NULL,
			updated_at = ?
		WHERE status = 'in_progress' AND claimed_at < ?
	`

	result, err := s.db.Exec(query, now.UnixNano(), cutoff.UnixNano())
	if err != nil {
		return 0, err
	}

	count, err := result.RowsAffected()
	return int(count), err
}

// ReleaseInProgressTasks resets the in_progress tasks of titleIDs regardless
// of their claim age
func (s *Store) ReleaseInProgressTasks(titleIDs []string) (int, error) {
	filter, args := titleFilter(titleIDs)
	query := `
		UPDATE download_tasks
		SET status = 'pending', worker_id = NULL, claimed_at = NULL,
			updated_at = ?
		WHERE status = 'in_progress'` + filter

	result, err := s.db.Exec(query, append([]any{s.now().UnixNano()}, args...)...)
	if err != nil {
		return 0, err
	}

	count, err := result.RowsAffected()
	return int(count), err
}

// GetQueueStats returns queue statistics
func (s *Store) GetQueueStats(titleIDs []string) (*domain.QueueStats, error) {
	stats := &domain.QueueStats{}

	filter, args := titleFilter(titleIDs)
	query := `SELECT status, COUNT(*) FROM download_tasks WHERE 1 = 1` + filter + ` GROUP BY status`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int

		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}

		switch status {
		case domain.TaskStatusPending:
			stats.PendingCount = count
		case domain.TaskStatusInProgress:
			stats.InProgressCount = count
		case domain.TaskStatusFailed:
			stats.FailedCount = count
		case domain.TaskStatusCompleted:
			stats.CompletedCount = count
		}
	}

	return stats, rows.Err()
}

// CleanupOldTasks removes finished tasks older than the specified duration
func (s *Store) CleanupOldTasks(olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)

	result, err := s.db.Exec(
		"DELETE FROM download_tasks WHERE status IN ('failed', 'completed') AND updated_at < ?",
		cutoff.UnixNano())
	if err != nil {
		return 0, err
	}

	count, err := result.RowsAffected()
	return int(count), err
}

// ListTasks returns the most recent tasks, newest first
func (s *Store) ListTasks(limit int) ([]*domain.DownloadTask, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM download_tasks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.DownloadTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// execOne runs an update that must hit exactly one row
func (s *Store) execOne(query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask scans a single task row
func scanTask(row rowScanner) (*domain.DownloadTask, error) {
	task := &domain.DownloadTask{}
	var pkgJSON string
	var workerID, lastError sql.NullString
	var nextRetryAt, claimedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&task.ID, &task.TitleID, &task.Title, &task.PackageID, &pkgJSON,
		&task.Status, &workerID, &task.RetryCount, &task.MaxRetries,
		&nextRetryAt, &lastError, &createdAt, &claimedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(pkgJSON), &task.Package); err != nil {
		return nil, fmt.Errorf("failed to decode package of task %d: %w", task.ID, err)
	}

	if workerID.Valid {
		task.WorkerID = workerID.String
	}
	if lastError.Valid {
		task.LastError = lastError.String
	}
	if nextRetryAt.Valid {
		t := time.Unix(0, nextRetryAt.Int64)
		task.NextRetryAt = &t
	}
	if claimedAt.Valid {
		t := time.Unix(0, claimedAt.Int64)
		task.ClaimedAt = &t
	}
	task.CreatedAt = time.Unix(0, createdAt)
	task.UpdatedAt = time.Unix(0, updatedAt)

	return task, nil
}

// titleFilter returns an AND clause restricting title_id, and its arguments
func titleFilter(titleIDs []string) (string, []any) {
	if len(titleIDs) == 0 {
		return "", nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(titleIDs)), ", ")
	args := make([]any, len(titleIDs))
	for i, id := range titleIDs {
		args[i] = id
	}
	return " AND title_id IN (" + placeholders + ")", args
}

// isUniqueConstraintError checks if the error is a unique constraint violation
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
