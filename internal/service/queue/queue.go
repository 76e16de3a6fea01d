package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
	"github.com/vertextoedge/psn-update-fetcher/internal/port"
	"go.uber.org/zap"
)

// Config contains queue configuration
type Config struct {
	ConcurrentDownloads int
	MaxRetries          int
	RetryBackoff        time.Duration
	PollInterval        time.Duration
}

// DefaultConfig returns default queue configuration
func DefaultConfig() *Config {
	return &Config{
		ConcurrentDownloads: 3,
		MaxRetries:          3,
		RetryBackoff:        30 * time.Second,
		PollInterval:        500 * time.Millisecond,
	}
}

// PackageDownloader downloads one package, see downloader.Downloader
type PackageDownloader interface {
	Download(ctx context.Context, pkg domain.PackageInfo, titleID, title string, progress chan<- domain.DownloadStatus) error
}

// PackageMerger merges the parts of an update, see merger.Merger
type PackageMerger interface {
	Merge(ctx context.Context, update *domain.UpdateInfo, progress chan<- domain.MergeStatus) error
}

// Summary is the outcome of a Run
type Summary struct {
	Completed int
	Failed    int
	Merged    int
	MergeErrs int
}

// run tracks the packages of one title queued by this process
type run struct {
	update    *domain.UpdateInfo
	remaining map[string]bool
	wholeSet  bool
	failed    bool
	merged    bool
}

// Queue downloads enqueued packages with a pool of workers and merges split
// updates once all their parts are on disk
type Queue struct {
	config     *Config
	tasks      port.DownloadTaskRepository
	downloader PackageDownloader
	merger     PackageMerger
	logger     *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a new Queue
func New(
	cfg *Config,
	tasks port.DownloadTaskRepository,
	downloader PackageDownloader,
	merger PackageMerger,
	logger *zap.Logger,
) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ConcurrentDownloads <= 0 {
		cfg.ConcurrentDownloads = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		config:     cfg,
		tasks:      tasks,
		downloader: downloader,
		merger:     merger,
		logger:     logger,
		runs:       make(map[string]*run),
	}
}

// Enqueue creates download tasks for the selected packages of update.
// An empty selection means every package. Packages that already have an
// active task are not queued twice. Returns the number of new tasks.
func (q *Queue) Enqueue(update *domain.UpdateInfo, selection []int) (int, error) {
	packages := update.Packages
	if len(selection) > 0 {
		packages = make([]domain.PackageInfo, 0, len(selection))
		for _, idx := range selection {
			if idx < 0 || idx >= len(update.Packages) {
				return 0, fmt.Errorf("package index %d out of range for %s", idx, update.TitleID)
			}
			packages = append(packages, update.Packages[idx])
		}
	}

	q.mu.Lock()
	r, ok := q.runs[update.TitleID]
	if !ok {
		r = &run{update: update, remaining: make(map[string]bool)}
		q.runs[update.TitleID] = r
	}
	q.mu.Unlock()

	created := 0
	for _, pkg := range packages {
		task := domain.NewDownloadTask(update, pkg, q.config.MaxRetries)

		err := q.tasks.CreateTask(task)
		switch {
		case errors.Is(err, domain.ErrAlreadyExists):
			q.logger.Info("package already queued",
				zap.String("title_id", update.TitleID),
				zap.String("package", task.PackageID))
		case err != nil:
			return created, fmt.Errorf("failed to queue %s: %w", task.PackageID, err)
		default:
			created++
		}

		q.mu.Lock()
		r.remaining[task.PackageID] = true
		q.mu.Unlock()
	}

	q.mu.Lock()
	r.wholeSet = len(r.remaining) == len(update.Packages)
	q.mu.Unlock()

	q.logger.Debug("packages queued",
		zap.String("title_id", update.TitleID),
		zap.Int("selected", len(packages)),
		zap.Int("created", created))

	return created, nil
}

// Run processes queued tasks of the enqueued titles until none is pending or
// in progress, or ctx is cancelled
func (q *Queue) Run(ctx context.Context, observer Observer) (*Summary, error) {
	if observer == nil {
		observer = NopObserver{}
	}

	q.mu.Lock()
	titleIDs := make([]string, 0, len(q.runs))
	for id := range q.runs {
		titleIDs = append(titleIDs, id)
	}
	q.mu.Unlock()

	if len(titleIDs) == 0 {
		return &Summary{}, nil
	}

	// Claims left by a process that died mid-download would never be
	// claimed again and keep the run waiting.
	released, err := q.tasks.ReleaseInProgressTasks(titleIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to release interrupted tasks: %w", err)
	}
	if released > 0 {
		q.logger.Info("released interrupted tasks", zap.Int("count", released))
	}

	q.logger.Info("download queue started",
		zap.Int("workers", q.config.ConcurrentDownloads),
		zap.Int("titles", len(titleIDs)))

	var (
		wg      sync.WaitGroup
		summary Summary
		sumMu   sync.Mutex
	)

	for i := 0; i < q.config.ConcurrentDownloads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := q.worker(ctx, uuid.NewString(), titleIDs, observer)
			sumMu.Lock()
			summary.Completed += s.Completed
			summary.Failed += s.Failed
			summary.Merged += s.Merged
			summary.MergeErrs += s.MergeErrs
			sumMu.Unlock()
		}()
	}
	wg.Wait()

	q.logger.Info("download queue finished",
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("merged", summary.Merged))

	return &summary, ctx.Err()
}

// worker claims and processes tasks until the run is drained
func (q *Queue) worker(ctx context.Context, workerID string, titleIDs []string, observer Observer) Summary {
	var s Summary
	logger := q.logger.With(zap.String("worker", workerID))
	logger.Debug("queue worker started")

	for {
		if ctx.Err() != nil {
			return s
		}

		task, err := q.tasks.ClaimNextTask(workerID, titleIDs)
		if err != nil {
			logger.Error("failed to claim task", zap.Error(err))
			if !sleep(ctx, 5*q.config.PollInterval) {
				return s
			}
			continue
		}

		if task == nil {
			stats, err := q.tasks.GetQueueStats(titleIDs)
			if err != nil {
				logger.Error("failed to get queue stats", zap.Error(err))
			} else if stats.Active() == 0 {
				logger.Debug("queue worker done")
				return s
			}
			// Waiting on a retry backoff or another worker
			if !sleep(ctx, q.config.PollInterval) {
				return s
			}
			continue
		}

		logger.Info("claimed download task",
			zap.Int64("task_id", task.ID),
			zap.String("title_id", task.TitleID),
			zap.String("package", task.PackageID),
			zap.Int("retry_count", task.RetryCount))

		if err := q.processTask(ctx, task, observer); err != nil {
			if ctx.Err() != nil {
				if relErr := q.tasks.ReleaseTask(task.ID); relErr != nil {
					logger.Warn("failed to release interrupted task", zap.Int64("task_id", task.ID), zap.Error(relErr))
				}
				return s
			}

			task.MarkFailed(err.Error(), domain.IsRetryable(err), q.config.RetryBackoff)
			if ferr := q.tasks.FailTask(task); ferr != nil {
				logger.Error("failed to mark task as failed", zap.Int64("task_id", task.ID), zap.Error(ferr))
			}

			logger.Warn("download task failed",
				zap.Int64("task_id", task.ID),
				zap.String("status", task.Status),
				zap.Int("retry_count", task.RetryCount),
				zap.Error(err))

			if task.Status == domain.TaskStatusFailed {
				s.Failed++
				q.markFailed(task.TitleID)
			}
			observer.TaskFinished(task, err)
			continue
		}

		if err := q.tasks.CompleteTask(task.ID); err != nil {
			logger.Error("failed to complete task", zap.Int64("task_id", task.ID), zap.Error(err))
		}
		task.Status = domain.TaskStatusCompleted
		s.Completed++
		observer.TaskFinished(task, nil)

		if update := q.markDone(task); update != nil {
			if err := q.merge(ctx, update, observer); err != nil {
				logger.Error("failed to merge update", zap.String("title_id", update.TitleID), zap.Error(err))
				s.MergeErrs++
			} else {
				s.Merged++
			}
		}
	}
}

// processTask runs one download and forwards its progress to observer
func (q *Queue) processTask(ctx context.Context, task *domain.DownloadTask, observer Observer) error {
	observer.TaskStarted(task)

	progress := make(chan domain.DownloadStatus, domain.ProgressQueueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range progress {
			observer.DownloadEvent(task, ev)
		}
	}()

	err := q.downloader.Download(ctx, task.Package, task.TitleID, task.Title, progress)
	close(progress)
	<-done
	return err
}

func (q *Queue) merge(ctx context.Context, update *domain.UpdateInfo, observer Observer) error {
	progress := make(chan domain.MergeStatus, domain.ProgressQueueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range progress {
			observer.MergeEvent(update, ev)
		}
	}()

	err := q.merger.Merge(ctx, update, progress)
	close(progress)
	<-done
	observer.MergeFinished(update, err)
	return err
}

// markDone records a completed package. It returns the update once its
// last part is done and the whole split set is eligible for merging.
func (q *Queue) markDone(task *domain.DownloadTask) *domain.UpdateInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.runs[task.TitleID]
	if !ok {
		return nil
	}
	delete(r.remaining, task.PackageID)

	if len(r.remaining) > 0 || r.failed || r.merged || !r.wholeSet || !r.update.Mergeable() || q.merger == nil {
		return nil
	}
	r.merged = true
	return r.update
}

func (q *Queue) markFailed(titleID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.runs[titleID]; ok {
		r.failed = true
	}
}

// sleep waits for d or until ctx is done. Returns false if ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
