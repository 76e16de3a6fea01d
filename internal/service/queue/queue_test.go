package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/vertextoedge/psn-update-fetcher/internal/adapter/sqlite"
	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
	"github.com/vertextoedge/psn-update-fetcher/internal/port"
	"go.uber.org/zap"
)

// mockTaskRepository is an in-memory port.DownloadTaskRepository
type mockTaskRepository struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*domain.DownloadTask
}

func newMockTaskRepository() *mockTaskRepository {
	return &mockTaskRepository{tasks: make(map[int64]*domain.DownloadTask)}
}

func (m *mockTaskRepository) CreateTask(task *domain.DownloadTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.TitleID == task.TitleID && t.PackageID == task.PackageID && t.IsActive() {
			return domain.ErrAlreadyExists
		}
	}
	m.nextID++
	task.ID = m.nextID
	task.Status = domain.TaskStatusPending
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *mockTaskRepository) ClaimNextTask(workerID string, titleIDs []string) (*domain.DownloadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		t := m.tasks[id]
		if t.Status != domain.TaskStatusPending || !contains(titleIDs, t.TitleID) {
			continue
		}
		if t.NextRetryAt != nil && t.NextRetryAt.After(time.Now()) {
			continue
		}
		t.Claim(workerID)
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (m *mockTaskRepository) GetTask(id int64) (*domain.DownloadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTaskRepository) CompleteTask(taskID int64) error {
	return m.setStatus(taskID, domain.TaskStatusCompleted)
}

func (m *mockTaskRepository) FailTask(task *domain.DownloadTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *mockTaskRepository) ReleaseTask(taskID int64) error {
	return m.setStatus(taskID, domain.TaskStatusPending)
}

func (m *mockTaskRepository) ReleaseStaleInProgressTasks(time.Duration) (int, error) {
	return 0, nil
}

func (m *mockTaskRepository) ReleaseInProgressTasks(titleIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == domain.TaskStatusInProgress && contains(titleIDs, t.TitleID) {
			t.Status = domain.TaskStatusPending
			t.WorkerID = ""
			t.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *mockTaskRepository) GetQueueStats(titleIDs []string) (*domain.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &domain.QueueStats{}
	for _, t := range m.tasks {
		if !contains(titleIDs, t.TitleID) {
			continue
		}
		switch t.Status {
		case domain.TaskStatusPending:
			stats.PendingCount++
		case domain.TaskStatusInProgress:
			stats.InProgressCount++
		case domain.TaskStatusFailed:
			stats.FailedCount++
		case domain.TaskStatusCompleted:
			stats.CompletedCount++
		}
	}
	return stats, nil
}

func (m *mockTaskRepository) CleanupOldTasks(time.Duration) (int, error) {
	return 0, nil
}

func (m *mockTaskRepository) ListTasks(int) ([]*domain.DownloadTask, error) {
	return nil, nil
}

func (m *mockTaskRepository) setStatus(id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = status
	t.WorkerID = ""
	t.ClaimedAt = nil
	return nil
}

func (m *mockTaskRepository) statusOf(packageID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.PackageID == packageID {
			return t.Status
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// mockDownloader returns scripted errors per package id, one per attempt
type mockDownloader struct {
	mu     sync.Mutex
	errs   map[string][]error
	calls  map[string]int
	block  bool
	events []domain.DownloadStatus
}

func (m *mockDownloader) Download(ctx context.Context, pkg domain.PackageInfo, titleID, title string, progress chan<- domain.DownloadStatus) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}

	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	attempt := m.calls[pkg.ID()]
	m.calls[pkg.ID()]++
	var err error
	if scripted := m.errs[pkg.ID()]; attempt < len(scripted) {
		err = scripted[attempt]
	}
	m.mu.Unlock()

	progress <- domain.DownloadStatus{Kind: domain.DownloadVerifying}
	if err != nil {
		progress <- domain.DownloadStatus{Kind: domain.DownloadFailure}
		return err
	}
	progress <- domain.DownloadStatus{Kind: domain.DownloadProgress, Bytes: pkg.Size}
	progress <- domain.DownloadStatus{Kind: domain.DownloadSuccess}
	return nil
}

func (m *mockDownloader) callCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

// mockMerger records merged updates
type mockMerger struct {
	mu     sync.Mutex
	merged []string
	err    error
}

func (m *mockMerger) Merge(ctx context.Context, update *domain.UpdateInfo, progress chan<- domain.MergeStatus) error {
	m.mu.Lock()
	m.merged = append(m.merged, update.TitleID)
	m.mu.Unlock()
	if m.err != nil {
		progress <- domain.MergeStatus{Kind: domain.MergeFailure}
		return m.err
	}
	for _, pkg := range update.Packages {
		progress <- domain.MergeStatus{Kind: domain.MergePartProgress, Part: *pkg.PartNumber}
	}
	progress <- domain.MergeStatus{Kind: domain.MergeSuccess}
	return nil
}

// recordingObserver counts events
type recordingObserver struct {
	mu          sync.Mutex
	started     int
	bytes       uint64
	finished    []error
	mergeEvents []domain.MergeStatus
	mergeErrs   []error
}

func (o *recordingObserver) TaskStarted(*domain.DownloadTask) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) DownloadEvent(_ *domain.DownloadTask, ev domain.DownloadStatus) {
	o.mu.Lock()
	if ev.Kind == domain.DownloadProgress {
		o.bytes += ev.Bytes
	}
	o.mu.Unlock()
}

func (o *recordingObserver) TaskFinished(_ *domain.DownloadTask, err error) {
	o.mu.Lock()
	o.finished = append(o.finished, err)
	o.mu.Unlock()
}

func (o *recordingObserver) MergeEvent(_ *domain.UpdateInfo, ev domain.MergeStatus) {
	o.mu.Lock()
	o.mergeEvents = append(o.mergeEvents, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) MergeFinished(_ *domain.UpdateInfo, err error) {
	o.mu.Lock()
	o.mergeErrs = append(o.mergeErrs, err)
	o.mu.Unlock()
}

func splitUpdate(titleID string, parts int) *domain.UpdateInfo {
	update := &domain.UpdateInfo{TitleID: titleID, Titles: []string{"Split"}, PlatformVariant: domain.VariantPS4}
	for i := 1; i <= parts; i++ {
		update.Packages = append(update.Packages, domain.PackageInfo{
			URL:           "http://h/p.pkg",
			Size:          10,
			Version:       "01.00",
			HashWholeFile: true,
			PartNumber:    domain.PartNumberOf(i),
		})
	}
	return update
}

func testConfig() *Config {
	return &Config{
		ConcurrentDownloads: 2,
		MaxRetries:          3,
		RetryBackoff:        time.Millisecond,
		PollInterval:        time.Millisecond,
	}
}

func TestQueue_DownloadsAndMerges(t *testing.T) {
	repo := newMockTaskRepository()
	dl := &mockDownloader{}
	mg := &mockMerger{}
	obs := &recordingObserver{}
	q := New(testConfig(), repo, dl, mg, zap.NewNop())

	created, err := q.Enqueue(splitUpdate("CUSA00001", 3), nil)
	if err != nil || created != 3 {
		t.Fatalf("Enqueue() = %d, %v, want 3", created, err)
	}

	summary, err := q.Run(context.Background(), obs)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Completed != 3 || summary.Failed != 0 || summary.Merged != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(mg.merged) != 1 || mg.merged[0] != "CUSA00001" {
		t.Errorf("merged = %v", mg.merged)
	}
	if obs.started != 3 || obs.bytes != 30 || len(obs.finished) != 3 {
		t.Errorf("observer = started %d, bytes %d, finished %d", obs.started, obs.bytes, len(obs.finished))
	}
	if n := len(obs.mergeEvents); n != 4 || obs.mergeEvents[n-1].Kind != domain.MergeSuccess {
		t.Errorf("merge events = %v", obs.mergeEvents)
	}
	if len(obs.mergeErrs) != 1 || obs.mergeErrs[0] != nil {
		t.Errorf("merge results = %v, want one success", obs.mergeErrs)
	}
}

func TestQueue_EnqueueDedupes(t *testing.T) {
	repo := newMockTaskRepository()
	dl := &mockDownloader{}
	q := New(testConfig(), repo, dl, &mockMerger{}, zap.NewNop())

	update := &domain.UpdateInfo{
		TitleID:  "NPUB30826",
		Packages: []domain.PackageInfo{{Version: "01.01"}, {Version: "01.02"}},
	}

	if n, err := q.Enqueue(update, nil); err != nil || n != 2 {
		t.Fatalf("first Enqueue() = %d, %v", n, err)
	}
	if n, err := q.Enqueue(update, []int{1}); err != nil || n != 0 {
		t.Fatalf("second Enqueue() = %d, %v, want 0", n, err)
	}

	if _, err := q.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"01.01", "01.02"} {
		if got := dl.callCount(id); got != 1 {
			t.Errorf("downloads of %s = %d, want 1", id, got)
		}
	}
}

func TestQueue_EnqueueRejectsBadIndex(t *testing.T) {
	q := New(testConfig(), newMockTaskRepository(), &mockDownloader{}, nil, zap.NewNop())

	if _, err := q.Enqueue(splitUpdate("CUSA00001", 2), []int{2}); err == nil {
		t.Error("Enqueue() with out of range index succeeded")
	}
}

func TestQueue_RetriesShortTransfer(t *testing.T) {
	repo := newMockTaskRepository()
	short := &domain.HashMismatchError{Short: true, Expected: 10, Received: 4}
	dl := &mockDownloader{errs: map[string][]error{"01.00 - Part 1": {short, short}}}
	mg := &mockMerger{}
	obs := &recordingObserver{}
	q := New(testConfig(), repo, dl, mg, zap.NewNop())

	if _, err := q.Enqueue(splitUpdate("CUSA00001", 2), nil); err != nil {
		t.Fatal(err)
	}

	summary, err := q.Run(context.Background(), obs)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := dl.callCount("01.00 - Part 1"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if summary.Completed != 2 || summary.Failed != 0 || summary.Merged != 1 {
		t.Errorf("summary = %+v", summary)
	}

	failures := 0
	for _, err := range obs.finished {
		if domain.IsShortTransfer(err) {
			failures++
		}
	}
	if failures != 2 {
		t.Errorf("reported short transfers = %d, want 2", failures)
	}
}

func TestQueue_PermanentFailureSkipsMerge(t *testing.T) {
	tests := []struct {
		name string
		errs []error
	}{
		{name: "not retryable", errs: []error{domain.ErrLocalIO}},
		{name: "retries exhausted", errs: []error{domain.ErrTransport, domain.ErrTransport, domain.ErrTransport}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockTaskRepository()
			dl := &mockDownloader{errs: map[string][]error{"01.00 - Part 2": tt.errs}}
			mg := &mockMerger{}
			q := New(testConfig(), repo, dl, mg, zap.NewNop())

			if _, err := q.Enqueue(splitUpdate("CUSA00001", 2), nil); err != nil {
				t.Fatal(err)
			}

			summary, err := q.Run(context.Background(), nil)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if summary.Failed != 1 || summary.Completed != 1 || summary.Merged != 0 {
				t.Errorf("summary = %+v", summary)
			}
			if len(mg.merged) != 0 {
				t.Errorf("merged = %v, want none", mg.merged)
			}
			if got := repo.statusOf("01.00 - Part 2"); got != domain.TaskStatusFailed {
				t.Errorf("status = %q, want failed", got)
			}
			if got := dl.callCount("01.00 - Part 2"); got != len(tt.errs) {
				t.Errorf("attempts = %d, want %d", got, len(tt.errs))
			}
		})
	}
}

func TestQueue_PartialSelectionSkipsMerge(t *testing.T) {
	mg := &mockMerger{}
	q := New(testConfig(), newMockTaskRepository(), &mockDownloader{}, mg, zap.NewNop())

	if _, err := q.Enqueue(splitUpdate("CUSA00001", 2), []int{0}); err != nil {
		t.Fatal(err)
	}

	summary, err := q.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Completed != 1 || len(mg.merged) != 0 {
		t.Errorf("summary = %+v, merged = %v", summary, mg.merged)
	}
}

func TestQueue_MergeErrorCounted(t *testing.T) {
	mg := &mockMerger{err: domain.ErrFileMergeFailure}
	obs := &recordingObserver{}
	q := New(testConfig(), newMockTaskRepository(), &mockDownloader{}, mg, zap.NewNop())

	if _, err := q.Enqueue(splitUpdate("CUSA00001", 2), nil); err != nil {
		t.Fatal(err)
	}

	summary, err := q.Run(context.Background(), obs)
	if err != nil {
		t.Fatal(err)
	}
	if summary.MergeErrs != 1 || summary.Merged != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(obs.mergeErrs) != 1 || !errors.Is(obs.mergeErrs[0], domain.ErrFileMergeFailure) {
		t.Errorf("merge results = %v, want ErrFileMergeFailure", obs.mergeErrs)
	}
}

func TestQueue_CancelReleasesTask(t *testing.T) {
	repo := newMockTaskRepository()
	q := New(&Config{ConcurrentDownloads: 1, PollInterval: time.Millisecond}, repo, &mockDownloader{block: true}, nil, zap.NewNop())

	update := &domain.UpdateInfo{TitleID: "NPUB30826", Packages: []domain.PackageInfo{{Version: "01.01"}}}
	if _, err := q.Enqueue(update, nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := q.Run(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if got := repo.statusOf("01.01"); got != domain.TaskStatusPending {
		t.Errorf("status = %q, want pending", got)
	}
}

func TestQueue_ResumesTaskClaimedByDeadProcess(t *testing.T) {
	update := &domain.UpdateInfo{TitleID: "NPUB30826", Packages: []domain.PackageInfo{{Version: "01.01"}}}

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	repos := map[string]port.DownloadTaskRepository{
		"memory": newMockTaskRepository(),
		"sqlite": store,
	}

	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			// A previous run claimed the package and never finished it.
			if err := repo.CreateTask(domain.NewDownloadTask(update, update.Packages[0], 3)); err != nil {
				t.Fatal(err)
			}
			if _, err := repo.ClaimNextTask("dead-worker", []string{update.TitleID}); err != nil {
				t.Fatal(err)
			}

			dl := &mockDownloader{}
			q := New(testConfig(), repo, dl, nil, zap.NewNop())

			if n, err := q.Enqueue(update, nil); err != nil || n != 0 {
				t.Fatalf("Enqueue() = %d, %v, want 0", n, err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			summary, err := q.Run(ctx, nil)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if summary.Completed != 1 || dl.callCount("01.01") != 1 {
				t.Errorf("summary = %+v, downloads = %d", summary, dl.callCount("01.01"))
			}
		})
	}
}

func TestQueue_RunWithoutEnqueue(t *testing.T) {
	q := New(nil, newMockTaskRepository(), &mockDownloader{}, nil, nil)

	summary, err := q.Run(context.Background(), nil)
	if err != nil || summary.Completed != 0 {
		t.Errorf("Run() = %+v, %v", summary, err)
	}
}
