package queue

import "github.com/vertextoedge/psn-update-fetcher/internal/domain"

// Observer receives progress of queued work. Methods are called from
// worker goroutines and must be safe for concurrent use.
type Observer interface {
	TaskStarted(task *domain.DownloadTask)
	DownloadEvent(task *domain.DownloadTask, ev domain.DownloadStatus)
	// TaskFinished is called after every attempt. err is nil on success;
	// a failed task with Status pending will be retried.
	TaskFinished(task *domain.DownloadTask, err error)
	MergeEvent(update *domain.UpdateInfo, ev domain.MergeStatus)
	// MergeFinished is called once per merged update, after its last
	// MergeEvent, with the merge error or nil.
	MergeFinished(update *domain.UpdateInfo, err error)
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) TaskStarted(*domain.DownloadTask)                          {}
func (NopObserver) DownloadEvent(*domain.DownloadTask, domain.DownloadStatus) {}
func (NopObserver) TaskFinished(*domain.DownloadTask, error)                  {}
func (NopObserver) MergeEvent(*domain.UpdateInfo, domain.MergeStatus)         {}
func (NopObserver) MergeFinished(*domain.UpdateInfo, error)                   {}
