package merger

import (
	"context"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
)

// Job is a merge running on its own goroutine
type Job struct {
	events chan domain.MergeStatus
	done   chan struct{}
	err    error
}

// Start runs Merge in the background. The caller must drain Events until it
// is closed, or cancel ctx.
func (m *Merger) Start(ctx context.Context, update *domain.UpdateInfo) *Job {
	j := &Job{
		events: make(chan domain.MergeStatus, domain.ProgressQueueSize),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(j.done)
		defer close(j.events)
		j.err = m.Merge(ctx, update, j.events)
	}()

	return j
}

// Events returns the progress channel. It is closed when the merge ends.
func (j *Job) Events() <-chan domain.MergeStatus {
	return j.events
}

// Wait blocks until the merge ends and returns its result
func (j *Job) Wait() error {
	<-j.done
	return j.err
}
