package downloader

import (
	"context"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
)

// Transfer is a download running on its own goroutine
type Transfer struct {
	events chan domain.DownloadStatus
	done   chan struct{}
	err    error
}

// Start runs Download in the background. The caller must drain Events until
// it is closed, or cancel ctx.
func (d *Downloader) Start(ctx context.Context, pkg domain.PackageInfo, titleID, title string) *Transfer {
	t := &Transfer{
		events: make(chan domain.DownloadStatus, domain.ProgressQueueSize),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer close(t.events)
		t.err = d.Download(ctx, pkg, titleID, title, t.events)
	}()

	return t
}

// Events returns the progress channel. It is closed when the download ends.
func (t *Transfer) Events() <-chan domain.DownloadStatus {
	return t.events
}

// Wait blocks until the download ends and returns its result
func (t *Transfer) Wait() error {
	<-t.done
	return t.err
}
