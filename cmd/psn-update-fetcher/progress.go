package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
	"github.com/vertextoedge/psn-update-fetcher/internal/service/queue"
)

// progressObserver renders queue progress as a single bar over all queued
// bytes with one status line per finished package. In silent mode only
// final failures are printed.
type progressObserver struct {
	out    io.Writer
	silent bool
	bar    *progressbar.ProgressBar

	mu       sync.Mutex
	done     int64
	received map[int64]int64
}

var _ queue.Observer = (*progressObserver)(nil)

func newProgressObserver(out io.Writer, silent bool, totalBytes uint64) *progressObserver {
	o := &progressObserver{
		out:      out,
		silent:   silent,
		received: make(map[int64]int64),
	}
	if !silent {
		o.bar = progressbar.NewOptions64(max(int64(totalBytes), 1),
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}
	return o
}

func (o *progressObserver) TaskStarted(task *domain.DownloadTask) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received[task.ID] = 0
	o.describe(fmt.Sprintf("%s %s", task.TitleID, task.PackageID))
}

func (o *progressObserver) DownloadEvent(task *domain.DownloadTask, ev domain.DownloadStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Kind {
	case domain.DownloadProgress:
		o.received[task.ID] += int64(ev.Bytes)
		o.advance(int64(ev.Bytes))
	case domain.DownloadVerifying:
		o.describe(fmt.Sprintf("verifying %s %s", task.TitleID, task.PackageID))
	}
}

func (o *progressObserver) TaskFinished(task *domain.DownloadTask, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	received := o.received[task.ID]
	delete(o.received, task.ID)
	label := fmt.Sprintf("    %s - %s", task.PackageID, task.Title)

	switch {
	case err == nil:
		// An already verified file completes without any body bytes
		o.advance(int64(task.Package.Size) - received)
		if received == 0 {
			o.println(label + " | Already downloaded and verified, skipping...")
		} else {
			o.println(label + " | Download completed, checksum ok")
		}
	case task.Status == domain.TaskStatusPending:
		o.advance(-received)
		o.println(fmt.Sprintf("%s | %s Retrying (%d/%d)...", label, describeDownloadError(err), task.RetryCount, task.MaxRetries))
	default:
		o.advance(-received)
		if o.silent {
			fmt.Fprintf(o.out, "%s %s: %s\n", task.TitleID, task.PackageID, describeDownloadError(err))
			return
		}
		o.println(label + " | " + describeDownloadError(err))
	}
}

func (o *progressObserver) MergeEvent(update *domain.UpdateInfo, ev domain.MergeStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ev.Kind == domain.MergePartProgress {
		o.describe(fmt.Sprintf("merging %s part %d/%d", update.TitleID, ev.Part, len(update.Packages)))
	}
}

func (o *progressObserver) MergeFinished(update *domain.UpdateInfo, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err == nil {
		o.println(fmt.Sprintf("%s - All parts merged into a single package", titleLabel(update)))
		return
	}
	if o.silent {
		fmt.Fprintf(o.out, "%s: %s\n", update.TitleID, describeMergeError(err))
		return
	}
	o.println(fmt.Sprintf("%s - %s The parts were kept as downloaded.", titleLabel(update), describeMergeError(err)))
}

// Finish completes the bar so following output starts on a fresh line
func (o *progressObserver) Finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bar != nil {
		_ = o.bar.Finish()
		fmt.Fprintln(o.out)
	}
}

// advance moves the bar by delta bytes, which is negative when a retried
// attempt gives back what it had received
func (o *progressObserver) advance(delta int64) {
	o.done += delta
	if o.done < 0 {
		o.done = 0
	}
	if o.bar != nil {
		_ = o.bar.Set64(o.done)
	}
}

func (o *progressObserver) describe(desc string) {
	if o.bar != nil {
		o.bar.Describe(desc)
	}
}

// println writes a status line above the bar
func (o *progressObserver) println(line string) {
	if o.silent {
		return
	}
	_ = o.bar.Clear()
	fmt.Fprintln(o.out, line)
}
