package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
	"github.com/vertextoedge/psn-update-fetcher/internal/port"
	"github.com/vertextoedge/psn-update-fetcher/internal/util/ratelimiter"
	"go.uber.org/zap"
)

// DefaultFileName is used when the final URL has no usable last segment
const DefaultFileName = "update.pkg"

// chunkSize bounds a single body read, and so a single progress event
const chunkSize = 64 * 1024

// Downloader transfers one package into the download directory and
// verifies it. Re-running a download of an already verified file performs
// no body transfer.
type Downloader struct {
	source           port.PackageSource
	fs               port.FileSystem
	logger           *zap.Logger
	progressInterval time.Duration
}

// New creates a new Downloader
func New(source port.PackageSource, fs port.FileSystem, logger *zap.Logger, progressInterval time.Duration) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if progressInterval == 0 {
		progressInterval = 10 * time.Second
	}
	return &Downloader{
		source:           source,
		fs:               fs,
		logger:           logger,
		progressInterval: progressInterval,
	}
}

// Download fetches pkg into <root>/<titleID> - <title>/ and reports progress
// on the given channel, which may be nil. A failed download ends with a
// DownloadFailure event unless ctx was cancelled.
func (d *Downloader) Download(ctx context.Context, pkg domain.PackageInfo, titleID, title string, progress chan<- domain.DownloadStatus) error {
	err := d.download(ctx, pkg, titleID, title, progress)
	if err != nil && ctx.Err() == nil {
		_ = emit(ctx, progress, domain.DownloadStatus{Kind: domain.DownloadFailure})
	}
	return err
}

func (d *Downloader) download(ctx context.Context, pkg domain.PackageInfo, titleID, title string, progress chan<- domain.DownloadStatus) error {
	resp, err := d.source.OpenPackage(ctx, pkg.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fileName := fileNameOf(resp.FinalURL)

	logger := d.logger.With(
		zap.String("title_id", titleID),
		zap.String("package", pkg.ID()),
		zap.String("file", fileName))

	f, err := d.fs.OpenPackageFile(titleID, title, fileName)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrLocalIO, err)
	}
	defer f.Close()

	if err := emit(ctx, progress, domain.DownloadStatus{Kind: domain.DownloadVerifying}); err != nil {
		return err
	}

	ok, err := d.fs.VerifyFile(f, pkg.SHA1Sum, pkg.HashWholeFile)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrLocalIO, err)
	}
	if ok {
		logger.Info("package already downloaded and verified")
		return emit(ctx, progress, domain.DownloadStatus{Kind: domain.DownloadSuccess})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status %d for %s", domain.ErrTransport, resp.StatusCode, resp.FinalURL)
	}

	if err := d.ensureSpace(f, pkg.Size, logger); err != nil {
		return err
	}

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("%w: failed to truncate package file: %w", domain.ErrLocalIO, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: failed to seek package file: %w", domain.ErrLocalIO, err)
	}

	logger.Info("downloading package", zap.Uint64("size", pkg.Size))

	received, err := d.stream(ctx, resp.Body, f, pkg.Size, progress, logger)
	if err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync package file: %w", domain.ErrLocalIO, err)
	}

	if err := emit(ctx, progress, domain.DownloadStatus{Kind: domain.DownloadVerifying}); err != nil {
		return err
	}

	ok, err = d.fs.VerifyFile(f, pkg.SHA1Sum, pkg.HashWholeFile)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrLocalIO, err)
	}
	if !ok {
		logger.Warn("package failed verification",
			zap.Uint64("received", received),
			zap.Uint64("expected", pkg.Size))
		return &domain.HashMismatchError{
			Short:    received < pkg.Size,
			Expected: pkg.Size,
			Received: received,
		}
	}

	logger.Info("package downloaded", zap.Uint64("size", received))
	return emit(ctx, progress, domain.DownloadStatus{Kind: domain.DownloadSuccess})
}

// stream copies body into w chunk by chunk. The progress event for a chunk
// is sent before the chunk is written.
func (d *Downloader) stream(ctx context.Context, body io.Reader, w io.Writer, expected uint64, progress chan<- domain.DownloadStatus, logger *zap.Logger) (uint64, error) {
	buf := make([]byte, chunkSize)
	var received uint64
	logLimiter := ratelimiter.New(d.progressInterval)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := emit(ctx, progress, domain.DownloadStatus{Kind: domain.DownloadProgress, Bytes: uint64(n)}); err != nil {
				return received, err
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return received, fmt.Errorf("%w: failed to write package file: %w", domain.ErrLocalIO, err)
			}
			received += uint64(n)

			if ok, _ := logLimiter.Allow(); ok {
				logger.Debug("download progress",
					zap.Uint64("received", received),
					zap.Uint64("expected", expected))
			}
		}

		if errors.Is(readErr, io.EOF) {
			return received, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return received, ctx.Err()
			}
			return received, fmt.Errorf("%w: failed to read package body: %w", domain.ErrTransport, readErr)
		}
	}
}

// ensureSpace fails when the volume cannot hold size bytes once f is
// truncated. A volume that cannot be queried is not treated as full.
func (d *Downloader) ensureSpace(f *os.File, size uint64, logger *zap.Logger) error {
	free, err := d.fs.FreeSpace()
	if err != nil {
		logger.Warn("failed to query free disk space", zap.Error(err))
		return nil
	}

	available := free
	if st, err := f.Stat(); err == nil {
		available += uint64(st.Size())
	}

	if available < size {
		return fmt.Errorf("%w: %w: need %d bytes, %d available", domain.ErrLocalIO, domain.ErrInsufficientSpace, size, available)
	}
	return nil
}

// fileNameOf returns the last path segment of rawURL or DefaultFileName
func fileNameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return DefaultFileName
	}
	if name, ok := domain.FileNameFromURL(u); ok {
		return name
	}
	return DefaultFileName
}

// emit sends status unless progress is nil. It gives up when ctx is done so
// an abandoned consumer cannot block the transfer forever.
func emit(ctx context.Context, progress chan<- domain.DownloadStatus, status domain.DownloadStatus) error {
	if progress == nil {
		return nil
	}
	select {
	case progress <- status:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
