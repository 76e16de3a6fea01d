package merger

import (
	"cmp"
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
	"github.com/vertextoedge/psn-update-fetcher/internal/port"
	"go.uber.org/zap"
)

// Merger reassembles the downloaded parts of a split package
type Merger struct {
	fs     port.FileSystem
	logger *zap.Logger
}

// New creates a new Merger
func New(fs port.FileSystem, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		fs:     fs,
		logger: logger,
	}
}

// part is a validated merge step
type part struct {
	number int
	offset uint64
	src    string
}

// target is one merged file and the parts it is built from, in ascending
// part number
type target struct {
	name  string
	parts []part
}

// Merge writes the parts of update into merged files next to the parts.
// Parts named <base>_<n>.pkg go into <base>.pkg in ascending part number,
// each at its declared offset. An update split under several parents yields
// one merged file per parent. A failed merge leaves the partial output on
// disk.
func (m *Merger) Merge(ctx context.Context, update *domain.UpdateInfo, progress chan<- domain.MergeStatus) error {
	err := m.merge(ctx, update, progress)
	if err != nil && ctx.Err() == nil {
		_ = emit(ctx, progress, domain.MergeStatus{Kind: domain.MergeFailure})
	}
	return err
}

func (m *Merger) merge(ctx context.Context, update *domain.UpdateInfo, progress chan<- domain.MergeStatus) error {
	if !update.Mergeable() {
		return domain.ErrPackagesUnmergable
	}

	// Every name is checked before the first byte is written.
	targets, err := plan(update.Packages)
	if err != nil {
		return err
	}

	dir := m.fs.PackageDir(update.TitleID, update.Title())

	for _, t := range targets {
		dst := filepath.Join(dir, t.name)

		logger := m.logger.With(
			zap.String("title_id", update.TitleID),
			zap.String("merged", dst),
			zap.Int("parts", len(t.parts)))
		logger.Info("merging package parts")

		for i, p := range t.parts {
			if err := ctx.Err(); err != nil {
				return err
			}

			written, err := m.fs.CopyPart(filepath.Join(dir, p.src), dst, p.offset, i > 0)
			if err != nil {
				logger.Error("failed to merge part", zap.Int("part", p.number), zap.Error(err))
				return fmt.Errorf("%w: %s part %d: %w", domain.ErrFileMergeFailure, t.name, p.number, err)
			}

			logger.Debug("part merged",
				zap.Int("part", p.number),
				zap.Uint64("offset", p.offset),
				zap.Int64("bytes", written))

			if err := emit(ctx, progress, domain.MergeStatus{Kind: domain.MergePartProgress, Part: p.number}); err != nil {
				return err
			}
		}

		logger.Info("package parts merged")
	}

	return emit(ctx, progress, domain.MergeStatus{Kind: domain.MergeSuccess})
}

// plan groups the parts by the file they merge into. Part n must be named
// <base>_<n-1>.pkg and merges into <base>.pkg; each merged file needs
// parts 1..k exactly once. Targets keep the order in which their first part
// is listed, parts within a target are sorted by part number.
func plan(packages []domain.PackageInfo) ([]target, error) {
	var targets []target
	index := make(map[string]int)

	for _, pkg := range packages {
		number := *pkg.PartNumber

		name, ok := pkg.FileName()
		if !ok {
			return nil, &domain.FilepathMismatchError{
				Reason: fmt.Sprintf("part %d url has no file name", number),
			}
		}

		suffix := fmt.Sprintf("_%d.pkg", number-1)
		if !strings.HasSuffix(name, suffix) {
			return nil, &domain.FilepathMismatchError{
				FileName: name,
				Reason:   fmt.Sprintf("expected suffix %s for part %d", suffix, number),
			}
		}

		merged := strings.TrimSuffix(name, suffix) + ".pkg"
		i, ok := index[merged]
		if !ok {
			i = len(targets)
			index[merged] = i
			targets = append(targets, target{name: merged})
		}

		for _, seen := range targets[i].parts {
			if seen.number == number {
				return nil, &domain.FilepathMismatchError{
					FileName: name,
					Reason:   fmt.Sprintf("part %d of %s listed twice", number, merged),
				}
			}
		}

		targets[i].parts = append(targets[i].parts, part{number: number, offset: pkg.Offset, src: name})
	}

	for _, t := range targets {
		slices.SortFunc(t.parts, func(a, b part) int {
			return cmp.Compare(a.number, b.number)
		})
		// Only the first part is written without seeking
		for i, p := range t.parts {
			if p.number != i+1 {
				return nil, &domain.FilepathMismatchError{
					FileName: p.src,
					Reason:   fmt.Sprintf("%s is missing part %d", t.name, i+1),
				}
			}
		}
	}

	return targets, nil
}

func emit(ctx context.Context, progress chan<- domain.MergeStatus, status domain.MergeStatus) error {
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
