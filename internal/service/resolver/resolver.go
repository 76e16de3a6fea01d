package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vertextoedge/psn-update-fetcher/internal/adapter/psn"
	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
	"github.com/vertextoedge/psn-update-fetcher/internal/domain/vo"
	"github.com/vertextoedge/psn-update-fetcher/internal/port"
	"go.uber.org/zap"
)

// noSuchKey is the vendor code returned for ids the CDN does not know
const noSuchKey = "NoSuchKey"

// notFoundBody is the plain text body returned instead of XML for unknown ids
const notFoundBody = "Not found"

// Resolver turns a user supplied serial into a complete update set
type Resolver struct {
	source    port.ManifestSource
	endpoints psn.Endpoints
	logger    *zap.Logger
}

// New creates a new Resolver
func New(source port.ManifestSource, endpoints psn.Endpoints, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		source:    source,
		endpoints: endpoints,
		logger:    logger,
	}
}

// Resolve fetches and parses the manifest for serial. On success the
// returned update has a title id and at least one package; PS4 packages are
// already expanded into their pieces.
func (r *Resolver) Resolve(ctx context.Context, serial string) (*domain.UpdateInfo, error) {
	id, err := vo.ParseTitleID(serial)
	if err != nil {
		return nil, err
	}

	manifestURL, err := r.endpoints.ManifestURL(id)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("resolving updates",
		zap.String("title_id", id.String()),
		zap.Stringer("variant", id.Variant()),
		zap.String("url", manifestURL))

	body, err := r.source.FetchManifest(ctx, manifestURL)
	if err != nil {
		return nil, err
	}

	if body == "" {
		return nil, domain.ErrNoUpdatesAvailable
	}
	if strings.Contains(body, notFoundBody) {
		return nil, domain.ErrInvalidSerial
	}

	info, err := psn.ParseManifest(strings.NewReader(body), r.logger)
	if err != nil {
		if code, ok := domain.IsVendorErrorCode(err); ok {
			if code == noSuchKey {
				return nil, domain.ErrInvalidSerial
			}
			return nil, &domain.UnhandledErrorResponseError{Code: code}
		}
		return nil, err
	}

	if info.TitleID == "" || len(info.Packages) == 0 {
		return nil, domain.ErrNoUpdatesAvailable
	}

	for i, title := range info.Titles {
		info.Titles[i] = strings.ReplaceAll(title, "\n", " ")
	}
	info.PlatformVariant = id.Variant()

	if info.PlatformVariant == domain.VariantPS4 {
		if err := r.expandPieces(ctx, info); err != nil {
			return nil, err
		}
	}

	r.logger.Info("updates resolved",
		zap.String("title_id", info.TitleID),
		zap.String("title", info.Title()),
		zap.String("tag", info.TagName),
		zap.Int("packages", len(info.Packages)))

	return info, nil
}

// expandPieces replaces the top-level packages of a PS4 update with the
// pieces listed in each package's piece manifest
func (r *Resolver) expandPieces(ctx context.Context, info *domain.UpdateInfo) error {
	parents := info.Packages
	info.Packages = nil

	for _, parent := range parents {
		if parent.ManifestURL == "" {
			r.logger.Warn("package without piece manifest, keeping it as is",
				zap.String("title_id", info.TitleID),
				zap.String("version", parent.Version))
			info.Packages = append(info.Packages, parent)
			continue
		}

		body, err := r.source.FetchManifest(ctx, parent.ManifestURL)
		if err != nil {
			return err
		}

		pieces, err := psn.ParsePieceManifest([]byte(body), parent)
		switch {
		case errors.Is(err, domain.ErrNoPartsFound):
			return fmt.Errorf("%w: %w", domain.ErrNoUpdatesAvailable, err)
		case err != nil:
			return fmt.Errorf("%w: %w", domain.ErrManifestParsing, err)
		}

		r.logger.Debug("piece manifest expanded",
			zap.String("title_id", info.TitleID),
			zap.String("version", parent.Version),
			zap.Int("pieces", len(pieces)))

		info.Packages = append(info.Packages, pieces...)
	}

	return nil
}
