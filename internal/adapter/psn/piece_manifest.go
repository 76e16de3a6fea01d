package psn

import (
	"encoding/json"
	"fmt"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
)

// piece is one byte range of a split PS4 package.
// Every field is required; pointers tell absent from zero.
type piece struct {
	URL        *string `json:"url"`
	FileOffset *uint64 `json:"fileOffset"`
	FileSize   *uint64 `json:"fileSize"`
	HashValue  *string `json:"hashValue"`
}

// pieceManifest is the JSON document behind a package's manifest_url
type pieceManifest struct {
	OriginalFileSize   *uint64  `json:"originalFileSize"`
	PackageDigest      *string  `json:"packageDigest"`
	NumberOfSplitFiles *uint32  `json:"numberOfSplitFiles"`
	Pieces             *[]piece `json:"pieces"`
}

// missingField returns the name of the first absent required field
func (m *pieceManifest) missingField() string {
	switch {
	case m.OriginalFileSize == nil:
		return "originalFileSize"
	case m.PackageDigest == nil:
		return "packageDigest"
	case m.NumberOfSplitFiles == nil:
		return "numberOfSplitFiles"
	case m.Pieces == nil:
		return "pieces"
	}
	for i, p := range *m.Pieces {
		switch {
		case p.URL == nil:
			return fmt.Sprintf("pieces[%d].url", i)
		case p.FileOffset == nil:
			return fmt.Sprintf("pieces[%d].fileOffset", i)
		case p.FileSize == nil:
			return fmt.Sprintf("pieces[%d].fileSize", i)
		case p.HashValue == nil:
			return fmt.Sprintf("pieces[%d].hashValue", i)
		}
	}
	return ""
}

// ParsePieceManifest expands a top-level package into its pieces.
// Pieces inherit the parent's version and are verified as whole files.
// Part numbers are only assigned when the package is split in more than
// one file.
func ParsePieceManifest(body []byte, parent domain.PackageInfo) ([]domain.PackageInfo, error) {
	var manifest pieceManifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrJSONParsing, err)
	}

	// null decodes without error and leaves every field absent
	if field := manifest.missingField(); field != "" {
		return nil, fmt.Errorf("%w: missing field %s", domain.ErrJSONParsing, field)
	}

	pieces := *manifest.Pieces
	if len(pieces) == 0 {
		return nil, domain.ErrNoPartsFound
	}

	packages := make([]domain.PackageInfo, 0, len(pieces))
	for idx, p := range pieces {
		var partNumber *int
		if *manifest.NumberOfSplitFiles > 1 {
			partNumber = domain.PartNumberOf(idx + 1)
		}

		packages = append(packages, domain.PackageInfo{
			URL:           *p.URL,
			Size:          *p.FileSize,
			Version:       parent.Version,
			SHA1Sum:       *p.HashValue,
			HashWholeFile: true,
			Offset:        *p.FileOffset,
			PartNumber:    partNumber,
		})
	}

	return packages, nil
}
