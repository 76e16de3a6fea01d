package domain

import (
	"fmt"
	"net/url"
	"path"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain/vo"
)

// PlatformVariant re-exports the value object so callers working with
// resolved updates do not need to import vo.
type PlatformVariant = vo.PlatformVariant

const (
	VariantPS3 = vo.VariantPS3
	VariantPS4 = vo.VariantPS4
)

// UpdateInfo is one resolved update set for a title
type UpdateInfo struct {
	TitleID string
	TagName string

	Titles   []string
	Packages []PackageInfo

	PlatformVariant PlatformVariant
}

// Title returns the first display title, or an empty string
func (u *UpdateInfo) Title() string {
	if len(u.Titles) == 0 {
		return ""
	}
	return u.Titles[0]
}

// Mergeable reports whether every package is a numbered part of a split set
func (u *UpdateInfo) Mergeable() bool {
	if len(u.Packages) == 0 {
		return false
	}
	for _, pkg := range u.Packages {
		if pkg.PartNumber == nil {
			return false
		}
	}
	return true
}

// TotalSize returns the summed declared size of all packages
func (u *UpdateInfo) TotalSize() uint64 {
	var total uint64
	for _, pkg := range u.Packages {
		total += pkg.Size
	}
	return total
}

// PackageInfo is one downloadable unit: a whole package or one split piece.
//
// A package with ManifestURL set has no content of its own, it must be
// expanded into pieces before it can be downloaded.
type PackageInfo struct {
	URL     string
	Size    uint64
	Version string
	SHA1Sum string

	// HashWholeFile is false when the file ends with a 32-byte digest
	// footer that is excluded from SHA1Sum.
	HashWholeFile bool
	ManifestURL   string

	// Offset is where this piece starts in the reconstructed file.
	Offset uint64
	// PartNumber is the 1-based position among sibling pieces, nil when the
	// package is not part of a split set.
	PartNumber *int
}

// ID returns the identity of the package within its update
func (p *PackageInfo) ID() string {
	if p.PartNumber != nil {
		return fmt.Sprintf("%s - Part %d", p.Version, *p.PartNumber)
	}
	return p.Version
}

// FileName returns the last path segment of the package URL
func (p *PackageInfo) FileName() (string, bool) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", false
	}
	return FileNameFromURL(u)
}

// FileNameFromURL returns the last non-empty path segment of u
func FileNameFromURL(u *url.URL) (string, bool) {
	if u == nil || u.Path == "" || u.Path[len(u.Path)-1] == '/' {
		return "", false
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "", false
	}
	return name, true
}

// PartNumberOf returns a pointer to n for use as PackageInfo.PartNumber
func PartNumberOf(n int) *int {
	return &n
}
