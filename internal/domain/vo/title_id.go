package vo

import (
	"errors"
	"fmt"
	"strings"
)

// PlatformVariant identifies the console family a title belongs to.
// It decides how the manifest URL is signed, how packages are hashed and
// whether split packages can be merged.
type PlatformVariant int

const (
	// VariantPS3 titles are served from the unsigned tpl endpoint and their
	// packages carry a trailing 32-byte digest footer.
	VariantPS3 PlatformVariant = iota + 1
	// VariantPS4 titles are served from the HMAC-signed plo endpoint and
	// their packages are split into pieces described by a JSON manifest.
	VariantPS4
)

// String returns the short platform name.
func (v PlatformVariant) String() string {
	switch v {
	case VariantPS3:
		return "PS3"
	case VariantPS4:
		return "PS4"
	default:
		return fmt.Sprintf("PlatformVariant(%d)", int(v))
	}
}

var (
	ErrInvalidSerial = errors.New("invalid serial")
)

var ps3Prefixes = []string{"NP", "BL", "BC"}

const ps4Prefix = "CUSA"

// TitleID represents a normalized title identifier (serial) value object.
type TitleID struct {
	value   string
	variant PlatformVariant
}

// NormalizeTitleID trims whitespace, strips the dash some sites put in a
// serial (BCES-00000) and uppercases the result.
func NormalizeTitleID(raw string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", ""))
}

// ClassifyTitleID returns the platform variant of an already normalized id.
func ClassifyTitleID(id string) (PlatformVariant, bool) {
	for _, prefix := range ps3Prefixes {
		if strings.HasPrefix(id, prefix) {
			return VariantPS3, true
		}
	}
	if strings.HasPrefix(id, ps4Prefix) {
		return VariantPS4, true
	}
	return 0, false
}

// ParseTitleID normalizes a user supplied serial and classifies it.
func ParseTitleID(raw string) (TitleID, error) {
	id := NormalizeTitleID(raw)
	variant, ok := ClassifyTitleID(id)
	if !ok {
		return TitleID{}, ErrInvalidSerial
	}
	return TitleID{value: id, variant: variant}, nil
}

// MustTitleID creates a new TitleID, panicking if invalid.
func MustTitleID(raw string) TitleID {
	id, err := ParseTitleID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the normalized id.
func (id TitleID) String() string {
	return id.value
}

// Variant returns the platform variant the id was classified as.
func (id TitleID) Variant() PlatformVariant {
	return id.variant
}

// IsEmpty returns true if the ID is empty.
func (id TitleID) IsEmpty() bool {
	return id.value == ""
}
