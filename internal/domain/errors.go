package domain

import (
	"errors"
	"fmt"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain/vo"
)

// Resolution errors
var (
	ErrInvalidSerial      = vo.ErrInvalidSerial
	ErrNoUpdatesAvailable = errors.New("no updates available")
	ErrXMLParsing         = errors.New("failed to parse update manifest xml")
	ErrManifestParsing    = errors.New("failed to parse piece manifest")
	ErrJSONParsing        = errors.New("malformed piece manifest json")
	ErrNoPartsFound       = errors.New("piece manifest lists no parts")
)

// Transfer errors
var (
	ErrTransport = errors.New("transport failure")
	ErrLocalIO   = errors.New("local i/o failure")

	ErrInsufficientSpace = errors.New("insufficient disk space")
)

// Merge errors
var (
	ErrPackagesUnmergable = errors.New("packages are not mergeable")
	ErrFileMergeFailure   = errors.New("file merge failed")
)

// Task ledger errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// VendorErrorCode is returned by the manifest parser when the response is
// an <Error><Code>..</Code></Error> document instead of a title patch.
type VendorErrorCode struct {
	Code string
}

// Error returns the error message
func (e *VendorErrorCode) Error() string {
	return "vendor error response: " + e.Code
}

// UnhandledErrorResponseError is a vendor error code the resolver has no
// specific mapping for. Code is kept verbatim for diagnostics.
type UnhandledErrorResponseError struct {
	Code string
}

// Error returns the error message
func (e *UnhandledErrorResponseError) Error() string {
	return "unhandled error response from server: " + e.Code
}

// HashMismatchError is returned when a downloaded file does not match its
// expected digest.
type HashMismatchError struct {
	// Short is true when fewer bytes than the declared size arrived. The
	// vendor servers are known to drop transfers early, so this is a hint
	// that a retry may succeed, not a guarantee.
	Short    bool
	Expected uint64
	Received uint64
}

// Error returns the error message
func (e *HashMismatchError) Error() string {
	if e.Short {
		return fmt.Sprintf("hash mismatch: received %d of %d bytes", e.Received, e.Expected)
	}
	return "hash mismatch"
}

// FilepathMismatchError is returned by the merge when a part's file name
// does not follow the _<index>.pkg convention.
type FilepathMismatchError struct {
	FileName string
	Reason   string
}

// Error returns the error message
func (e *FilepathMismatchError) Error() string {
	if e.FileName == "" {
		return "filepath mismatch: " + e.Reason
	}
	return fmt.Sprintf("filepath mismatch for %s: %s", e.FileName, e.Reason)
}

// IsShortTransfer returns true if err is a hash mismatch caused by a
// truncated transfer
func IsShortTransfer(err error) bool {
	var he *HashMismatchError
	return errors.As(err, &he) && he.Short
}

// IsRetryable returns true if retrying the same download may succeed
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return IsShortTransfer(err) || errors.Is(err, ErrTransport)
}

// IsVendorErrorCode returns the vendor code carried by err, if any
func IsVendorErrorCode(err error) (string, bool) {
	var ve *VendorErrorCode
	if errors.As(err, &ve) {
		return ve.Code, true
	}
	return "", false
}
