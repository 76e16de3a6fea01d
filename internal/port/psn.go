package port

import (
	"context"
	"io"
)

// ManifestSource fetches manifest documents from the vendor network
type ManifestSource interface {
	// FetchManifest returns the response body of a GET to url as text.
	// Status codes are not interpreted; the caller decides from the body.
	FetchManifest(ctx context.Context, url string) (string, error)
}

// PackageResponse is an opened package transfer
type PackageResponse struct {
	// Body must be closed by the caller
	Body io.ReadCloser

	// FinalURL is the request URL after redirects
	FinalURL string

	StatusCode int
}

// PackageSource opens package transfers on the vendor network
type PackageSource interface {
	// OpenPackage issues the GET for url and returns once headers arrived.
	// The body has not been read yet.
	OpenPackage(ctx context.Context, url string) (*PackageResponse, error)
}
