package psn

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
	"github.com/vertextoedge/psn-update-fetcher/internal/port"
	"go.uber.org/zap"
)

// Client talks to the vendor content-delivery network
type Client struct {
	httpClient     *http.Client
	downloadClient *http.Client
	logger         *zap.Logger
}

// Ensure Client implements the vendor ports
var (
	_ port.ManifestSource = (*Client)(nil)
	_ port.PackageSource  = (*Client)(nil)
)

// ClientConfig contains optional client configuration
type ClientConfig struct {
	// SkipTLSVerify relaxes certificate validation. The update servers
	// present a chain that does not validate against standard roots.
	SkipTLSVerify bool

	// RequestTimeout bounds manifest requests (default: 30s).
	// Package transfers have no overall timeout.
	RequestTimeout time.Duration

	BufferSizeMB int // Read/Write buffer size in MB (default: 8)
}

// DefaultClientConfig returns the configuration used against the live CDN
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		SkipTLSVerify:  true,
		RequestTimeout: 30 * time.Second,
		BufferSizeMB:   8,
	}
}

// NewClient creates a new CDN client
func NewClient(cfg *ClientConfig, logger *zap.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	bufferSize := 8 * 1024 * 1024 // 8MB default
	if cfg.BufferSizeMB > 0 {
		bufferSize = cfg.BufferSizeMB * 1024 * 1024
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.SkipTLSVerify,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	downloadTransport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.SkipTLSVerify,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     120 * time.Second,

		WriteBufferSize: bufferSize,
		ReadBufferSize:  bufferSize,

		ForceAttemptHTTP2: true,

		// Packages are already compressed
		DisableCompression: true,

		// Response header timeout (not total download timeout)
		ResponseHeaderTimeout: 30 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		downloadClient: &http.Client{
			Transport: downloadTransport,
			Timeout:   0, // No timeout for downloads
		},
		logger: logger,
	}
}

// NewClientWithHTTP creates a client that uses httpClient for every request
func NewClientWithHTTP(httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient:     httpClient,
		downloadClient: httpClient,
		logger:         logger,
	}
}

// FetchManifest performs a GET and returns the body as text
func (c *Client) FetchManifest(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create request: %w", domain.ErrTransport, err)
	}

	c.logger.Debug("fetching manifest", zap.String("url", url))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read manifest body: %w", domain.ErrTransport, err)
	}

	c.logger.Debug("manifest received",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)))

	return string(body), nil
}

// OpenPackage starts a package transfer and returns once headers arrived
func (c *Client) OpenPackage(ctx context.Context, url string) (*port.PackageResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", domain.ErrTransport, err)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &port.PackageResponse{
		Body:       resp.Body,
		FinalURL:   finalURL,
		StatusCode: resp.StatusCode,
	}, nil
}
