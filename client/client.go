package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/InsulaLabs/depot/db/models"
)

const (
	defaultTimeout = 30 * time.Second

	headerAssetID       = "X-Asset-Id"
	headerLicenseStatus = "X-License-Status"
)

type ConnectionType string

const (
	ConnectionTypeDirect ConnectionType = "direct"
	ConnectionTypeRandom ConnectionType = "random"
)

var (
	ErrNotFound    = errors.New("asset not found")
	ErrRateLimited = errors.New("rate limited")
)

// LicenseError is returned when a node refuses to serve an asset because
// its license is missing, expired or invalid.
type LicenseError struct {
	Status string
}

func (e *LicenseError) Error() string {
	return "license " + e.Status
}

// StatusError carries any other non-2xx answer.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d for %s %s", e.Code, e.Method, e.Path)
}

type Endpoint struct {
	HostPort string
	TLS      bool
}

type Config struct {
	ConnectionType ConnectionType // Direct will use Endpoints[0] always
	Endpoints      []Endpoint
	SkipVerify     bool
	Timeout        time.Duration
	Logger         *slog.Logger
}

// License is what a node reports after issuing a license.
type License struct {
	AssetID   string    `json:"asset_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PingResponse struct {
	Status  string `json:"status"`
	Node    string `json:"node"`
	BadgeID string `json:"node-badge-id"`
	Uptime  string `json:"uptime"`
}

// Client is the API client for a depot node.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new depot API client.
func NewClient(cfg *Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}
	for _, endpoint := range cfg.Endpoints {
		if endpoint.HostPort == "" {
			return nil, fmt.Errorf("hostPort cannot be empty")
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clientLogger := cfg.Logger.WithGroup("depot_client")

	endpoint := cfg.Endpoints[0]
	if cfg.ConnectionType == ConnectionTypeRandom {
		endpoint = cfg.Endpoints[rand.IntN(len(cfg.Endpoints))]
	}

	scheme := "http"
	if endpoint.TLS {
		scheme = "https"
	}
	baseURL, err := url.Parse(scheme + "://" + endpoint.HostPort)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL for '%s': %w", endpoint.HostPort, err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.SkipVerify}

	clientLogger.Debug("depot client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger: clientLogger,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := c.baseURL.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request %s %s: %w", method, path, err)
	}
	return req, nil
}

// do sends req and maps failures to the client errors. On success the
// caller owns the response body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("Sending request", "method", req.Method, "url", req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request %s %s failed: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	c.logger.Warn("Received non-2xx status code", "method", req.Method, "url", req.URL.String(), "status_code", resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case http.StatusForbidden:
		if status := resp.Header.Get(headerLicenseStatus); status != "" {
			return nil, &LicenseError{Status: status}
		}
	}
	return nil, &StatusError{Method: req.Method, Path: req.URL.Path, Code: resp.StatusCode}
}

func (c *Client) getJSON(ctx context.Context, method, path string, target any) error {
	req, err := c.newRequest(ctx, method, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode response body for %s %s: %w", method, path, err)
	}
	return nil
}

// Upload streams size bytes of body as a new asset named name and returns
// its content hash. Uploading content the node already holds returns the
// existing hash.
func (c *Client) Upload(ctx context.Context, name, contentType string, size int64, body io.Reader) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name cannot be empty")
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/assets", body)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	req.Header.Set("Expect", "100-continue")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	id := resp.Header.Get(headerAssetID)
	if id == "" {
		return "", fmt.Errorf("upload response carried no %s header", headerAssetID)
	}
	return id, nil
}

// Download writes the content of assetID to w and returns the number of
// bytes written.
func (c *Client) Download(ctx context.Context, assetID string, w io.Writer) (int64, error) {
	if assetID == "" {
		return 0, fmt.Errorf("asset id cannot be empty")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/assets/"+assetID, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download of %s interrupted after %d bytes: %w", assetID, n, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("download of %s is short: %d of %d bytes", assetID, n, resp.ContentLength)
	}
	return n, nil
}

// Meta returns the metadata record of an asset.
func (c *Client) Meta(ctx context.Context, assetID string) (models.Asset, error) {
	var asset models.Asset
	err := c.getJSON(ctx, http.MethodGet, "/api/v1/assets/"+assetID+"/meta", &asset)
	return asset, err
}

// IssueLicense asks the node to issue a fresh license for assetID.
func (c *Client) IssueLicense(ctx context.Context, assetID string) (License, error) {
	var lic License
	err := c.getJSON(ctx, http.MethodPost, "/api/v1/licenses/"+assetID, &lic)
	return lic, err
}

func (c *Client) Ping(ctx context.Context) (PingResponse, error) {
	var pong PingResponse
	err := c.getJSON(ctx, http.MethodGet, "/api/v1/ping", &pong)
	return pong, err
}
