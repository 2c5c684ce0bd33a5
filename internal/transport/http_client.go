package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/nvoss/attachsync/internal/config"
	"github.com/nvoss/attachsync/internal/events"
	"github.com/nvoss/attachsync/internal/models"
)

// HTTPClient talks to the archive service and the storage tiers.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	userAgent string
	logger    *events.Logger

	// Retry configuration for listing and auth calls. The transfer
	// primitive is never retried here; retry policy for items belongs to
	// the queues.
	maxRetries int
	retryDelay time.Duration

	// Cached per-tier authorizations.
	mu     sync.Mutex
	tokens map[models.Tier]*AuthToken

	// downloadDir receives fetched attachment bytes.
	downloadDir string
}

// NewHTTPClient creates the archive client.
func NewHTTPClient(cfg *config.APIConfig, downloadDir string, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:     cfg.BaseURL,
		userAgent:   cfg.UserAgent,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  time.Second,
		logger:      logger.WithField("component", "http_client"),
		tokens:      make(map[models.Tier]*AuthToken),
		downloadDir: downloadDir,
	}
}

// Transfer runs the single-item primitive. Failures map to the typed
// errors the per-item runners dispatch on.
func (c *HTTPClient) Transfer(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	switch {
	case req.Source.LocalPath != "":
		return c.uploadLocal(ctx, req)
	case req.Destination.LocalPath != "" || req.Destination.Tier == "":
		return c.download(ctx, req)
	default:
		return c.copyRemote(ctx, req)
	}
}

// uploadLocal streams local bytes to the destination tier.
func (c *HTTPClient) uploadLocal(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	file, err := os.Open(req.Source.LocalPath)
	if err != nil {
		// Local source loss is not a transport failure; surface the os
		// error untouched so the runner can classify it.
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/tiers/%s/objects/%s",
		c.baseURL, req.Destination.Tier, url.PathEscape(req.Destination.CDNKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint,
		&progressReader{r: file, fn: req.Progress})
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.ContentLength = info.Size()
	c.setHeaders(httpReq, req.Destination.Tier)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkTransferStatus(resp); err != nil {
		return nil, err
	}

	result, err := decodeTransferResult(resp.Body)
	if err != nil {
		return nil, err
	}
	result.BytesTransferred = info.Size()
	return result, nil
}

// copyRemote asks the destination tier to copy from the source tier.
func (c *HTTPClient) copyRemote(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	endpoint := fmt.Sprintf("%s/v1/tiers/%s/objects/%s/copy",
		c.baseURL, req.Destination.Tier, url.PathEscape(req.Destination.CDNKey))

	payload, err := json.Marshal(map[string]interface{}{
		"source_tier":       req.Source.Tier,
		"source_cdn_key":    req.Source.CDNKey,
		"source_cdn_number": req.Source.CDNNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal copy request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq, req.Destination.Tier)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkTransferStatus(resp); err != nil {
		return nil, err
	}

	return decodeTransferResult(resp.Body)
}

// download fetches remote bytes into the download directory.
func (c *HTTPClient) download(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	endpoint := fmt.Sprintf("%s/v1/tiers/%s/objects/%s",
		c.baseURL, req.Source.Tier, url.PathEscape(req.Source.CDNKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq, req.Source.Tier)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkTransferStatus(resp); err != nil {
		return nil, err
	}

	dest := req.Destination.LocalPath
	if dest == "" {
		dest = filepath.Join(c.downloadDir, req.AttachmentID)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".attachsync-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, &progressReader{r: resp.Body, fn: req.Progress})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("finalize download: %w", err)
	}

	return &TransferResult{
		CDNNumber:        req.Source.CDNNumber,
		BytesTransferred: written,
		LocalPath:        dest,
	}, nil
}

// checkTransferStatus maps status codes to the typed transfer errors.
func (c *HTTPClient) checkTransferStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrSourceMissing
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return ErrForbidden
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp)}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &NetworkError{Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)}
	}
}

// List pages through the remote media listing.
func (c *HTTPClient) List(ctx context.Context, cursor string, limit int) (*models.ListingPage, error) {
	endpoint := fmt.Sprintf("%s/v1/archive/media?limit=%d", c.baseURL, limit)
	if cursor != "" {
		endpoint += "&cursor=" + url.QueryEscape(cursor)
	}

	var page models.ListingPage
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		c.setHeaders(req, models.TierMedia)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		if c.isRetryable(resp.StatusCode) {
			return fmt.Errorf("server error %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
		}

		return json.NewDecoder(resp.Body).Decode(&page)
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"objects":     len(page.Objects),
		"next_cursor": page.NextCursor != "",
	}).Debug("Fetched listing page")

	return &page, nil
}

// FetchAuthorization returns a signed tier authorization, cached until
// expiry unless forceRefresh is set.
func (c *HTTPClient) FetchAuthorization(ctx context.Context, tier models.Tier, forceRefresh bool) (*AuthToken, error) {
	c.mu.Lock()
	cached := c.tokens[tier]
	c.mu.Unlock()

	if !forceRefresh && !cached.Expired() {
		return cached, nil
	}

	endpoint := fmt.Sprintf("%s/v1/archive/auth?tier=%s", c.baseURL, tier)

	var token AuthToken
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		if c.isRetryable(resp.StatusCode) {
			return fmt.Errorf("server error %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
		}

		return json.NewDecoder(resp.Body).Decode(&token)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s authorization: %w", tier, err)
	}

	c.mu.Lock()
	c.tokens[tier] = &token
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"tier":      tier,
		"paid_tier": token.PaidTier,
		"forced":    forceRefresh,
	}).Debug("Fetched tier authorization")

	return &token, nil
}

// Close releases connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// retry executes a function with exponential backoff, for calls where the
// whole drain depends on the result.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable checks if an HTTP status code is retryable.
func (c *HTTPClient) isRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}

func (c *HTTPClient) setHeaders(req *http.Request, tier models.Tier) {
	req.Header.Set("User-Agent", c.userAgent)

	c.mu.Lock()
	token := c.tokens[tier]
	c.mu.Unlock()
	if token != nil && token.Token != "" {
		req.Header.Set("Authorization", "Bearer "+token.Token)
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}

func decodeTransferResult(r io.Reader) (*TransferResult, error) {
	var result TransferResult
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return nil, fmt.Errorf("parse transfer response: %w", err)
	}
	return &result, nil
}

// progressReader reports byte deltas as they pass through.
type progressReader struct {
	r  io.Reader
	fn func(delta int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.fn != nil {
		p.fn(int64(n))
	}
	return n, err
}

