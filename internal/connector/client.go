// SPDX-License-Identifier: MIT

// Package connector is the typed HTTP client for the upstream
// media-automation services. All three kinds speak the same v3 API shape;
// kind only selects which wanted/search endpoints apply.
package connector

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/comradarr/comradarr/internal/timeutil"

	xlog "github.com/comradarr/comradarr/internal/log"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "comradarr/1.0"
	maxErrorBody   = 512
)

// Client talks to one upstream connector instance.
type Client struct {
	base    string
	apiKey  string
	kind    Kind
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithTimeout overrides the default 30s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient swaps the underlying http.Client, for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit adds a client-side courtesy limiter in front of every
// request. This sits below the durable per-connector throttle and smooths
// bursts within an already-granted budget.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// New builds a client for the given base URL and API key.
func New(kind Kind, base, apiKey string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		kind:   kind,
		http:   &http.Client{Timeout: defaultTimeout},
		logger: xlog.WithComponent("connector"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Kind returns the connector kind this client was built for.
func (c *Client) Kind() Kind { return c.kind }

// do performs one HTTP round trip and maps every fault onto the taxonomy.
// out may be nil for endpoints whose body is ignored.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	op := method + " " + path

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Category: CategoryTimeout, Op: op, Err: err}
		}
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &Error{Category: CategoryValidation, Op: op, Err: err}
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return &Error{Category: CategoryValidation, Op: op, Err: err}
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return c.mapTransportError(op, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return c.mapStatusError(op, res)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &Error{Category: CategoryValidation, Op: op, Status: res.StatusCode, Err: err}
	}
	return nil
}

// mapTransportError buckets pre-response failures: cancellation and
// deadlines are timeouts, TLS validation failures are ssl, everything else
// is network.
func (c *Client) mapTransportError(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Category: CategoryTimeout, Op: op, Err: err}
	case isTimeout(err):
		return &Error{Category: CategoryTimeout, Op: op, Err: err}
	case isTLSError(err):
		return &Error{Category: CategorySSL, Op: op, Err: err}
	default:
		return &Error{Category: CategoryNetwork, Op: op, Err: err}
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return true
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return true
	}
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &invalidErr)
}

// mapStatusError buckets HTTP error statuses per the taxonomy table.
func (c *Client) mapStatusError(op string, res *http.Response) error {
	snippet := readSnippet(res.Body)
	c.logger.Debug().Str("op", op).Int("status", res.StatusCode).Msg("upstream returned error status")

	switch {
	case res.StatusCode == http.StatusUnauthorized:
		return &Error{Category: CategoryAuthentication, Op: op, Status: res.StatusCode, Body: snippet}
	case res.StatusCode == http.StatusNotFound:
		return &Error{Category: CategoryNotFound, Op: op, Status: res.StatusCode, Body: snippet}
	case res.StatusCode == http.StatusTooManyRequests:
		return &Error{
			Category:   CategoryRateLimit,
			Op:         op,
			Status:     res.StatusCode,
			Body:       snippet,
			RetryAfter: parseRetryAfter(res.Header.Get("Retry-After")),
		}
	case res.StatusCode >= 500:
		return &Error{Category: CategoryServer, Op: op, Status: res.StatusCode, Body: snippet}
	default:
		return &Error{Category: CategoryValidation, Op: op, Status: res.StatusCode, Body: snippet}
	}
}

func readSnippet(r io.Reader) string {
	buf, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(buf))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// DoWithRetry runs fn with bounded exponential backoff. Rate-limit errors
// carrying Retry-After sleep exactly that long; other retryable errors use
// the HTTP retry curve. Non-retryable errors propagate immediately.
func DoWithRetry(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	shape := timeutil.RetryShape()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := shape.Backoff(attempt - 1)
			if ra := RetryAfterOf(lastErr); ra > 0 {
				delay = ra
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// Ping checks upstream liveness via the unauthenticated /ping endpoint.
// The response is plain text; any 2xx is a pong.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	op := "GET /ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/ping", nil)
	if err != nil {
		return false, &Error{Category: CategoryValidation, Op: op, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := c.http.Do(req)
	if err != nil {
		return false, c.mapTransportError(op, err)
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, res.Body)

	return res.StatusCode >= 200 && res.StatusCode <= 299, nil
}

// SystemStatus fetches /api/v3/system/status.
func (c *Client) SystemStatus(ctx context.Context) (SystemStatus, error) {
	var out SystemStatus
	err := c.do(ctx, http.MethodGet, "/api/v3/system/status", nil, &out)
	return out, err
}

// Health fetches the /api/v3/health array.
func (c *Client) Health(ctx context.Context) ([]HealthItem, error) {
	var out []HealthItem
	err := c.do(ctx, http.MethodGet, "/api/v3/health", nil, &out)
	return out, err
}

// WantedMissing fetches one page of the missing-content listing.
func (c *Client) WantedMissing(ctx context.Context, page, pageSize int) (PagedResponse, error) {
	return c.wantedPage(ctx, "missing", page, pageSize)
}

// WantedCutoff fetches one page of the below-cutoff listing.
func (c *Client) WantedCutoff(ctx context.Context, page, pageSize int) (PagedResponse, error) {
	return c.wantedPage(ctx, "cutoff", page, pageSize)
}

func (c *Client) wantedPage(ctx context.Context, which string, page, pageSize int) (PagedResponse, error) {
	var out PagedResponse
	path := fmt.Sprintf("/api/v3/wanted/%s?page=%d&pageSize=%d", which, page, pageSize)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// SendCommand posts a search command.
func (c *Client) SendCommand(ctx context.Context, cmd Command) (CommandResponse, error) {
	var out CommandResponse
	err := c.do(ctx, http.MethodPost, "/api/v3/command", encodeCommand(cmd), &out)
	return out, err
}

// GetCommand polls a previously issued command.
func (c *Client) GetCommand(ctx context.Context, id int64) (CommandResponse, error) {
	var out CommandResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v3/command/%d", id), nil, &out)
	return out, err
}
