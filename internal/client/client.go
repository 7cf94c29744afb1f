// internal/client/client.go
// Package client implements the outbound half of the OCPI peering protocol:
// version discovery, version detail retrieval, and the four credentials
// verbs against one remote party, with a uniform retry and error
// classification policy. One Client exists per peer and owns that peer's
// version/endpoint directory.
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gridlink/gridlink-ocpi-go/internal/directory"
	"github.com/gridlink/gridlink-ocpi-go/internal/metrics"
	"github.com/gridlink/gridlink-ocpi-go/internal/model"
	"github.com/oklog/ulid/v2"
)

// Default outbound call policy
const (
	DefaultMaxRetries          = 3
	DefaultRequestTimeout      = 10 * time.Second
	DefaultRegistrationTimeout = 30 * time.Second

	// retryBackoff is the pause between retryable attempts.
	retryBackoff = 500 * time.Millisecond
)

// RequestInfo describes one outbound attempt, passed to observers.
type RequestInfo struct {
	Method        string
	URL           string
	Module        model.ModuleID
	RequestID     string
	CorrelationID string
	Attempt       int // 1-based
}

// ResponseInfo describes the outcome of one attempt.
type ResponseInfo struct {
	RequestInfo
	HTTPStatus int           // 0 when no response was received
	Err        error         // Transport-level error, nil otherwise
	Duration   time.Duration
}

// Observer receives per-attempt notifications. Observers are invoked
// synchronously and must not block; they exist for instrumentation, never
// for control flow.
type Observer interface {
	OnRequest(RequestInfo)
	OnResponse(ResponseInfo)
}

// Options configures a Client for one remote party.
type Options struct {
	// VersionsURL is the peer's versions endpoint, the entry point for
	// everything else.
	VersionsURL string
	// Token is the access token the peer issued to us (Token A before
	// registration, Token C after).
	Token model.AccessToken
	// TokenBase64 selects base64 encoding of the Authorization header
	// value, required by OCPI 2.2 and later.
	TokenBase64 bool

	MaxRetries          int           // Retry budget; 0 uses the default
	RequestTimeout      time.Duration // Per-attempt timeout for ordinary calls
	RegistrationTimeout time.Duration // Per-attempt timeout for the credentials POST/PUT steps

	HTTPClient *http.Client // Optional transport override
	Logger     *slog.Logger // Optional logger; slog default otherwise
	Observers  []Observer   // Instrumentation hooks, invoked per attempt
}

// Client issues outbound OCPI calls against one remote party.
type Client struct {
	hc                  *http.Client
	versionsURL         string
	tokenBase64         bool
	maxRetries          int
	requestTimeout      time.Duration
	registrationTimeout time.Duration
	logger              *slog.Logger
	observers           []Observer
	metrics             *metrics.Metrics
	dir                 *directory.Directory

	// tokenMu guards the token, which rotates on registration while other
	// calls may be in flight.
	tokenMu sync.RWMutex
	token   model.AccessToken
}

// New creates a client for one peer. The client's directory starts cold
// and fills itself on first resolution.
func New(opts Options) *Client {
	c := &Client{
		hc:                  opts.HTTPClient,
		versionsURL:         opts.VersionsURL,
		token:               opts.Token,
		tokenBase64:         opts.TokenBase64,
		maxRetries:          opts.MaxRetries,
		requestTimeout:      opts.RequestTimeout,
		registrationTimeout: opts.RegistrationTimeout,
		logger:              opts.Logger,
		observers:           opts.Observers,
		metrics:             metrics.NewMetrics(),
	}
	if c.hc == nil {
		c.hc = &http.Client{}
	}
	if c.maxRetries == 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.requestTimeout == 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if c.registrationTimeout == 0 {
		c.registrationTimeout = DefaultRegistrationTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.dir = directory.New(c)
	return c
}

// Directory returns the peer's version/endpoint cache.
func (c *Client) Directory() *directory.Directory {
	return c.dir
}

// Token returns the current access token for the peer.
func (c *Client) Token() model.AccessToken {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// SetToken installs a rotated access token for subsequent calls.
func (c *Client) SetToken(token model.AccessToken) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = token
}

// VersionsURL returns the peer's versions endpoint.
func (c *Client) VersionsURL() string {
	return c.versionsURL
}

// TokenBase64 reports whether the Authorization header value is
// base64-encoded for this peer.
func (c *Client) TokenBase64() bool {
	return c.tokenBase64
}

// MintToken generates a fresh access token. ULIDs give monotonic,
// collision-resistant opaque values.
func MintToken() model.AccessToken {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return model.AccessToken(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// attemptResult is the outcome of the raw request loop.
type attemptResult struct {
	httpStatus    int
	body          []byte
	requestID     string
	correlationID string
	attempts      int
	err           error // Transport-level failure of the final attempt
}

// retryableStatus reports whether an HTTP status warrants a fresh attempt:
// server-error class and request timeout only. Client errors and
// successful responses were conclusively processed by the peer.
func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout
}

// do performs the request loop. Retries reuse the same request and
// correlation IDs so the peer can deduplicate. Cancellation aborts
// remaining retries immediately.
func (c *Client) do(ctx context.Context, method, url string, payload any, module model.ModuleID, retryable bool, timeout time.Duration) attemptResult {
	res := attemptResult{
		requestID:     ulid.Make().String(),
		correlationID: uuid.New().String(),
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			res.err = fmt.Errorf("marshal request body: %w", err)
			return res
		}
	}

	attempts := 1
	if retryable {
		attempts = c.maxRetries + 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		res.attempts = attempt
		if attempt > 1 {
			c.metrics.ClientRetryTotal.WithLabelValues(method, string(module)).Inc()
			select {
			case <-ctx.Done():
				res.err = ctx.Err()
				return res
			case <-time.After(retryBackoff):
			}
		}

		info := RequestInfo{
			Method:        method,
			URL:           url,
			Module:        module,
			RequestID:     res.requestID,
			CorrelationID: res.correlationID,
			Attempt:       attempt,
		}
		for _, o := range c.observers {
			o.OnRequest(info)
		}

		start := time.Now()
		status, respBody, err := c.attempt(ctx, method, url, body, res.requestID, res.correlationID, timeout)
		duration := time.Since(start)
		for _, o := range c.observers {
			o.OnResponse(ResponseInfo{RequestInfo: info, HTTPStatus: status, Err: err, Duration: duration})
		}

		res.httpStatus = status
		res.body = respBody
		res.err = err

		if err != nil {
			if ctx.Err() != nil {
				// Cancellation aborts remaining retries.
				res.err = ctx.Err()
				return res
			}
			c.logger.Warn("ocpi call transport failure",
				"method", method, "module", module, "attempt", attempt,
				"request_id", res.requestID, "error", err)
			continue
		}
		if retryableStatus(status) && attempt < attempts {
			c.logger.Warn("ocpi call retryable status",
				"method", method, "module", module, "attempt", attempt,
				"request_id", res.requestID, "http_status", status)
			continue
		}
		return res
	}
	return res
}

// attempt performs a single HTTP round trip with a per-attempt timeout.
func (c *Client) attempt(ctx context.Context, method, url string, body []byte, requestID, correlationID string, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", c.Token().AuthorizationHeader(c.tokenBase64))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("X-Correlation-ID", correlationID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// recordOutcome publishes client call metrics for one finished call.
func (c *Client) recordOutcome(method string, module model.ModuleID, res attemptResult, start time.Time) {
	outcome := "ok"
	switch {
	case res.err != nil:
		outcome = "transport_error"
	case res.httpStatus >= 500 || res.httpStatus == http.StatusRequestTimeout:
		outcome = "server_error"
	case res.httpStatus >= 400:
		outcome = "client_error"
	}
	c.metrics.ClientRequestTotal.WithLabelValues(method, string(module), outcome).Inc()
	c.metrics.ClientRequestDuration.WithLabelValues(method, string(module), outcome).Observe(time.Since(start).Seconds())
}
