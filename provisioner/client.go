// Package provisioner is the HTTP client for the external credential
// provisioner. The provisioner is not transactional: callers sequence their
// ledger writes around these calls rather than expecting rollback.
package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-entitlements/core"
)

const (
	defaultClientTimeout         = 10 * time.Second
	defaultMaxRetries            = 2
	defaultRetryBackoff          = 250 * time.Millisecond
	defaultMaxRetryBackoff       = 2 * time.Second
	defaultResponseBodyLimit     = 1 << 20
	endpointCreate               = "create"
	endpointUpdate               = "update"
	endpointDelete               = "delete"
	endpointList                 = "list"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each attempt, not the whole retried call.
	Timeout time.Duration
	// MaxRetries is the number of re-attempts after the first call.
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Breaker         BreakerConfig
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("provisioner: base url is required")
	}
	if _, err := url.Parse(strings.TrimSpace(c.BaseURL)); err != nil {
		return fmt.Errorf("provisioner: invalid base url: %w", err)
	}
	return nil
}

// Client implements core.CredentialProvisioner over the provisioner's REST
// API. Every endpoint carries its own circuit breaker so an outage on one
// operation does not shed the others.
type Client struct {
	config  Config
	client  HTTPDoer
	logger  core.Logger
	backoff core.ExponentialBackoffScheduler

	mu       sync.Mutex
	breakers map[string]*Breaker
}

type ClientOption func(*Client)

func WithHTTPClient(client HTTPDoer) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

func WithLogger(logger core.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(config Config, options ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultClientTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultRetryBackoff
	}
	if config.MaxRetryBackoff <= 0 {
		config.MaxRetryBackoff = defaultMaxRetryBackoff
	}

	client := &Client{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: glog.Nop(),
		backoff: core.ExponentialBackoffScheduler{
			Initial: config.RetryBackoff,
			Max:     config.MaxRetryBackoff,
		},
		breakers: map[string]*Breaker{},
	}
	for _, opt := range options {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

type createRequest struct {
	OwnerHint string `json:"owner_hint,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

func (c *Client) Create(ctx context.Context, hint string) (string, error) {
	body, err := json.Marshal(createRequest{OwnerHint: strings.TrimSpace(hint)})
	if err != nil {
		return "", wrapClientError(err, "provisioner: encode create request")
	}
	res, err := c.do(ctx, endpointCreate, http.MethodPost, "/credentials", body, nil)
	if err != nil {
		return "", err
	}
	var decoded createResponse
	if err := json.Unmarshal(res, &decoded); err != nil {
		return "", wrapClientError(err, "provisioner: decode create response")
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return "", clientError("provisioner: create returned no credential id", goerrors.CategoryExternal)
	}
	return decoded.ID, nil
}

type updateRequest struct {
	ValidUntil string `json:"valid_until"`
}

func (c *Client) Update(ctx context.Context, credentialID string, validUntil time.Time) error {
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return clientError("provisioner: credential id is required", goerrors.CategoryBadInput)
	}
	body, err := json.Marshal(updateRequest{ValidUntil: validUntil.UTC().Format(time.RFC3339)})
	if err != nil {
		return wrapClientError(err, "provisioner: encode update request")
	}
	_, err = c.do(ctx, endpointUpdate, http.MethodPatch, "/credentials/"+url.PathEscape(credentialID), body, nil)
	return err
}

// Delete removes a credential. A credential the provisioner no longer knows
// is treated as already deleted.
func (c *Client) Delete(ctx context.Context, credentialID string) error {
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return nil
	}
	_, err := c.do(ctx, endpointDelete, http.MethodDelete, "/credentials/"+url.PathEscape(credentialID), nil, map[int]struct{}{
		http.StatusNotFound: {},
	})
	return err
}

type listResponse struct {
	IDs []string `json:"ids"`
}

func (c *Client) ListCredentialIDs(ctx context.Context) ([]string, error) {
	res, err := c.do(ctx, endpointList, http.MethodGet, "/credentials", nil, nil)
	if err != nil {
		return nil, err
	}
	var decoded listResponse
	if err := json.Unmarshal(res, &decoded); err != nil {
		return nil, wrapClientError(err, "provisioner: decode list response")
	}
	out := make([]string, 0, len(decoded.IDs))
	for _, id := range decoded.IDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, nil
}

func (c *Client) do(
	ctx context.Context,
	endpoint string,
	method string,
	path string,
	body []byte,
	acceptedStatuses map[int]struct{},
) ([]byte, error) {
	if c == nil || c.client == nil {
		return nil, clientError("provisioner: http client is not configured", goerrors.CategoryInternal)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	breaker := c.breaker(endpoint)
	if err := breaker.Allow(); err != nil {
		return nil, err
	}

	attempts := c.config.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		payload, retryable, err := c.attempt(ctx, method, path, body, acceptedStatuses)
		if err == nil {
			breaker.RecordSuccess()
			return payload, nil
		}
		lastErr = err
		if !retryable || attempt == attempts {
			break
		}
		c.logger.Info("provisioner call retrying",
			"endpoint", endpoint,
			"attempt", attempt,
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			breaker.RecordFailure()
			return nil, wrapClientError(ctx.Err(), "provisioner: call canceled")
		case <-time.After(c.backoff.NextDelay(attempt)):
		}
	}
	breaker.RecordFailure()
	return nil, lastErr
}

// attempt runs one HTTP round trip. The bool reports whether the failure is
// worth retrying: transport errors, 429 and 5xx are; everything else is not.
func (c *Client) attempt(
	ctx context.Context,
	method string,
	path string,
	body []byte,
	acceptedStatuses map[int]struct{},
) ([]byte, bool, error) {
	requestCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(strings.TrimSpace(c.config.BaseURL), "/") + path
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(requestCtx, method, endpoint, reader)
	if err != nil {
		return nil, false, wrapClientError(err, "provisioner: create http request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if key := strings.TrimSpace(c.config.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, true, wrapClientError(err, "provisioner: execute http request")
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, defaultResponseBodyLimit))
	if err != nil {
		return nil, true, wrapClientError(err, "provisioner: read response body")
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return payload, false, nil
	}
	if _, accepted := acceptedStatuses[res.StatusCode]; accepted {
		return payload, false, nil
	}

	retryable := res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500
	category := goerrors.CategoryExternal
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		category = goerrors.CategoryBadInput
	}
	return nil, retryable, goerrors.New(
		fmt.Sprintf("provisioner: %s %s returned status %d", method, path, res.StatusCode),
		category,
	).
		WithCode(res.StatusCode).
		WithTextCode(core.EntitlementErrorProvisionerUnavailable).
		WithMetadata(map[string]any{
			"status_code": res.StatusCode,
			"body":        strings.TrimSpace(string(payload)),
		})
}

func (c *Client) breaker(endpoint string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if breaker, ok := c.breakers[endpoint]; ok {
		return breaker
	}
	breaker := NewBreaker(endpoint, c.config.Breaker)
	c.breakers[endpoint] = breaker
	return breaker
}

func clientError(message string, category goerrors.Category) error {
	return goerrors.New(message, category).
		WithTextCode(core.EntitlementErrorProvisionerUnavailable)
}

func wrapClientError(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, message).
		WithTextCode(core.EntitlementErrorProvisionerUnavailable)
}

var _ core.CredentialProvisioner = (*Client)(nil)
