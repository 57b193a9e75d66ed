// Package jira implements the ticket tracker on top of the Jira REST API v2.
// It works against both Jira Cloud (basic auth with an API token) and
// self-hosted Jira Server/Data Center (bearer personal access token).
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/securityhub-sync/internal/config"
	domain "github.com/ahrav/securityhub-sync/internal/domain/reconciliation"
	"github.com/ahrav/securityhub-sync/pkg/common"
	"github.com/ahrav/securityhub-sync/pkg/common/logger"
)

const (
	apiPrefix = "/rest/api/2"

	// maxRetryAfter caps how long a single Retry-After header may stall a request.
	maxRetryAfter = time.Minute
)

// Config holds everything the client needs to reach and write to one project.
type Config struct {
	// Host is the Jira host, with or without scheme. https is assumed when
	// no scheme is given.
	Host       string
	Username   string
	Token      string
	Deployment config.Deployment
	Project    string

	MarkerLabel    string
	ClosedStatuses []string
	DoneTransition string

	LinkIssueKey  string
	LinkType      string
	RemoveWatcher bool

	RateLimit  float64
	Burst      int
	MaxRetries int
	RetryWait  time.Duration
	Timeout    time.Duration
}

// ConfigFrom maps the application configuration onto a client Config.
func ConfigFrom(cfg *config.Config) Config {
	j := cfg.Jira
	return Config{
		Host:           j.Host,
		Username:       j.Username,
		Token:          j.Token,
		Deployment:     j.Deployment,
		Project:        j.Project,
		MarkerLabel:    cfg.Sync.MarkerLabel,
		ClosedStatuses: j.ClosedStatuses,
		DoneTransition: j.DoneTransition,
		LinkIssueKey:   j.LinkIssueKey,
		LinkType:       j.LinkType,
		RemoveWatcher:  j.RemoveWatcher,
		RateLimit:      j.RateLimit,
		Burst:          j.Burst,
		MaxRetries:     j.MaxRetries,
		RetryWait:      j.RetryWait,
		Timeout:        j.Timeout,
	}
}

// Client is a rate limited, traced Jira REST client scoped to one project.
type Client struct {
	cfg     Config
	baseURL *url.URL

	httpClient  *http.Client
	rateLimiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient creates a Jira client. A nil httpClient gets an otelhttp
// instrumented client using cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, log *logger.Logger, tracer trace.Tracer) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("jira host is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("jira token is required")
	}
	if cfg.Project == "" {
		return nil, errors.New("jira project is required")
	}

	host := cfg.Host
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	base, err := url.Parse(strings.TrimRight(host, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid jira host %q: %w", cfg.Host, err)
	}

	if cfg.MarkerLabel == "" {
		cfg.MarkerLabel = domain.DefaultMarkerLabel
	}
	if len(cfg.ClosedStatuses) == 0 {
		cfg.ClosedStatuses = domain.DefaultClosedStatuses
	}
	if cfg.DoneTransition == "" {
		cfg.DoneTransition = "Done"
	}
	if cfg.LinkType == "" {
		cfg.LinkType = "Relates"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		}
	}

	return &Client{
		cfg:         cfg,
		baseURL:     base,
		httpClient:  httpClient,
		rateLimiter: common.NewRateLimiter(cfg.RateLimit, cfg.Burst),
		logger:      log.With("component", "jira_client", "project", cfg.Project),
		tracer:      tracer,
	}, nil
}

// apiError is a non-2xx response from Jira.
type apiError struct {
	StatusCode int
	Messages   []string
}

func (e *apiError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("jira returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("jira returned status %d: %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

// errorResponse is Jira's error body: { errorMessages: [...], errors: {...} }.
type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

func parseAPIError(status int, body []byte) *apiError {
	e := &apiError{StatusCode: status}
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		e.Messages = append(e.Messages, er.ErrorMessages...)
		for field, msg := range er.Errors {
			e.Messages = append(e.Messages, field+": "+msg)
		}
	}
	if len(e.Messages) == 0 && len(body) > 0 {
		e.Messages = []string{strings.TrimSpace(string(body))}
	}
	return e
}

// request describes a single API call.
type request struct {
	op     string
	key    string
	method string
	path   string
	query  url.Values
	in     any
	out    any
}

// do executes req with rate limiting, retrying 429 and 5xx responses with
// exponential backoff. Failures are returned as TrackerUnavailableError.
func (c *Client) do(ctx context.Context, req request) error {
	ctx, span := c.tracer.Start(ctx, "jira_client.do_request",
		trace.WithAttributes(
			attribute.String("op", req.op),
			attribute.String("method", req.method),
			attribute.String("path", req.path),
		))
	defer span.End()

	var body []byte
	if req.in != nil {
		var err error
		if body, err = json.Marshal(req.in); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to marshal request")
			return &domain.TrackerUnavailableError{Op: req.op, Key: req.key, Err: fmt.Errorf("failed to marshal request: %w", err)}
		}
	}

	target := c.baseURL.JoinPath(apiPrefix, req.path)
	if len(req.query) > 0 {
		target.RawQuery = req.query.Encode()
	}

	var lastStatus int
	attempts := 0
	operation := func() error {
		attempts++
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter wait failed: %w", err))
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.method, target.String(), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		c.authorize(httpReq)
		httpReq.Header.Set("Accept", "application/json")
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		lastStatus = resp.StatusCode

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if req.out == nil || resp.StatusCode == http.StatusNoContent {
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(req.out); err != nil && !errors.Is(err, io.EOF) {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
			return nil
		}

		data, _ := io.ReadAll(resp.Body)
		apiErr := parseAPIError(resp.StatusCode, data)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			c.rateLimiter.Throttle()
			if wait := retryAfter(resp.Header); wait > 0 {
				c.logger.Warn(ctx, "jira rate limit hit, honouring Retry-After",
					"operation", req.op,
					"retry_after", wait.String(),
				)
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(wait):
				}
			}
			return apiErr
		case resp.StatusCode >= 500:
			return apiErr
		default:
			return backoff.Permanent(apiErr)
		}
	}

	expBackoff := backoff.NewExponentialBackOff()
	if c.cfg.RetryWait > 0 {
		expBackoff.InitialInterval = c.cfg.RetryWait
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(max(c.cfg.MaxRetries, 0))), ctx)

	notify := func(err error, next time.Duration) {
		c.logger.Debug(ctx, "retrying jira request",
			"operation", req.op,
			"error", err,
			"next_attempt_in", next.String(),
		)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	span.SetAttributes(
		attribute.Int("status_code", lastStatus),
		attribute.Int("attempts", attempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "jira request failed")
		return &domain.TrackerUnavailableError{Op: req.op, Key: req.key, StatusCode: lastStatus, Err: err}
	}

	span.SetStatus(codes.Ok, "request completed successfully")
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Deployment == config.DeploymentServer {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		return
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Token)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}

	var wait time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		wait = time.Until(at)
	}

	if wait < 0 {
		return 0
	}
	return min(wait, maxRetryAfter)
}

// statusCode extracts the HTTP status from an error returned by do.
func statusCode(err error) int {
	var tuErr *domain.TrackerUnavailableError
	if errors.As(err, &tuErr) {
		return tuErr.StatusCode
	}
	return 0
}

func (c *Client) isServer() bool { return c.cfg.Deployment == config.DeploymentServer }
