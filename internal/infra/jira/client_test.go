package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/securityhub-sync/internal/config"
	domain "github.com/ahrav/securityhub-sync/internal/domain/reconciliation"
	"github.com/ahrav/securityhub-sync/pkg/common/logger"
)

// recordedCall is a request seen by the fake Jira server.
type recordedCall struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

type fakeJira struct {
	t      *testing.T
	mu     sync.Mutex
	calls  []recordedCall
	routes map[string]http.HandlerFunc
}

func newFakeJira(t *testing.T) (*fakeJira, *httptest.Server) {
	t.Helper()
	f := &fakeJira{t: t, routes: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeJira) handle(method, path string, h http.HandlerFunc) {
	f.routes[method+" "+path] = h
}

func (f *fakeJira) serve(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	call := recordedCall{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
	}
	if len(data) > 0 {
		assert.NoError(f.t, json.Unmarshal(data, &call.Body))
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	h, ok := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errorMessages":["no route"]}`))
		return
	}
	h(w, r)
}

func (f *fakeJira) callsTo(method, path string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(host string) Config {
	return Config{
		Host:           host,
		Username:       "bot@example.com",
		Token:          "secret",
		Deployment:     config.DeploymentCloud,
		Project:        "SEC",
		MarkerLabel:    "security-hub",
		ClosedStatuses: []string{"Done"},
		DoneTransition: "Done",
		RateLimit:      1000,
		Burst:          100,
		MaxRetries:     3,
		RetryWait:      time.Millisecond,
		Timeout:        5 * time.Second,
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := NewClient(cfg, nil, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing host", mutate: func(c *Config) { c.Host = "" }},
		{name: "missing token", mutate: func(c *Config) { c.Token = "" }},
		{name: "missing project", mutate: func(c *Config) { c.Project = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("example.atlassian.net")
			tt.mutate(&cfg)
			_, err := NewClient(cfg, nil, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
			assert.Error(t, err)
		})
	}
}

func TestClient_BrowseURLAssumesHTTPS(t *testing.T) {
	c := newTestClient(t, testConfig("example.atlassian.net"))
	assert.Equal(t, "https://example.atlassian.net/browse/SEC-1", c.BrowseURL("SEC-1"))
}

func TestClient_Auth(t *testing.T) {
	tests := []struct {
		name       string
		deployment config.Deployment
		wantPrefix string
	}{
		{name: "cloud uses basic auth", deployment: config.DeploymentCloud, wantPrefix: "Basic "},
		{name: "server uses bearer token", deployment: config.DeploymentServer, wantPrefix: "Bearer secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, srv := newFakeJira(t)
			fake.handle(http.MethodPut, "/rest/api/2/issue/SEC-1", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})

			cfg := testConfig(srv.URL)
			cfg.Deployment = tt.deployment
			require.NoError(t, newTestClient(t, cfg).Rename(context.Background(), "SEC-1", "new"))

			calls := fake.callsTo(http.MethodPut, "/rest/api/2/issue/SEC-1")
			require.Len(t, calls, 1)
			assert.Contains(t, calls[0].Auth, tt.wantPrefix)
			assert.Equal(t, map[string]any{"fields": map[string]any{"summary": "new"}}, calls[0].Body)
		})
	}
}

func TestClient_RetriesTooManyRequests(t *testing.T) {
	fake, srv := newFakeJira(t)
	var attempts atomic.Int32
	fake.handle(http.MethodPost, "/rest/api/2/issue/SEC-1/comment", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"errorMessages": []string{"slow down"}})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": "1"})
	})

	c := newTestClient(t, testConfig(srv.URL))
	before := c.rateLimiter.Limit()

	require.NoError(t, c.Comment(context.Background(), "SEC-1", "hello"))
	assert.EqualValues(t, 3, attempts.Load())
	assert.Less(t, c.rateLimiter.Limit(), before, "429 responses throttle the client")
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	fake, srv := newFakeJira(t)
	var attempts atomic.Int32
	fake.handle(http.MethodPost, "/rest/api/2/issue/SEC-1/comment", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		writeJSON(w, http.StatusBadGateway, map[string]any{"errorMessages": []string{"upstream"}})
	})

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 2
	err := newTestClient(t, cfg).Comment(context.Background(), "SEC-1", "hello")

	var tuErr *domain.TrackerUnavailableError
	require.ErrorAs(t, err, &tuErr)
	assert.Equal(t, http.StatusBadGateway, tuErr.StatusCode)
	assert.Equal(t, "comment", tuErr.Op)
	assert.Equal(t, "SEC-1", tuErr.Key)
	assert.Contains(t, err.Error(), "upstream")
	assert.EqualValues(t, 3, attempts.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	fake, srv := newFakeJira(t)
	var attempts atomic.Int32
	fake.handle(http.MethodPut, "/rest/api/2/issue/SEC-1", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": map[string]string{"summary": "too long"}})
	})

	err := newTestClient(t, testConfig(srv.URL)).Rename(context.Background(), "SEC-1", "x")

	var tuErr *domain.TrackerUnavailableError
	require.ErrorAs(t, err, &tuErr)
	assert.Equal(t, http.StatusBadRequest, tuErr.StatusCode)
	assert.Contains(t, err.Error(), "summary: too long")
	assert.EqualValues(t, 1, attempts.Load())
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, retryAfter(h))

	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, retryAfter(h))

	h.Set("Retry-After", strconv.Itoa(int((10 * time.Minute).Seconds())))
	assert.Equal(t, maxRetryAfter, retryAfter(h))

	h.Set("Retry-After", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat))
	assert.Zero(t, retryAfter(h))

	h.Set("Retry-After", "soon")
	assert.Zero(t, retryAfter(h))
}

func TestParseAPIError(t *testing.T) {
	e := parseAPIError(http.StatusForbidden, []byte("plain text"))
	assert.Equal(t, "jira returned status 403: plain text", e.Error())

	e = parseAPIError(http.StatusInternalServerError, nil)
	assert.Equal(t, fmt.Sprintf("jira returned status %d", http.StatusInternalServerError), e.Error())
}
