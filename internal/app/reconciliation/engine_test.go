package reconciliation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/securityhub-sync/internal/config"
	domain "github.com/ahrav/securityhub-sync/internal/domain/reconciliation"
	"github.com/ahrav/securityhub-sync/pkg/common/logger"
)

type mockSource struct{ mock.Mock }

func (m *mockSource) AccountID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockSource) FetchActiveFindings(ctx context.Context, severities []domain.Severity, region string) ([]domain.Finding, error) {
	args := m.Called(ctx, severities, region)
	findings, _ := args.Get(0).([]domain.Finding)
	return findings, args.Error(1)
}

type mockTracker struct{ mock.Mock }

func (m *mockTracker) Search(ctx context.Context, identityLabels []string) ([]domain.Ticket, error) {
	args := m.Called(ctx, identityLabels)
	tickets, _ := args.Get(0).([]domain.Ticket)
	return tickets, args.Error(1)
}

func (m *mockTracker) Create(ctx context.Context, ticket domain.NewTicket) (domain.Ticket, error) {
	args := m.Called(ctx, ticket)
	return args.Get(0).(domain.Ticket), args.Error(1)
}

func (m *mockTracker) Close(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *mockTracker) Rename(ctx context.Context, key, title string) error {
	return m.Called(ctx, key, title).Error(0)
}

func (m *mockTracker) Comment(ctx context.Context, key, text string) error {
	return m.Called(ctx, key, text).Error(0)
}

// recordingMetrics counts calls. Error stages may be recorded from the
// fetch goroutines, so it is guarded.
type recordingMetrics struct {
	mu       sync.Mutex
	fetched  int
	created  int
	closed   int
	renamed  int
	errors   []string
	observed int
}

func (r *recordingMetrics) AddFindingsFetched(_ context.Context, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetched += n
}

func (r *recordingMetrics) IncTicketsCreated(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
}

func (r *recordingMetrics) IncTicketsClosed(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func (r *recordingMetrics) IncTicketsRenamed(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renamed++
}

func (r *recordingMetrics) IncRunErrors(_ context.Context, stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, stage)
}

func (r *recordingMetrics) ObserveRunDuration(context.Context, time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed++
}

const (
	testAccount = "123456789012"
	testRegion  = "us-east-1"
)

func baseConfig() EngineConfig {
	return EngineConfig{
		Region:     testRegion,
		Severities: domain.DefaultSeverities,
		Plan: domain.PlanOptions{
			IdentityPrefix: "X",
			MarkerLabel:    domain.DefaultMarkerLabel,
			Statuses:       domain.StatusPolicy{ClosedStatuses: []string{"Done"}},
			IssueType:      "Task",
		},
		AutoClose: true,
	}
}

type engineFixture struct {
	source  *mockSource
	tracker *mockTracker
	metrics *recordingMetrics
	engine  *Engine
}

func newFixture(cfg EngineConfig, tickets []domain.Ticket, findings []domain.Finding) *engineFixture {
	f := &engineFixture{
		source:  new(mockSource),
		tracker: new(mockTracker),
		metrics: new(recordingMetrics),
	}
	f.source.On("AccountID", mock.Anything).Return(testAccount, nil)
	f.source.On("FetchActiveFindings", mock.Anything, cfg.Severities, testRegion).Return(findings, nil)
	f.tracker.On("Search", mock.Anything, []string{testAccount, testRegion}).Return(tickets, nil)

	f.engine = NewEngine(cfg, f.source, f.tracker, logger.Noop(), f.metrics, noop.NewTracerProvider().Tracer("test"))
	return f
}

func openTicket(key, title string) domain.Ticket {
	return domain.Ticket{Key: key, Title: title, Status: "To Do"}
}

func finding(title string, sev domain.Severity) domain.Finding {
	return domain.Finding{Title: title, Severity: sev, AccountID: testAccount, Region: testRegion}
}

func TestEngine_RunClosesStaleAndCreatesMissing(t *testing.T) {
	f := newFixture(baseConfig(),
		[]domain.Ticket{openTicket("SEC-1", "X - FindingA")},
		[]domain.Finding{finding("FindingB", domain.SeverityHigh)},
	)
	f.tracker.On("Close", mock.Anything, "SEC-1").Return(nil).Once()
	f.tracker.On("Create", mock.Anything, mock.MatchedBy(func(nt domain.NewTicket) bool {
		return nt.Title == "X - FindingB" && nt.PriorityID == "2"
	})).Return(domain.Ticket{Key: "SEC-2", Title: "X - FindingB"}, nil).Once()

	result, err := f.engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"SEC-1"}, result.Closed)
	assert.Equal(t, []string{"SEC-2"}, result.Created)
	assert.Empty(t, result.Renamed)
	assert.Equal(t, testAccount, result.AccountID)
	assert.False(t, result.DryRun)

	created := f.tracker.Calls[len(f.tracker.Calls)-1].Arguments.Get(1).(domain.NewTicket)
	assert.Equal(t, []string{domain.DefaultMarkerLabel, testAccount, testRegion, "HIGH"}, created.Labels)

	f.tracker.AssertExpectations(t)
	f.source.AssertExpectations(t)
	assert.Equal(t, 1, f.metrics.fetched)
	assert.Equal(t, 1, f.metrics.closed)
	assert.Equal(t, 1, f.metrics.created)
	assert.Equal(t, 1, f.metrics.observed)
	assert.Empty(t, f.metrics.errors)
}

func TestEngine_RunNothingToDo(t *testing.T) {
	f := newFixture(baseConfig(), nil, nil)

	result, err := f.engine.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Plan.Empty())
	assert.Empty(t, result.Closed)
	assert.Empty(t, result.Created)
	f.tracker.AssertNotCalled(t, "Close", mock.Anything, mock.Anything)
	f.tracker.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestEngine_RunKeepsTicketsWithActiveFindings(t *testing.T) {
	f := newFixture(baseConfig(),
		[]domain.Ticket{openTicket("SEC-1", "X - FindingA")},
		[]domain.Finding{finding("FindingA", domain.SeverityCritical)},
	)

	result, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Plan.Keep, 1)
	assert.Equal(t, "SEC-1", result.Plan.Keep[0].Key)
	f.tracker.AssertNotCalled(t, "Close", mock.Anything, mock.Anything)
	f.tracker.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestEngine_RunInvalidSeverityWritesNothing(t *testing.T) {
	f := newFixture(baseConfig(),
		[]domain.Ticket{openTicket("SEC-1", "X - Stale")},
		[]domain.Finding{
			finding("FindingB", domain.SeverityHigh),
			finding("FindingC", domain.Severity("UNKNOWN")),
		},
	)

	result, err := f.engine.Run(context.Background())

	var sevErr *domain.InvalidSeverityError
	require.ErrorAs(t, err, &sevErr)
	assert.Equal(t, "UNKNOWN", sevErr.Severity)
	assert.Empty(t, result.Created)
	f.tracker.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.tracker.AssertNotCalled(t, "Close", mock.Anything, mock.Anything)
	assert.Equal(t, []string{"plan"}, f.metrics.errors)
}

func TestEngine_RunFailFast(t *testing.T) {
	f := newFixture(baseConfig(),
		[]domain.Ticket{openTicket("SEC-1", "X - A"), openTicket("SEC-2", "X - B")},
		[]domain.Finding{finding("C", domain.SeverityHigh)},
	)
	boom := errors.New("boom")
	f.tracker.On("Close", mock.Anything, "SEC-1").Return(boom).Once()

	result, err := f.engine.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "SEC-1")
	assert.Empty(t, result.Closed)

	f.tracker.AssertNotCalled(t, "Close", mock.Anything, "SEC-2")
	f.tracker.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	assert.Equal(t, []string{"close"}, f.metrics.errors)
}

func TestEngine_RunContinueOnError(t *testing.T) {
	cfg := baseConfig()
	cfg.ContinueOnError = true
	f := newFixture(cfg,
		[]domain.Ticket{openTicket("SEC-1", "X - A"), openTicket("SEC-2", "X - B")},
		[]domain.Finding{finding("C", domain.SeverityHigh), finding("D", domain.SeverityLow)},
	)
	closeErr := errors.New("no transition")
	createErr := errors.New("bad request")
	f.tracker.On("Close", mock.Anything, "SEC-1").Return(closeErr).Once()
	f.tracker.On("Close", mock.Anything, "SEC-2").Return(nil).Once()
	f.tracker.On("Create", mock.Anything, mock.MatchedBy(func(nt domain.NewTicket) bool { return nt.Title == "X - C" })).
		Return(domain.Ticket{}, createErr).Once()
	f.tracker.On("Create", mock.Anything, mock.MatchedBy(func(nt domain.NewTicket) bool { return nt.Title == "X - D" })).
		Return(domain.Ticket{Key: "SEC-4"}, nil).Once()

	result, err := f.engine.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, closeErr)
	assert.ErrorIs(t, err, createErr)

	assert.Equal(t, []string{"SEC-2"}, result.Closed)
	assert.Equal(t, []string{"SEC-4"}, result.Created)
	assert.ElementsMatch(t, []string{"close", "create"}, f.metrics.errors)
	f.tracker.AssertExpectations(t)
}

func TestEngine_RunRenamesWhenAutoCloseDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.AutoClose = false
	cfg.Plan.ResolvedSuffix = " - Resolved"
	cfg.Now = func() time.Time { return time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC) }

	f := newFixture(cfg,
		[]domain.Ticket{
			openTicket("SEC-1", "X - A"),
			openTicket("SEC-2", "X - B - Resolved"),
		},
		nil,
	)
	f.tracker.On("Rename", mock.Anything, "SEC-1", "X - A - Resolved").Return(nil).Once()
	f.tracker.On("Comment", mock.Anything, "SEC-1", mock.MatchedBy(func(text string) bool {
		return strings.HasPrefix(text, "As of 2024-03-05,")
	})).Return(nil).Once()

	result, err := f.engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"SEC-1"}, result.Renamed)
	assert.Empty(t, result.Closed)
	f.tracker.AssertNotCalled(t, "Close", mock.Anything, mock.Anything)
	f.tracker.AssertNotCalled(t, "Rename", mock.Anything, "SEC-2", mock.Anything)
	f.tracker.AssertExpectations(t)
	assert.Equal(t, 1, f.metrics.renamed)
}

func TestEngine_RunRenameCommentFailure(t *testing.T) {
	cfg := baseConfig()
	cfg.AutoClose = false
	cfg.Plan.ResolvedSuffix = " - Resolved"

	f := newFixture(cfg, []domain.Ticket{openTicket("SEC-1", "X - A")}, nil)
	boom := errors.New("boom")
	f.tracker.On("Rename", mock.Anything, "SEC-1", "X - A - Resolved").Return(nil).Once()
	f.tracker.On("Comment", mock.Anything, "SEC-1", mock.Anything).Return(boom).Once()

	result, err := f.engine.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Empty(t, result.Renamed)
	assert.Equal(t, []string{"rename"}, f.metrics.errors)
}

func TestEngine_DryRunWritesNothing(t *testing.T) {
	cfg := baseConfig()
	cfg.DryRun = true
	f := newFixture(cfg,
		[]domain.Ticket{openTicket("SEC-1", "X - FindingA")},
		[]domain.Finding{finding("FindingB", domain.SeverityHigh)},
	)

	result, err := f.engine.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	require.Len(t, result.Plan.Close, 1)
	require.Len(t, result.Plan.Create, 1)
	assert.Equal(t, "X - FindingB", result.Plan.Create[0].Title)
	assert.Empty(t, result.Closed)
	assert.Empty(t, result.Created)
	f.tracker.AssertNotCalled(t, "Close", mock.Anything, mock.Anything)
	f.tracker.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestEngine_PlanNeverWrites(t *testing.T) {
	f := newFixture(baseConfig(),
		[]domain.Ticket{openTicket("SEC-1", "X - FindingA")},
		[]domain.Finding{finding("FindingB", domain.SeverityHigh)},
	)

	result, err := f.engine.Plan(context.Background())
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Len(t, result.Plan.Close, 1)
	f.tracker.AssertNotCalled(t, "Close", mock.Anything, mock.Anything)
}

func TestEngine_RunInputFailures(t *testing.T) {
	t.Run("account id", func(t *testing.T) {
		source := new(mockSource)
		tracker := new(mockTracker)
		metrics := new(recordingMetrics)
		boom := &domain.SourceUnavailableError{Op: "get_caller_identity", Err: errors.New("no creds")}
		source.On("AccountID", mock.Anything).Return("", boom)

		e := NewEngine(baseConfig(), source, tracker, logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))
		_, err := e.Run(context.Background())

		var srcErr *domain.SourceUnavailableError
		require.ErrorAs(t, err, &srcErr)
		tracker.AssertNotCalled(t, "Search", mock.Anything, mock.Anything)
		source.AssertNotCalled(t, "FetchActiveFindings", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, []string{"account"}, metrics.errors)
	})

	t.Run("query too broad", func(t *testing.T) {
		source := new(mockSource)
		tracker := new(mockTracker)
		source.On("AccountID", mock.Anything).Return(testAccount, nil)
		source.On("FetchActiveFindings", mock.Anything, mock.Anything, mock.Anything).Return([]domain.Finding(nil), nil).Maybe()
		tracker.On("Search", mock.Anything, mock.Anything).
			Return([]domain.Ticket(nil), &domain.QueryTooBroadError{Query: "project = 'SEC'", Reason: "missing account label"})

		e := NewEngine(baseConfig(), source, tracker, logger.Noop(), new(recordingMetrics), noop.NewTracerProvider().Tracer("test"))
		_, err := e.Run(context.Background())

		var broad *domain.QueryTooBroadError
		require.ErrorAs(t, err, &broad)
		tracker.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		tracker.AssertNotCalled(t, "Close", mock.Anything, mock.Anything)
	})

	t.Run("findings", func(t *testing.T) {
		source := new(mockSource)
		tracker := new(mockTracker)
		boom := &domain.SourceUnavailableError{Op: "get_findings", Err: errors.New("throttled")}
		source.On("AccountID", mock.Anything).Return(testAccount, nil)
		source.On("FetchActiveFindings", mock.Anything, mock.Anything, mock.Anything).Return([]domain.Finding(nil), boom)
		tracker.On("Search", mock.Anything, mock.Anything).Return([]domain.Ticket(nil), nil).Maybe()

		e := NewEngine(baseConfig(), source, tracker, logger.Noop(), new(recordingMetrics), noop.NewTracerProvider().Tracer("test"))
		_, err := e.Run(context.Background())
		require.ErrorIs(t, err, boom)
		tracker.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestNewEngine_Defaults(t *testing.T) {
	e := NewEngine(EngineConfig{}, new(mockSource), new(mockTracker), logger.Noop(), new(recordingMetrics), noop.NewTracerProvider().Tracer("test"))

	assert.Equal(t, domain.DefaultRegion, e.cfg.Region)
	assert.Equal(t, domain.DefaultSeverities, e.cfg.Severities)
	assert.Equal(t, domain.DefaultIdentityPrefix, e.cfg.Plan.IdentityPrefix)
	assert.Equal(t, domain.DefaultMarkerLabel, e.cfg.Plan.MarkerLabel)
	assert.Equal(t, domain.DefaultClosedStatuses, e.cfg.Plan.Statuses.ClosedStatuses)
	assert.NotNil(t, e.cfg.Now)
}

func TestEngineConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Jira.EpicKey = "SEC-100"
	cfg.Jira.ExtraLabels = []string{"team-sec"}
	cfg.Jira.OpenStatuses = []string{"To Do"}

	ec, err := EngineConfigFrom(cfg)
	require.NoError(t, err)
	assert.Equal(t, []domain.Severity{domain.SeverityHigh, domain.SeverityCritical}, ec.Severities)
	assert.Equal(t, "SEC-100", ec.Plan.ParentKey)
	assert.Equal(t, []string{"team-sec"}, ec.Plan.ExtraLabels)
	assert.Equal(t, []string{"Done"}, ec.Plan.Statuses.ClosedStatuses)
	assert.Equal(t, []string{"To Do"}, ec.Plan.Statuses.OpenStatuses)
	assert.True(t, ec.AutoClose)
	assert.Empty(t, ec.Plan.ResolvedSuffix, "suffix only applies when renaming")

	cfg.Sync.AutoClose = false
	ec, err = EngineConfigFrom(cfg)
	require.NoError(t, err)
	assert.Equal(t, " - Resolved", ec.Plan.ResolvedSuffix)

	cfg.AWS.Severities = []string{"high"}
	_, err = EngineConfigFrom(cfg)
	var sevErr *domain.InvalidSeverityError
	require.ErrorAs(t, err, &sevErr)
}

func TestResolvedComment(t *testing.T) {
	got := ResolvedComment(time.Date(2024, 12, 31, 23, 0, 0, 0, time.FixedZone("X", -5*3600)))
	assert.Contains(t, got, "As of 2025-01-01,")
}
