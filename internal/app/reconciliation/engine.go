// Package reconciliation runs the finding to ticket sync: it gathers findings
// and tickets through its ports, diffs them and applies the resulting plan.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/securityhub-sync/internal/config"
	domain "github.com/ahrav/securityhub-sync/internal/domain/reconciliation"
	"github.com/ahrav/securityhub-sync/pkg/common/logger"
)

// EngineConfig holds everything that shapes a run. AccountID and Region in
// Plan are filled in per run.
type EngineConfig struct {
	Region     string
	Severities []domain.Severity
	Plan       domain.PlanOptions

	// AutoClose transitions stale tickets to closed. When false they are
	// renamed with Plan.ResolvedSuffix and commented instead.
	AutoClose bool
	// ContinueOnError keeps applying the plan after a failed tracker write
	// and reports all failures together.
	ContinueOnError bool
	DryRun          bool

	// Now stamps the resolution comment. Defaults to time.Now.
	Now func() time.Time
}

// EngineConfigFrom derives an EngineConfig from validated configuration.
func EngineConfigFrom(cfg *config.Config) (EngineConfig, error) {
	severities, err := domain.ParseSeverities(cfg.AWS.Severities)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("severities: %w", err)
	}

	ec := EngineConfig{
		Region:     cfg.AWS.Region,
		Severities: severities,
		Plan: domain.PlanOptions{
			IdentityPrefix: cfg.Sync.IdentityPrefix,
			MarkerLabel:    cfg.Sync.MarkerLabel,
			ExtraLabels:    cfg.Jira.ExtraLabels,
			Statuses: domain.StatusPolicy{
				ClosedStatuses: cfg.Jira.ClosedStatuses,
				OpenStatuses:   cfg.Jira.OpenStatuses,
			},
			IssueType:    cfg.Jira.IssueType,
			ParentKey:    cfg.Jira.EpicKey,
			Assignee:     cfg.Jira.Assignee,
			CustomFields: cfg.Jira.CustomFields,
		},
		AutoClose:       cfg.Sync.AutoClose,
		ContinueOnError: cfg.Sync.ContinueOnError,
		DryRun:          cfg.Sync.DryRun,
	}
	if !cfg.Sync.AutoClose {
		ec.Plan.ResolvedSuffix = cfg.Sync.ResolvedSuffix
	}
	return ec, nil
}

// RunResult summarizes a run.
type RunResult struct {
	RunID     uuid.UUID
	AccountID string
	Region    string
	Plan      domain.Plan
	Closed    []string
	Renamed   []string
	Created   []string
	DryRun    bool
	Duration  time.Duration
}

// Engine reconciles one account and region per run. It keeps no state
// between runs and does not retry; retries belong to the clients.
type Engine struct {
	cfg     EngineConfig
	source  FindingSource
	tracker TicketTracker

	logger  *logger.Logger
	metrics SyncMetrics
	tracer  trace.Tracer
}

// NewEngine creates an Engine.
func NewEngine(
	cfg EngineConfig,
	source FindingSource,
	tracker TicketTracker,
	logger *logger.Logger,
	metrics SyncMetrics,
	tracer trace.Tracer,
) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Plan.IdentityPrefix == "" {
		cfg.Plan.IdentityPrefix = domain.DefaultIdentityPrefix
	}
	if cfg.Plan.MarkerLabel == "" {
		cfg.Plan.MarkerLabel = domain.DefaultMarkerLabel
	}
	if len(cfg.Severities) == 0 {
		cfg.Severities = domain.DefaultSeverities
	}
	if len(cfg.Plan.Statuses.ClosedStatuses) == 0 {
		cfg.Plan.Statuses.ClosedStatuses = domain.DefaultClosedStatuses
	}
	if cfg.Region == "" {
		cfg.Region = domain.DefaultRegion
	}

	return &Engine{
		cfg:     cfg,
		source:  source,
		tracker: tracker,
		logger:  logger.With("component", "reconciliation_engine"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Plan gathers findings and tickets and computes the plan without writing
// anything to the tracker.
func (e *Engine) Plan(ctx context.Context) (RunResult, error) {
	return e.run(ctx, true)
}

// Run performs a full reconciliation pass. Unless ContinueOnError is set
// the first failure aborts the remaining steps. When DryRun is configured
// Run behaves like Plan.
func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	return e.run(ctx, e.cfg.DryRun)
}

func (e *Engine) run(ctx context.Context, dryRun bool) (result RunResult, err error) {
	result = RunResult{RunID: uuid.New(), Region: e.cfg.Region, DryRun: dryRun}

	ctx, span := e.tracer.Start(ctx, "reconciliation_engine.run",
		trace.WithAttributes(
			attribute.String("run_id", result.RunID.String()),
			attribute.String("region", e.cfg.Region),
			attribute.Bool("dry_run", dryRun),
			attribute.Bool("auto_close", e.cfg.AutoClose),
		))
	defer span.End()

	logger := e.logger.With("run_id", result.RunID.String(), "region", e.cfg.Region)
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		e.metrics.ObserveRunDuration(ctx, result.Duration, dryRun)
	}()

	logger.Info(ctx, "starting reconciliation run", "dry_run", dryRun)

	accountID, plan, err := e.buildPlan(ctx)
	result.AccountID = accountID
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build plan")
		logger.Error(ctx, "failed to build plan", "error", err)
		return result, err
	}
	result.Plan = plan

	span.SetAttributes(
		attribute.String("account_id", accountID),
		attribute.Int("close_count", len(plan.Close)),
		attribute.Int("create_count", len(plan.Create)),
		attribute.Int("keep_count", len(plan.Keep)),
	)
	logger.Info(ctx, "computed plan",
		"account_id", accountID,
		"close", len(plan.Close),
		"create", len(plan.Create),
		"keep", len(plan.Keep),
	)

	if dryRun {
		span.SetStatus(codes.Ok, "plan computed")
		return result, nil
	}

	err = e.apply(ctx, plan, &result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply plan")
		logger.Error(ctx, "reconciliation run failed",
			"error", err,
			"closed", len(result.Closed),
			"renamed", len(result.Renamed),
			"created", len(result.Created),
		)
		return result, err
	}

	logger.Info(ctx, "reconciliation run completed",
		"closed", len(result.Closed),
		"renamed", len(result.Renamed),
		"created", len(result.Created),
	)
	span.SetStatus(codes.Ok, "run completed")
	return result, nil
}

// buildPlan resolves the account, fetches tickets and findings concurrently
// and diffs them.
func (e *Engine) buildPlan(ctx context.Context) (string, domain.Plan, error) {
	ctx, span := e.tracer.Start(ctx, "reconciliation_engine.build_plan")
	defer span.End()

	accountID, err := e.source.AccountID(ctx)
	if err != nil {
		e.metrics.IncRunErrors(ctx, "account")
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve account")
		return "", domain.Plan{}, fmt.Errorf("resolving account id: %w", err)
	}

	var (
		tickets  []domain.Ticket
		findings []domain.Finding
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tickets, err = e.tracker.Search(gctx, domain.IdentityLabels(accountID, e.cfg.Region))
		if err != nil {
			e.metrics.IncRunErrors(ctx, "search")
			return fmt.Errorf("searching tickets: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		findings, err = e.source.FetchActiveFindings(gctx, e.cfg.Severities, e.cfg.Region)
		if err != nil {
			e.metrics.IncRunErrors(ctx, "fetch")
			return fmt.Errorf("fetching findings: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to gather inputs")
		return accountID, domain.Plan{}, err
	}
	e.metrics.AddFindingsFetched(ctx, len(findings))

	opts := e.cfg.Plan
	opts.AccountID = accountID
	opts.Region = e.cfg.Region

	plan, err := domain.BuildPlan(tickets, findings, opts)
	if err != nil {
		e.metrics.IncRunErrors(ctx, "plan")
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build plan")
		return accountID, domain.Plan{}, err
	}

	span.SetStatus(codes.Ok, "plan built")
	return accountID, plan, nil
}

// apply writes the plan: stale tickets first, then new tickets.
func (e *Engine) apply(ctx context.Context, plan domain.Plan, result *RunResult) error {
	var errs []error
	fail := func(stage string, err error) bool {
		e.metrics.IncRunErrors(ctx, stage)
		errs = append(errs, err)
		return !e.cfg.ContinueOnError
	}

	for _, t := range plan.Close {
		if e.cfg.AutoClose {
			if err := e.tracker.Close(ctx, t.Key); err != nil {
				if fail("close", fmt.Errorf("closing ticket %s: %w", t.Key, err)) {
					return errors.Join(errs...)
				}
				continue
			}
			e.metrics.IncTicketsClosed(ctx)
			result.Closed = append(result.Closed, t.Key)
			e.logger.Info(ctx, "closed stale ticket", "key", t.Key, "title", t.Title)
			continue
		}

		if err := e.markResolved(ctx, t); err != nil {
			if fail("rename", err) {
				return errors.Join(errs...)
			}
			continue
		}
		e.metrics.IncTicketsRenamed(ctx)
		result.Renamed = append(result.Renamed, t.Key)
		e.logger.Info(ctx, "marked stale ticket resolved", "key", t.Key, "title", t.Title)
	}

	for _, nt := range plan.Create {
		ticket, err := e.tracker.Create(ctx, nt)
		if err != nil {
			if fail("create", fmt.Errorf("creating ticket %q: %w", nt.Title, err)) {
				return errors.Join(errs...)
			}
			continue
		}
		e.metrics.IncTicketsCreated(ctx)
		result.Created = append(result.Created, ticket.Key)
	}

	return errors.Join(errs...)
}

// markResolved renames a stale ticket with the resolved suffix and leaves a
// comment saying when its finding went away.
func (e *Engine) markResolved(ctx context.Context, t domain.Ticket) error {
	if err := e.tracker.Rename(ctx, t.Key, t.Title+e.cfg.Plan.ResolvedSuffix); err != nil {
		return fmt.Errorf("renaming ticket %s: %w", t.Key, err)
	}
	if err := e.tracker.Comment(ctx, t.Key, ResolvedComment(e.cfg.Now())); err != nil {
		return fmt.Errorf("commenting on ticket %s: %w", t.Key, err)
	}
	return nil
}

// ResolvedComment is the comment left on a ticket renamed as resolved.
func ResolvedComment(at time.Time) string {
	return fmt.Sprintf("As of %s, this Security Hub finding is no longer active and the ticket has been marked resolved. Close it once the fix is verified.",
		at.UTC().Format(time.DateOnly))
}
