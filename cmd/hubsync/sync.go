package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/securityhub-sync/internal/app/reconciliation"
	"github.com/ahrav/securityhub-sync/internal/config"
	"github.com/ahrav/securityhub-sync/internal/config/envloader"
	"github.com/ahrav/securityhub-sync/internal/config/fileloader"
	"github.com/ahrav/securityhub-sync/internal/infra/cluster/kubernetes"
	"github.com/ahrav/securityhub-sync/internal/infra/jira"
	"github.com/ahrav/securityhub-sync/internal/infra/securityhub"
	"github.com/ahrav/securityhub-sync/pkg/common/logger"
	"github.com/ahrav/securityhub-sync/pkg/common/otel"
)

var (
	_ reconciliation.TicketTracker = (*jira.Client)(nil)
	_ reconciliation.FindingSource = (*securityhub.Client)(nil)
)

func newSyncCmd(flags *rootFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile Jira tickets with active findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, flags, dryRun, false)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the plan without writing to Jira")
	return cmd
}

func newPlanCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show which tickets a sync would close and create",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, flags, true, true)
		},
	}
}

// loadConfig layers the environment over the config file, or over the
// defaults when no file is given, and validates the result.
func loadConfig(ctx context.Context, flags *rootFlags) (*config.Config, error) {
	var base config.Loader = config.DefaultLoader{}
	if flags.configPath != "" {
		base = fileloader.NewFileLoader(flags.configPath)
	}

	cfg, err := envloader.New(base, envloader.WithEnvFiles(flags.envFiles...)).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Telemetry.LogLevel = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *logger.Logger {
	hostname, _ := os.Hostname()

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"hostname": hostname,
		"region":   cfg.AWS.Region,
		"project":  cfg.Jira.Project,
		"version":  version,
	}
	if pod := os.Getenv(envloader.EnvPodName); pod != "" {
		metadata["pod"] = pod
	}

	return logger.NewWithMetadata(
		w,
		logger.ParseLevel(cfg.Telemetry.LogLevel),
		cfg.Telemetry.ServiceName,
		otel.GetTraceID,
		logEvents,
		metadata,
	)
}

func execute(cmd *cobra.Command, flags *rootFlags, dryRun, planOnly bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, flags)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}
	if dryRun {
		cfg.Sync.DryRun = true
	}

	log := newLogger(cfg, os.Stderr)

	tel, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"aws.region":       cfg.AWS.Region,
			"jira.project":     cfg.Jira.Project,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		telemetryTeardown(shutdownCtx)
	}()

	tracer := tel.TracerProvider.Tracer(cfg.Telemetry.ServiceName)

	metrics, err := reconciliation.NewMetrics(tel.MeterProvider)
	if err != nil {
		log.Error(ctx, "failed to create metrics", "error", err)
		return err
	}

	engineCfg, err := reconciliation.EngineConfigFrom(cfg)
	if err != nil {
		log.Error(ctx, "invalid sync configuration", "error", err)
		return err
	}

	tracker, err := jira.NewClient(jira.ConfigFrom(cfg), nil, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create jira client", "error", err)
		return err
	}

	source, err := securityhub.NewClient(ctx, cfg.AWS.Region, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create security hub client", "error", err)
		return err
	}

	engine := reconciliation.NewEngine(engineCfg, source, tracker, log, metrics, tracer)

	run := func(ctx context.Context) error {
		var (
			result reconciliation.RunResult
			err    error
		)
		if planOnly {
			result, err = engine.Plan(ctx)
		} else {
			result, err = engine.Run(ctx)
		}
		printResult(cmd.OutOrStdout(), result)
		return err
	}

	// Plans never write, so they skip the lock.
	if !cfg.Lock.Enabled || planOnly {
		return run(ctx)
	}

	lock, err := kubernetes.NewRunLock(kubernetes.LockConfig{
		Namespace:     cfg.Lock.Namespace,
		Name:          cfg.Lock.Name,
		Identity:      cfg.Lock.Identity,
		LeaseDuration: cfg.Lock.LeaseDuration,
		Kubeconfig:    cfg.Lock.Kubeconfig,
	}, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create run lock", "error", err)
		return err
	}
	return lock.Do(ctx, run)
}

// printResult writes a human readable summary of a run.
func printResult(w io.Writer, r reconciliation.RunResult) {
	mode := "sync"
	if r.DryRun {
		mode = "plan"
	}
	fmt.Fprintf(w, "%s %s: account=%s region=%s\n", mode, r.RunID, r.AccountID, r.Region)

	if r.DryRun {
		for _, t := range r.Plan.Close {
			fmt.Fprintf(w, "  - stale  %s %s\n", t.Key, t.Title)
		}
		for _, nt := range r.Plan.Create {
			fmt.Fprintf(w, "  + create %s (priority %s)\n", nt.Title, nt.PriorityID)
		}
	} else {
		for _, key := range r.Closed {
			fmt.Fprintf(w, "  closed   %s\n", key)
		}
		for _, key := range r.Renamed {
			fmt.Fprintf(w, "  resolved %s\n", key)
		}
		for _, key := range r.Created {
			fmt.Fprintf(w, "  created  %s\n", key)
		}
	}

	fmt.Fprintf(w, "%d to close, %d to create, %d unchanged (%s)\n",
		len(r.Plan.Close), len(r.Plan.Create), len(r.Plan.Keep), r.Duration.Round(time.Millisecond))
}
