// Package kubernetes provides a Kubernetes lease based lock that keeps two
// sync runs against the same project from overlapping.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ahrav/securityhub-sync/pkg/common/logger"
)

// ErrLockNotAcquired is returned by Do when the context ends before the lease
// could be taken.
var ErrLockNotAcquired = errors.New("run lock not acquired")

const defaultLeaseDuration = 30 * time.Second

// LockConfig identifies the lease guarding a run.
type LockConfig struct {
	Namespace string
	Name      string
	// Identity is recorded as the lease holder. Defaults to hostname plus a
	// random suffix.
	Identity      string
	LeaseDuration time.Duration
	Kubeconfig    string
}

// RunLock serializes sync runs through a coordination.k8s.io Lease. The
// lease is renewed for as long as the guarded function runs and released
// when it returns.
type RunLock struct {
	client kubernetes.Interface
	config LockConfig

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRunLock creates a RunLock using the in-cluster config, or kubeconfig
// when running outside a cluster.
func NewRunLock(cfg LockConfig, logger *logger.Logger, tracer trace.Tracer) (*RunLock, error) {
	client, err := getKubernetesClient(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client for run lock: %w", err)
	}
	return newRunLock(client, cfg, logger, tracer)
}

func newRunLock(client kubernetes.Interface, cfg LockConfig, logger *logger.Logger, tracer trace.Tracer) (*RunLock, error) {
	if cfg.Namespace == "" || cfg.Name == "" {
		return nil, fmt.Errorf("run lock needs a namespace and a name")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.Identity == "" {
		host, _ := os.Hostname()
		cfg.Identity = host + "_" + uuid.NewString()
	}

	return &RunLock{
		client: client,
		config: cfg,
		logger: logger.With(
			"component", "kubernetes_run_lock",
			"namespace", cfg.Namespace,
			"lease", cfg.Name,
			"identity", cfg.Identity,
		),
		tracer: tracer,
	}, nil
}

// Do blocks until the lease is held, runs fn, and releases the lease.
// fn's context is canceled if the lease is lost while it runs. If ctx ends
// before the lease is acquired, Do returns ErrLockNotAcquired and fn never runs.
func (l *RunLock) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := l.tracer.Start(ctx, "kubernetes_run_lock.do",
		trace.WithAttributes(
			attribute.String("namespace", l.config.Namespace),
			attribute.String("lease", l.config.Name),
		))
	defer span.End()

	logger := l.logger.With("operation", "do")

	electionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		started = make(chan struct{})
		done    = make(chan struct{})
		runErr  error
	)

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      l.config.Name,
			Namespace: l.config.Namespace,
		},
		Client: l.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: l.config.Identity,
		},
	}

	lease := l.config.LeaseDuration
	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   lease,
		RenewDeadline:   lease * 2 / 3,
		RetryPeriod:     lease / 6,
		ReleaseOnCancel: true,
		Name:            l.config.Name,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(leaderCtx context.Context) {
				close(started)
				defer close(done)
				logger.Info(leaderCtx, "run lock acquired")
				span.AddEvent("lock_acquired")

				runErr = fn(leaderCtx)
				cancel()
			},
			OnStoppedLeading: func() {
				logger.Debug(ctx, "run lock released")
			},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return fmt.Errorf("creating leader elector: %w", err)
	}

	logger.Debug(ctx, "waiting for run lock")
	elector.Run(electionCtx)

	select {
	case <-started:
	default:
		err := fmt.Errorf("%w: %w", ErrLockNotAcquired, ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock not acquired")
		return err
	}

	// Run returns as soon as the lease is released or lost; fn may still be
	// unwinding.
	<-done

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "guarded run failed")
		return runErr
	}
	span.SetStatus(codes.Ok, "guarded run completed")
	return nil
}
