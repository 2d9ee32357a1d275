// Package leader keeps singleton background work, such as recycling unsold
// players, on one auctiond replica at a time using a Kubernetes Lease.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/jensholdgaard/cricket-auction/internal/config"
)

// Worker is background work that must run on at most one replica.
type Worker interface {
	Start(ctx context.Context)
	Stop()
}

// ClientFactory builds the clientset used for the Lease. Tests replace it.
var ClientFactory = func() (kubernetes.Interface, error) {
	rc, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}
	return cs, nil
}

// Elector runs a Worker for as long as this replica leads.
type Elector struct {
	cfg     config.LeaderElectionConfig
	id      string
	logger  *slog.Logger
	leading atomic.Bool
}

// New returns an Elector identified by POD_NAME, or the hostname outside
// a pod.
func New(cfg config.LeaderElectionConfig, logger *slog.Logger) *Elector {
	return &Elector{cfg: cfg, id: instanceID(), logger: logger}
}

func instanceID() string {
	if pod := os.Getenv("POD_NAME"); pod != "" {
		return pod
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "auctiond"
}

// ID is the holder identity written to the Lease.
func (e *Elector) ID() string { return e.id }

// Leading reports whether the worker is currently running here.
func (e *Elector) Leading() bool { return e.leading.Load() }

// Run blocks until ctx is done. With election disabled the worker runs for
// the whole lifetime of ctx; otherwise it is started on every acquired term
// and stopped when the term ends.
func (e *Elector) Run(ctx context.Context, w Worker) error {
	if !e.cfg.Enabled {
		e.logger.InfoContext(ctx, "leader election disabled, running singleton work locally")
		e.lead(ctx, w)
		return nil
	}

	client, err := ClientFactory()
	if err != nil {
		return fmt.Errorf("leader election client: %w", err)
	}

	le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock: &resourcelock.LeaseLock{
			LeaseMeta: metav1.ObjectMeta{
				Name:      e.cfg.LeaseName,
				Namespace: e.cfg.LeaseNamespace,
			},
			Client:     client.CoordinationV1(),
			LockConfig: resourcelock.ResourceLockConfig{Identity: e.id},
		},
		LeaseDuration:   e.cfg.LeaseDuration,
		RenewDeadline:   e.cfg.RenewDeadline,
		RetryPeriod:     e.cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            e.cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(termCtx context.Context) {
				e.logger.InfoContext(termCtx, "acquired auction lease", slog.String("holder", e.id))
				e.lead(termCtx, w)
			},
			OnStoppedLeading: func() {
				e.logger.Info("released auction lease", slog.String("holder", e.id))
			},
			OnNewLeader: func(holder string) {
				if holder != e.id {
					e.logger.Info("auction lease held elsewhere", slog.String("holder", holder))
				}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("leader election config: %w", err)
	}

	e.logger.InfoContext(ctx, "campaigning for auction lease",
		slog.String("holder", e.id),
		slog.String("lease", e.cfg.LeaseName),
		slog.String("namespace", e.cfg.LeaseNamespace),
	)
	le.Run(ctx)
	return nil
}

func (e *Elector) lead(ctx context.Context, w Worker) {
	e.leading.Store(true)
	w.Start(ctx)
	<-ctx.Done()
	w.Stop()
	e.leading.Store(false)
}
