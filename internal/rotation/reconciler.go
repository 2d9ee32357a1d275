package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

var (
	// ErrBusy is returned when a rules-engine operation or another recycle
	// is in flight. Triggered runs re-arm themselves.
	ErrBusy = errors.New("rotation: operation in flight")
	// ErrReconciliation wraps a failed recycle. The bulk update is
	// all-or-nothing, so retrying is safe.
	ErrReconciliation = errors.New("rotation: reconciliation failed")
)

// Reconciler moves unsold players back to the available pool once no
// available player remains. Runs are debounced, never overlap and never
// start while the rules engine holds the shared gate.
type Reconciler struct {
	players  store.PlayerRepository
	gate     *auction.Gate
	recorder *audit.Recorder
	debounce time.Duration
	timeout  time.Duration

	running atomic.Bool

	mu     sync.Mutex
	active bool
	ctx    context.Context
	timer  *time.Timer

	logger *slog.Logger
	tracer trace.Tracer
}

// NewReconciler creates a Reconciler. It ignores triggers until Start.
// timeout bounds each recycle so a stalled store cannot hold the gate.
func NewReconciler(players store.PlayerRepository, gate *auction.Gate, recorder *audit.Recorder, debounce, timeout time.Duration, logger *slog.Logger, tp trace.TracerProvider) *Reconciler {
	if timeout <= 0 {
		timeout = auction.DefaultTimeout
	}
	return &Reconciler{
		players:  players,
		gate:     gate,
		recorder: recorder,
		debounce: debounce,
		timeout:  timeout,
		logger:   logger,
		tracer:   tp.Tracer(instrumentationName),
	}
}

// Start makes the reconciler act on triggers until ctx ends or Stop is
// called. With leader election it is called when leadership is acquired.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	r.active = true
	r.ctx = ctx
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "recycle reconciler active")
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.ctx == ctx {
			r.stopLocked()
		}
	}()
}

// Stop cancels any pending run and ignores further triggers.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Reconciler) stopLocked() {
	r.active = false
	if r.timer != nil {
		r.timer.Stop()
	}
}

// Active reports whether triggers are being acted on.
func (r *Reconciler) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Trigger schedules a recycle after the debounce window. Triggers arriving
// within the window push it back, so a burst results in a single run.
func (r *Reconciler) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(r.debounce, r.fire)
		return
	}
	r.timer.Reset(r.debounce)
}

func (r *Reconciler) fire() {
	r.mu.Lock()
	active, ctx := r.active, r.ctx
	r.mu.Unlock()
	if !active || ctx.Err() != nil {
		return
	}

	_, err := r.RecycleNow(ctx, auth.System)
	switch {
	case errors.Is(err, ErrBusy):
		r.logger.DebugContext(ctx, "recycle deferred, operation in flight")
		r.Trigger()
	case err != nil:
		r.logger.ErrorContext(ctx, "recycle failed", slog.Any("error", err))
	}
}

// RecycleNow runs a recycle immediately. It returns the number of players
// moved back to available, which is zero when any player is still available
// or none is unsold.
func (r *Reconciler) RecycleNow(ctx context.Context, actor auth.Identity) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "Reconciler.RecycleNow")
	defer span.End()

	if err := auth.RequireAdmin(actor); err != nil {
		return 0, err
	}

	if !r.running.CompareAndSwap(false, true) {
		return 0, ErrBusy
	}
	defer r.running.Store(false)

	release, ok := r.gate.TryExclusive()
	if !ok {
		return 0, ErrBusy
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.players.RecycleUnsold(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recycle failed")
		return 0, fmt.Errorf("%w: %w", ErrReconciliation, err)
	}
	span.SetAttributes(attribute.Int64("players.recycled", n))
	if n == 0 {
		return 0, nil
	}

	r.recorder.Record(ctx, audit.NewEntry(string(store.Players), 0, audit.ActionRecycle, actor.UserID, nil,
		map[string]int64{"recycled": n}))
	r.logger.InfoContext(ctx, "unsold players recycled",
		slog.Int64("count", n),
		slog.String("user_id", actor.UserID),
	)
	return n, nil
}
