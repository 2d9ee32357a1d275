// Package realtime keeps a local replica of the auction collections in sync
// with the store through change notifications.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/cricket-auction/internal/realtime"

// observerWorkers bounds the number of observer callbacks running at once.
const observerWorkers = 16

// ErrRunning is returned when Run is called twice.
var ErrRunning = errors.New("realtime: layer already running")

// Status is the connection status reported to clients.
type Status string

const (
	StatusLive    Status = "live"
	StatusOffline Status = "offline"
)

// Update is passed to observers after the replica changes. Collection is
// empty when only the status changed. Snapshot is read when the observer
// runs, so it is never older than the change that caused the call.
type Update struct {
	Collection store.Collection `json:"collection,omitempty"`
	Status     Status           `json:"status"`
	Snapshot   Snapshot         `json:"snapshot"`
}

// Layer runs one channel per collection and serves the replica.
type Layer struct {
	teams       store.TeamRepository
	players     store.PlayerRepository
	assignments store.AssignmentRepository
	state       store.AuctionStateRepository

	replica  Replica
	version  atomic.Uint64
	channels []*channel
	running  atomic.Bool

	statusMu sync.Mutex
	status   atomic.Value

	obsMu     sync.RWMutex
	observers []func(Update)
	pool      *ants.Pool

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock
}

// NewLayer creates a Layer over repos. Nothing is fetched until Run.
func NewLayer(repos *store.Repositories, cfg config.RealtimeConfig, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) (*Layer, error) {
	pool, err := ants.NewPool(observerWorkers)
	if err != nil {
		return nil, fmt.Errorf("creating observer pool: %w", err)
	}
	l := &Layer{
		teams:       repos.Teams,
		players:     repos.Players,
		assignments: repos.Assignments,
		state:       repos.State,
		pool:        pool,
		logger:      logger,
		tracer:      tp.Tracer(instrumentationName),
		clock:       clk,
	}
	l.status.Store(StatusOffline)

	refreshers := map[store.Collection]func(context.Context) error{
		store.Teams:        l.refreshTeams,
		store.Players:      l.refreshPlayers,
		store.Assignments:  l.refreshAssignments,
		store.StateCollection: l.refreshState,
	}
	for _, c := range store.Collections() {
		l.channels = append(l.channels, &channel{
			collection: c,
			notifier:   repos.Notifier,
			refresh:    l.traced(c, refreshers[c]),
			onState:    l.updateStatus,
			cfg:        cfg,
			logger:     logger,
		})
	}
	return l, nil
}

// Run keeps every channel connected until ctx is done. It returns nil on
// cancellation.
func (l *Layer) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.pool.Release()

	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range l.channels {
		g.Go(func() error { return ch.run(ctx) })
	}
	return g.Wait()
}

// Status reports live only while every channel is attached.
func (l *Layer) Status() Status {
	return l.status.Load().(Status)
}

// Channels returns the state of each collection channel.
func (l *Layer) Channels() map[store.Collection]State {
	out := make(map[store.Collection]State, len(l.channels))
	for _, ch := range l.channels {
		out[ch.collection] = ch.State()
	}
	return out
}

// Snapshot returns the replicated state. It keeps serving the last known
// good data while offline.
func (l *Layer) Snapshot() Snapshot {
	return l.replica.Snapshot()
}

// OnUpdate registers fn to be called after every replica or status change.
// Callbacks run on a bounded worker pool and may run concurrently.
func (l *Layer) OnUpdate(fn func(Update)) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.observers = append(l.observers, fn)
}

// Check implements a readiness check.
func (l *Layer) Check(context.Context) error {
	if s := l.Status(); s != StatusLive {
		return fmt.Errorf("realtime %s", s)
	}
	return nil
}

func (l *Layer) updateStatus() {
	l.statusMu.Lock()
	next := StatusLive
	for _, ch := range l.channels {
		if !ch.State().connected() {
			next = StatusOffline
			break
		}
	}
	prev := l.status.Swap(next).(Status)
	l.statusMu.Unlock()
	if prev == next {
		return
	}
	l.logger.Info("realtime status changed", slog.String("status", string(next)))
	l.notify("")
}

func (l *Layer) notify(c store.Collection) {
	l.obsMu.RLock()
	observers := append([]func(Update){}, l.observers...)
	l.obsMu.RUnlock()

	for _, fn := range observers {
		err := l.pool.Submit(func() {
			fn(Update{Collection: c, Status: l.Status(), Snapshot: l.replica.Snapshot()})
		})
		if err != nil {
			l.logger.Debug("dropping update", slog.String("error", err.Error()))
		}
	}
}

func (l *Layer) traced(c store.Collection, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, span := l.tracer.Start(ctx, "Layer.refresh",
			trace.WithAttributes(attribute.String("collection", string(c))),
		)
		defer span.End()

		if err := fn(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		l.notify(c)
		return nil
	}
}

func (l *Layer) refreshTeams(ctx context.Context) error {
	v := l.version.Add(1)
	teams, err := l.teams.List(ctx)
	if err != nil {
		return fmt.Errorf("listing teams: %w", err)
	}
	l.replica.set(fieldTeams, v, l.clock.Now(), func(s *Snapshot) { s.Teams = teams })
	return l.refreshOverview(ctx)
}

func (l *Layer) refreshPlayers(ctx context.Context) error {
	v := l.version.Add(1)
	players, err := l.players.List(ctx)
	if err != nil {
		return fmt.Errorf("listing players: %w", err)
	}
	l.replica.set(fieldPlayers, v, l.clock.Now(), func(s *Snapshot) { s.Players = players })
	return l.refreshOverview(ctx)
}

func (l *Layer) refreshAssignments(ctx context.Context) error {
	v := l.version.Add(1)
	assignments, err := l.assignments.List(ctx)
	if err != nil {
		return fmt.Errorf("listing assignments: %w", err)
	}
	l.replica.set(fieldAssignments, v, l.clock.Now(), func(s *Snapshot) { s.Assignments = assignments })
	return l.refreshOverview(ctx)
}

func (l *Layer) refreshOverview(ctx context.Context) error {
	v := l.version.Add(1)
	ov, err := l.assignments.Overview(ctx)
	if err != nil {
		return fmt.Errorf("reading overview: %w", err)
	}
	l.replica.set(fieldOverview, v, l.clock.Now(), func(s *Snapshot) { s.Overview = ov })
	return nil
}

func (l *Layer) refreshState(ctx context.Context) error {
	v := l.version.Add(1)
	st, err := l.state.Get(ctx)
	if err != nil {
		return fmt.Errorf("reading auction state: %w", err)
	}
	l.replica.set(fieldCurrent, v, l.clock.Now(), func(s *Snapshot) { s.CurrentPlayerID = st.CurrentPlayerID })
	return nil
}
