package realtime_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/realtime"
	"github.com/jensholdgaard/cricket-auction/internal/rotation"
	"github.com/jensholdgaard/cricket-auction/internal/store"
	"github.com/jensholdgaard/cricket-auction/internal/store/memstore"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var fastCfg = config.RealtimeConfig{
	InitialBackoff: 5 * time.Millisecond,
	MaxBackoff:     20 * time.Millisecond,
	RefreshRetry:   10 * time.Millisecond,
}

func startLayer(t *testing.T, repos *store.Repositories) *realtime.Layer {
	t.Helper()
	l, err := realtime.NewLayer(repos, fastCfg, slog.Default(), noop.NewTracerProvider(), clock.Real{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return l
}

func newStore() *memstore.Store {
	return memstore.New(clock.NewMock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)), 900000)
}

func TestLayer_GoesLiveAndLoadsEveryCollection(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	repos := s.Repositories()
	require.NoError(t, repos.Teams.Create(ctx, &store.Team{Name: "Alpha"}))
	p := &store.Player{Name: "Rohit", Position: store.Batsman, BasePrice: 1000}
	require.NoError(t, repos.Players.Create(ctx, p))
	require.NoError(t, repos.State.SetCurrentPlayer(ctx, &p.ID))

	l := startLayer(t, repos)

	require.Eventually(t, func() bool { return l.Status() == realtime.StatusLive }, waitFor, tick)
	require.Eventually(t, func() bool {
		snap := l.Snapshot()
		return len(snap.Teams) == 1 && len(snap.Players) == 1 && snap.Overview != nil && snap.Current() != nil
	}, waitFor, tick)

	snap := l.Snapshot()
	require.Equal(t, "Rohit", snap.Current().Name)
	require.Equal(t, 1, snap.Overview.TotalTeams)
	require.False(t, snap.UpdatedAt.IsZero())
	require.NoError(t, l.Check(ctx))
	for c, st := range l.Channels() {
		require.True(t, st == realtime.Subscribed || st == realtime.Delivering, "%s is %s", c, st)
	}
}

func TestLayer_AppliesChanges(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	repos := s.Repositories()
	l := startLayer(t, repos)
	require.Eventually(t, func() bool { return l.Status() == realtime.StatusLive }, waitFor, tick)

	// A burst collapses, but the last write is always fetched.
	for range 25 {
		require.NoError(t, repos.Players.Create(ctx, &store.Player{Name: "p", Position: store.Bowler, BasePrice: 500}))
	}
	require.Eventually(t, func() bool { return len(l.Snapshot().Players) == 25 }, waitFor, tick)
	require.Eventually(t, func() bool {
		ov := l.Snapshot().Overview
		return ov != nil && ov.TotalPlayers == 25
	}, waitFor, tick)
}

func TestLayer_KeepsLastKnownGoodWhileOffline(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	repos := s.Repositories()
	require.NoError(t, repos.Teams.Create(ctx, &store.Team{Name: "Alpha"}))

	l := startLayer(t, repos)
	require.Eventually(t, func() bool { return len(l.Snapshot().Teams) == 1 }, waitFor, tick)

	s.SetOffline(true)
	require.Eventually(t, func() bool { return l.Status() == realtime.StatusOffline }, waitFor, tick)
	require.Error(t, l.Check(ctx))
	require.Len(t, l.Snapshot().Teams, 1)

	// Changes made while disconnected are picked up on resubscribe.
	require.NoError(t, repos.Teams.Create(ctx, &store.Team{Name: "Bravo"}))

	s.SetOffline(false)
	require.Eventually(t, func() bool { return l.Status() == realtime.StatusLive }, waitFor, tick)
	require.Eventually(t, func() bool { return len(l.Snapshot().Teams) == 2 }, waitFor, tick)
}

func TestLayer_ReconnectsAfterDisconnect(t *testing.T) {
	s := newStore()
	l := startLayer(t, s.Repositories())
	require.Eventually(t, func() bool { return l.Status() == realtime.StatusLive }, waitFor, tick)

	var offline atomic.Bool
	l.OnUpdate(func(u realtime.Update) {
		if u.Collection == "" && u.Status == realtime.StatusOffline {
			offline.Store(true)
		}
	})

	s.Disconnect()
	require.Eventually(t, offline.Load, waitFor, tick)
	require.Eventually(t, func() bool {
		return l.Status() == realtime.StatusLive && s.Subscribers(store.Teams) == 1
	}, waitFor, tick)
}

// flakyTeams fails the first n List calls.
type flakyTeams struct {
	store.TeamRepository
	fails atomic.Int32
}

func (f *flakyTeams) List(ctx context.Context) ([]store.Team, error) {
	if f.fails.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return f.TeamRepository.List(ctx)
}

func TestLayer_RetriesFailedRefresh(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	repos := s.Repositories()
	require.NoError(t, repos.Teams.Create(ctx, &store.Team{Name: "Alpha"}))

	flaky := &flakyTeams{TeamRepository: repos.Teams}
	flaky.fails.Store(3)
	repos.Teams = flaky

	l := startLayer(t, repos)
	require.Eventually(t, func() bool { return len(l.Snapshot().Teams) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return l.Status() == realtime.StatusLive }, waitFor, tick)
}

func TestLayer_ObserversSeeCollectionUpdates(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	repos := s.Repositories()
	l := startLayer(t, repos)

	var mu sync.Mutex
	seen := map[store.Collection]int{}
	l.OnUpdate(func(u realtime.Update) {
		mu.Lock()
		defer mu.Unlock()
		seen[u.Collection]++
	})
	require.Eventually(t, func() bool { return l.Status() == realtime.StatusLive }, waitFor, tick)

	require.NoError(t, repos.Teams.Create(ctx, &store.Team{Name: "Alpha"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[store.Teams] > 0
	}, waitFor, tick)
}

func TestLayer_RunTwice(t *testing.T) {
	l := startLayer(t, newStore().Repositories())
	require.Eventually(t, func() bool { return l.Status() == realtime.StatusLive }, waitFor, tick)
	require.ErrorIs(t, l.Run(context.Background()), realtime.ErrRunning)
}

func TestNeedsRecycle(t *testing.T) {
	players := func(statuses ...store.PlayerStatus) []store.Player {
		out := make([]store.Player, len(statuses))
		for i, st := range statuses {
			out[i] = store.Player{ID: int64(i + 1), Status: st}
		}
		return out
	}
	tests := []struct {
		name    string
		players []store.Player
		want    bool
	}{
		{"not loaded", nil, false},
		{"empty", players(), false},
		{"available left", players(store.StatusAvailable, store.StatusUnsold), false},
		{"only sold", players(store.StatusSold, store.StatusSold), false},
		{"exhausted", players(store.StatusSold, store.StatusUnsold), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, realtime.NeedsRecycle(realtime.Snapshot{Players: tt.players}))
		})
	}
}

func TestSnapshot_Current(t *testing.T) {
	id := int64(2)
	snap := realtime.Snapshot{
		Players:         []store.Player{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}},
		CurrentPlayerID: &id,
	}
	require.Equal(t, "b", snap.Current().Name)

	missing := int64(9)
	snap.CurrentPlayerID = &missing
	require.Nil(t, snap.Current())
}

// recycleCounter counts bulk recycles that reach the store.
type recycleCounter struct {
	store.PlayerRepository
	calls atomic.Int32
}

func (r *recycleCounter) RecycleUnsold(ctx context.Context) (int64, error) {
	r.calls.Add(1)
	return r.PlayerRepository.RecycleUnsold(ctx)
}

func TestRecycleOnExhaustion_RecyclesOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	repos := s.Repositories()

	var last *store.Player
	for i := range 6 {
		p := &store.Player{Name: "Player " + string(rune('A'+i)), Position: store.Bowler, BasePrice: 1000}
		require.NoError(t, repos.Players.Create(ctx, p))
		last = p
		if i < 5 {
			require.NoError(t, repos.Tx.WithinTx(ctx, func(tx store.Tx) error {
				return tx.SetPlayerStatus(ctx, p.ID, store.StatusUnsold)
			}))
		}
	}

	players := &recycleCounter{PlayerRepository: repos.Players}
	rec := audit.NewRecorder(repos.Audit, slog.Default(), clock.Real{})
	r := rotation.NewReconciler(players, &auction.Gate{}, rec, 50*time.Millisecond, time.Second, slog.Default(), noop.NewTracerProvider())
	runCtx, stop := context.WithCancel(ctx)
	t.Cleanup(stop)
	r.Start(runCtx)

	l := startLayer(t, repos)
	l.OnUpdate(realtime.RecycleOnExhaustion(r.Trigger))
	require.Eventually(t, func() bool { return len(l.Snapshot().Players) == 6 }, waitFor, tick)
	require.Zero(t, players.calls.Load(), "pool still has an available player")

	// The last available player goes unsold, followed by a burst of
	// identical notifications inside the debounce window.
	require.NoError(t, repos.Tx.WithinTx(ctx, func(tx store.Tx) error {
		return tx.SetPlayerStatus(ctx, last.ID, store.StatusUnsold)
	}))
	for range 5 {
		s.Notify(store.Players)
	}

	require.Eventually(t, func() bool {
		avail, err := repos.Players.ListByStatus(ctx, store.StatusAvailable)
		return err == nil && len(avail) == 6
	}, waitFor, tick)
	require.Eventually(t, func() bool { return !realtime.NeedsRecycle(l.Snapshot()) && l.Snapshot().Players[0].Status == store.StatusAvailable }, waitFor, tick)

	s.Notify(store.Players)
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(1), players.calls.Load())

	entries, err := repos.Audit.ListAudit(ctx, 0)
	require.NoError(t, err)
	var recycles int
	for _, e := range entries {
		if e.Action == audit.ActionRecycle {
			recycles++
		}
	}
	require.Equal(t, 1, recycles)
}

func TestRecycleOnExhaustion_IgnoresOtherCollections(t *testing.T) {
	var fired atomic.Int32
	obs := realtime.RecycleOnExhaustion(func() { fired.Add(1) })
	exhausted := realtime.Snapshot{Players: []store.Player{{ID: 1, Status: store.StatusUnsold}}}

	obs(realtime.Update{Collection: store.Teams, Snapshot: exhausted})
	obs(realtime.Update{Collection: store.Players, Snapshot: realtime.Snapshot{Players: []store.Player{{ID: 1, Status: store.StatusAvailable}}}})
	require.Zero(t, fired.Load())

	obs(realtime.Update{Collection: store.Players, Snapshot: exhausted})
	require.Equal(t, int32(1), fired.Load())
}
