package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/store"
	"github.com/jensholdgaard/cricket-auction/internal/store/memstore"
)

func newStore(t *testing.T) (*memstore.Store, *store.Repositories) {
	t.Helper()
	s := memstore.New(clock.NewMock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)), 900000)
	return s, s.Repositories()
}

func TestTeamCreateDefaultsBudget(t *testing.T) {
	_, repos := newStore(t)
	ctx := context.Background()

	team := &store.Team{Name: "Kolhapur Kings"}
	require.NoError(t, repos.Teams.Create(ctx, team))
	require.NotZero(t, team.ID)

	got, err := repos.Teams.GetByID(ctx, team.ID)
	require.NoError(t, err)
	require.Equal(t, int64(900000), got.Budget)

	_, err = repos.Teams.GetByID(ctx, 999)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	_, repos := newStore(t)
	ctx := context.Background()

	team := &store.Team{Name: "A"}
	require.NoError(t, repos.Teams.Create(ctx, team))
	player := &store.Player{Name: "P", Position: store.Batsman, BasePrice: 1000}
	require.NoError(t, repos.Players.Create(ctx, player))

	boom := errors.New("boom")
	err := repos.Tx.WithinTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.MarkSold(ctx, player.ID, 5000))
		require.NoError(t, tx.AdjustBudget(ctx, team.ID, -5000))
		require.NoError(t, tx.InsertAssignment(ctx, &store.Assignment{PlayerID: player.ID, TeamID: team.ID, FinalPrice: 5000}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := repos.Players.GetByID(ctx, player.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusAvailable, p.Status)
	require.Zero(t, p.CurrentPrice)

	tm, err := repos.Teams.GetByID(ctx, team.ID)
	require.NoError(t, err)
	require.Equal(t, int64(900000), tm.Budget)

	as, err := repos.Assignments.List(ctx)
	require.NoError(t, err)
	require.Empty(t, as)
}

func TestWithinTxCommitsAndJoins(t *testing.T) {
	_, repos := newStore(t)
	ctx := context.Background()

	team := &store.Team{Name: "A"}
	require.NoError(t, repos.Teams.Create(ctx, team))
	pune := "Pune"
	player := &store.Player{Name: "P", Position: store.Bowler, BasePrice: 1000, City: &pune}
	require.NoError(t, repos.Players.Create(ctx, player))

	err := repos.Tx.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.MarkSold(ctx, player.ID, 5000); err != nil {
			return err
		}
		if err := tx.AdjustBudget(ctx, team.ID, -5000); err != nil {
			return err
		}
		return tx.InsertAssignment(ctx, &store.Assignment{PlayerID: player.ID, TeamID: team.ID, FinalPrice: 5000})
	})
	require.NoError(t, err)

	as, err := repos.Assignments.List(ctx)
	require.NoError(t, err)
	require.Len(t, as, 1)
	require.Equal(t, "P", as[0].Player.Name)
	require.Equal(t, "A", as[0].Team.Name)
	require.Equal(t, store.StatusSold, as[0].Player.Status)

	sum, err := repos.Teams.Summary(ctx, team.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5000), sum.TotalSpent)
	require.Len(t, sum.Squad, 1)

	ov, err := repos.Assignments.Overview(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ov.SoldPlayers)
	require.Equal(t, int64(900000), ov.TotalBudget)
	require.Equal(t, int64(5000), ov.TotalSpent)

	err = repos.Tx.WithinTx(ctx, func(tx store.Tx) error {
		n, err := tx.CountQuotaPlayers(ctx, team.ID, "Pune")
		require.NoError(t, err)
		require.Equal(t, 1, n)
		return tx.InsertAssignment(ctx, &store.Assignment{PlayerID: player.ID, TeamID: team.ID, FinalPrice: 1})
	})
	require.Error(t, err, "a player can only be assigned once")
}

func TestRecycleUnsold(t *testing.T) {
	_, repos := newStore(t)
	ctx := context.Background()

	a := &store.Player{Name: "A", Position: store.Batsman, BasePrice: 100, Status: store.StatusUnsold}
	b := &store.Player{Name: "B", Position: store.Batsman, BasePrice: 100, Status: store.StatusAvailable}
	require.NoError(t, repos.Players.Create(ctx, a))
	require.NoError(t, repos.Players.Create(ctx, b))

	n, err := repos.Players.RecycleUnsold(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "must not recycle while a player is available")

	require.NoError(t, repos.Tx.WithinTx(ctx, func(tx store.Tx) error {
		return tx.SetPlayerStatus(ctx, b.ID, store.StatusUnsold)
	}))

	n, err = repos.Players.RecycleUnsold(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = repos.Players.RecycleUnsold(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	avail, err := repos.Players.ListByStatus(ctx, store.StatusAvailable)
	require.NoError(t, err)
	require.Len(t, avail, 2)
}

func TestPlayerUpdate(t *testing.T) {
	_, repos := newStore(t)
	ctx := context.Background()

	p := &store.Player{Name: "Ravi", Position: store.Bowler, BasePrice: 1000}
	require.NoError(t, repos.Players.Create(ctx, p))
	sub, err := repos.Notifier.Subscribe(ctx, store.Players)
	require.NoError(t, err)
	defer sub.Close()

	pune := "Pune"
	edit := &store.Player{ID: p.ID, Name: "Ravi Jadhav", Position: store.AllRounder, BasePrice: 1200, City: &pune, Status: store.StatusSold, CurrentPrice: 99}
	require.NoError(t, repos.Players.Update(ctx, edit))
	require.Equal(t, store.StatusAvailable, edit.Status, "status is not editable")
	require.Zero(t, edit.CurrentPrice)
	require.Equal(t, p.CreatedAt, edit.CreatedAt)

	got, err := repos.Players.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "Ravi Jadhav", got.Name)
	require.True(t, got.CityIs("Pune"))
	select {
	case <-sub.Notifications():
	default:
		t.Fatal("expected a players notification")
	}

	require.ErrorIs(t, repos.Players.Update(ctx, &store.Player{ID: 999, Name: "Nobody"}), store.ErrNotFound)

	require.NoError(t, repos.Tx.WithinTx(ctx, func(tx store.Tx) error {
		return tx.SetPlayerStatus(ctx, p.ID, store.StatusUnsold)
	}))
	err = repos.Players.Update(ctx, &store.Player{ID: p.ID, Name: "Changed", Position: store.Bowler, BasePrice: 1})
	require.ErrorIs(t, err, store.ErrNotAvailable)
	got, err = repos.Players.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "Ravi Jadhav", got.Name)
}

func TestSubscribeNotifiesOnCommitOnly(t *testing.T) {
	s, repos := newStore(t)
	ctx := context.Background()

	sub, err := repos.Notifier.Subscribe(ctx, store.Teams)
	require.NoError(t, err)
	defer sub.Close()

	_ = repos.Tx.WithinTx(ctx, func(tx store.Tx) error {
		return errors.New("rollback")
	})
	select {
	case <-sub.Notifications():
		t.Fatal("rolled back transaction must not notify")
	default:
	}

	require.NoError(t, repos.Teams.Create(ctx, &store.Team{Name: "X"}))
	require.NoError(t, repos.Teams.Create(ctx, &store.Team{Name: "Y"}))

	select {
	case _, ok := <-sub.Notifications():
		require.True(t, ok)
	default:
		t.Fatal("expected a notification")
	}
	select {
	case <-sub.Notifications():
		t.Fatal("bursts should coalesce into one pending signal")
	default:
	}

	s.Disconnect()
	_, ok := <-sub.Notifications()
	require.False(t, ok, "channel closes on disconnect")
	require.Zero(t, s.Subscribers(store.Teams))
}

func TestSetOffline(t *testing.T) {
	s, repos := newStore(t)
	ctx := context.Background()

	s.SetOffline(true)
	_, err := repos.Notifier.Subscribe(ctx, store.Players)
	require.ErrorIs(t, err, memstore.ErrOffline)

	s.SetOffline(false)
	sub, err := repos.Notifier.Subscribe(ctx, store.Players)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
}

func TestAuctionStateAndAudit(t *testing.T) {
	_, repos := newStore(t)
	ctx := context.Background()

	p := &store.Player{Name: "A", Position: store.Batsman, BasePrice: 100}
	require.NoError(t, repos.Players.Create(ctx, p))

	require.NoError(t, repos.State.SetCurrentPlayer(ctx, &p.ID))
	st, err := repos.State.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.CurrentPlayerID)
	require.Equal(t, p.ID, *st.CurrentPlayerID)

	missing := int64(4242)
	require.ErrorIs(t, repos.State.SetCurrentPlayer(ctx, &missing), store.ErrNotFound)

	require.NoError(t, repos.Audit.AppendAudit(ctx, audit.NewEntry("players", p.ID, audit.ActionInsert, "", nil, p)))
	require.NoError(t, repos.Audit.AppendAudit(ctx, audit.NewEntry("auction_state", 1, audit.ActionShuffle, "u1", nil, st)))
	entries, err := repos.Audit.ListAudit(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, audit.ActionShuffle, entries[0].Action)
}
