package memstore

import (
	"context"
	"fmt"

	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// tx operates on a private copy of the state. The writer lock held by
// Store.write serializes transactions, so lock methods are plain reads.
type tx struct {
	st    *state
	touch func(store.Collection)
	clock clock.Clock
}

var _ store.Tx = (*tx)(nil)

func (t *tx) LockPlayer(_ context.Context, id int64) (*store.Player, error) {
	p, ok := t.st.players[id]
	if !ok {
		return nil, fmt.Errorf("player %d: %w", id, store.ErrNotFound)
	}
	return &p, nil
}

func (t *tx) LockTeam(_ context.Context, id int64) (*store.Team, error) {
	tm, ok := t.st.teams[id]
	if !ok {
		return nil, fmt.Errorf("team %d: %w", id, store.ErrNotFound)
	}
	return &tm, nil
}

func (t *tx) LockAssignment(_ context.Context, id int64) (*store.Assignment, error) {
	a, ok := t.st.assignments[id]
	if !ok {
		return nil, fmt.Errorf("assignment %d: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (t *tx) CountAssignments(_ context.Context, teamID int64) (int, error) {
	n := 0
	for _, a := range t.st.assignments {
		if a.TeamID == teamID {
			n++
		}
	}
	return n, nil
}

func (t *tx) CountQuotaPlayers(_ context.Context, teamID int64, city string) (int, error) {
	n := 0
	for _, a := range t.st.assignments {
		if a.TeamID == teamID && t.st.players[a.PlayerID].CityIs(city) {
			n++
		}
	}
	return n, nil
}

func (t *tx) MarkSold(_ context.Context, playerID, price int64) error {
	p, ok := t.st.players[playerID]
	if !ok {
		return fmt.Errorf("player %d: %w", playerID, store.ErrNotFound)
	}
	p.Status = store.StatusSold
	p.CurrentPrice = price
	p.UpdatedAt = t.clock.Now()
	t.st.players[playerID] = p
	t.touch(store.Players)
	return nil
}

func (t *tx) SetPlayerStatus(_ context.Context, playerID int64, status store.PlayerStatus) error {
	p, ok := t.st.players[playerID]
	if !ok {
		return fmt.Errorf("player %d: %w", playerID, store.ErrNotFound)
	}
	p.Status = status
	if status != store.StatusSold {
		p.CurrentPrice = 0
	}
	p.UpdatedAt = t.clock.Now()
	t.st.players[playerID] = p
	t.touch(store.Players)
	return nil
}

func (t *tx) AdjustBudget(_ context.Context, teamID, delta int64) error {
	tm, ok := t.st.teams[teamID]
	if !ok {
		return fmt.Errorf("team %d: %w", teamID, store.ErrNotFound)
	}
	if tm.Budget+delta < 0 {
		return fmt.Errorf("team %d budget would become negative", teamID)
	}
	tm.Budget += delta
	t.st.teams[teamID] = tm
	t.touch(store.Teams)
	return nil
}

func (t *tx) SetQuotaFlag(_ context.Context, teamID int64, has bool) error {
	tm, ok := t.st.teams[teamID]
	if !ok {
		return fmt.Errorf("team %d: %w", teamID, store.ErrNotFound)
	}
	tm.HasQuotaPlayer = has
	t.st.teams[teamID] = tm
	t.touch(store.Teams)
	return nil
}

func (t *tx) InsertAssignment(_ context.Context, a *store.Assignment) error {
	for _, existing := range t.st.assignments {
		if existing.PlayerID == a.PlayerID {
			return fmt.Errorf("player %d already assigned", a.PlayerID)
		}
	}
	a.ID = t.st.nextID()
	if a.AssignedAt.IsZero() {
		a.AssignedAt = t.clock.Now()
	}
	t.st.assignments[a.ID] = *a
	t.touch(store.Assignments)
	return nil
}

func (t *tx) DeleteAssignment(_ context.Context, id int64) error {
	if _, ok := t.st.assignments[id]; !ok {
		return fmt.Errorf("assignment %d: %w", id, store.ErrNotFound)
	}
	delete(t.st.assignments, id)
	t.touch(store.Assignments)
	return nil
}

func (t *tx) InsertLedger(_ context.Context, e *store.LedgerEntry) error {
	e.ID = t.st.nextID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.clock.Now()
	}
	t.st.ledger = append(t.st.ledger, *e)
	return nil
}

func (t *tx) InsertAudit(_ context.Context, e audit.Entry) error {
	appendAudit(t.st, e, t.clock)
	return nil
}
