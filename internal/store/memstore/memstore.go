// Package memstore provides an in-process store.Driver. Transactions are
// serialized behind a single writer lock and applied copy-on-write, so a
// failed transaction leaves no trace. It is used for tests and for running
// the service without Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

func init() {
	store.Register("memory", openMemory)
}

func openMemory(_ context.Context, _ config.DatabaseConfig, opts store.Options) (*store.Repositories, error) {
	return New(opts.Clock, opts.InitialBudget).Repositories(), nil
}

type state struct {
	teams       map[int64]store.Team
	players     map[int64]store.Player
	assignments map[int64]store.Assignment
	ledger      []store.LedgerEntry
	audit       []audit.Entry
	auction     store.AuctionState
	seq         int64
}

func newState() *state {
	return &state{
		teams:       make(map[int64]store.Team),
		players:     make(map[int64]store.Player),
		assignments: make(map[int64]store.Assignment),
		auction:     store.AuctionState{ID: 1},
	}
}

func (s *state) clone() *state {
	c := &state{
		teams:       make(map[int64]store.Team, len(s.teams)),
		players:     make(map[int64]store.Player, len(s.players)),
		assignments: make(map[int64]store.Assignment, len(s.assignments)),
		ledger:      append([]store.LedgerEntry(nil), s.ledger...),
		audit:       append([]audit.Entry(nil), s.audit...),
		auction:     s.auction,
		seq:         s.seq,
	}
	for k, v := range s.teams {
		c.teams[k] = v
	}
	for k, v := range s.players {
		c.players[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	return c
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

// Store is an in-memory implementation of every store interface.
type Store struct {
	mu            sync.RWMutex
	st            *state
	clock         clock.Clock
	initialBudget int64

	subsMu  sync.Mutex
	subs    map[store.Collection]map[*subscription]struct{}
	offline bool
}

// New returns an empty Store. Teams created without a budget receive
// initialBudget.
func New(clk clock.Clock, initialBudget int64) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		st:            newState(),
		clock:         clk,
		initialBudget: initialBudget,
		subs:          make(map[store.Collection]map[*subscription]struct{}),
	}
}

// Repositories exposes s through the store.Repositories bundle.
func (s *Store) Repositories() *store.Repositories {
	return &store.Repositories{
		Teams:       &TeamRepo{s: s},
		Players:     &PlayerRepo{s: s},
		Assignments: &AssignmentRepo{s: s},
		State:       &StateRepo{s: s},
		Audit:       s,
		Tx:          s,
		Notifier:    s,
		Closer:      s,
		Ping:        func(context.Context) error { return nil },
	}
}

// Close drops every subscription.
func (s *Store) Close() error {
	s.Disconnect()
	return nil
}

// read runs fn under the shared lock.
func (s *Store) read(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}

// write runs fn against a copy of the state and commits it only if fn
// succeeds. Touched collections are notified after commit.
func (s *Store) write(ctx context.Context, fn func(st *state, touch func(store.Collection)) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	touched := make(map[store.Collection]struct{})
	touch := func(c store.Collection) { touched[c] = struct{}{} }

	s.mu.Lock()
	work := s.st.clone()
	if err := fn(work, touch); err != nil {
		s.mu.Unlock()
		return err
	}
	s.st = work
	s.mu.Unlock()

	for c := range touched {
		s.publish(c)
	}
	return nil
}

// WithinTx implements store.Transactor.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.write(ctx, func(st *state, touch func(store.Collection)) error {
		return fn(&tx{st: st, touch: touch, clock: s.clock})
	})
}

// AppendAudit implements audit.Store.
func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	return s.write(ctx, func(st *state, _ func(store.Collection)) error {
		appendAudit(st, e, s.clock)
		return nil
	})
}

// ListAudit implements audit.Store.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]audit.Entry, error) {
	var out []audit.Entry
	err := s.read(ctx, func(st *state) error {
		for i := len(st.audit) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
			out = append(out, st.audit[i])
		}
		return nil
	})
	return out, err
}

func appendAudit(st *state, e audit.Entry, clk clock.Clock) {
	e.ID = st.nextID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = clk.Now()
	}
	st.audit = append(st.audit, e)
}

// TeamRepo implements store.TeamRepository.
type TeamRepo struct{ s *Store }

func (r *TeamRepo) Create(ctx context.Context, t *store.Team) error {
	return r.s.write(ctx, func(st *state, touch func(store.Collection)) error {
		t.ID = st.nextID()
		t.CreatedAt = r.s.clock.Now()
		if t.Budget == 0 {
			t.Budget = r.s.initialBudget
		}
		st.teams[t.ID] = *t
		touch(store.Teams)
		return nil
	})
}

func (r *TeamRepo) GetByID(ctx context.Context, id int64) (*store.Team, error) {
	var out store.Team
	err := r.s.read(ctx, func(st *state) error {
		t, ok := st.teams[id]
		if !ok {
			return fmt.Errorf("team %d: %w", id, store.ErrNotFound)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *TeamRepo) List(ctx context.Context) ([]store.Team, error) {
	var out []store.Team
	err := r.s.read(ctx, func(st *state) error {
		out = sortedTeams(st)
		return nil
	})
	return out, err
}

func (r *TeamRepo) Summary(ctx context.Context, id int64) (*store.TeamSummary, error) {
	var out store.TeamSummary
	err := r.s.read(ctx, func(st *state) error {
		t, ok := st.teams[id]
		if !ok {
			return fmt.Errorf("team %d: %w", id, store.ErrNotFound)
		}
		out.Team = t
		for _, a := range st.assignments {
			if a.TeamID != id {
				continue
			}
			p := st.players[a.PlayerID]
			out.TotalSpent += a.FinalPrice
			out.Squad = append(out.Squad, store.SquadMember{
				PlayerID:   p.ID,
				Name:       p.Name,
				Position:   p.Position,
				City:       p.City,
				FinalPrice: a.FinalPrice,
				AssignedAt: a.AssignedAt,
			})
		}
		sort.Slice(out.Squad, func(i, j int) bool {
			if out.Squad[i].AssignedAt.Equal(out.Squad[j].AssignedAt) {
				return out.Squad[i].PlayerID < out.Squad[j].PlayerID
			}
			return out.Squad[i].AssignedAt.Before(out.Squad[j].AssignedAt)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PlayerRepo implements store.PlayerRepository.
type PlayerRepo struct{ s *Store }

func (r *PlayerRepo) Create(ctx context.Context, p *store.Player) error {
	return r.s.write(ctx, func(st *state, touch func(store.Collection)) error {
		now := r.s.clock.Now()
		p.ID = st.nextID()
		p.CreatedAt = now
		p.UpdatedAt = now
		if p.Status == "" {
			p.Status = store.StatusAvailable
		}
		st.players[p.ID] = *p
		touch(store.Players)
		return nil
	})
}

func (r *PlayerRepo) GetByID(ctx context.Context, id int64) (*store.Player, error) {
	var out store.Player
	err := r.s.read(ctx, func(st *state) error {
		p, ok := st.players[id]
		if !ok {
			return fmt.Errorf("player %d: %w", id, store.ErrNotFound)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *PlayerRepo) List(ctx context.Context) ([]store.Player, error) {
	return r.ListByStatus(ctx, "")
}

func (r *PlayerRepo) ListByStatus(ctx context.Context, status store.PlayerStatus) ([]store.Player, error) {
	var out []store.Player
	err := r.s.read(ctx, func(st *state) error {
		for _, p := range st.players {
			if status == "" || p.Status == status {
				out = append(out, p)
			}
		}
		sortPlayers(out)
		return nil
	})
	return out, err
}

func (r *PlayerRepo) Update(ctx context.Context, p *store.Player) error {
	return r.s.write(ctx, func(st *state, touch func(store.Collection)) error {
		cur, ok := st.players[p.ID]
		if !ok {
			return fmt.Errorf("player %d: %w", p.ID, store.ErrNotFound)
		}
		if cur.Status != store.StatusAvailable {
			return fmt.Errorf("player %d is %s: %w", p.ID, cur.Status, store.ErrNotAvailable)
		}
		cur.Name = p.Name
		cur.Position = p.Position
		cur.BasePrice = p.BasePrice
		cur.City = p.City
		cur.ImageURL = p.ImageURL
		cur.Achievement = p.Achievement
		cur.UpdatedAt = r.s.clock.Now()
		st.players[p.ID] = cur
		*p = cur
		touch(store.Players)
		return nil
	})
}

func (r *PlayerRepo) RecycleUnsold(ctx context.Context) (int64, error) {
	var n int64
	err := r.s.write(ctx, func(st *state, touch func(store.Collection)) error {
		for _, p := range st.players {
			if p.Status == store.StatusAvailable {
				return nil
			}
		}
		now := r.s.clock.Now()
		for id, p := range st.players {
			if p.Status != store.StatusUnsold {
				continue
			}
			p.Status = store.StatusAvailable
			p.UpdatedAt = now
			st.players[id] = p
			n++
		}
		if n > 0 {
			touch(store.Players)
		}
		return nil
	})
	return n, err
}

// AssignmentRepo implements store.AssignmentRepository.
type AssignmentRepo struct{ s *Store }

func (r *AssignmentRepo) List(ctx context.Context) ([]store.AssignmentDetail, error) {
	var out []store.AssignmentDetail
	err := r.s.read(ctx, func(st *state) error {
		for _, a := range st.assignments {
			out = append(out, store.AssignmentDetail{
				Assignment: a,
				Player:     st.players[a.PlayerID],
				Team:       st.teams[a.TeamID],
			})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].AssignedAt.Equal(out[j].AssignedAt) {
				return out[i].ID > out[j].ID
			}
			return out[i].AssignedAt.After(out[j].AssignedAt)
		})
		return nil
	})
	return out, err
}

func (r *AssignmentRepo) Overview(ctx context.Context) (*store.Overview, error) {
	var o store.Overview
	err := r.s.read(ctx, func(st *state) error {
		o.TotalTeams = len(st.teams)
		o.TotalPlayers = len(st.players)
		for _, p := range st.players {
			switch p.Status {
			case store.StatusSold:
				o.SoldPlayers++
			case store.StatusUnsold:
				o.UnsoldPlayers++
			case store.StatusAvailable:
				o.AvailablePlayers++
			}
		}
		for _, a := range st.assignments {
			o.TotalSpent += a.FinalPrice
		}
		for _, t := range st.teams {
			o.TotalBudget += t.Budget
		}
		o.TotalBudget += o.TotalSpent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *AssignmentRepo) Ledger(ctx context.Context, teamID int64) ([]store.LedgerEntry, error) {
	var out []store.LedgerEntry
	err := r.s.read(ctx, func(st *state) error {
		for _, e := range st.ledger {
			if e.TeamID == teamID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// StateRepo implements store.AuctionStateRepository.
type StateRepo struct{ s *Store }

func (r *StateRepo) Get(ctx context.Context) (*store.AuctionState, error) {
	var out store.AuctionState
	err := r.s.read(ctx, func(st *state) error {
		out = st.auction
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *StateRepo) SetCurrentPlayer(ctx context.Context, playerID *int64) error {
	return r.s.write(ctx, func(st *state, touch func(store.Collection)) error {
		if playerID != nil {
			if _, ok := st.players[*playerID]; !ok {
				return fmt.Errorf("player %d: %w", *playerID, store.ErrNotFound)
			}
			id := *playerID
			playerID = &id
		}
		st.auction.CurrentPlayerID = playerID
		st.auction.UpdatedAt = r.s.clock.Now()
		touch(store.StateCollection)
		return nil
	})
}

func sortedTeams(st *state) []store.Team {
	out := make([]store.Team, 0, len(st.teams))
	for _, t := range st.teams {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func sortPlayers(ps []store.Player) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Name == ps[j].Name {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].Name < ps[j].Name
	})
}
