// Package rotation picks the next player to put on the block and recycles
// unsold players once the available pool runs dry.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/cricket-auction/internal/rotation"

// Selector chooses the next player from the available pool.
type Selector struct {
	players  store.PlayerRepository
	state    store.AuctionStateRepository
	recorder *audit.Recorder

	overrides map[int]int64
	reserved  map[int64]struct{}

	mu  sync.Mutex
	rng *rand.Rand

	logger *slog.Logger
	tracer trace.Tracer
}

// NewSelector creates a Selector using the override table and reserved ids
// from cfg. A nil rng is seeded randomly.
func NewSelector(players store.PlayerRepository, state store.AuctionStateRepository, recorder *audit.Recorder, cfg config.AuctionConfig, rng *rand.Rand, logger *slog.Logger, tp trace.TracerProvider) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	overrides := make(map[int]int64, len(cfg.Overrides))
	for _, o := range cfg.Overrides {
		overrides[o.PoolSize] = o.PlayerID
	}
	reserved := make(map[int64]struct{}, len(cfg.ReservedPlayerIDs))
	for _, id := range cfg.ReservedPlayerIDs {
		reserved[id] = struct{}{}
	}
	return &Selector{
		players:   players,
		state:     state,
		recorder:  recorder,
		overrides: overrides,
		reserved:  reserved,
		rng:       rng,
		logger:    logger,
		tracer:    tp.Tracer(instrumentationName),
	}
}

// Pick returns the player to present next, or nil for an empty pool. An
// override for the pool's exact size wins when its player is present.
// Otherwise reserved players are left out of the draw unless nobody else
// remains, and the pick is uniform over what is left.
func (s *Selector) Pick(pool []store.Player) *store.Player {
	if len(pool) == 0 {
		return nil
	}

	if forced, ok := s.overrides[len(pool)]; ok {
		for i := range pool {
			if pool[i].ID == forced {
				p := pool[i]
				return &p
			}
		}
	}

	candidates := make([]store.Player, 0, len(pool))
	for _, p := range pool {
		if _, ok := s.reserved[p.ID]; !ok {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		candidates = pool
	}

	s.mu.Lock()
	i := s.rng.IntN(len(candidates))
	s.mu.Unlock()

	p := candidates[i]
	return &p
}

// Next loads the available pool, picks a player and publishes the choice
// as the current player. It returns nil when nobody is available, after
// clearing the current player.
func (s *Selector) Next(ctx context.Context, actor auth.Identity) (*store.Player, error) {
	ctx, span := s.tracer.Start(ctx, "Selector.Next")
	defer span.End()

	if err := auth.RequireAdmin(actor); err != nil {
		return nil, err
	}

	pool, err := s.players.ListByStatus(ctx, store.StatusAvailable)
	if err != nil {
		return nil, fmt.Errorf("listing available players: %w", err)
	}
	span.SetAttributes(attribute.Int("pool.size", len(pool)))

	before, err := s.state.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading auction state: %w", err)
	}

	picked := s.Pick(pool)
	var id *int64
	if picked != nil {
		id = &picked.ID
		span.SetAttributes(attribute.Int64("player.id", picked.ID))
	}
	if err := s.state.SetCurrentPlayer(ctx, id); err != nil {
		return nil, fmt.Errorf("publishing current player: %w", err)
	}

	after := *before
	after.CurrentPlayerID = id
	s.recorder.Record(ctx, audit.NewEntry(string(store.StateCollection), int64(before.ID), audit.ActionShuffle, actor.UserID, before, after))

	attrs := []any{slog.Int("pool_size", len(pool)), slog.String("user_id", actor.UserID)}
	if picked != nil {
		attrs = append(attrs, slog.Int64("player_id", picked.ID), slog.String("player", picked.Name))
	}
	s.logger.InfoContext(ctx, "next player selected", attrs...)
	return picked, nil
}
