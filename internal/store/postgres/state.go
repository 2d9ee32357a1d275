package postgres

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// StateRepo implements store.AuctionStateRepository over the singleton
// auction_state row.
type StateRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewStateRepo returns a new StateRepo.
func NewStateRepo(db *sqlx.DB, clk clock.Clock) *StateRepo {
	return &StateRepo{db: db, clock: clk}
}

func (r *StateRepo) Get(ctx context.Context) (*store.AuctionState, error) {
	var s store.AuctionState
	err := r.db.GetContext(ctx, &s, `SELECT id, current_player_id, updated_at FROM auction_state WHERE id = 1`)
	if err != nil {
		return nil, wrap(err, "getting auction state")
	}
	return &s, nil
}

func (r *StateRepo) SetCurrentPlayer(ctx context.Context, playerID *int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE auction_state SET current_player_id = $1, updated_at = $2 WHERE id = 1`,
		playerID, r.clock.Now(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return errors.Wrapf(store.ErrNotFound, "player %d", *playerID)
		}
		return errors.Wrap(err, "setting current player")
	}
	return nil
}
