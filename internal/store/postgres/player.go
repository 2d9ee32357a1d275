package postgres

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// PlayerRepo implements store.PlayerRepository with sqlx.
type PlayerRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewPlayerRepo returns a new PlayerRepo.
func NewPlayerRepo(db *sqlx.DB, clk clock.Clock) *PlayerRepo {
	return &PlayerRepo{db: db, clock: clk}
}

func (r *PlayerRepo) Create(ctx context.Context, p *store.Player) error {
	if p.Status == "" {
		p.Status = store.StatusAvailable
	}
	now := r.clock.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	query := `INSERT INTO players (name, position, base_price, city, status, current_price, image_url, achievement, created_at, updated_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	           RETURNING id`
	err := r.db.QueryRowContext(ctx, query,
		p.Name, p.Position, p.BasePrice, p.City, p.Status, p.CurrentPrice, p.ImageURL, p.Achievement, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		return errors.Wrapf(err, "inserting player %q", p.Name)
	}
	return nil
}

func (r *PlayerRepo) GetByID(ctx context.Context, id int64) (*store.Player, error) {
	var p store.Player
	err := r.db.GetContext(ctx, &p, `SELECT `+columns("p", playerColumns)+` FROM players p WHERE p.id = $1`, id)
	if err != nil {
		return nil, wrap(err, "getting player %d", id)
	}
	return &p, nil
}

func (r *PlayerRepo) List(ctx context.Context) ([]store.Player, error) {
	var players []store.Player
	err := r.db.SelectContext(ctx, &players, `SELECT `+columns("p", playerColumns)+` FROM players p ORDER BY p.name, p.id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing players")
	}
	return players, nil
}

func (r *PlayerRepo) ListByStatus(ctx context.Context, status store.PlayerStatus) ([]store.Player, error) {
	var players []store.Player
	err := r.db.SelectContext(ctx, &players,
		`SELECT `+columns("p", playerColumns)+` FROM players p WHERE p.status = $1 ORDER BY p.name, p.id`, status)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s players", status)
	}
	return players, nil
}

func (r *PlayerRepo) Update(ctx context.Context, p *store.Player) error {
	var updated store.Player
	err := r.db.GetContext(ctx, &updated,
		`UPDATE players p
		 SET name = $2, position = $3, base_price = $4, city = $5, image_url = $6, achievement = $7, updated_at = $8
		 WHERE p.id = $1 AND p.status = 'available'
		 RETURNING `+columns("p", playerColumns),
		p.ID, p.Name, p.Position, p.BasePrice, p.City, p.ImageURL, p.Achievement, r.clock.Now(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		cur, getErr := r.GetByID(ctx, p.ID)
		if getErr != nil {
			return getErr
		}
		return errors.Wrapf(store.ErrNotAvailable, "updating player %d in status %s", p.ID, cur.Status)
	}
	if err != nil {
		return errors.Wrapf(err, "updating player %d", p.ID)
	}
	*p = updated
	return nil
}

func (r *PlayerRepo) RecycleUnsold(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE players SET status = 'available', current_price = 0, updated_at = $1
		 WHERE status = 'unsold'
		   AND NOT EXISTS (SELECT 1 FROM players WHERE status = 'available')`,
		r.clock.Now(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "recycling unsold players")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "counting recycled players")
	}
	return n, nil
}
