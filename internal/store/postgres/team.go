package postgres

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// TeamRepo implements store.TeamRepository with sqlx.
type TeamRepo struct {
	db            *sqlx.DB
	clock         clock.Clock
	initialBudget int64
}

// NewTeamRepo returns a new TeamRepo. Teams created without a budget are
// given initialBudget.
func NewTeamRepo(db *sqlx.DB, clk clock.Clock, initialBudget int64) *TeamRepo {
	return &TeamRepo{db: db, clock: clk, initialBudget: initialBudget}
}

func (r *TeamRepo) Create(ctx context.Context, t *store.Team) error {
	if t.Budget == 0 {
		t.Budget = r.initialBudget
	}
	t.CreatedAt = r.clock.Now()
	query := `INSERT INTO teams (name, budget, has_pune_player, logo_url, owner_name, owner_image, captain, vice_captain, created_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	           RETURNING id`
	err := r.db.QueryRowContext(ctx, query,
		t.Name, t.Budget, t.HasQuotaPlayer, t.LogoURL, t.OwnerName, t.OwnerImage, t.Captain, t.ViceCaptain, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return errors.Wrapf(err, "inserting team %q", t.Name)
	}
	return nil
}

func (r *TeamRepo) GetByID(ctx context.Context, id int64) (*store.Team, error) {
	var t store.Team
	err := r.db.GetContext(ctx, &t, `SELECT `+columns("t", teamColumns)+` FROM teams t WHERE t.id = $1`, id)
	if err != nil {
		return nil, wrap(err, "getting team %d", id)
	}
	return &t, nil
}

func (r *TeamRepo) List(ctx context.Context) ([]store.Team, error) {
	var teams []store.Team
	err := r.db.SelectContext(ctx, &teams, `SELECT `+columns("t", teamColumns)+` FROM teams t ORDER BY t.name, t.id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing teams")
	}
	return teams, nil
}

// Summary reads the team and its squad from one repeatable-read snapshot.
func (r *TeamRepo) Summary(ctx context.Context, id int64) (*store.TeamSummary, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "beginning summary transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var s store.TeamSummary
	if err := tx.GetContext(ctx, &s.Team, `SELECT `+columns("t", teamColumns)+` FROM teams t WHERE t.id = $1`, id); err != nil {
		return nil, wrap(err, "getting team %d", id)
	}
	err = tx.SelectContext(ctx, &s.Squad,
		`SELECT p.id AS player_id, p.name, p.position, p.city, a.final_price, a.assigned_at
		 FROM assignments a JOIN players p ON p.id = a.player_id
		 WHERE a.team_id = $1
		 ORDER BY a.assigned_at, p.id`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "listing squad of team %d", id)
	}
	for _, m := range s.Squad {
		s.TotalSpent += m.FinalPrice
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "committing summary of team %d", id)
	}
	return &s, nil
}
