package postgres

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// AssignmentRepo implements store.AssignmentRepository with sqlx.
type AssignmentRepo struct {
	db *sqlx.DB
}

// NewAssignmentRepo returns a new AssignmentRepo.
func NewAssignmentRepo(db *sqlx.DB) *AssignmentRepo {
	return &AssignmentRepo{db: db}
}

var listAssignmentsQuery = `SELECT a.id, a.player_id, a.team_id, a.final_price, a.assigned_at, ` +
	nested("p", "player", playerColumns) + `, ` +
	nested("t", "team", teamColumns) + `
	 FROM assignments a
	 JOIN players p ON p.id = a.player_id
	 JOIN teams t ON t.id = a.team_id
	 ORDER BY a.assigned_at DESC, a.id DESC`

func (r *AssignmentRepo) List(ctx context.Context) ([]store.AssignmentDetail, error) {
	var out []store.AssignmentDetail
	if err := r.db.SelectContext(ctx, &out, listAssignmentsQuery); err != nil {
		return nil, errors.Wrap(err, "listing assignments")
	}
	return out, nil
}

func (r *AssignmentRepo) Overview(ctx context.Context) (*store.Overview, error) {
	var o store.Overview
	err := r.db.GetContext(ctx, &o,
		`WITH spent AS (SELECT COALESCE(SUM(final_price), 0) AS total FROM assignments),
		      purse AS (SELECT COUNT(*) AS teams, COALESCE(SUM(budget), 0) AS remaining FROM teams)
		 SELECT purse.teams AS total_teams,
		        COUNT(p.id) AS total_players,
		        COUNT(p.id) FILTER (WHERE p.status = 'sold') AS sold_players,
		        COUNT(p.id) FILTER (WHERE p.status = 'unsold') AS unsold_players,
		        COUNT(p.id) FILTER (WHERE p.status = 'available') AS available_players,
		        spent.total AS total_spent,
		        purse.remaining + spent.total AS total_budget
		 FROM spent CROSS JOIN purse LEFT JOIN players p ON TRUE
		 GROUP BY purse.teams, purse.remaining, spent.total`)
	if err != nil {
		return nil, errors.Wrap(err, "computing overview")
	}
	return &o, nil
}

func (r *AssignmentRepo) Ledger(ctx context.Context, teamID int64) ([]store.LedgerEntry, error) {
	var out []store.LedgerEntry
	err := r.db.SelectContext(ctx, &out,
		`SELECT id, team_id, player_id, transaction_type, amount, description, created_at
		 FROM ledger WHERE team_id = $1 ORDER BY created_at, id`, teamID)
	if err != nil {
		return nil, errors.Wrapf(err, "listing ledger of team %d", teamID)
	}
	return out, nil
}
