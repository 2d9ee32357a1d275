package postgres

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// Transactor implements store.Transactor. Row locks are taken with
// SELECT ... FOR UPDATE and held until commit.
type Transactor struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewTransactor returns a new Transactor.
func NewTransactor(db *sqlx.DB, clk clock.Clock) *Transactor {
	return &Transactor{db: db, clock: clk}
}

func (t *Transactor) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx, clock: t.clock}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

type pgTx struct {
	tx    *sqlx.Tx
	clock clock.Clock
}

var _ store.Tx = (*pgTx)(nil)

func (t *pgTx) LockPlayer(ctx context.Context, id int64) (*store.Player, error) {
	var p store.Player
	err := t.tx.GetContext(ctx, &p, `SELECT `+columns("p", playerColumns)+` FROM players p WHERE p.id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, wrap(err, "locking player %d", id)
	}
	return &p, nil
}

func (t *pgTx) LockTeam(ctx context.Context, id int64) (*store.Team, error) {
	var tm store.Team
	err := t.tx.GetContext(ctx, &tm, `SELECT `+columns("t", teamColumns)+` FROM teams t WHERE t.id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, wrap(err, "locking team %d", id)
	}
	return &tm, nil
}

func (t *pgTx) LockAssignment(ctx context.Context, id int64) (*store.Assignment, error) {
	var a store.Assignment
	err := t.tx.GetContext(ctx, &a,
		`SELECT id, player_id, team_id, final_price, assigned_at FROM assignments WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, wrap(err, "locking assignment %d", id)
	}
	return &a, nil
}

func (t *pgTx) CountAssignments(ctx context.Context, teamID int64) (int, error) {
	var n int
	if err := t.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM assignments WHERE team_id = $1`, teamID); err != nil {
		return 0, errors.Wrapf(err, "counting assignments of team %d", teamID)
	}
	return n, nil
}

func (t *pgTx) CountQuotaPlayers(ctx context.Context, teamID int64, city string) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM assignments a JOIN players p ON p.id = a.player_id
		 WHERE a.team_id = $1 AND p.city = $2`, teamID, city)
	if err != nil {
		return 0, errors.Wrapf(err, "counting %s players of team %d", city, teamID)
	}
	return n, nil
}

func (t *pgTx) MarkSold(ctx context.Context, playerID, price int64) error {
	return t.execOne(ctx, "marking player sold",
		`UPDATE players SET status = 'sold', current_price = $1, updated_at = $2 WHERE id = $3`,
		price, t.clock.Now(), playerID)
}

func (t *pgTx) SetPlayerStatus(ctx context.Context, playerID int64, status store.PlayerStatus) error {
	return t.execOne(ctx, "setting player status",
		`UPDATE players
		 SET status = $1,
		     current_price = CASE WHEN $1 = 'sold' THEN current_price ELSE 0 END,
		     updated_at = $2
		 WHERE id = $3`,
		status, t.clock.Now(), playerID)
}

func (t *pgTx) AdjustBudget(ctx context.Context, teamID, delta int64) error {
	return t.execOne(ctx, "adjusting budget",
		`UPDATE teams SET budget = budget + $1 WHERE id = $2`, delta, teamID)
}

func (t *pgTx) SetQuotaFlag(ctx context.Context, teamID int64, has bool) error {
	return t.execOne(ctx, "setting quota flag",
		`UPDATE teams SET has_pune_player = $1 WHERE id = $2`, has, teamID)
}

func (t *pgTx) InsertAssignment(ctx context.Context, a *store.Assignment) error {
	if a.AssignedAt.IsZero() {
		a.AssignedAt = t.clock.Now()
	}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO assignments (player_id, team_id, final_price, assigned_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		a.PlayerID, a.TeamID, a.FinalPrice, a.AssignedAt,
	).Scan(&a.ID)
	if err != nil {
		return errors.Wrapf(err, "inserting assignment of player %d", a.PlayerID)
	}
	return nil
}

func (t *pgTx) DeleteAssignment(ctx context.Context, id int64) error {
	return t.execOne(ctx, "deleting assignment", `DELETE FROM assignments WHERE id = $1`, id)
}

func (t *pgTx) InsertLedger(ctx context.Context, e *store.LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.clock.Now()
	}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO ledger (team_id, player_id, transaction_type, amount, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.TeamID, e.PlayerID, e.Type, e.Amount, e.Description, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return errors.Wrapf(err, "inserting %s ledger entry for team %d", e.Type, e.TeamID)
	}
	return nil
}

func (t *pgTx) InsertAudit(ctx context.Context, e audit.Entry) error {
	return insertAudit(ctx, t.tx, t.clock, e)
}

// execOne runs an UPDATE or DELETE that must touch exactly one row.
func (t *pgTx) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, op)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, op)
	}
	if n == 0 {
		return errors.Wrap(store.ErrNotFound, op)
	}
	return nil
}

// isForeignKeyViolation reports whether err is a Postgres 23503 error.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
