package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
)

// AuditStore implements audit.Store backed by the audit_log table.
type AuditStore struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuditStore returns a new AuditStore.
func NewAuditStore(db *sqlx.DB, clk clock.Clock) *AuditStore {
	return &AuditStore{db: db, clock: clk}
}

const insertAuditQuery = `INSERT INTO audit_log (table_name, record_id, action, old_values, new_values, user_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (s *AuditStore) AppendAudit(ctx context.Context, e audit.Entry) error {
	return insertAudit(ctx, s.db, s.clock, e)
}

func (s *AuditStore) ListAudit(ctx context.Context, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, table_name, record_id, action, old_values, new_values, user_id, created_at
		 FROM audit_log ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing audit log")
	}
	entries := make([]audit.Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.entry()
	}
	return entries, nil
}

// auditRow scans nullable jsonb columns, which database/sql only maps to
// NULL for plain []byte destinations.
type auditRow struct {
	ID        int64        `db:"id"`
	TableName string       `db:"table_name"`
	RecordID  int64        `db:"record_id"`
	Action    audit.Action `db:"action"`
	OldValues []byte       `db:"old_values"`
	NewValues []byte       `db:"new_values"`
	UserID    *string      `db:"user_id"`
	CreatedAt time.Time    `db:"created_at"`
}

func (r auditRow) entry() audit.Entry {
	return audit.Entry{
		ID:        r.ID,
		TableName: r.TableName,
		RecordID:  r.RecordID,
		Action:    r.Action,
		OldValues: r.OldValues,
		NewValues: r.NewValues,
		UserID:    r.UserID,
		CreatedAt: r.CreatedAt,
	}
}

func insertAudit(ctx context.Context, db sqlx.ExecerContext, clk clock.Clock, e audit.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = clk.Now()
	}
	_, err := db.ExecContext(ctx, insertAuditQuery,
		e.TableName, e.RecordID, e.Action, jsonb(e.OldValues), jsonb(e.NewValues), e.UserID, e.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "inserting audit entry (%s %s/%d)", e.Action, e.TableName, e.RecordID)
	}
	return nil
}

// jsonb passes raw JSON as text so lib/pq does not encode it as bytea.
func jsonb(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
