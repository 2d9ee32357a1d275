// Package audit records append-only audit log entries for every state
// change made to teams, players, assignments and the auction state.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
)

// Action identifies what happened to the audited record.
type Action string

const (
	ActionInsert  Action = "INSERT"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionShuffle Action = "SHUFFLE"
	ActionRecycle Action = "RECYCLE"
)

// Entry is a single audit log row. Entries are never mutated once written.
type Entry struct {
	ID        int64           `json:"id" db:"id"`
	TableName string          `json:"table_name" db:"table_name"`
	RecordID  int64           `json:"record_id" db:"record_id"`
	Action    Action          `json:"action" db:"action"`
	OldValues json.RawMessage `json:"old_values,omitempty" db:"old_values"`
	NewValues json.RawMessage `json:"new_values,omitempty" db:"new_values"`
	UserID    *string         `json:"user_id,omitempty" db:"user_id"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// NewEntry builds an Entry, marshalling the old and new snapshots. A nil
// snapshot is stored as NULL.
func NewEntry(table string, recordID int64, action Action, userID string, oldValues, newValues any) Entry {
	e := Entry{
		TableName: table,
		RecordID:  recordID,
		Action:    action,
		OldValues: marshal(oldValues),
		NewValues: marshal(newValues),
	}
	if userID != "" {
		e.UserID = &userID
	}
	return e
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Store persists and lists audit entries.
type Store interface {
	// AppendAudit persists a single entry outside of any transaction.
	AppendAudit(ctx context.Context, e Entry) error
	// ListAudit returns the newest entries first.
	ListAudit(ctx context.Context, limit int) ([]Entry, error)
}

// Recorder writes audit entries on a fire-and-forget basis: failures are
// logged and never returned to the caller.
type Recorder struct {
	store  Store
	logger *slog.Logger
	clock  clock.Clock
}

// NewRecorder returns a Recorder writing to s.
func NewRecorder(s Store, logger *slog.Logger, clk clock.Clock) *Recorder {
	return &Recorder{store: s, logger: logger, clock: clk}
}

// Record stamps and appends e.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.clock.Now()
	}
	if err := r.store.AppendAudit(ctx, e); err != nil {
		r.logger.ErrorContext(ctx, "audit logging failed",
			slog.String("table", e.TableName),
			slog.Int64("record_id", e.RecordID),
			slog.String("action", string(e.Action)),
			slog.Any("error", err),
		)
	}
}
