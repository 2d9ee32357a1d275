// Package auction implements the rules engine that sells players to teams.
// Every operation re-reads the player and team under row locks and applies
// all effects in one transaction, so a rejected or failed call never leaves
// partial financial or status changes behind.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/cricket-auction/internal/auction"

// DefaultTimeout bounds an operation when none is configured.
const DefaultTimeout = 10 * time.Second

// Engine applies sales, unsold transitions and reversals.
type Engine struct {
	tx      store.Transactor
	rules   Rules
	gate    *Gate
	timeout time.Duration

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock

	outcomes   metric.Int64Counter
	rejections metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewEngine creates an Engine. gate may be shared with the recycle
// reconciler; a nil gate gets a private one.
func NewEngine(tx store.Transactor, rules Rules, gate *Gate, timeout time.Duration, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, clk clock.Clock) (*Engine, error) {
	if gate == nil {
		gate = &Gate{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	meter := mp.Meter(instrumentationName)
	outcomes, err := meter.Int64Counter("auction.assignments",
		metric.WithDescription("Rules engine operations by outcome."))
	if err != nil {
		return nil, fmt.Errorf("creating outcomes counter: %w", err)
	}
	rejections, err := meter.Int64Counter("auction.rejections",
		metric.WithDescription("Business-rule rejections by code."))
	if err != nil {
		return nil, fmt.Errorf("creating rejections counter: %w", err)
	}
	duration, err := meter.Float64Histogram("auction.operation.duration",
		metric.WithDescription("Rules engine operation latency."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return &Engine{
		tx:         tx,
		rules:      rules,
		gate:       gate,
		timeout:    timeout,
		logger:     logger,
		tracer:     tp.Tracer(instrumentationName),
		clock:      clk,
		outcomes:   outcomes,
		rejections: rejections,
		duration:   duration,
	}, nil
}

// Rules returns the constraints the engine enforces.
func (e *Engine) Rules() Rules { return e.rules }

// AssignPlayer sells playerID to teamID at price. Checks run in order and
// the first failure wins: the player must be available, the price must meet
// the base price, then budget, squad, reserve and city quota are checked
// against the locked team row.
func (e *Engine) AssignPlayer(ctx context.Context, actor auth.Identity, playerID, teamID, price int64) (*store.Assignment, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.AssignPlayer",
		trace.WithAttributes(
			attribute.Int64("player.id", playerID),
			attribute.Int64("team.id", teamID),
			attribute.Int64("price", price),
		),
	)
	defer span.End()

	var created store.Assignment
	err := e.run(ctx, "assign", actor, func(ctx context.Context, tx store.Tx) error {
		player, err := tx.LockPlayer(ctx, playerID)
		if err != nil {
			return err
		}
		if player.Status != store.StatusAvailable {
			return reject(CodeInvalidState, "player not available: %s is %s", player.Name, player.Status)
		}
		if price < player.BasePrice {
			return reject(CodeBelowBasePrice, "below base price: %d < %d", price, player.BasePrice)
		}

		team, err := tx.LockTeam(ctx, teamID)
		if err != nil {
			return err
		}
		purchased, err := tx.CountAssignments(ctx, teamID)
		if err != nil {
			return err
		}
		quota := player.CityIs(e.rules.QuotaCity)
		if err := e.rules.Check(Candidate{
			Budget:         team.Budget,
			Purchased:      purchased,
			HasQuotaPlayer: team.HasQuotaPlayer,
			QuotaPlayer:    quota,
			Price:          price,
		}); err != nil {
			return err
		}

		if err := tx.MarkSold(ctx, playerID, price); err != nil {
			return err
		}
		if err := tx.AdjustBudget(ctx, teamID, -price); err != nil {
			return err
		}
		if quota {
			if err := tx.SetQuotaFlag(ctx, teamID, true); err != nil {
				return err
			}
		}
		created = store.Assignment{PlayerID: playerID, TeamID: teamID, FinalPrice: price, AssignedAt: e.clock.Now()}
		if err := tx.InsertAssignment(ctx, &created); err != nil {
			return err
		}
		if err := tx.InsertLedger(ctx, &store.LedgerEntry{
			TeamID:      teamID,
			PlayerID:    &playerID,
			Type:        store.Debit,
			Amount:      price,
			Description: fmt.Sprintf("Purchased %s", player.Name),
			CreatedAt:   created.AssignedAt,
		}); err != nil {
			return err
		}

		sold := *player
		sold.Status, sold.CurrentPrice = store.StatusSold, price
		after := *team
		after.Budget -= price
		after.HasQuotaPlayer = after.HasQuotaPlayer || quota
		return insertAudits(ctx, tx,
			audit.NewEntry(string(store.Players), playerID, audit.ActionUpdate, actor.UserID, player, sold),
			audit.NewEntry(string(store.Teams), teamID, audit.ActionUpdate, actor.UserID, team, after),
			audit.NewEntry(string(store.Assignments), created.ID, audit.ActionInsert, actor.UserID, nil, created),
		)
	})
	if err != nil {
		return nil, e.fail(ctx, span, "assign", err)
	}

	e.logger.InfoContext(ctx, "player assigned",
		slog.Int64("player_id", playerID),
		slog.Int64("team_id", teamID),
		slog.Int64("price", price),
		slog.String("user_id", actor.UserID),
	)
	return &created, nil
}

// MarkUnsold moves an available player to unsold. It has no financial effect.
func (e *Engine) MarkUnsold(ctx context.Context, actor auth.Identity, playerID int64) error {
	ctx, span := e.tracer.Start(ctx, "Engine.MarkUnsold",
		trace.WithAttributes(attribute.Int64("player.id", playerID)),
	)
	defer span.End()

	err := e.run(ctx, "mark_unsold", actor, func(ctx context.Context, tx store.Tx) error {
		player, err := tx.LockPlayer(ctx, playerID)
		if err != nil {
			return err
		}
		if player.Status != store.StatusAvailable {
			return reject(CodeInvalidState, "player not available: %s is %s", player.Name, player.Status)
		}
		if err := tx.SetPlayerStatus(ctx, playerID, store.StatusUnsold); err != nil {
			return err
		}
		after := *player
		after.Status = store.StatusUnsold
		return tx.InsertAudit(ctx, audit.NewEntry(string(store.Players), playerID, audit.ActionUpdate, actor.UserID, player, after))
	})
	if err != nil {
		return e.fail(ctx, span, "mark_unsold", err)
	}

	e.logger.InfoContext(ctx, "player marked unsold",
		slog.Int64("player_id", playerID),
		slog.String("user_id", actor.UserID),
	)
	return nil
}

// RevertAssignment undoes a sale: the assignment is removed, the price is
// credited back to the team, the player returns to the available pool and
// the team's city-quota flag is recomputed from its remaining squad.
func (e *Engine) RevertAssignment(ctx context.Context, actor auth.Identity, assignmentID int64) (*store.Assignment, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.RevertAssignment",
		trace.WithAttributes(attribute.Int64("assignment.id", assignmentID)),
	)
	defer span.End()

	var reverted store.Assignment
	err := e.run(ctx, "revert", actor, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.LockAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		reverted = *a
		player, err := tx.LockPlayer(ctx, a.PlayerID)
		if err != nil {
			return err
		}
		if player.Status != store.StatusSold {
			return reject(CodeInvalidState, "player not sold: %s is %s", player.Name, player.Status)
		}
		team, err := tx.LockTeam(ctx, a.TeamID)
		if err != nil {
			return err
		}

		if err := tx.DeleteAssignment(ctx, a.ID); err != nil {
			return err
		}
		if err := tx.AdjustBudget(ctx, a.TeamID, a.FinalPrice); err != nil {
			return err
		}
		if err := tx.SetPlayerStatus(ctx, a.PlayerID, store.StatusAvailable); err != nil {
			return err
		}
		after := *team
		after.Budget += a.FinalPrice
		if player.CityIs(e.rules.QuotaCity) {
			n, err := tx.CountQuotaPlayers(ctx, a.TeamID, e.rules.QuotaCity)
			if err != nil {
				return err
			}
			after.HasQuotaPlayer = n > 0
			if err := tx.SetQuotaFlag(ctx, a.TeamID, after.HasQuotaPlayer); err != nil {
				return err
			}
		}
		if err := tx.InsertLedger(ctx, &store.LedgerEntry{
			TeamID:      a.TeamID,
			PlayerID:    &a.PlayerID,
			Type:        store.Credit,
			Amount:      a.FinalPrice,
			Description: fmt.Sprintf("Reverted purchase of %s", player.Name),
			CreatedAt:   e.clock.Now(),
		}); err != nil {
			return err
		}

		released := *player
		released.Status, released.CurrentPrice = store.StatusAvailable, 0
		return insertAudits(ctx, tx,
			audit.NewEntry(string(store.Assignments), a.ID, audit.ActionDelete, actor.UserID, a, nil),
			audit.NewEntry(string(store.Players), a.PlayerID, audit.ActionUpdate, actor.UserID, player, released),
			audit.NewEntry(string(store.Teams), a.TeamID, audit.ActionUpdate, actor.UserID, team, after),
		)
	})
	if err != nil {
		return nil, e.fail(ctx, span, "revert", err)
	}

	e.logger.InfoContext(ctx, "assignment reverted",
		slog.Int64("assignment_id", assignmentID),
		slog.Int64("player_id", reverted.PlayerID),
		slog.Int64("team_id", reverted.TeamID),
		slog.String("user_id", actor.UserID),
	)
	return &reverted, nil
}

// run authorizes actor, marks the operation in flight and executes fn in a
// transaction. The engine timeout covers waiting for the gate as well.
func (e *Engine) run(ctx context.Context, op string, actor auth.Identity, fn func(context.Context, store.Tx) error) error {
	start := time.Now()
	defer func() {
		e.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("op", op)))
	}()

	if err := auth.RequireAdmin(actor); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	release, err := e.gate.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = e.tx.WithinTx(ctx, func(tx store.Tx) error { return fn(ctx, tx) })
	if err == nil {
		e.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", "success")))
	}
	return err
}

// fail classifies err, records it on the span and metrics, and returns the
// error the caller should see.
func (e *Engine) fail(ctx context.Context, span trace.Span, op string, err error) error {
	outcome := "error"
	var re *RuleError
	switch {
	case errors.As(err, &re):
		outcome = "rejected"
		e.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(re.Code))))
		span.SetAttributes(attribute.String("rejection.code", string(re.Code)))
		e.logger.InfoContext(ctx, "operation rejected",
			slog.String("op", op),
			slog.String("code", string(re.Code)),
			slog.String("reason", re.Message),
		)
		err = re
	case errors.Is(err, auth.ErrForbidden):
		outcome = "forbidden"
		span.SetStatus(codes.Error, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		outcome = "not_found"
	default:
		err = &InfrastructureError{Op: op, Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.ErrorContext(ctx, "operation failed",
			slog.String("op", op),
			slog.Any("error", err),
		)
	}
	e.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome)))
	return err
}

func insertAudits(ctx context.Context, tx store.Tx, entries ...audit.Entry) error {
	for _, entry := range entries {
		if err := tx.InsertAudit(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
