// Package summary projects committed assignments, teams and players into
// per-team standings and an auction-wide overview. It never writes.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/cricket-auction/internal/summary"

// TeamSummary is a team's standing with values derived from the auction
// rules.
type TeamSummary struct {
	TeamID         int64               `json:"team_id"`
	TeamName       string              `json:"team_name"`
	TeamLogo       *string             `json:"team_logo,omitempty"`
	OwnerName      *string             `json:"owner_name,omitempty"`
	OwnerImage     *string             `json:"owner_image,omitempty"`
	Captain        *string             `json:"captain,omitempty"`
	ViceCaptain    *string             `json:"vice_captain,omitempty"`
	Budget         int64               `json:"budget"`
	TotalSpent     int64               `json:"total_spent"`
	PlayersCount   int                 `json:"players_count"`
	HasQuotaPlayer bool                `json:"has_pune_player"`
	RemainingSlots int                 `json:"remaining_slots"`
	MaxBid         int64               `json:"max_bid"`
	Players        []store.SquadMember `json:"players"`
}

// Aggregator computes summaries on demand.
type Aggregator struct {
	teams       store.TeamRepository
	assignments store.AssignmentRepository
	rules       auction.Rules
	parallelism int

	logger *slog.Logger
	tracer trace.Tracer
}

// NewAggregator creates an Aggregator. parallelism bounds concurrent team
// queries in All; values below 1 mean 4.
func NewAggregator(teams store.TeamRepository, assignments store.AssignmentRepository, rules auction.Rules, parallelism int, logger *slog.Logger, tp trace.TracerProvider) *Aggregator {
	if parallelism < 1 {
		parallelism = 4
	}
	return &Aggregator{
		teams:       teams,
		assignments: assignments,
		rules:       rules,
		parallelism: parallelism,
		logger:      logger,
		tracer:      tp.Tracer(instrumentationName),
	}
}

// Team returns the summary of one team.
func (a *Aggregator) Team(ctx context.Context, teamID int64) (*TeamSummary, error) {
	ctx, span := a.tracer.Start(ctx, "Aggregator.Team",
		trace.WithAttributes(attribute.Int64("team.id", teamID)),
	)
	defer span.End()

	s, err := a.teams.Summary(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("summarizing team %d: %w", teamID, err)
	}
	out := a.project(s)
	return &out, nil
}

// All returns every team's summary ordered by team name. Teams are
// queried concurrently; the first failure cancels the rest.
func (a *Aggregator) All(ctx context.Context) ([]TeamSummary, error) {
	ctx, span := a.tracer.Start(ctx, "Aggregator.All")
	defer span.End()

	teams, err := a.teams.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}
	span.SetAttributes(attribute.Int("teams", len(teams)))

	p := pool.NewWithResults[TeamSummary]().
		WithContext(ctx).
		WithMaxGoroutines(a.parallelism).
		WithCancelOnError()
	for _, t := range teams {
		p.Go(func(ctx context.Context) (TeamSummary, error) {
			s, err := a.teams.Summary(ctx, t.ID)
			if err != nil {
				return TeamSummary{}, fmt.Errorf("summarizing team %d: %w", t.ID, err)
			}
			return a.project(s), nil
		})
	}
	out, err := p.Wait()
	if err != nil {
		a.logger.WarnContext(ctx, "team summaries failed", slog.Any("error", err))
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TeamName == out[j].TeamName {
			return out[i].TeamID < out[j].TeamID
		}
		return out[i].TeamName < out[j].TeamName
	})
	return out, nil
}

// Overview returns auction-wide counts and totals.
func (a *Aggregator) Overview(ctx context.Context) (*store.Overview, error) {
	ctx, span := a.tracer.Start(ctx, "Aggregator.Overview")
	defer span.End()

	o, err := a.assignments.Overview(ctx)
	if err != nil {
		return nil, fmt.Errorf("computing overview: %w", err)
	}
	return o, nil
}

func (a *Aggregator) project(s *store.TeamSummary) TeamSummary {
	players := s.Squad
	if players == nil {
		players = []store.SquadMember{}
	}
	count := len(players)
	slots := a.rules.RemainingSlots(count)
	if slots < 0 {
		slots = 0
	}
	return TeamSummary{
		TeamID:         s.Team.ID,
		TeamName:       s.Team.Name,
		TeamLogo:       s.Team.LogoURL,
		OwnerName:      s.Team.OwnerName,
		OwnerImage:     s.Team.OwnerImage,
		Captain:        s.Team.Captain,
		ViceCaptain:    s.Team.ViceCaptain,
		Budget:         s.Team.Budget,
		TotalSpent:     s.TotalSpent,
		PlayersCount:   count,
		HasQuotaPlayer: s.Team.HasQuotaPlayer,
		RemainingSlots: slots,
		MaxBid:         a.rules.MaxBid(s.Team.Budget, count),
		Players:        players,
	}
}
