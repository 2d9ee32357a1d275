package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/realtime"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

const defaultAuditLimit = 100

type assignRequest struct {
	PlayerID   int64 `json:"player_id" validate:"required,gt=0"`
	TeamID     int64 `json:"team_id" validate:"required,gt=0"`
	FinalPrice int64 `json:"final_price" validate:"required,gt=0"`
}

type createPlayerRequest struct {
	Name        string         `json:"name" validate:"required,min=2,max=100"`
	Position    store.Position `json:"position" validate:"required,oneof=Batsman Bowler All-rounder Wicket-keeper"`
	BasePrice   int64          `json:"base_price" validate:"required,gt=0"`
	City        *string        `json:"city" validate:"omitempty,max=100"`
	ImageURL    *string        `json:"image_url" validate:"omitempty,url"`
	Achievement *string        `json:"achievement" validate:"omitempty,max=500"`
}

// updatePlayerRequest replaces every editable field, so it validates like a
// create.
type updatePlayerRequest createPlayerRequest

type createTeamRequest struct {
	Name        string  `json:"name" validate:"required,min=2,max=100"`
	Budget      int64   `json:"budget" validate:"omitempty,gt=0"`
	LogoURL     *string `json:"logo_url" validate:"omitempty,url"`
	OwnerName   *string `json:"owner_name" validate:"omitempty,max=100"`
	OwnerImage  *string `json:"owner_image" validate:"omitempty,url"`
	Captain     *string `json:"captain" validate:"omitempty,max=100"`
	ViceCaptain *string `json:"vice_captain" validate:"omitempty,max=100"`
}

type statusResponse struct {
	Status    realtime.Status             `json:"status"`
	Channels  map[store.Collection]string `json:"channels"`
	UpdatedAt string                      `json:"updated_at,omitempty"`
	Overview  *store.Overview             `json:"overview,omitempty"`
}

// snapshot returns the replica and stamps the freshness headers.
func (s *Server) snapshot(w http.ResponseWriter) realtime.Snapshot {
	snap := s.Layer.Snapshot()
	w.Header().Set("X-Auction-Status", string(s.Layer.Status()))
	if ts := lastUpdated(snap.UpdatedAt); ts != "" {
		w.Header().Set("X-Auction-Updated-At", ts)
	}
	return snap
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	channels := make(map[store.Collection]string)
	for c, st := range s.Layer.Channels() {
		channels[c] = st.String()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    s.Layer.Status(),
		Channels:  channels,
		UpdatedAt: lastUpdated(snap.UpdatedAt),
		Overview:  snap.Overview,
	})
}

func (s *Server) getTeams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.snapshot(w).Teams))
}

func (s *Server) getPlayers(w http.ResponseWriter, r *http.Request) {
	players := s.snapshot(w).Players
	if status := store.PlayerStatus(r.URL.Query().Get("status")); status != "" {
		filtered := make([]store.Player, 0, len(players))
		for _, p := range players {
			if p.Status == status {
				filtered = append(filtered, p)
			}
		}
		players = filtered
	}
	writeJSON(w, http.StatusOK, nonNil(players))
}

func (s *Server) getAssignments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.snapshot(w).Assignments))
}

func (s *Server) getOverview(w http.ResponseWriter, r *http.Request) {
	if ov := s.snapshot(w).Overview; ov != nil {
		writeJSON(w, http.StatusOK, ov)
		return
	}
	ov, err := s.Aggregator.Overview(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (s *Server) getCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]*store.Player{"player": s.snapshot(w).Current()})
}

func (s *Server) getSummaries(w http.ResponseWriter, r *http.Request) {
	all, err := s.Aggregator.All(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) getTeamSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.Aggregator.Team(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) postAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.Engine.AssignPlayer(r.Context(), identity(r), req.PlayerID, req.TeamID, req.FinalPrice)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) deleteAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.Engine.RevertAssignment(r.Context(), identity(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) postUnsold(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.MarkUnsold(r.Context(), identity(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postShuffle(w http.ResponseWriter, r *http.Request) {
	p, err := s.Selector.Next(r.Context(), identity(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*store.Player{"player": p})
}

func (s *Server) postRecycle(w http.ResponseWriter, r *http.Request) {
	n, err := s.Reconciler.RecycleNow(r.Context(), identity(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"recycled": n})
}

func (s *Server) postTeam(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "Server.postTeam")
	defer span.End()

	var req createTeamRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t := &store.Team{
		Name:        req.Name,
		Budget:      req.Budget,
		LogoURL:     req.LogoURL,
		OwnerName:   req.OwnerName,
		OwnerImage:  req.OwnerImage,
		Captain:     req.Captain,
		ViceCaptain: req.ViceCaptain,
	}
	if err := s.Repos.Teams.Create(ctx, t); err != nil {
		s.writeError(w, r, fmt.Errorf("creating team: %w", err))
		return
	}
	span.SetAttributes(attribute.Int64("team.id", t.ID))
	actor := identity(r)
	s.Recorder.Record(ctx, audit.NewEntry(string(store.Teams), t.ID, audit.ActionInsert, actor.UserID, nil, t))
	s.logger.InfoContext(ctx, "team created",
		slog.Int64("team_id", t.ID),
		slog.String("name", t.Name),
		slog.String("user_id", actor.UserID),
	)
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) postPlayer(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "Server.postPlayer")
	defer span.End()

	var req createPlayerRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := &store.Player{
		Name:        req.Name,
		Position:    req.Position,
		BasePrice:   req.BasePrice,
		City:        req.City,
		ImageURL:    req.ImageURL,
		Achievement: req.Achievement,
		Status:      store.StatusAvailable,
	}
	if err := s.Repos.Players.Create(ctx, p); err != nil {
		s.writeError(w, r, fmt.Errorf("creating player: %w", err))
		return
	}
	span.SetAttributes(attribute.Int64("player.id", p.ID))
	actor := identity(r)
	s.Recorder.Record(ctx, audit.NewEntry(string(store.Players), p.ID, audit.ActionInsert, actor.UserID, nil, p))
	s.logger.InfoContext(ctx, "player created",
		slog.Int64("player_id", p.ID),
		slog.String("name", p.Name),
		slog.String("user_id", actor.UserID),
	)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) putPlayer(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "Server.putPlayer")
	defer span.End()

	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updatePlayerRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	old, err := s.Repos.Players.GetByID(ctx, id)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("getting player %d: %w", id, err))
		return
	}
	p := &store.Player{
		ID:          id,
		Name:        req.Name,
		Position:    req.Position,
		BasePrice:   req.BasePrice,
		City:        req.City,
		ImageURL:    req.ImageURL,
		Achievement: req.Achievement,
	}
	// The store re-checks availability, so a sale landing after GetByID
	// still fails the edit.
	if err := s.Repos.Players.Update(ctx, p); err != nil {
		s.writeError(w, r, fmt.Errorf("updating player %d: %w", id, err))
		return
	}
	actor := identity(r)
	s.Recorder.Record(ctx, audit.NewEntry(string(store.Players), p.ID, audit.ActionUpdate, actor.UserID, old, p))
	s.logger.InfoContext(ctx, "player updated",
		slog.Int64("player_id", p.ID),
		slog.String("name", p.Name),
		slog.String("user_id", actor.UserID),
	)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", errInvalidInput))
			return
		}
		limit = n
	}
	entries, err := s.Repos.Audit.ListAudit(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("listing audit log: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "Server.getLedger")
	defer span.End()

	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int64("team.id", id))
	if _, err := s.Repos.Teams.GetByID(ctx, id); err != nil {
		s.writeError(w, r, fmt.Errorf("getting team %d: %w", id, err))
		return
	}
	entries, err := s.Repos.Assignments.Ledger(ctx, id)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("listing ledger: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: bad id %q", errInvalidInput, raw)
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int64("path.id", id))
	return id, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
