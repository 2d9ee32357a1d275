// Package httpapi exposes the auction to viewers and operators over HTTP
// and websockets.
package httpapi

import (
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/health"
	"github.com/jensholdgaard/cricket-auction/internal/ratelimit"
	"github.com/jensholdgaard/cricket-auction/internal/realtime"
	"github.com/jensholdgaard/cricket-auction/internal/rotation"
	"github.com/jensholdgaard/cricket-auction/internal/store"
	"github.com/jensholdgaard/cricket-auction/internal/summary"
)

const instrumentationName = "github.com/jensholdgaard/cricket-auction/internal/httpapi"

// Deps are the collaborators served by the API.
type Deps struct {
	Repos      *store.Repositories
	Engine     *auction.Engine
	Selector   *rotation.Selector
	Reconciler *rotation.Reconciler
	Aggregator *summary.Aggregator
	Layer      *realtime.Layer
	Hub        *Hub
	Verifier   *auth.Verifier
	Limiter    ratelimit.Limiter
	Recorder   *audit.Recorder
	Health     *health.Handler
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
	corsOrigins []string
	validate    *validator.Validate

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock
}

// NewServer creates a Server.
func NewServer(deps Deps, corsOrigins []string, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Server {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		Deps:        deps,
		corsOrigins: corsOrigins,
		validate:    v,
		logger:      logger,
		tracer:      tp.Tracer(instrumentationName),
		clock:       clk,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.Health != nil {
		r.Get("/healthz", s.Health.LivenessHandler())
		r.Get("/readyz", s.Health.ReadinessHandler())
	}
	r.Get("/ws", s.Hub.ServeWS(s.initialMessage))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/status", s.getStatus)
		r.Get("/teams", s.getTeams)
		r.Get("/teams/{id}/summary", s.getTeamSummary)
		r.Get("/players", s.getPlayers)
		r.Get("/assignments", s.getAssignments)
		r.Get("/overview", s.getOverview)
		r.Get("/current", s.getCurrent)
		r.Get("/summaries", s.getSummaries)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Use(ratelimit.Middleware(s.Limiter, rateKey))

			r.Post("/assignments", s.postAssignment)
			r.Delete("/assignments/{id}", s.deleteAssignment)
			r.Post("/players/{id}/unsold", s.postUnsold)
			r.Post("/shuffle", s.postShuffle)
			r.Post("/recycle", s.postRecycle)
			r.Post("/teams", s.postTeam)
			r.Post("/players", s.postPlayer)
			r.Put("/players/{id}", s.putPlayer)
			r.Get("/audit", s.getAudit)
			r.Get("/teams/{id}/ledger", s.getLedger)
		})
	})
	return r
}

// BroadcastUpdate pushes a replica change to websocket viewers. It is
// registered as a realtime observer.
func (s *Server) BroadcastUpdate(u realtime.Update) {
	s.Hub.Broadcast("update", u)
}

func (s *Server) initialMessage() Message {
	return Message{Type: "snapshot", Payload: realtime.Update{
		Status:   s.Layer.Status(),
		Snapshot: s.Layer.Snapshot(),
	}}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.clock.Now()
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", s.clock.Now().Sub(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// securityHeaders stamps every response, websocket handshake included.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the caller. Requests without a bearer token are
// anonymous viewers; a present but invalid token is rejected.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			id := auth.Anonymous(ratelimit.ClientIP(r))
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			s.writeError(w, r, auth.ErrUnauthenticated)
			return
		}
		id, err := s.Verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		if err := auth.RequireAdmin(id); err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateKey(r *http.Request) string {
	if id, ok := auth.FromContext(r.Context()); ok && id.UserID != "" {
		return "user:" + id.UserID
	}
	return "ip:" + ratelimit.ClientIP(r)
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// lastUpdated formats the replica timestamp for response headers.
func lastUpdated(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
