// Package admin serves the engine's operational HTTP API: health, metrics,
// runtime settings and read-only views of live pairing state.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/whisper/pairchat/internal/auth"
	"github.com/whisper/pairchat/internal/engine"
	"github.com/whisper/pairchat/internal/feedback"
	"github.com/whisper/pairchat/internal/logging"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/recency"
	"github.com/whisper/pairchat/internal/settings"
)

// Settings is the runtime settings store.
type Settings interface {
	Current() settings.Values
	Set(ctx context.Context, key, raw string) (settings.Values, error)
}

// Sessions lists the runtimes the engine is serving.
type Sessions interface {
	LiveSessions() []engine.LiveSession
}

// Recency reads a user's cooldown rows.
type Recency interface {
	Rows(ctx context.Context, userID int64) ([]recency.Row, error)
}

// Complaints lists filed complaints.
type Complaints interface {
	ListComplaints(ctx context.Context, f feedback.ComplaintFilter) ([]feedback.Complaint, error)
}

// Bans inspects and edits search bans.
type Bans interface {
	IsBanned(ctx context.Context, userID int64) (bool, time.Duration, string, error)
	Ban(ctx context.Context, userID int64, d time.Duration, reason string) error
	Unban(ctx context.Context, userID int64) error
	OffenseCount(ctx context.Context, userID int64) (int, error)
}

// Points reads and adjusts point balances.
type Points interface {
	GetPoints(ctx context.Context, userID int64) (int, error)
	AdjustPoints(ctx context.Context, userID int64, delta int) (int, error)
}

// Verifier checks bearer tokens.
type Verifier interface {
	Parse(token string) (*auth.Claims, error)
}

// Deps are the router's collaborators. Complaints, Bans and Points are
// optional; their routes answer 404 when unset.
type Deps struct {
	Settings   Settings
	Sessions   Sessions
	Recency    Recency
	Complaints Complaints
	Bans       Bans
	Points     Points
	Verifier   Verifier
}

type handler struct {
	Deps
	log zerolog.Logger
}

// NewRouter builds the admin router.
func NewRouter(d Deps) http.Handler {
	h := &handler{Deps: d, log: logging.Component("admin")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)

		r.Get("/settings", h.getSettings)
		r.Put("/settings/{key}", h.putSetting)
		r.Get("/sessions", h.listSessions)
		r.Get("/recency/{user}", h.recencyRows)

		if d.Complaints != nil {
			r.Get("/complaints", h.listComplaints)
		}
		if d.Bans != nil {
			r.Get("/bans/{user}", h.getBan)
			r.Put("/bans/{user}", h.putBan)
			r.Delete("/bans/{user}", h.deleteBan)
		}
		if d.Points != nil {
			r.Get("/points/{user}", h.getPoints)
			r.Post("/points/{user}", h.adjustPoints)
		}
	})
	return r
}

func (h *handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
