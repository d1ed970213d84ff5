package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"reminders/internal/auth"
	"reminders/internal/config"
	"reminders/internal/http/handler"
	mw "reminders/internal/http/middleware"
	"reminders/internal/reminder"
)

// NewRouter builds the admin API. A nil jwtSvc leaves /reminders and /flags
// open, for local use only.
func NewRouter(cfg config.Config, svc *reminder.Service, jwtSvc *auth.JWT, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(log.With().Str("comp", "http").Logger()))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", chimw.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	protect := func(r chi.Router) {}
	if jwtSvc != nil {
		ah := &handler.AuthHandler{JWT: jwtSvc, APIKeyHash: cfg.AdminAPIKeyHash}
		r.Post("/auth/token", ah.Token)
		protect = func(r chi.Router) { r.Use(auth.RequireAuth(jwtSvc)) }
	}

	rh := &handler.ReminderHandler{Svc: svc}
	r.Route("/reminders", func(r chi.Router) {
		protect(r)

		r.Post("/", rh.Create)
		r.Get("/", rh.List)
		r.Get("/{id}", rh.Get)
		r.Post("/{id}/pause", rh.Pause)
		r.Post("/{id}/resume", rh.Resume)
		r.Delete("/{id}", rh.Delete)
	})

	fh := &handler.FlagHandler{Svc: svc}
	r.Route("/flags", func(r chi.Router) {
		protect(r)

		r.Put("/{key}", fh.Put)
		r.Get("/{key}", fh.Get)
	})

	return r
}
