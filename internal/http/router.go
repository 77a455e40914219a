package http

import (
	"log/slog"
	"net/http"
	"time"

	"taskpilot/internal/auth"
	"taskpilot/internal/config"
	"taskpilot/internal/http/handler"
	mw "taskpilot/internal/http/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Deps are the collaborators the routes are served from.
type Deps struct {
	Config     config.Config
	Webhook    http.Handler
	Jobs       handler.JobStore
	Queue      handler.QueueStats
	Workspaces handler.WorkspaceStats
	Quota      handler.QuotaStatus
	Broker     handler.Broker
	Dropped    func() uint64
	// JWT guards the observer routes; nil leaves them open.
	JWT     *auth.JWT
	Started time.Time
	Logger  *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Started.IsZero() {
		d.Started = time.Now()
	}
	cfg := d.Config

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger(d.Logger))
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	health := &handler.HealthHandler{Started: d.Started}
	r.Get("/health", health.Health)

	r.Method(http.MethodPost, "/webhook", d.Webhook)

	th := &handler.TokenHandler{JWT: d.JWT, PasswordHash: cfg.AdminPasswordHash, Logger: d.Logger}
	r.Post("/auth/token", th.Token)

	status := &handler.StatusHandler{
		Started:    d.Started,
		Queue:      d.Queue,
		Workspaces: d.Workspaces,
		Quota:      d.Quota,
		Dropped:    d.Dropped,
		Logger:     d.Logger,
	}
	jh := &handler.JobHandler{Jobs: d.Jobs}
	ws := &handler.WSHandler{Broker: d.Broker, Origins: cfg.CORSAllowedOrigins, Logger: d.Logger}

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(d.JWT))

		r.Get("/status", status.Status)
		r.Get("/jobs", jh.List)
		r.Get("/jobs/{id}", jh.Get)
		r.Get("/ws", ws.Serve)
	})

	return r
}
