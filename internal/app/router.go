package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	guildhttp "github.com/balloonboat/balloonboat/internal/guild/http"
	"github.com/balloonboat/balloonboat/internal/leaderboard"
	"github.com/balloonboat/balloonboat/internal/observability"
	"github.com/balloonboat/balloonboat/internal/platform/httpx"
	ratinghttp "github.com/balloonboat/balloonboat/internal/rating/http"
	"github.com/balloonboat/balloonboat/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	RatingHandler      *ratinghttp.Handler
	GuildHandler       *guildhttp.Handler
	LeaderboardHandler *leaderboard.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, httpx.ErrNotFound)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.RatingHandler != nil {
		params.RatingHandler.MountRoutes(r)
	}
	if params.GuildHandler != nil {
		params.GuildHandler.MountRoutes(r)
	}
	if params.LeaderboardHandler != nil {
		params.LeaderboardHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
