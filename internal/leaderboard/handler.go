package leaderboard

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/balloonboat/balloonboat/internal/platform/httpx"
)

// Handler serves the leaderboard.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/leaderboard", h.show)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	n, err := httpx.QueryInt(r, "n", h.service.Size())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	board, err := h.service.Board(r.Context(), n)
	if err != nil {
		h.logger.Error("leaderboard", slog.Int("n", n), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(h.service.Render(board)))
		return
	}
	httpx.JSON(w, http.StatusOK, board)
}
