package ratinghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/balloonboat/balloonboat/internal/platform/httpx"
	"github.com/balloonboat/balloonboat/internal/rating"
)

// Service is the subset of rating.Service served over HTTP.
type Service interface {
	SubmitRating(ctx context.Context, rater, target rating.UserID, value int) (rating.SubmitResult, error)
	UserRank(ctx context.Context, id rating.UserID) (rating.UserRank, error)
	RatingBetween(ctx context.Context, rater, target rating.UserID) (int, bool, error)
	IncomingRatings(ctx context.Context, id rating.UserID) ([]rating.Rating, error)
	OutgoingRatings(ctx context.Context, id rating.UserID) ([]rating.Rating, error)
	Stats(ctx context.Context) (rating.Stats, error)
}

// Handler exposes the rating boundary as JSON endpoints.
type Handler struct {
	logger   *slog.Logger
	service  Service
	cooldown time.Duration
}

// NewHandler constructs the handler. A positive cooldown limits each rater to
// one submission per window.
func NewHandler(logger *slog.Logger, service Service, cooldown time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, cooldown: cooldown}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.cooldown > 0 {
			r.Use(httprate.Limit(1, h.cooldown,
				httprate.WithKeyFuncs(raterKey),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					httpx.RespondError(w, fmt.Errorf("%w: wait before rating again", httpx.ErrTooMany))
				}),
			))
		}
		r.Post("/ratings", h.submit)
	})
	r.Get("/ratings/{rater}/{target}", h.ratingBetween)
	r.Get("/users/{id}/rank", h.userRank)
	r.Get("/users/{id}/ratings/incoming", h.incoming)
	r.Get("/users/{id}/ratings/outgoing", h.outgoing)
	r.Get("/stats", h.stats)
}

type submitRequest struct {
	RaterID  int64 `json:"rater_id"`
	TargetID int64 `json:"target_id"`
	Value    int   `json:"value"`
}

type cascadeResponse struct {
	Recomputed     int    `json:"recomputed"`
	RankChanges    int    `json:"rank_changes"`
	EdgesRewritten int    `json:"edges_rewritten"`
	Failed         int    `json:"failed"`
	Aborted        bool   `json:"aborted"`
	Error          string `json:"error,omitempty"`
}

type submitResponse struct {
	RaterRank   int             `json:"rater_rank"`
	TargetRank  int             `json:"target_rank"`
	TargetScore float64         `json:"target_score"`
	Unchanged   bool            `json:"unchanged"`
	Cascade     cascadeResponse `json:"cascade"`
}

type rankResponse struct {
	UserID        int64   `json:"user_id"`
	TrueScore     float64 `json:"true_score"`
	EffectiveRank int     `json:"effective_rank"`
}

type ratingEntry struct {
	UserID int64 `json:"user_id"`
	Value  int   `json:"value"`
}

type ratingsResponse struct {
	UserID  int64         `json:"user_id"`
	Ratings []ratingEntry `json:"ratings"`
}

type edgeResponse struct {
	RaterID  int64 `json:"rater_id"`
	TargetID int64 `json:"target_id"`
	Value    int   `json:"value"`
}

type statsResponse struct {
	RankedUsers  int64   `json:"ranked_users"`
	TotalRatings int64   `json:"total_ratings"`
	AverageScore float64 `json:"average_score"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.SubmitRating(r.Context(), rating.UserID(req.RaterID), rating.UserID(req.TargetID), req.Value)
	if err != nil {
		if !rating.IsValidation(err) {
			h.logger.Error("submit rating", slog.Int64("rater_id", req.RaterID), slog.Int64("target_id", req.TargetID), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	out := submitResponse{
		RaterRank:   int(res.RaterRank),
		TargetRank:  int(res.TargetRank),
		TargetScore: res.TargetScore,
		Unchanged:   res.Unchanged,
		Cascade: cascadeResponse{
			Recomputed:     res.Cascade.Recomputed,
			RankChanges:    res.Cascade.RankChanges,
			EdgesRewritten: res.Cascade.EdgesRewritten,
			Failed:         res.Cascade.Failed,
			Aborted:        res.Cascade.Aborted,
		},
	}
	if res.Cascade.Err != nil {
		out.Cascade.Error = res.Cascade.Err.Error()
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) userRank(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ur, err := h.service.UserRank(r.Context(), rating.UserID(id))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rankResponse{UserID: id, TrueScore: ur.TrueScore, EffectiveRank: int(ur.EffectiveRank)})
}

func (h *Handler) incoming(w http.ResponseWriter, r *http.Request) {
	h.listRatings(w, r, h.service.IncomingRatings)
}

func (h *Handler) outgoing(w http.ResponseWriter, r *http.Request) {
	h.listRatings(w, r, h.service.OutgoingRatings)
}

func (h *Handler) listRatings(w http.ResponseWriter, r *http.Request, list func(context.Context, rating.UserID) ([]rating.Rating, error)) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ratings, err := list(r.Context(), rating.UserID(id))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := ratingsResponse{UserID: id, Ratings: make([]ratingEntry, 0, len(ratings))}
	for _, rt := range ratings {
		out.Ratings = append(out.Ratings, ratingEntry{UserID: int64(rt.UserID), Value: rt.Value})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) ratingBetween(w http.ResponseWriter, r *http.Request) {
	rater, err := httpx.PathInt64(r, "rater")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	target, err := httpx.PathInt64(r, "target")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	value, ok, err := h.service.RatingBetween(r.Context(), rating.UserID(rater), rating.UserID(target))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: user %d has not rated user %d", httpx.ErrNotFound, rater, target))
		return
	}
	httpx.JSON(w, http.StatusOK, edgeResponse{RaterID: rater, TargetID: target, Value: value})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statsResponse{
		RankedUsers:  stats.RankedUsers,
		TotalRatings: stats.TotalRatings,
		AverageScore: stats.AverageScore,
	})
}

// raterKey keys the submission cooldown by rater id, restoring the body for
// the handler. Bodies without a usable rater id fall back to the client IP.
func raterKey(r *http.Request) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes))
	if err != nil {
		return "", err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))

	var probe struct {
		RaterID int64 `json:"rater_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.RaterID <= 0 {
		return httprate.KeyByIP(r)
	}
	return "rater:" + strconv.FormatInt(probe.RaterID, 10), nil
}
