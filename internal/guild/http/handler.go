package guildhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/balloonboat/balloonboat/internal/guild"
	"github.com/balloonboat/balloonboat/internal/platform/httpx"
	"github.com/balloonboat/balloonboat/internal/rating"
)

// Service is the subset of guild.Service served over HTTP.
type Service interface {
	SetRole(ctx context.Context, g guild.ID, rank rating.Rank, role guild.RoleID) (bool, error)
	Unlink(ctx context.Context, g guild.ID, rank rating.Rank) error
	RoleFor(ctx context.Context, g guild.ID, rank rating.Rank) (guild.RoleID, bool, error)
	Bindings(ctx context.Context, g guild.ID) ([]guild.Binding, error)
}

// Handler exposes role bindings.
type Handler struct {
	logger   *slog.Logger
	service  Service
	validate *validator.Validate
}

// NewHandler constructs handler.
func NewHandler(logger *slog.Logger, service Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/guilds/{guild}/roles", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{rank}", h.show)
		r.Put("/{rank}", h.link)
		r.Delete("/{rank}", h.unlink)
	})
}

type linkRequest struct {
	RoleID int64 `json:"role_id" validate:"gt=0"`
}

type bindingResponse struct {
	GuildID       int64 `json:"guild_id"`
	Rank          int   `json:"rank"`
	RoleID        int64 `json:"role_id"`
	AlreadyLinked bool  `json:"already_linked,omitempty"`
}

type bindingsResponse struct {
	GuildID  int64             `json:"guild_id"`
	Bindings []bindingResponse `json:"bindings"`
}

func params(r *http.Request, withRank bool) (guild.ID, rating.Rank, error) {
	g, err := httpx.PathInt64(r, "guild")
	if err != nil {
		return 0, 0, err
	}
	if !withRank {
		return guild.ID(g), 0, nil
	}
	rank, err := httpx.PathInt64(r, "rank")
	if err != nil {
		return 0, 0, err
	}
	return guild.ID(g), rating.Rank(rank), nil
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	g, _, err := params(r, false)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	bindings, err := h.service.Bindings(r.Context(), g)
	if err != nil {
		h.fail(w, "list bindings", err)
		return
	}
	out := bindingsResponse{GuildID: int64(g), Bindings: make([]bindingResponse, 0, len(bindings))}
	for _, b := range bindings {
		out.Bindings = append(out.Bindings, bindingResponse{GuildID: int64(b.GuildID), Rank: int(b.Rank), RoleID: int64(b.RoleID)})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	g, rank, err := params(r, true)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, ok, err := h.service.RoleFor(r.Context(), g, rank)
	if err != nil {
		h.fail(w, "role for rank", err)
		return
	}
	if !ok {
		h.fail(w, "role for rank", guild.ErrNotLinked)
		return
	}
	httpx.JSON(w, http.StatusOK, bindingResponse{GuildID: int64(g), Rank: int(rank), RoleID: int64(role)})
}

func (h *Handler) link(w http.ResponseWriter, r *http.Request) {
	g, rank, err := params(r, true)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req linkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, guild.ErrInvalidRole))
		return
	}
	already, err := h.service.SetRole(r.Context(), g, rank, guild.RoleID(req.RoleID))
	if err != nil {
		h.fail(w, "link role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, bindingResponse{GuildID: int64(g), Rank: int(rank), RoleID: req.RoleID, AlreadyLinked: already})
}

func (h *Handler) unlink(w http.ResponseWriter, r *http.Request) {
	g, rank, err := params(r, true)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Unlink(r.Context(), g, rank); err != nil {
		h.fail(w, "unlink role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, guild.ErrNotLinked) {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
		return
	}
	var se *guild.StoreError
	if errors.As(err, &se) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
