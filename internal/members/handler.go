package members

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/prodledger/prodledger/internal/platform/httpx"
)

// Handler manages project roster endpoints.
type Handler struct {
	logger *slog.Logger
	repo   *Repository
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, repo *Repository) *Handler {
	return &Handler{logger: logger, repo: repo}
}

// MountRoutes registers roster routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/members", h.handleList)
	r.Put("/members", h.handleUpsert)
	r.Delete("/members/{userID}", h.handleRemove)
}

type upsertRequest struct {
	UserID     int64  `json:"userId" validate:"required"`
	ProjectID  int64  `json:"projectId" validate:"required"`
	Name       string `json:"name"`
	Role       string `json:"role" validate:"required"`
	Department string `json:"department"`
	Position   string `json:"position" validate:"omitempty,oneof=HOD COORDINATOR"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
	if projectID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id is required")
		return
	}
	roster, err := h.repo.ProjectMembers(r.Context(), projectID)
	if err != nil {
		h.logger.Error("list members", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"members": roster})
}

func (h *Handler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	member := Member{
		UserID:     req.UserID,
		ProjectID:  req.ProjectID,
		Name:       req.Name,
		Role:       req.Role,
		Department: req.Department,
		Position:   req.Position,
	}
	if err := h.repo.Upsert(r.Context(), member); err != nil {
		if errors.Is(err, ErrValidation) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("upsert member", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, member)
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
	userID, _ := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if projectID == 0 || userID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id and userID are required")
		return
	}
	if err := h.repo.Remove(r.Context(), projectID, userID); err != nil {
		h.logger.Error("remove member", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
