package approval

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/prodledger/prodledger/internal/platform/httpx"
)

// Handler manages approval configuration endpoints.
type Handler struct {
	logger *slog.Logger
	store  *ConfigStore
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, store *ConfigStore) *Handler {
	return &Handler{logger: logger, store: store}
}

// MountRoutes registers approval configuration routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/approval-configs/{kind}", h.handleGet)
	r.Put("/approval-configs/{kind}", h.handleSave)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
	kind := chi.URLParam(r, "kind")
	if projectID == 0 || kind == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id and kind are required")
		return
	}
	cfg, err := h.store.StepConfig(r.Context(), projectID, kind)
	if err != nil {
		h.logger.Error("load approval config", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"steps": cfg})
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
	kind := chi.URLParam(r, "kind")
	var body struct {
		Steps []StepConfig `json:"steps"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed body")
		return
	}
	if err := h.store.SaveStepConfig(r.Context(), projectID, kind, body.Steps); err != nil {
		if errors.Is(err, ErrValidation) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("save approval config", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
