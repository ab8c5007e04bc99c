package budget

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/prodledger/prodledger/internal/platform/httpx"
)

// Handler manages budget endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers budget routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/budget/overview", h.handleOverview)
	r.Get("/budget/subaccounts/{id}", h.handleGetSubAccount)
	r.Post("/budget/accounts", h.handleCreateAccount)
	r.Delete("/budget/accounts/{id}", h.handleDeleteAccount)
	r.Post("/budget/subaccounts", h.handleCreateSubAccount)
	r.Delete("/budget/subaccounts/{id}", h.handleDeleteSubAccount)
}

type createAccountRequest struct {
	ProjectID int64  `json:"projectId" validate:"required"`
	Code      string `json:"code" validate:"required"`
	Name      string `json:"name"`
}

type createSubAccountRequest struct {
	AccountID int64   `json:"accountId" validate:"required"`
	Code      string  `json:"code" validate:"required"`
	Name      string  `json:"name"`
	Budgeted  float64 `json:"budgeted" validate:"gte=0"`
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
	if projectID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id is required")
		return
	}
	overview, err := h.service.Overview(r.Context(), projectID)
	if err != nil {
		h.logger.Error("budget overview", slog.Any("error", err))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, overview)
}

func (h *Handler) handleGetSubAccount(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	sub, err := h.service.SubAccount(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, SubAccountView{SubAccount: sub, Available: sub.Available()})
}

func (h *Handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	account, err := h.service.CreateAccount(r.Context(), CreateAccountInput(req))
	if err != nil {
		h.logger.Error("create account", slog.Any("error", err))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, account)
}

func (h *Handler) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err := h.service.DeleteAccount(r.Context(), id); err != nil {
		h.logger.Error("delete account", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateSubAccount(w http.ResponseWriter, r *http.Request) {
	var req createSubAccountRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sub, err := h.service.CreateSubAccount(r.Context(), CreateSubAccountInput(req))
	if err != nil {
		h.logger.Error("create subaccount", slog.Any("error", err))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleDeleteSubAccount(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err := h.service.DeleteSubAccount(r.Context(), id); err != nil {
		h.logger.Error("delete subaccount", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrAccountNotEmpty), errors.Is(err, ErrSubAccountInUse), errors.Is(err, ErrNegativeFigure):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
