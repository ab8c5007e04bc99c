package procurement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/prodledger/prodledger/internal/approval"
	"github.com/prodledger/prodledger/internal/budget"
	"github.com/prodledger/prodledger/internal/platform/httpx"
)

// Handler manages purchase order endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers purchase order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/pos", h.handleList)
	r.Get("/pos/stalled", h.handleStalled)
	r.Get("/pos/{id}", h.handleGet)
	r.Post("/pos", h.handleCreate)
	r.Post("/pos/{id}/submit", h.handleSubmit)
	r.Post("/pos/{id}/decide", h.handleDecide)
	r.Post("/pos/{id}/refresh", h.handleRefresh)
	r.Post("/pos/{id}/close", h.handleClose)
	r.Post("/pos/{id}/cancel", h.handleCancel)
	r.Delete("/pos/{id}", h.handleDelete)
}

type createPORequest struct {
	ProjectID    int64   `json:"projectId" validate:"required"`
	SupplierID   int64   `json:"supplierId" validate:"required"`
	SubAccountID int64   `json:"subAccountId" validate:"required"`
	Amount       float64 `json:"amount" validate:"required,gt=0"`
	Description  string  `json:"description"`
	Submit       bool    `json:"submit"`
}

type decideRequest struct {
	Decision string `json:"decision" validate:"required,oneof=APPROVE REJECT"`
	Note     string `json:"note"`
}

type poResponse struct {
	PO            PurchaseOrder `json:"po"`
	Stalled       []int         `json:"stalledSteps,omitempty"`
	BudgetWarning string        `json:"budgetWarning,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createPORequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Create(r.Context(), CreatePOInput{
		ProjectID:    req.ProjectID,
		SupplierID:   req.SupplierID,
		SubAccountID: req.SubAccountID,
		Amount:       req.Amount,
		Description:  req.Description,
		CreatedBy:    httpx.ActorID(r),
		Submit:       req.Submit,
	})
	if err != nil {
		h.logger.Error("create PO", slog.Any("error", err))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, poResponse{PO: res.PO, Stalled: res.Stalled, BudgetWarning: res.BudgetWarning})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	res, err := h.service.Submit(r.Context(), id, httpx.ActorID(r))
	if err != nil {
		h.logger.Error("submit PO", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, poResponse{PO: res.PO, Stalled: res.Stalled, BudgetWarning: res.BudgetWarning})
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	var req decideRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Decide(r.Context(), id, httpx.ActorID(r), approval.Decision(req.Decision), req.Note)
	if err != nil {
		h.logger.Error("decide PO", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	res, err := h.service.Refresh(r.Context(), id)
	if err != nil {
		h.logger.Error("refresh PO", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if err := h.service.Close(r.Context(), id, httpx.ActorID(r)); err != nil {
		h.logger.Error("close PO", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if err := h.service.Cancel(r.Context(), id, httpx.ActorID(r)); err != nil {
		h.logger.Error("cancel PO", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if err := h.service.Delete(r.Context(), id, httpx.ActorID(r)); err != nil {
		h.logger.Error("delete PO", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	po, err := h.service.Get(r.Context(), urlID(r))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
	if projectID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id is required")
		return
	}
	pos, err := h.service.ListByProject(r.Context(), projectID)
	if err != nil {
		h.logger.Error("list POs", slog.Any("error", err))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"pos": pos})
}

func (h *Handler) handleStalled(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
	if projectID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id is required")
		return
	}
	stalled, err := h.service.StalledApprovals(r.Context(), projectID)
	if err != nil {
		h.logger.Error("list stalled POs", slog.Any("error", err))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"stalled": stalled})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, budget.ErrNotFound):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrHasInvoices):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, approval.ErrNotEligible):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, approval.ErrAlreadyDecided), errors.Is(err, approval.ErrNoPendingStep):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}

func urlID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id
}
