package ap

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/prodledger/prodledger/internal/approval"
	"github.com/prodledger/prodledger/internal/platform/httpx"
)

// Handler manages invoice endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/invoices", h.handleList)
	r.Get("/invoices/{id}", h.handleGet)
	r.Post("/invoices", h.handleCreate)
	r.Post("/invoices/{id}/decide", h.handleDecide)
	r.Post("/invoices/{id}/refresh", h.handleRefresh)
	r.Post("/invoices/{id}/cancel", h.handleCancel)
	r.Delete("/invoices/{id}", h.handleDelete)
}

type createInvoiceRequest struct {
	ProjectID    int64   `json:"projectId" validate:"required"`
	POID         int64   `json:"poId"`
	SupplierID   int64   `json:"supplierId"`
	SubAccountID int64   `json:"subAccountId"`
	Amount       float64 `json:"amount" validate:"required,gt=0"`
	DueDate      string  `json:"dueDate" validate:"required"`
}

type decideRequest struct {
	Decision string `json:"decision" validate:"required,oneof=APPROVE REJECT"`
	Note     string `json:"note"`
}

type invoiceView struct {
	Invoice
	EffectiveStatus Status `json:"effectiveStatus"`
}

func viewOf(inv Invoice, now time.Time) invoiceView {
	return invoiceView{Invoice: inv, EffectiveStatus: inv.EffectiveStatus(now)}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	dueDate, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "dueDate must be YYYY-MM-DD")
		return
	}
	res, err := h.service.Create(r.Context(), CreateInvoiceInput{
		ProjectID:    req.ProjectID,
		POID:         req.POID,
		SupplierID:   req.SupplierID,
		SubAccountID: req.SubAccountID,
		Amount:       req.Amount,
		DueDate:      dueDate,
		CreatedBy:    httpx.ActorID(r),
	})
	if err != nil {
		h.logger.Error("create invoice", slog.Any("error", err))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"invoice":      viewOf(res.Invoice, time.Now()),
		"stalledSteps": res.Stalled,
	})
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
		h.logger.Error("decide invoice", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoice": viewOf(res.Invoice, time.Now()),
		"outcome": res.Outcome,
		"step":    res.StepOrder,
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	res, err := h.service.Refresh(r.Context(), id)
	if err != nil {
		h.logger.Error("refresh invoice", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoice": viewOf(res.Invoice, time.Now()),
		"outcome": res.Outcome,
	})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if err := h.service.Cancel(r.Context(), id, httpx.ActorID(r)); err != nil {
		h.logger.Error("cancel invoice", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if err := h.service.Delete(r.Context(), id, httpx.ActorID(r)); err != nil {
		h.logger.Error("delete invoice", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Get(r.Context(), urlID(r))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(inv, time.Now()))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
	if projectID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id is required")
		return
	}
	invoices, err := h.service.ListByProject(r.Context(), projectID)
	if err != nil {
		h.logger.Error("list invoices", slog.Any("error", err))
		h.respondErr(w, err)
		return
	}
	now := time.Now()
	views := make([]invoiceView, 0, len(invoices))
	for _, inv := range invoices {
		views = append(views, viewOf(inv, now))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": views})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrHasPayments):
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
