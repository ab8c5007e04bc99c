package payments

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/prodledger/prodledger/internal/ap"
	"github.com/prodledger/prodledger/internal/platform/httpx"
)

// Handler manages payment forecast endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/forecasts", h.handleList)
	r.Get("/forecasts/{id}", h.handleGet)
	r.Post("/forecasts", h.handleCreate)
	r.Post("/items/{id}/pay", h.handlePay)
}

type itemRequest struct {
	InvoiceID int64   `json:"invoiceId"`
	Payee     string  `json:"payee"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
}

type createForecastRequest struct {
	ProjectID    int64         `json:"projectId" validate:"required"`
	Title        string        `json:"title"`
	ScheduledFor string        `json:"scheduledFor" validate:"required"`
	Items        []itemRequest `json:"items" validate:"required,min=1,dive"`
}

type payRequest struct {
	Amount     float64 `json:"amount" validate:"required,gt=0"`
	ReceiptRef string  `json:"receiptRef" validate:"required"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createForecastRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	scheduledFor, err := time.Parse("2006-01-02", req.ScheduledFor)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "scheduledFor must be YYYY-MM-DD")
		return
	}
	items := make([]ItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, ItemInput{InvoiceID: item.InvoiceID, Payee: item.Payee, Amount: item.Amount})
	}
	forecast, err := h.service.CreateForecast(r.Context(), CreateForecastInput{
		ProjectID:    req.ProjectID,
		Title:        req.Title,
		ScheduledFor: scheduledFor,
		Items:        items,
		CreatedBy:    httpx.ActorID(r),
	})
	if err != nil {
		h.logger.Error("create forecast", slog.Any("error", err))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, forecast)
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var req payRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.service.Pay(r.Context(), id, req.Amount, req.ReceiptRef, httpx.ActorID(r))
	if err != nil {
		h.logger.Error("pay item", slog.Any("error", err), slog.Int64("id", id))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	forecast, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, forecast)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
	if projectID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id is required")
		return
	}
	forecasts, err := h.service.ListByProject(r.Context(), projectID)
	if err != nil {
		h.logger.Error("list forecasts", slog.Any("error", err))
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"forecasts": forecasts})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ap.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrReceiptRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrItemCompleted), errors.Is(err, ap.ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
