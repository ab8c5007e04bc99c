// Package payments implements payment forecasts and the reconciliation of
// payments against approved invoices.
package payments

import (
	"errors"
	"time"
)

// Forecast and item statuses.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
)

// Forecast groups payment items scheduled for a date. Reference is the
// stable identifier quoted outside the system, e.g. on bank instructions.
type Forecast struct {
	ID           int64     `json:"id"`
	Reference    string    `json:"reference"`
	ProjectID    int64     `json:"projectId"`
	Title        string    `json:"title"`
	ScheduledFor time.Time `json:"scheduledFor"`
	Status       string    `json:"status"`
	Items        []Item    `json:"items,omitempty"`
	CreatedBy    int64     `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Item is one scheduled payment. InvoiceID of zero marks an ad-hoc payee
// item that touches neither invoices nor the ledger. PartialAmount is the
// amount actually paid, at most Amount.
type Item struct {
	ID            int64   `json:"id"`
	ForecastID    int64   `json:"forecastId"`
	InvoiceID     int64   `json:"invoiceId,omitempty"`
	Payee         string  `json:"payee,omitempty"`
	Amount        float64 `json:"amount"`
	PartialAmount float64 `json:"partialAmount"`
	ReceiptRef    string  `json:"receiptRef,omitempty"`
	Status        string  `json:"status"`
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("payments: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("payments: invalid input")
	// ErrReceiptRequired rejects a payment without a receipt reference.
	ErrReceiptRequired = errors.New("payments: receipt reference required")
	// ErrItemCompleted rejects paying an already completed item.
	ErrItemCompleted = errors.New("payments: item already completed")
)
