package sequence

import "errors"

// Kind identifies the document family a counter serves.
type Kind string

const (
	KindPurchaseOrder Kind = "PO"
	KindInvoice       Kind = "INV"
)

// Counter tracks the last number issued for one project/kind pair.
type Counter struct {
	ProjectID int64
	Kind      Kind
	Count     int64
}

var (
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("sequence: invalid input")
)
