// Package payment moves money: the per-user balance ledger and crypto
// invoices issued through Oxapay.
package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/store"
)

// ErrInsufficientFunds is returned when a balance debit exceeds the balance.
var ErrInsufficientFunds = store.ErrInsufficientFunds

// Invoice statuses reported by Oxapay.
const (
	StatusNew        = "New"
	StatusWaiting    = "Waiting"
	StatusConfirming = "Confirming"
	StatusPaying     = "Paying"
	StatusPaid       = "Paid"
	StatusExpired    = "Expired"
	StatusFailed     = "Failed"
)

// InvoiceRequest asks the provider for a payment link.
type InvoiceRequest struct {
	Amount      domain.Money
	OrderID     string
	Description string
}

// Invoice is a created payment link.
type Invoice struct {
	TrackID string `json:"trackId"`
	PayLink string `json:"payLink"`
}

// InvoiceStatus is the provider's view of an invoice.
type InvoiceStatus struct {
	TrackID string       `json:"trackId"`
	OrderID string       `json:"orderId"`
	Status  string       `json:"status"`
	Amount  domain.Money `json:"amount"`
}

// Paid reports whether the invoice has been paid in full.
func (s InvoiceStatus) Paid() bool { return strings.EqualFold(s.Status, StatusPaid) }

// Final reports whether the invoice can no longer be paid.
func (s InvoiceStatus) Final() bool {
	return s.Paid() || strings.EqualFold(s.Status, StatusExpired) || strings.EqualFold(s.Status, StatusFailed)
}

// Invoicer creates and inspects crypto invoices.
type Invoicer interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	Inquiry(ctx context.Context, trackID string) (*InvoiceStatus, error)
}

// APIError is returned when the provider rejects a request.
type APIError struct {
	Status  int // HTTP status, 0 for transport failures
	Result  int // provider result code
	Message string
}

func (e *APIError) Error() string {
	switch {
	case e.Result != 0:
		return fmt.Sprintf("oxapay: result %d: %s", e.Result, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("oxapay: %d %s", e.Status, e.Message)
	default:
		return "oxapay: " + e.Message
	}
}

// Retryable reports whether repeating the request may succeed.
func (e *APIError) Retryable() bool {
	return e.Status == 0 && e.Result == 0 || e.Status == 429 || e.Status >= 500
}
