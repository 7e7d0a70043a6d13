package domain

import "time"

// Purposes of a payment intent.
const (
	PurposeOrder = "order"
	PurposeTopUp = "topup"
)

// Intent statuses. An order intent walks pending → debited → purchasing →
// label_purchased → completed on the balance path, and pending →
// invoice_pending → paid first on the crypto path. A label the carrier
// refuses ends in refunded; an invoice paid after its order was abandoned
// ends in credited.
const (
	IntentPending        = "pending"
	IntentInvoicePending = "invoice_pending"
	IntentPaid           = "paid"
	IntentDebited        = "debited"
	IntentPurchasing     = "purchasing"
	IntentLabelPurchased = "label_purchased"
	IntentCompleted      = "completed"
	IntentRefunded       = "refunded"
	IntentCancelled      = "cancelled"
	IntentExpired        = "expired"
	IntentCredited       = "credited"
)

// PaymentIntent tracks one purchase attempt under its idempotency key so a
// retried or duplicated request can find where the previous attempt stopped.
type PaymentIntent struct {
	Key       string `json:"key"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	// ChannelID and ChatID say where to report asynchronous results.
	ChannelID string    `json:"channelId"`
	ChatID    string    `json:"chatId"`
	Purpose   string    `json:"purpose"`
	RateID    string    `json:"rateId,omitempty"`
	Amount    Money     `json:"amount"`
	Method    string    `json:"method"`
	Status    string    `json:"status"`
	TrackID   string    `json:"trackId,omitempty"`
	PayLink   string    `json:"payLink,omitempty"`
	Label     *Label    `json:"label,omitempty"`
	// Snapshot and Rate record what was paid for, so an order can be
	// archived after its session is gone.
	Snapshot  Fields    `json:"snapshot,omitempty"`
	Rate      *Rate     `json:"rate,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IntentUpdate lists the optional columns written by a status transition.
type IntentUpdate struct {
	Method  *string
	TrackID *string
	PayLink *string
	Label   *Label
}

// LedgerEntry is one balance movement. Debits are negative.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	Amount    Money     `json:"amount"`
	Key       string    `json:"key"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}
