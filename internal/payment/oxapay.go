package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/soyeahso/shipbot/internal/config"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/logging"
	"github.com/soyeahso/shipbot/internal/version"
)

// resultOK is the legacy API's success code.
const resultOK = 100

// Oxapay is a client for the Oxapay merchant API.
type Oxapay struct {
	baseURL     string
	merchantKey string
	currency    string
	lifetime    int
	callbackURL string
	client      *http.Client
	log         *logging.Logger
}

// NewOxapay creates a client from config.
func NewOxapay(cfg config.OxapayConfig, log *logging.Logger) *Oxapay {
	return &Oxapay{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		merchantKey: cfg.MerchantKey,
		currency:    cfg.Currency,
		lifetime:    cfg.LifetimeMinutes,
		callbackURL: cfg.CallbackURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log.Sub("payment"),
	}
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(b)
	return nil
}

// flexAmount accepts a decimal amount as a JSON string or number.
type flexAmount float64

func (f *flexAmount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("amount %s: %w", b, err)
	}
	*f = flexAmount(v)
	return nil
}

// invoiceInfo covers both the current (snake_case inside data) and the
// legacy (camelCase at the top level) response shapes.
type invoiceInfo struct {
	TrackID       flexString `json:"track_id"`
	TrackIDLegacy flexString `json:"trackId"`
	PaymentURL    string     `json:"payment_url"`
	PayLink       string     `json:"payLink"`
	OrderID       string     `json:"order_id"`
	OrderIDLegacy string     `json:"orderId"`
	Status        string     `json:"status"`
	Amount        flexAmount `json:"amount"`
	Type          string     `json:"type"`
}

func (i invoiceInfo) trackID() string {
	if i.TrackID != "" {
		return string(i.TrackID)
	}
	return string(i.TrackIDLegacy)
}

func (i invoiceInfo) orderID() string {
	if i.OrderID != "" {
		return i.OrderID
	}
	return i.OrderIDLegacy
}

func (i invoiceInfo) status() InvoiceStatus {
	return InvoiceStatus{
		TrackID: i.trackID(),
		OrderID: i.orderID(),
		Status:  i.Status,
		Amount:  domain.MoneyFromFloat(float64(i.Amount)),
	}
}

type envelope struct {
	Status  json.RawMessage `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Result  int             `json:"result"`
}

// decode unpacks a response in either shape into info.
func decode(body []byte, info *invoiceInfo) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if string(env.Status) != "200" {
			return &APIError{Status: statusCode(env.Status), Message: env.Message}
		}
		if err := json.Unmarshal(env.Data, info); err != nil {
			return fmt.Errorf("failed to parse response data: %w", err)
		}
		return nil
	}
	if env.Result != resultOK {
		return &APIError{Result: env.Result, Message: env.Message}
	}
	if err := json.Unmarshal(body, info); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func statusCode(raw json.RawMessage) int {
	n, _ := strconv.Atoi(string(raw))
	return n
}

// CreateInvoice requests a payment link. OrderID should be the order's
// idempotency key so callbacks and inquiries can be matched back to it.
func (o *Oxapay) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	body := map[string]any{
		"amount":            req.Amount.Dollars(),
		"currency":          o.currency,
		"lifeTime":          o.lifetime,
		"feePaidByPayer":    0,
		"underPaidCoverage": 2,
		"callbackUrl":       o.callbackURL,
		"description":       req.Description,
		"orderId":           req.OrderID,
	}
	var info invoiceInfo
	if err := o.post(ctx, "/v1/payment/invoice", body, &info); err != nil {
		return nil, err
	}
	inv := &Invoice{TrackID: info.trackID(), PayLink: info.PaymentURL}
	if inv.PayLink == "" {
		inv.PayLink = info.PayLink
	}
	if inv.TrackID == "" || inv.PayLink == "" {
		return nil, &APIError{Message: "invoice response without track id or link"}
	}
	o.log.Info().Str("order", req.OrderID).Str("track", inv.TrackID).Stringer("amount", req.Amount).Msg("invoice created")
	return inv, nil
}

// Inquiry returns the current status of an invoice.
func (o *Oxapay) Inquiry(ctx context.Context, trackID string) (*InvoiceStatus, error) {
	var info invoiceInfo
	if err := o.post(ctx, "/v1/payment/info", map[string]any{"trackId": trackID}, &info); err != nil {
		return nil, err
	}
	st := info.status()
	if st.TrackID == "" {
		st.TrackID = trackID
	}
	return &st, nil
}

func (o *Oxapay) post(ctx context.Context, path string, in any, info *invoiceInfo) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("merchant_api_key", o.merchantKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := o.client.Do(req)
	if err != nil {
		return &APIError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Message: "failed to read response: " + err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	return decode(body, info)
}
