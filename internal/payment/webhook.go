package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// SignatureHeader carries the HMAC of an Oxapay callback body.
const SignatureHeader = "HMAC"

// ErrBadSignature is returned for callbacks whose HMAC does not match.
var ErrBadSignature = errors.New("invalid callback signature")

// Callback is a decoded Oxapay payment notification.
type Callback struct {
	InvoiceStatus
	// Type is "invoice" for merchant invoices.
	Type string `json:"type"`
}

// Sign returns the hex HMAC-SHA512 of body under key.
func Sign(body []byte, key string) string {
	mac := hmac.New(sha512.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the callback HMAC. An empty key disables the check.
func VerifySignature(body []byte, key, signature string) error {
	if key == "" {
		return nil
	}
	want := Sign(body, key)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// DecodeCallback parses a callback body. Both snake_case and camelCase
// keys are accepted.
func DecodeCallback(body []byte) (*Callback, error) {
	var info invoiceInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decoding callback: %w", err)
	}
	cb := &Callback{InvoiceStatus: info.status(), Type: info.Type}
	if cb.TrackID == "" {
		return nil, errors.New("decoding callback: missing track id")
	}
	return cb, nil
}
