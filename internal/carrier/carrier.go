// Package carrier quotes shipping rates and buys labels.
//
// The ShipStation client talks to the v2 REST API. Quotes pass through a
// service allow-list, are balanced across carriers and marked up before the
// user sees them; the original carrier amount is kept on each rate so the
// label purchase can be reconciled later.
package carrier

import (
	"context"
	"fmt"

	"github.com/soyeahso/shipbot/internal/domain"
)

// Client is the interface carrier providers implement.
type Client interface {
	// Quote returns the rate options for a shipment, cheapest first.
	Quote(ctx context.Context, s domain.Shipment) ([]domain.Rate, error)

	// Purchase buys a label for a previously quoted rate.
	Purchase(ctx context.Context, s domain.Shipment, r domain.Rate) (*domain.Label, error)

	// Name returns the provider name (e.g. "shipstation").
	Name() string
}

// APIError is returned when the provider rejects a request.
type APIError struct {
	Provider string
	Status   int // HTTP status, 0 for transport failures
	Message  string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %d %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Retryable reports whether repeating the request may succeed. Client
// errors other than rate limiting are permanent.
func (e *APIError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// ErrNoRates is returned when the provider has nothing to offer for a route.
var ErrNoRates = fmt.Errorf("no rates available for this shipment")
