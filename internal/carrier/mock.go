package carrier

import (
	"context"

	"github.com/soyeahso/shipbot/internal/domain"
)

// MockClient is a test double for Client.
type MockClient struct {
	QuoteFunc    func(ctx context.Context, s domain.Shipment) ([]domain.Rate, error)
	PurchaseFunc func(ctx context.Context, s domain.Shipment, r domain.Rate) (*domain.Label, error)
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) Quote(ctx context.Context, s domain.Shipment) ([]domain.Rate, error) {
	if m.QuoteFunc != nil {
		return m.QuoteFunc(ctx, s)
	}
	return []domain.Rate{
		{ID: "se-1", Carrier: "USPS", CarrierCode: "usps", Service: "USPS Ground Advantage", ServiceCode: "usps_ground_advantage", Amount: 1500, OriginalAmount: 500},
		{ID: "se-2", Carrier: "UPS", CarrierCode: "ups", Service: "UPS Ground", ServiceCode: "ups_ground", Amount: 2200, OriginalAmount: 1200},
	}, nil
}

func (m *MockClient) Purchase(ctx context.Context, s domain.Shipment, r domain.Rate) (*domain.Label, error) {
	if m.PurchaseFunc != nil {
		return m.PurchaseFunc(ctx, s, r)
	}
	return &domain.Label{ID: "se-label-" + r.ID, TrackingNumber: "9400" + r.ID, PDFURL: "https://labels.example/" + r.ID + ".pdf"}, nil
}
