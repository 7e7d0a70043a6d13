package payment

import (
	"context"
	"strconv"
	"sync"
)

// MockInvoicer is a test double for Invoicer. Without hooks it issues
// sequential track ids and reports every invoice as waiting.
type MockInvoicer struct {
	CreateFunc  func(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	InquiryFunc func(ctx context.Context, trackID string) (*InvoiceStatus, error)

	mu       sync.Mutex
	Requests []InvoiceRequest
}

func (m *MockInvoicer) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	n := len(m.Requests)
	m.mu.Unlock()
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, req)
	}
	id := "trk-" + strconv.Itoa(n)
	return &Invoice{TrackID: id, PayLink: "https://pay.example/" + id}, nil
}

func (m *MockInvoicer) Inquiry(ctx context.Context, trackID string) (*InvoiceStatus, error) {
	if m.InquiryFunc != nil {
		return m.InquiryFunc(ctx, trackID)
	}
	return &InvoiceStatus{TrackID: trackID, Status: StatusWaiting}, nil
}

// Calls returns how many invoices were requested.
func (m *MockInvoicer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
