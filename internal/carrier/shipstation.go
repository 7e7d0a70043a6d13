package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/soyeahso/shipbot/internal/config"
	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/logging"
	"github.com/soyeahso/shipbot/internal/version"
)

// placeholderPhone is sent when an address has no phone; ShipStation
// requires one on every address.
const placeholderPhone = "+15551234567"

// ShipStation is a client for the ShipStation v2 API.
type ShipStation struct {
	baseURL string
	apiKey  string
	markup  domain.Money
	allowed map[string][]string
	client  *http.Client
	log     *logging.Logger

	mu         sync.Mutex
	carrierIDs []string
}

// NewShipStation creates a client from config. When no carrier ids are
// configured they are fetched from the account on first use.
func NewShipStation(cfg config.ShipStationConfig, log *logging.Logger) *ShipStation {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShipStation{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		markup:     domain.MoneyFromFloat(cfg.Markup),
		allowed:    AllowedServices,
		client:     &http.Client{Timeout: timeout},
		log:        log.Sub("carrier"),
		carrierIDs: append([]string(nil), cfg.CarrierIDs...),
	}
}

// Name returns the provider name.
func (s *ShipStation) Name() string { return "shipstation" }

type ssAddress struct {
	Name        string `json:"name"`
	CompanyName string `json:"company_name,omitempty"`
	Phone       string `json:"phone"`
	Line1       string `json:"address_line1"`
	Line2       string `json:"address_line2,omitempty"`
	City        string `json:"city_locality"`
	State       string `json:"state_province"`
	Zip         string `json:"postal_code"`
	Country     string `json:"country_code"`
	Residential string `json:"address_residential_indicator"`
}

type ssValue struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type ssDimensions struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Unit   string  `json:"unit"`
}

type ssPackage struct {
	Weight     ssValue      `json:"weight"`
	Dimensions ssDimensions `json:"dimensions"`
}

type ssShipment struct {
	ShipTo      ssAddress   `json:"ship_to"`
	ShipFrom    ssAddress   `json:"ship_from"`
	Packages    []ssPackage `json:"packages"`
	ServiceCode string      `json:"service_code,omitempty"`
	CarrierID   string      `json:"carrier_id,omitempty"`
}

type ssRate struct {
	RateID              string `json:"rate_id"`
	CarrierID           string `json:"carrier_id"`
	CarrierCode         string `json:"carrier_code"`
	CarrierFriendlyName string `json:"carrier_friendly_name"`
	ServiceType         string `json:"service_type"`
	ServiceCode         string `json:"service_code"`
	DeliveryDays        int    `json:"delivery_days"`
	ShippingAmount      struct {
		Amount float64 `json:"amount"`
	} `json:"shipping_amount"`
}

type ssError struct {
	Message string `json:"message"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func toSSAddress(a domain.Address, residential string) ssAddress {
	phone := a.Phone
	if phone == "" {
		phone = placeholderPhone
	}
	return ssAddress{
		Name: a.Name, Phone: phone, Line1: a.Street1, Line2: a.Street2,
		City: a.City, State: a.State, Zip: a.Zip, Country: "US", Residential: residential,
	}
}

func toSSShipment(sh domain.Shipment) ssShipment {
	from := toSSAddress(sh.From, "yes")
	from.CompanyName = "-"
	return ssShipment{
		ShipTo:   toSSAddress(sh.To, "unknown"),
		ShipFrom: from,
		Packages: []ssPackage{{
			Weight: ssValue{Value: sh.Parcel.Weight, Unit: "pound"},
			Dimensions: ssDimensions{
				Length: sh.Parcel.Length, Width: sh.Parcel.Width, Height: sh.Parcel.Height, Unit: "inch",
			},
		}},
	}
}

// Quote fetches rates for the shipment, filtered, balanced and marked up.
func (s *ShipStation) Quote(ctx context.Context, sh domain.Shipment) ([]domain.Rate, error) {
	ids, err := s.carriers(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"rate_options": map[string]any{"carrier_ids": ids},
		"shipment":     toSSShipment(sh),
	}
	var resp struct {
		RateResponse struct {
			Rates []ssRate `json:"rates"`
		} `json:"rate_response"`
	}
	start := time.Now()
	if err := s.do(ctx, http.MethodPost, "/v2/rates", body, &resp); err != nil {
		return nil, err
	}

	raw := make([]domain.Rate, 0, len(resp.RateResponse.Rates))
	for _, r := range resp.RateResponse.Rates {
		raw = append(raw, domain.Rate{
			ID:          r.RateID,
			Carrier:     r.CarrierFriendlyName,
			CarrierCode: r.CarrierCode,
			CarrierID:   r.CarrierID,
			Service:     r.ServiceType,
			ServiceCode: r.ServiceCode,
			Amount:      domain.MoneyFromFloat(r.ShippingAmount.Amount),
			Days:        r.DeliveryDays,
		})
	}
	rates := Markup(Balance(FilterServices(raw, s.allowed), MaxPerCarrier), s.markup)

	s.log.Info().
		Str("from", sh.From.Zip).
		Str("to", sh.To.Zip).
		Int("received", len(raw)).
		Int("offered", len(rates)).
		Dur("took", time.Since(start)).
		Msg("rates quoted")

	if len(rates) == 0 {
		return nil, ErrNoRates
	}
	return rates, nil
}

// Purchase buys a PDF label for the given rate.
func (s *ShipStation) Purchase(ctx context.Context, sh domain.Shipment, r domain.Rate) (*domain.Label, error) {
	shipment := toSSShipment(sh)
	shipment.ServiceCode = r.ServiceCode
	body := map[string]any{
		"label_layout": "letter",
		"label_format": "pdf",
		"shipment":     shipment,
		"rate_id":      r.ID,
	}
	var resp struct {
		LabelID        string `json:"label_id"`
		ShipmentID     string `json:"shipment_id"`
		TrackingNumber string `json:"tracking_number"`
		LabelDownload  struct {
			PDF string `json:"pdf"`
		} `json:"label_download"`
	}
	if err := s.do(ctx, http.MethodPost, "/v2/labels", body, &resp); err != nil {
		return nil, err
	}

	pdf := resp.LabelDownload.PDF
	if pdf != "" && !strings.HasSuffix(pdf, ".pdf") {
		pdf += ".pdf"
	}
	label := &domain.Label{
		ID:             resp.LabelID,
		ShipmentID:     resp.ShipmentID,
		TrackingNumber: resp.TrackingNumber,
		PDFURL:         pdf,
	}
	s.log.Info().Str("rate", r.ID).Str("label", label.ID).Str("tracking", label.TrackingNumber).Msg("label purchased")
	return label, nil
}

// carriers returns the configured carrier ids, fetching them from the
// account once when none are configured.
func (s *ShipStation) carriers(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.carrierIDs) > 0 {
		return s.carrierIDs, nil
	}

	var resp struct {
		Carriers []struct {
			CarrierID string `json:"carrier_id"`
		} `json:"carriers"`
	}
	if err := s.do(ctx, http.MethodGet, "/v2/carriers", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing carriers: %w", err)
	}
	for _, c := range resp.Carriers {
		if c.CarrierID != "" {
			s.carrierIDs = append(s.carrierIDs, c.CarrierID)
		}
	}
	if len(s.carrierIDs) == 0 {
		return nil, &APIError{Provider: s.Name(), Message: "account has no carriers"}
	}
	s.log.Info().Int("count", len(s.carrierIDs)).Msg("loaded carrier ids")
	return s.carrierIDs, nil
}

func (s *ShipStation) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("API-Key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return &APIError{Provider: s.Name(), Message: "request timed out"}
		}
		return &APIError{Provider: s.Name(), Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Provider: s.Name(), Message: "failed to read response: " + err.Error()}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &APIError{Provider: s.Name(), Status: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e ssError
	if json.Unmarshal(body, &e) == nil {
		var msgs []string
		for _, m := range e.Errors {
			if m.Message != "" {
				msgs = append(msgs, m.Message)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
		if e.Message != "" {
			return e.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
