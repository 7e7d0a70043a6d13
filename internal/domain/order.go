package domain

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Field names written into Session.Fields.
const (
	FieldFromName     = "from_name"
	FieldFromAddress  = "from_address"
	FieldFromAddress2 = "from_address2"
	FieldFromCity     = "from_city"
	FieldFromState    = "from_state"
	FieldFromZip      = "from_zip"
	FieldFromPhone    = "from_phone"

	FieldToName     = "to_name"
	FieldToAddress  = "to_address"
	FieldToAddress2 = "to_address2"
	FieldToCity     = "to_city"
	FieldToState    = "to_state"
	FieldToZip      = "to_zip"
	FieldToPhone    = "to_phone"

	FieldWeight = "parcel_weight"
	FieldLength = "parcel_length"
	FieldWidth  = "parcel_width"
	FieldHeight = "parcel_height"

	FieldRateID        = "rate_id"
	FieldCarrier       = "carrier"
	FieldService       = "service"
	FieldAmount        = "amount"
	FieldPaymentMethod = "payment_method"
	FieldTemplateID    = "template_id"
)

// Payment methods accepted at the payment step.
const (
	PaymentBalance = "balance"
	PaymentCrypto  = "crypto"
)

// QuoteFields are required before rates can be requested.
var QuoteFields = []string{
	FieldFromName, FieldFromAddress, FieldFromCity, FieldFromState, FieldFromZip,
	FieldToName, FieldToAddress, FieldToCity, FieldToState, FieldToZip,
	FieldWeight, FieldLength, FieldWidth, FieldHeight,
}

// PurchaseFields are required before a payment or label purchase runs.
var PurchaseFields = append(append([]string{}, QuoteFields...),
	FieldFromPhone, FieldToPhone, FieldRateID, FieldAmount)

// Money is an amount in US cents.
type Money int64

// MoneyFromFloat rounds a dollar amount to cents.
func MoneyFromFloat(dollars float64) Money {
	return Money(math.Round(dollars * 100))
}

// ParseMoney parses a cents string as written into Fields.
func ParseMoney(s string) (Money, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return Money(n), nil
}

// Dollars returns the amount as a float for provider APIs.
func (m Money) Dollars() float64 { return float64(m) / 100 }

// Cents returns the canonical field encoding.
func (m Money) Cents() string { return strconv.FormatInt(int64(m), 10) }

func (m Money) String() string {
	sign := ""
	if m < 0 {
		sign = "-"
		m = -m
	}
	return fmt.Sprintf("%s$%d.%02d", sign, m/100, m%100)
}

// Rate is one carrier/service option returned by a quote.
type Rate struct {
	ID             string `json:"rateId"`
	Carrier        string `json:"carrier"`
	CarrierCode    string `json:"carrierCode"`
	CarrierID      string `json:"carrierId,omitempty"`
	Service        string `json:"service"`
	ServiceCode    string `json:"serviceCode"`
	Amount         Money  `json:"amount"`
	OriginalAmount Money  `json:"originalAmount"`
	Days           int    `json:"days,omitempty"`
}

// Address is a US postal address with contact details.
type Address struct {
	Name    string `json:"name"`
	Street1 string `json:"street1"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Phone   string `json:"phone,omitempty"`
}

// Parcel holds package weight in pounds and dimensions in inches.
type Parcel struct {
	Weight float64 `json:"weight"`
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Shipment is everything a carrier needs to quote or purchase.
type Shipment struct {
	From   Address `json:"from"`
	To     Address `json:"to"`
	Parcel Parcel  `json:"parcel"`
}

// FromAddress extracts the sender address from f.
func (f Fields) FromAddress() Address {
	return Address{
		Name: f[FieldFromName], Street1: f[FieldFromAddress], Street2: f[FieldFromAddress2],
		City: f[FieldFromCity], State: f[FieldFromState], Zip: f[FieldFromZip], Phone: f[FieldFromPhone],
	}
}

// ToAddress extracts the recipient address from f.
func (f Fields) ToAddress() Address {
	return Address{
		Name: f[FieldToName], Street1: f[FieldToAddress], Street2: f[FieldToAddress2],
		City: f[FieldToCity], State: f[FieldToState], Zip: f[FieldToZip], Phone: f[FieldToPhone],
	}
}

// Shipment builds a Shipment from f. Callers check QuoteFields first; a
// malformed number here is reported as an error.
func (f Fields) Shipment() (Shipment, error) {
	var p Parcel
	for _, d := range []struct {
		key string
		dst *float64
	}{
		{FieldWeight, &p.Weight}, {FieldLength, &p.Length},
		{FieldWidth, &p.Width}, {FieldHeight, &p.Height},
	} {
		v, err := strconv.ParseFloat(f[d.key], 64)
		if err != nil {
			return Shipment{}, fmt.Errorf("field %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return Shipment{From: f.FromAddress(), To: f.ToAddress(), Parcel: p}, nil
}

// Label is a purchased shipping label.
type Label struct {
	ID             string `json:"labelId"`
	ShipmentID     string `json:"shipmentId,omitempty"`
	TrackingNumber string `json:"trackingNumber"`
	PDFURL         string `json:"pdfUrl,omitempty"`
}

// Order statuses.
const (
	PaymentStatusPaid     = "paid"
	PaymentStatusRefunded = "refunded"

	ShippingStatusLabelCreated = "label_created"
	ShippingStatusVoided       = "voided"
)

// Order is the permanent record of a paid order.
type Order struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	SessionID      string    `json:"sessionId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Snapshot       Fields    `json:"snapshot"`
	Rate           Rate      `json:"rate"`
	Amount         Money     `json:"amount"`
	PaymentMethod  string    `json:"paymentMethod"`
	PaymentStatus  string    `json:"paymentStatus"`
	ShippingStatus string    `json:"shippingStatus"`
	Label          Label     `json:"label"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Template is a saved pair of addresses a user can start new orders from.
type Template struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	From      Address   `json:"from"`
	To        Address   `json:"to"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TemplateFromFields snapshots the address fields of f. Parcel data is not kept.
func TemplateFromFields(userID, name string, f Fields) Template {
	return Template{UserID: userID, Name: name, From: f.FromAddress(), To: f.ToAddress()}
}

// Fields returns the session fields a template pre-fills.
func (t Template) Fields() Fields {
	f := Fields{
		FieldFromName: t.From.Name, FieldFromAddress: t.From.Street1, FieldFromAddress2: t.From.Street2,
		FieldFromCity: t.From.City, FieldFromState: t.From.State, FieldFromZip: t.From.Zip,
		FieldToName: t.To.Name, FieldToAddress: t.To.Street1, FieldToAddress2: t.To.Street2,
		FieldToCity: t.To.City, FieldToState: t.To.State, FieldToZip: t.To.Zip,
		FieldTemplateID: t.ID,
	}
	if t.From.Phone != "" {
		f[FieldFromPhone] = t.From.Phone
	}
	if t.To.Phone != "" {
		f[FieldToPhone] = t.To.Phone
	}
	return f
}
