package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RatingContext holds the normalized order facts a rating call is evaluated
// against. It is built per order by the caller and never modified here.
type RatingContext struct {
	// Container and weight
	ContainerLength string  `json:"containerLength"`
	GrossWeightKg   float64 `json:"grossWeightKg"`
	PriceGrid       string  `json:"priceGrid,omitempty"`

	// Service applicability
	ServiceType      string `json:"serviceType,omitempty"`
	Direction        string `json:"direction,omitempty"` // Export, Import, Domestic
	LoadingStatus    string `json:"loadingStatus,omitempty"`
	TransportForm    string `json:"transportForm,omitempty"`
	DangerousGoods   *bool  `json:"dangerousGoods,omitempty"`
	CustomsProcedure string `json:"customsProcedure,omitempty"`

	// Route
	DepartureCountry   string `json:"departureCountry,omitempty"`
	DepartureStation   string `json:"departureStation,omitempty"`
	TariffPointDep     string `json:"tariffPointDep,omitempty"`
	DestinationCountry string `json:"destinationCountry,omitempty"`
	DestinationStation string `json:"destinationStation,omitempty"`
	TariffPointDest    string `json:"tariffPointDest,omitempty"`

	// Commercial identifiers
	CustomerNumber string `json:"customerNumber,omitempty"`
	CustomerGroup  string `json:"customerGroup,omitempty"`
	OfferNumber    string `json:"offerNumber,omitempty"`
	VATID          string `json:"vatId,omitempty"`

	// ServiceDate selects price and rule validity windows.
	ServiceDate Date `json:"serviceDate"`

	// Caller supplied services
	RequestedServices []ServiceRequest `json:"requestedServices,omitempty"`
	TruckingCodes     []string         `json:"truckingCodes,omitempty"`
}

// ServiceRequest is an additional service explicitly requested by the caller.
type ServiceRequest struct {
	Code     string          `json:"code"`
	Quantity decimal.Decimal `json:"quantity"`
}

// QuantityFor returns the requested quantity for a service code, or one if
// the code was not requested with a positive quantity.
func (c *RatingContext) QuantityFor(code string) decimal.Decimal {
	for _, req := range c.RequestedServices {
		if req.Code == code && req.Quantity.IsPositive() {
			return req.Quantity
		}
	}
	return decimal.NewFromInt(1)
}

// Validate checks the fields every rating call needs.
func (c *RatingContext) Validate() error {
	if strings.TrimSpace(c.ContainerLength) == "" {
		return fmt.Errorf("containerLength is required")
	}
	if c.GrossWeightKg < 0 {
		return fmt.Errorf("grossWeightKg must not be negative")
	}
	for _, req := range c.RequestedServices {
		if strings.TrimSpace(req.Code) == "" {
			return fmt.Errorf("requestedServices: code is required")
		}
		if req.Quantity.IsNegative() {
			return fmt.Errorf("requestedServices: quantity for %s must not be negative", req.Code)
		}
	}
	return nil
}

// Date is a calendar day serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate returns the calendar day of t in UTC.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD or RFC 3339 string.
func ParseDate(s string) (Date, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return NewDate(t), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return NewDate(t), nil
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(d.Format("2006-01-02"))
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
