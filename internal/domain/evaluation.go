package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RatingResult is the complete priced outcome for one order.
type RatingResult struct {
	ID          string     `json:"id"`
	WeightClass string     `json:"weightClass,omitempty"`
	Lines       []LineItem `json:"lines"`
	Services    []Service  `json:"services"`
	Warnings    []string   `json:"warnings,omitempty"`

	Subtotal  decimal.Decimal  `json:"subtotal"`
	Tax       *TaxOutcome      `json:"tax,omitempty"`
	TaxAmount *decimal.Decimal `json:"taxAmount,omitempty"`
	Total     *decimal.Decimal `json:"total,omitempty"`

	// Processing metadata
	Metadata RatingMetadata `json:"metadata"`
}

// LineItem is one priced service on a rating result.
type LineItem struct {
	Kind        LineKind        `json:"kind"`
	Code        string          `json:"code"`
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Amount      decimal.Decimal `json:"amount"`
	PriceBasis  PriceBasis      `json:"priceBasis,omitempty"`
	Priced      bool            `json:"priced"`
	RowIndex    int             `json:"rowIndex"` // -1 when unpriced
	Score       int             `json:"score"`
}

// LineKind distinguishes the main transport line from additional services.
type LineKind string

const (
	LineMain       LineKind = "main"
	LineAdditional LineKind = "additional"
)

// PriceBasis says whether a price is flat or multiplied by a quantity.
type PriceBasis string

const (
	PriceFixed   PriceBasis = "Fixed"
	PricePerUnit PriceBasis = "PerUnit"
)

// Service is a determined service code together with how it was derived.
type Service struct {
	Code     string          `json:"code"`
	Name     string          `json:"name,omitempty"`
	TripType string          `json:"tripType,omitempty"`
	Sources  []ServiceSource `json:"sources"`
	Rows     []int           `json:"rows,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ServiceSource records one derivation pathway for a service code.
type ServiceSource string

const (
	SourceRule      ServiceSource = "rule"
	SourceTrucking  ServiceSource = "trucking"
	SourceRequested ServiceSource = "requested"
	SourceDerived   ServiceSource = "derived"
)

// TaxOutcome is the result of the tax decision table.
type TaxOutcome struct {
	Rate                decimal.Decimal `json:"rate"`
	TaxCase             string          `json:"taxCase"`
	ApplyVAT            bool            `json:"applyVat"`
	DisplayNotice       bool            `json:"displayNotice"`
	SAPIndicator        string          `json:"sapIndicator,omitempty"`
	CentralNotification bool            `json:"centralNotification"`
	RowIndex            int             `json:"rowIndex"` // -1 for a caller default
}

// RatingMetadata contains processing information.
type RatingMetadata struct {
	TraceID          string    `json:"traceId,omitempty"`
	SnapshotRevision string    `json:"snapshotRevision"`
	Generation       uint64    `json:"generation"`
	Timestamp        time.Time `json:"timestamp"`
	TotalMs          int64     `json:"totalMs"`
	Cached           bool      `json:"cached"`
	EngineVersion    string    `json:"engineVersion,omitempty"`
}
