// Package pricing selects the most specific price row for a match key and
// computes the line amount.
package pricing

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/tables"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoMatch is returned when no price row survives filtering. Callers
	// treat it as a zero price with a warning.
	ErrNoMatch = errors.New("no matching price")

	ErrInvalidQuantity = errors.New("quantity must not be negative")
)

// Weight is the specificity bonus for a dimension that is set on a row and
// equals the context value.
type Weight struct {
	Dimension tables.Dimension
	Points    int
}

// Weights is the ordered specificity table.
var Weights = []Weight{
	{tables.DimCustomerNumber, 1000},
	{tables.DimCustomerGroup, 100},
	{tables.DimOfferNumber, 50},
	{tables.DimDepartureStation, 10},
	{tables.DimDestinationStation, 10},
	{tables.DimTariffPointDep, 5},
	{tables.DimTariffPointDest, 5},
	{tables.DimLoadingStatus, 2},
	{tables.DimTransportForm, 2},
}

// exclusive dimensions disqualify a row when set and different.
var exclusive = []tables.Dimension{
	tables.DimCustomerNumber,
	tables.DimCustomerGroup,
	tables.DimOfferNumber,
	tables.DimDirection,
	tables.DimContainerLength,
	tables.DimDepartureCountry,
	tables.DimDestinationCountry,
}

// PricedAmount is the selected row and the amount it yields.
type PricedAmount struct {
	Table       string            `json:"table"`
	MatchKey    string            `json:"matchKey"`
	RowIndex    int               `json:"rowIndex"`
	Score       int               `json:"score"`
	Basis       domain.PriceBasis `json:"priceBasis"`
	UnitPrice   decimal.Decimal   `json:"unitPrice"`
	Quantity    decimal.Decimal   `json:"quantity"`
	Amount      decimal.Decimal   `json:"amount"`
	Description string            `json:"description,omitempty"`
	Candidates  int               `json:"candidates"`
	Tied        []int             `json:"tied,omitempty"`
}

// ContextValue returns the normalized context value for a dimension.
func ContextValue(rc *domain.RatingContext, d tables.Dimension) string {
	switch d {
	case tables.DimCustomerNumber:
		return strings.TrimSpace(rc.CustomerNumber)
	case tables.DimCustomerGroup:
		return strings.TrimSpace(rc.CustomerGroup)
	case tables.DimOfferNumber:
		return strings.TrimSpace(rc.OfferNumber)
	case tables.DimDepartureCountry:
		return tables.NormalizeCountry(rc.DepartureCountry)
	case tables.DimDepartureStation:
		return strings.TrimSpace(rc.DepartureStation)
	case tables.DimTariffPointDep:
		return strings.TrimSpace(rc.TariffPointDep)
	case tables.DimDestinationCountry:
		return tables.NormalizeCountry(rc.DestinationCountry)
	case tables.DimDestinationStation:
		return strings.TrimSpace(rc.DestinationStation)
	case tables.DimTariffPointDest:
		return strings.TrimSpace(rc.TariffPointDest)
	case tables.DimDirection:
		return tables.NormalizeDirection(rc.Direction)
	case tables.DimLoadingStatus:
		return strings.TrimSpace(rc.LoadingStatus)
	case tables.DimTransportForm:
		return strings.TrimSpace(rc.TransportForm)
	case tables.DimContainerLength:
		return strings.TrimSpace(rc.ContainerLength)
	default:
		return ""
	}
}

// Eligible reports whether row survives the filter phase for rc.
func Eligible(row *tables.PriceRow, rc *domain.RatingContext) bool {
	for _, d := range exclusive {
		if row.IsSet(d) && row.Get(d) != ContextValue(rc, d) {
			return false
		}
	}
	return row.ValidOn(rc.ServiceDate.Time)
}

// Score sums the weights of the dimensions set on row that equal rc.
func Score(row *tables.PriceRow, rc *domain.RatingContext) int {
	score := 0
	for _, w := range Weights {
		if row.IsSet(w.Dimension) && row.Get(w.Dimension) == ContextValue(rc, w.Dimension) {
			score += w.Points
		}
	}
	return score
}

// ResolvePrice picks the highest scoring eligible row for matchKey. Ties go
// to the row declared first.
func ResolvePrice(table *tables.PriceTable, matchKey string, rc *domain.RatingContext, quantity decimal.Decimal) (*PricedAmount, error) {
	if quantity.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, quantity)
	}

	var (
		best       *tables.PriceRow
		bestScore  = -1
		candidates int
		tied       []int
	)
	for _, row := range table.RowsFor(matchKey) {
		if !Eligible(row, rc) {
			continue
		}
		candidates++

		score := Score(row, rc)
		switch {
		case score > bestScore:
			best, bestScore = row, score
			tied = nil
		case score == bestScore:
			tied = append(tied, row.Index)
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNoMatch, table.Name, matchKey)
	}

	if len(tied) > 0 {
		slog.Warn("ambiguous price rows resolved by source order",
			"table", table.Name,
			"match_key", matchKey,
			"score", bestScore,
			"selected_row", best.Index,
			"tied_rows", tied,
		)
	}

	out := &PricedAmount{
		Table:       table.Name,
		MatchKey:    matchKey,
		RowIndex:    best.Index,
		Score:       bestScore,
		Basis:       best.Basis,
		UnitPrice:   best.Price,
		Quantity:    quantity,
		Description: best.Description,
		Candidates:  candidates,
		Tied:        tied,
	}
	out.Amount = Amount(best.Basis, best.Price, quantity)
	return out, nil
}

// Amount applies a price basis: Fixed ignores quantity, PerUnit multiplies.
func Amount(basis domain.PriceBasis, price, quantity decimal.Decimal) decimal.Decimal {
	if basis == domain.PricePerUnit {
		return price.Mul(quantity)
	}
	return price
}
