package rules

import (
	"fmt"
	"log/slog"

	"github.com/opensource-finance/railrate/internal/feel"
	"github.com/opensource-finance/railrate/internal/tables"
)

// WeightClassifier maps grid, container length and gross weight onto a
// weight class.
type WeightClassifier struct {
	defaultGrid string
}

// NewWeightClassifier creates a classifier. A blank price grid on a request
// falls back to defaultGrid.
func NewWeightClassifier(defaultGrid string) *WeightClassifier {
	return &WeightClassifier{defaultGrid: defaultGrid}
}

// Classification is the winning weight class and the row it came from.
type Classification struct {
	WeightClass string
	RowIndex    int
}

// Classify looks up the weight class in snap. It returns ErrNoMatchingRule
// when no row covers the input.
func (c *WeightClassifier) Classify(snap *tables.Snapshot, priceGrid, containerLength string, grossWeightKg float64) (*Classification, error) {
	t, err := snap.Decision(tables.WeightClassification)
	if err != nil {
		return nil, err
	}
	if priceGrid == "" {
		priceGrid = c.defaultGrid
	}

	facts := Facts{
		tables.FieldPriceGrid:       feel.String(priceGrid),
		tables.FieldContainerLength: feel.String(containerLength),
		tables.FieldGrossWeight:     feel.Quantity(grossWeightKg, feel.UnitKilogram),
	}

	rule, err := First(t, facts)
	if err != nil {
		return nil, fmt.Errorf("%w: grid %s length %s weight %g kg", err, priceGrid, containerLength, grossWeightKg)
	}

	slog.Debug("weight class resolved",
		"weight_class", rule.Outputs[tables.FieldWeightClass],
		"row", rule.Index,
		"revision", t.Revision,
	)
	return &Classification{
		WeightClass: rule.Outputs[tables.FieldWeightClass],
		RowIndex:    rule.Index,
	}, nil
}
