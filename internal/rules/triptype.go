package rules

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/railrate/internal/feel"
	"github.com/opensource-finance/railrate/internal/tables"
)

// TripTypeOutcome is the trip type of a trucking code and the service code
// it implies, if any.
type TripTypeOutcome struct {
	TruckingCode string
	TripType     string
	ServiceCode  string
	RowIndex     int
}

// ResolveTripType looks up a trucking code in the trip type table.
func ResolveTripType(snap *tables.Snapshot, truckingCode string) (*TripTypeOutcome, error) {
	t, err := snap.Decision(tables.TripType)
	if err != nil {
		return nil, err
	}

	code := strings.ToUpper(strings.TrimSpace(truckingCode))
	rule, err := First(t, Facts{tables.FieldTruckingCode: feel.String(code)})
	if err != nil {
		return nil, fmt.Errorf("%w: trucking code %s", err, code)
	}

	return &TripTypeOutcome{
		TruckingCode: code,
		TripType:     rule.Outputs[tables.FieldTripType],
		ServiceCode:  rule.Outputs[tables.FieldServiceCode],
		RowIndex:     rule.Index,
	}, nil
}
