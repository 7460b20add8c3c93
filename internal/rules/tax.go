package rules

import (
	"fmt"

	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/feel"
	"github.com/opensource-finance/railrate/internal/tables"
	"github.com/shopspring/decimal"
)

// TaxResolver evaluates the tax table. It reports ErrNoMatchingRule when no
// rule applies; defaults for that case are up to the caller.
type TaxResolver struct {
	homeCountry  string
	standardRate decimal.Decimal
}

// NewTaxResolver creates a resolver from tax configuration.
func NewTaxResolver(cfg domain.TaxConfig) *TaxResolver {
	return &TaxResolver{
		homeCountry:  tables.NormalizeCountry(cfg.HomeCountry),
		standardRate: decimal.NewFromFloat(cfg.StandardRate),
	}
}

// Facts returns the tax table input for rc, including the derived location
// types and VAT fields.
func (r *TaxResolver) Facts(rc *domain.RatingContext) Facts {
	f := ContextFacts(rc)
	f[tables.FieldDepartureLocation] = feel.String(r.location(rc.DepartureCountry))
	f[tables.FieldDestinationLocation] = feel.String(r.location(rc.DestinationCountry))
	f[tables.FieldVATID] = feel.String(vatIDFact(rc.VATID))
	f[tables.FieldVATCountry] = feel.String(tables.NormalizeCountry(rc.DestinationCountry))
	return f
}

func (r *TaxResolver) location(country string) string {
	country = tables.NormalizeCountry(country)
	switch {
	case country == "":
		return ""
	case country == r.homeCountry:
		return "Domestic"
	default:
		return "Foreign"
	}
}

// Resolve returns the outcome of the first matching tax rule.
func (r *TaxResolver) Resolve(snap *tables.Snapshot, rc *domain.RatingContext) (*domain.TaxOutcome, error) {
	t, err := snap.Decision(tables.TaxCalculation)
	if err != nil {
		return nil, err
	}

	rule, err := First(t, r.Facts(rc))
	if err != nil {
		return nil, fmt.Errorf("tax for %s %s->%s: %w", rc.Direction, rc.DepartureCountry, rc.DestinationCountry, err)
	}

	out := &domain.TaxOutcome{
		TaxCase:             rule.Outputs[tables.FieldTaxCase],
		ApplyVAT:            rule.Flag(tables.FieldApplyVAT),
		DisplayNotice:       rule.Flag(tables.FieldDisplayNotice),
		SAPIndicator:        rule.Outputs[tables.FieldSAPIndicator],
		CentralNotification: rule.Flag(tables.FieldCentralNotification),
		RowIndex:            rule.Index,
	}
	if rate, ok := rule.Rate(tables.FieldTaxRate); ok {
		out.Rate = rate
	} else if out.ApplyVAT {
		out.Rate = r.standardRate
	} else {
		out.Rate = decimal.Zero
	}
	return out, nil
}
