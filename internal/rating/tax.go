package rating

import (
	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/tables"
	"github.com/shopspring/decimal"
)

// taxPolicy holds the outcomes used when the tax table has no matching rule.
type taxPolicy struct {
	standardRate decimal.Decimal
	defaults     map[string]domain.TaxDefault
}

func newTaxPolicy(cfg domain.TaxConfig) taxPolicy {
	p := taxPolicy{
		standardRate: decimal.NewFromFloat(cfg.StandardRate),
		defaults:     make(map[string]domain.TaxDefault, len(cfg.Defaults)),
	}
	for _, d := range cfg.Defaults {
		p.defaults[tables.NormalizeDirection(d.Direction)] = d
	}
	return p
}

// fallback returns the configured default for direction. Without one the
// order is taxed at the standard rate.
func (p taxPolicy) fallback(direction string) *domain.TaxOutcome {
	d, ok := p.defaults[tables.NormalizeDirection(direction)]
	if !ok {
		return &domain.TaxOutcome{
			Rate:     p.standardRate,
			TaxCase:  "default",
			ApplyVAT: true,
			RowIndex: -1,
		}
	}

	out := &domain.TaxOutcome{
		TaxCase:             d.TaxCase,
		ApplyVAT:            d.ApplyVAT,
		DisplayNotice:       d.DisplayNotice,
		SAPIndicator:        d.SAPIndicator,
		CentralNotification: d.CentralNotification,
		RowIndex:            -1,
	}
	switch {
	case d.Rate > 0:
		out.Rate = decimal.NewFromFloat(d.Rate)
	case d.ApplyVAT:
		out.Rate = p.standardRate
	default:
		out.Rate = decimal.Zero
	}
	return out
}
