// Package rules evaluates decision tables (weight classification, service
// determination, trip type, tax) and CEL service derivations.
package rules

import (
	"errors"
	"log/slog"
	"strings"
	"unicode"

	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/feel"
	"github.com/opensource-finance/railrate/internal/tables"
)

// ErrNoMatchingRule is returned when a single-hit table has no matching rule.
var ErrNoMatchingRule = errors.New("no matching rule")

// Facts is the typed input a decision table is evaluated against, keyed by
// canonical field name. Missing keys are absent values.
type Facts map[string]feel.Value

// ContextFacts builds the facts shared by every decision table.
func ContextFacts(rc *domain.RatingContext) Facts {
	f := Facts{
		tables.FieldPriceGrid:          feel.String(rc.PriceGrid),
		tables.FieldContainerLength:    feel.String(rc.ContainerLength),
		tables.FieldGrossWeight:        feel.Quantity(rc.GrossWeightKg, feel.UnitKilogram),
		tables.FieldServiceType:        feel.String(rc.ServiceType),
		tables.FieldDirection:          feel.String(tables.NormalizeDirection(rc.Direction)),
		tables.FieldLoadingStatus:      feel.String(rc.LoadingStatus),
		tables.FieldTransportForm:      feel.String(rc.TransportForm),
		tables.FieldCustomsProcedure:   feel.String(strings.ToUpper(rc.CustomsProcedure)),
		tables.FieldDepartureCountry:   feel.String(tables.NormalizeCountry(rc.DepartureCountry)),
		tables.FieldDepartureStation:   feel.String(rc.DepartureStation),
		tables.FieldDestinationCountry: feel.String(tables.NormalizeCountry(rc.DestinationCountry)),
		tables.FieldDestinationStation: feel.String(rc.DestinationStation),
		tables.FieldServiceDate:        feel.Date(rc.ServiceDate.Time),
	}
	if rc.DangerousGoods != nil {
		f[tables.FieldDangerousGoods] = feel.Bool(*rc.DangerousGoods)
	}
	return f
}

// vatIDFact reduces a VAT id to its country prefix, or "none".
func vatIDFact(vatID string) string {
	n := tables.NormalizeVATID(vatID)
	if n == "none" || len(n) < 2 {
		return n
	}
	r := []rune(n)
	if unicode.IsLetter(r[0]) && unicode.IsLetter(r[1]) {
		return string(r[:2])
	}
	return n
}

// matches reports whether every input condition of rule holds for facts.
func matches(t *tables.DecisionTable, rule *tables.DecisionRule, facts Facts) bool {
	for i, cond := range rule.Inputs {
		if !feel.Matches(cond, facts[t.Inputs[i].Field]) {
			return false
		}
	}
	return true
}

// Evaluate returns the rules of t selected by its hit policy: the first
// matching rule for UNIQUE and FIRST, every matching rule for COLLECT.
// UNIQUE tables with more than one match log a warning and keep the first.
func Evaluate(t *tables.DecisionTable, facts Facts) []*tables.DecisionRule {
	var hits []*tables.DecisionRule

	for i := range t.Rules {
		rule := &t.Rules[i]
		if !matches(t, rule, facts) {
			continue
		}
		if t.HitPolicy == tables.HitFirst {
			return []*tables.DecisionRule{rule}
		}
		hits = append(hits, rule)
	}

	if t.HitPolicy == tables.HitUnique && len(hits) > 1 {
		rows := make([]int, len(hits))
		for i, h := range hits {
			rows[i] = h.Index
		}
		slog.Warn("unique table has overlapping rules, using first",
			"table", t.Name,
			"revision", t.Revision,
			"rows", rows,
		)
		return hits[:1]
	}
	return hits
}

// First returns the single winning rule of a UNIQUE or FIRST table.
func First(t *tables.DecisionTable, facts Facts) (*tables.DecisionRule, error) {
	hits := Evaluate(t, facts)
	if len(hits) == 0 {
		return nil, ErrNoMatchingRule
	}
	return hits[0], nil
}
