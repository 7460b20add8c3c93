package tables

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/feel"
	"github.com/shopspring/decimal"
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrNotLoaded     = errors.New("no snapshot loaded")
)

// LoadError reports a malformed table, row or cell. A reload that hits a
// LoadError keeps the previous snapshot live.
type LoadError struct {
	Table  string
	Row    int // 1-based data row, 0 when the error is not row specific
	Column string
	Err    error
}

func (e *LoadError) Error() string {
	var b strings.Builder
	b.WriteString("load table ")
	b.WriteString(e.Table)
	if e.Row > 0 {
		b.WriteString(" row ")
		b.WriteString(strconv.Itoa(e.Row))
	}
	if e.Column != "" {
		b.WriteString(" column ")
		b.WriteString(strconv.Quote(e.Column))
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *LoadError) Unwrap() error { return e.Err }

// boundColumn is a schema column located at a header position.
type boundColumn struct {
	Column
	pos    int
	header string
}

// bindHeader matches header cells against schema aliases.
func bindHeader(schema *Schema, header []string) ([]boundColumn, error) {
	var bound []boundColumn
	used := make(map[int]string)

	for _, col := range schema.Columns {
		keys := make(map[string]bool, len(col.Aliases)+1)
		keys[headerKey(col.Field)] = true
		for _, a := range col.Aliases {
			keys[headerKey(a)] = true
		}

		pos := -1
		for i, h := range header {
			if !keys[headerKey(h)] {
				continue
			}
			if pos >= 0 {
				return nil, &LoadError{Table: schema.Name, Column: h,
					Err: fmt.Errorf("column %s appears more than once", col.Field)}
			}
			pos = i
		}

		if pos < 0 {
			if col.Required {
				return nil, &LoadError{Table: schema.Name,
					Err: fmt.Errorf("required column %s is missing", col.Field)}
			}
			continue
		}
		if other, taken := used[pos]; taken {
			return nil, &LoadError{Table: schema.Name, Column: header[pos],
				Err: fmt.Errorf("header matches both %s and %s", other, col.Field)}
		}
		used[pos] = col.Field
		bound = append(bound, boundColumn{Column: col, pos: pos, header: header[pos]})
	}
	return bound, nil
}

// Compile parses a raw table into its typed form. Unknown headers are ignored.
func Compile(raw *domain.RawTable, revision string) (Table, error) {
	schema, ok := SchemaFor(raw.Name)
	if !ok {
		return nil, &LoadError{Table: raw.Name, Err: fmt.Errorf("no schema for table")}
	}
	if err := ValidateDocument(raw); err != nil {
		return nil, err
	}

	cols, err := bindHeader(schema, raw.Header)
	if err != nil {
		return nil, err
	}

	switch schema.Kind {
	case KindPrice:
		return compilePrice(schema, cols, raw, revision)
	default:
		return compileDecision(schema, cols, raw, revision)
	}
}

func cellAt(row []any, pos int) any {
	if pos < len(row) {
		return row[pos]
	}
	return nil
}

// skipRow reports blank rows and "…" placeholder rows.
func skipRow(row []any) bool {
	blank := true
	for i, cell := range row {
		text := cellString(cell)
		if i == 0 && (text == "…" || text == "...") {
			return true
		}
		if text != "" {
			blank = false
		}
	}
	return blank
}

// cellString renders a raw cell as trimmed text with quotes removed.
func cellString(cell any) string {
	switch c := cell.(type) {
	case nil:
		return ""
	case string:
		return feel.CellText(c)
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case int:
		return strconv.Itoa(c)
	case int64:
		return strconv.FormatInt(c, 10)
	case bool:
		return strconv.FormatBool(c)
	case time.Time:
		return c.Format(feel.DateLayout)
	default:
		return feel.CellText(fmt.Sprint(c))
	}
}

func compileDecision(schema *Schema, cols []boundColumn, raw *domain.RawTable, revision string) (*DecisionTable, error) {
	policy := schema.HitPolicy
	if raw.HitPolicy != "" {
		declared, err := ParseHitPolicy(raw.HitPolicy)
		if err != nil {
			return nil, &LoadError{Table: raw.Name, Err: err}
		}
		if declared != policy {
			return nil, &LoadError{Table: raw.Name,
				Err: fmt.Errorf("hit policy %s declared, %s expected", declared, policy)}
		}
	}

	t := &DecisionTable{
		Name:      raw.Name,
		HitPolicy: policy,
		Revision:  revision,
	}

	var inputs, outputs []boundColumn
	var from, to *boundColumn
	for i := range cols {
		switch cols[i].Role {
		case RoleInput:
			inputs = append(inputs, cols[i])
			t.Inputs = append(t.Inputs, Input{Field: cols[i].Field, Spec: cols[i].Spec})
		case RoleOutput:
			outputs = append(outputs, cols[i])
			t.Outputs = append(t.Outputs, cols[i].Field)
		case RoleValidFrom:
			from = &cols[i]
		case RoleValidTo:
			to = &cols[i]
		}
	}
	hasValidity := from != nil || to != nil
	if hasValidity {
		t.Inputs = append(t.Inputs, Input{Field: FieldServiceDate, Spec: feel.Spec{Type: feel.TypeDate}})
	}

	for n, row := range raw.Rows {
		if skipRow(row) {
			continue
		}
		rule := DecisionRule{
			Index:   n,
			Inputs:  make([]feel.Condition, 0, len(t.Inputs)),
			Outputs: make(map[string]string, len(outputs)),
		}

		for _, col := range inputs {
			cond, err := feel.Parse(cellAt(row, col.pos), col.Spec)
			if err != nil {
				return nil, &LoadError{Table: raw.Name, Row: n + 1, Column: col.header, Err: err}
			}
			rule.Inputs = append(rule.Inputs, cond)
		}

		if hasValidity {
			var fromCell, toCell any
			if from != nil {
				fromCell = cellAt(row, from.pos)
			}
			if to != nil {
				toCell = cellAt(row, to.pos)
			}
			cond, err := feel.ParseDateWindow(fromCell, toCell)
			if err != nil {
				return nil, &LoadError{Table: raw.Name, Row: n + 1, Column: "validity", Err: err}
			}
			rule.Inputs = append(rule.Inputs, cond)
		}

		for _, col := range outputs {
			val := cellString(cellAt(row, col.pos))
			if feel.IsWildcardText(val) {
				if col.Required {
					return nil, &LoadError{Table: raw.Name, Row: n + 1, Column: col.header,
						Err: fmt.Errorf("output %s is required", col.Field)}
				}
				continue
			}
			rule.Outputs[col.Field] = val

			switch col.Output {
			case OutputBool:
				b, ok := feel.ParseBool(val)
				if !ok {
					return nil, &LoadError{Table: raw.Name, Row: n + 1, Column: col.header,
						Err: fmt.Errorf("invalid flag %q", val)}
				}
				if rule.flags == nil {
					rule.flags = make(map[string]bool)
				}
				rule.flags[col.Field] = b
			case OutputRate:
				rate, err := ParseRate(val)
				if err != nil {
					return nil, &LoadError{Table: raw.Name, Row: n + 1, Column: col.header, Err: err}
				}
				if rule.rates == nil {
					rule.rates = make(map[string]decimal.Decimal)
				}
				rule.rates[col.Field] = rate
			}
		}

		t.Rules = append(t.Rules, rule)
	}
	return t, nil
}

func compilePrice(schema *Schema, cols []boundColumn, raw *domain.RawTable, revision string) (*PriceTable, error) {
	t := &PriceTable{Name: raw.Name, Revision: revision}

	for n, row := range raw.Rows {
		if skipRow(row) {
			continue
		}
		pr := PriceRow{Index: n, Basis: schema.DefaultBasis}

		for _, col := range cols {
			cell := cellAt(row, col.pos)
			loadErr := func(err error) error {
				return &LoadError{Table: raw.Name, Row: n + 1, Column: col.header, Err: err}
			}

			switch col.Role {
			case RoleMatchKey:
				pr.MatchKey = cellString(cell)
				if IsUnset(pr.MatchKey) {
					return nil, loadErr(fmt.Errorf("%s is required", col.Field))
				}
			case RoleDimension:
				d, _ := dimensionByField(col.Field)
				pr.Dimensions[d] = normalizeDimension(d, cellString(cell))
			case RolePrice:
				price, err := parsePrice(cell)
				if err != nil {
					return nil, loadErr(err)
				}
				pr.Price = price
			case RolePriceBasis:
				if text := cellString(cell); !IsUnset(text) {
					basis, err := ParsePriceBasis(text)
					if err != nil {
						return nil, loadErr(err)
					}
					pr.Basis = basis
				}
			case RoleDescription:
				pr.Description = cellString(cell)
			case RoleValidFrom, RoleValidTo:
				cond, err := feel.ParseDateWindow(cell, nil)
				if err != nil {
					return nil, loadErr(err)
				}
				if w, ok := cond.(feel.DateWithin); ok {
					if col.Role == RoleValidFrom {
						pr.ValidFrom = w.From
					} else {
						pr.ValidTo = w.From
					}
				}
			}
		}

		if !pr.ValidTo.IsZero() && pr.ValidTo.Before(pr.ValidFrom) {
			return nil, &LoadError{Table: raw.Name, Row: n + 1, Column: "validity",
				Err: fmt.Errorf("valid to %s is before valid from %s",
					pr.ValidTo.Format(feel.DateLayout), pr.ValidFrom.Format(feel.DateLayout))}
		}
		t.Rows = append(t.Rows, pr)
	}
	t.index()
	return t, nil
}

// IsUnset reports whether a price dimension cell means "not specified".
func IsUnset(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "-", "alle", "all", "*":
		return true
	default:
		return false
	}
}

func normalizeDimension(d Dimension, s string) string {
	if IsUnset(s) {
		return ""
	}
	switch d {
	case DimDirection:
		return NormalizeDirection(s)
	case DimDepartureCountry, DimDestinationCountry:
		return NormalizeCountry(s)
	default:
		return strings.TrimSpace(s)
	}
}

// ParsePriceBasis accepts the basis spellings used in price sheets.
func ParsePriceBasis(s string) (domain.PriceBasis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed", "fix", "pauschal", "flat":
		return domain.PriceFixed, nil
	case "perunit", "per unit", "unit", "einheit", "pro einheit", "stück", "stk":
		return domain.PricePerUnit, nil
	default:
		return "", fmt.Errorf("unknown price basis %q", s)
	}
}

func parsePrice(cell any) (decimal.Decimal, error) {
	switch c := cell.(type) {
	case float64:
		return decimal.NewFromFloat(c), nil
	case int:
		return decimal.NewFromInt(int64(c)), nil
	case int64:
		return decimal.NewFromInt(c), nil
	}

	s := cellString(cell)
	s = strings.TrimSpace(strings.NewReplacer("€", "", "EUR", "", " ", "").Replace(s))
	if s == "" {
		return decimal.Zero, fmt.Errorf("price is required")
	}
	if strings.Contains(s, ",") {
		// 1.234,50 style
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q", s)
	}
	return d, nil
}

// ParseRate reads a tax rate cell. "19%" and "7 %" are percentages, as are
// whole numbers without a sign ("19"). Decimal values ("0.19", "0,19") are
// fractions and may not exceed one. "0" is a zero rate.
func ParseRate(s string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(s)
	text, percent := strings.CutSuffix(trimmed, "%")
	text = strings.Replace(strings.TrimSpace(text), ",", ".", 1)

	rate, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid tax rate %q", s)
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative tax rate %q", s)
	}

	switch {
	case percent, !strings.Contains(text, "."):
		rate = rate.Div(decimal.NewFromInt(100))
	case rate.GreaterThan(decimal.NewFromInt(1)):
		return decimal.Zero, fmt.Errorf("tax rate %q above 1; write percentages with %%", s)
	}
	if rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("tax rate %q above 100%%", s)
	}
	return rate, nil
}
