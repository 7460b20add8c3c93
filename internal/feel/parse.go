package feel

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the declared type of a condition column.
type ColumnType string

const (
	TypeString ColumnType = "string"
	TypeNumber ColumnType = "number"
	TypeBool   ColumnType = "bool"
	TypeDate   ColumnType = "date"
)

// ErrMalformed is wrapped by every cell parse failure.
var ErrMalformed = errors.New("malformed condition")

// Spec describes how the cells of one column are parsed.
type Spec struct {
	Type ColumnType
	Unit Unit
	// Normalize canonicalises text before it becomes an Equals operand.
	Normalize func(string) string
}

// wildcardTokens are cell texts that place no constraint on a column.
var wildcardTokens = map[string]bool{
	"-":              true,
	"nicht relevant": true,
	"not relevant":   true,
}

// Parse turns a raw cell into a Condition according to spec.
func Parse(cell any, spec Spec) (Condition, error) {
	switch c := cell.(type) {
	case nil:
		return Wildcard{}, nil
	case bool:
		if spec.Type == TypeNumber || spec.Type == TypeDate {
			return nil, fmt.Errorf("%w: boolean %v in %s column", ErrMalformed, c, spec.Type)
		}
		return Equals{Text: Bool(c).Text()}, nil
	case time.Time:
		switch spec.Type {
		case TypeDate:
			d := Date(c).date
			return DateWithin{From: d, To: d}, nil
		case TypeString:
			return equals(Date(c).Text(), spec), nil
		default:
			return nil, fmt.Errorf("%w: date in %s column", ErrMalformed, spec.Type)
		}
	case int:
		return parseNumeric(float64(c), spec)
	case int64:
		return parseNumeric(float64(c), spec)
	case float64:
		return parseNumeric(c, spec)
	case string:
		return parseText(c, spec)
	default:
		return parseText(fmt.Sprint(c), spec)
	}
}

func parseNumeric(f float64, spec Spec) (Condition, error) {
	switch spec.Type {
	case TypeNumber:
		return NumericCompare{Op: OpEQ, Operand: f, Unit: spec.Unit}, nil
	case TypeString:
		return equals(formatNumber(f), spec), nil
	case TypeBool:
		return parseText(formatNumber(f), spec)
	default:
		return parseText(formatNumber(f), spec)
	}
}

func parseText(raw string, spec Spec) (Condition, error) {
	s := CellText(raw)
	if IsWildcardText(s) {
		return Wildcard{}, nil
	}

	switch spec.Type {
	case TypeNumber:
		return parseNumberCondition(s, spec.Unit)
	case TypeBool:
		b, ok := ParseBool(s)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a boolean", ErrMalformed, s)
		}
		return Equals{Text: Bool(b).Text()}, nil
	case TypeDate:
		return parseDateCondition(s)
	default:
		return equals(s, spec), nil
	}
}

func equals(s string, spec Spec) Condition {
	if spec.Normalize != nil {
		s = spec.Normalize(s)
	}
	return Equals{Text: s}
}

// CellText trims whitespace and strips one pair of surrounding quotes.
func CellText(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range [][2]string{{`"`, `"`}, {`'`, `'`}, {"„", "“"}, {"“", "”"}} {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			return strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
		}
	}
	return s
}

// IsWildcardText reports whether cleaned cell text means "any value".
func IsWildcardText(s string) bool {
	return s == "" || wildcardTokens[strings.ToLower(s)]
}

// ParseBool accepts German and English yes/no spellings.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "ja", "yes", "y", "j", "1", "x", "wahr":
		return true, true
	case "false", "nein", "no", "n", "0", "falsch":
		return false, true
	default:
		return false, false
	}
}

func parseNumberCondition(s string, unit Unit) (Condition, error) {
	if strings.Contains(s, "..") {
		return parseRange(s, unit)
	}

	for _, op := range []Op{OpLE, OpGE, OpLT, OpGT, OpEQ} {
		if rest, ok := strings.CutPrefix(s, string(op)); ok {
			n, err := parseBound(rest)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
			}
			return NumericCompare{Op: op, Operand: n, Unit: unit}, nil
		}
	}

	n, err := parseNumber(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrMalformed, s)
	}
	return NumericCompare{Op: OpEQ, Operand: n, Unit: unit}, nil
}

// parseRange parses "[a..b]" style ranges. On the left "[" is inclusive and
// "]" or "(" exclusive; on the right "]" is inclusive and "[" or ")"
// exclusive. Unbracketed ends are inclusive.
func parseRange(s string, unit Unit) (Condition, error) {
	r := NumericRange{LowInclusive: true, HighInclusive: true, Unit: unit}

	body := s
	switch {
	case strings.HasPrefix(body, "["):
		body = body[1:]
	case strings.HasPrefix(body, "]"), strings.HasPrefix(body, "("):
		r.LowInclusive = false
		body = body[1:]
	}
	switch {
	case strings.HasSuffix(body, "]"):
		body = body[:len(body)-1]
	case strings.HasSuffix(body, "["), strings.HasSuffix(body, ")"):
		r.HighInclusive = false
		body = body[:len(body)-1]
	}

	lo, hi, ok := strings.Cut(body, "..")
	if !ok || strings.Contains(hi, "..") {
		return nil, fmt.Errorf("%w: %q is not a range", ErrMalformed, s)
	}

	var err error
	if strings.TrimSpace(lo) == "" {
		r.Low = math.Inf(-1)
	} else if r.Low, err = parseBound(lo); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	if strings.TrimSpace(hi) == "" {
		r.High = math.Inf(1)
	} else if r.High, err = parseBound(hi); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}

	if r.Low > r.High {
		return nil, fmt.Errorf("%w: %q has low bound above high bound", ErrMalformed, s)
	}
	return r, nil
}

func parseBound(s string) (float64, error) {
	s = strings.TrimSpace(s)
	sign := 1.0
	switch {
	case strings.HasPrefix(s, "+"):
		s = strings.TrimSpace(s[1:])
	case strings.HasPrefix(s, "-"):
		sign = -1
		s = strings.TrimSpace(s[1:])
	}
	switch strings.ToLower(s) {
	case "∞", "inf", "infinity", "unendlich":
		return math.Inf(int(sign)), nil
	}
	n, err := parseNumber(s)
	if err != nil {
		return 0, fmt.Errorf("invalid bound %q", s)
	}
	return sign * n, nil
}

func parseDateCondition(s string) (Condition, error) {
	body := strings.TrimSpace(s)
	body = strings.TrimLeft(body, "[](")
	body = strings.TrimRight(body, "[])")

	lo, hi, isRange := strings.Cut(body, "..")
	if !isRange {
		d, err := ParseDate(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a date", ErrMalformed, s)
		}
		return DateWithin{From: d, To: d}, nil
	}
	return ParseDateWindow(lo, hi)
}

// ParseDateWindow builds a DateWithin from separate from/to cells. A blank
// from is unbounded in the past and a blank to is open-ended.
func ParseDateWindow(from, to any) (Condition, error) {
	f, err := dateBound(from)
	if err != nil {
		return nil, err
	}
	t, err := dateBound(to)
	if err != nil {
		return nil, err
	}
	if f.IsZero() && t.IsZero() {
		return Wildcard{}, nil
	}
	if !f.IsZero() && !t.IsZero() && t.Before(f) {
		return nil, fmt.Errorf("%w: validity ends %s before it starts %s", ErrMalformed,
			t.Format(DateLayout), f.Format(DateLayout))
	}
	return DateWithin{From: f, To: t}, nil
}

func dateBound(cell any) (time.Time, error) {
	switch c := cell.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return Date(c).date, nil
	case float64:
		return dateBound(strconv.FormatInt(int64(c), 10))
	case int:
		return dateBound(strconv.Itoa(c))
	case int64:
		return dateBound(strconv.FormatInt(c, 10))
	case string:
		s := CellText(c)
		if IsWildcardText(s) {
			return time.Time{}, nil
		}
		d, err := ParseDate(s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q is not a date", ErrMalformed, s)
		}
		return d, nil
	default:
		return dateBound(fmt.Sprint(c))
	}
}
