// Package feel implements the small cell-level condition language used by
// decision and price tables: wildcards, exact matches, numeric comparisons,
// bracketed ranges and date validity windows.
package feel

import (
	"strconv"
	"strings"
	"time"
)

// Kind identifies the dynamic type carried by a Value.
type Kind int

const (
	KindAbsent Kind = iota
	KindString
	KindNumber
	KindBool
	KindDate
)

// Unit is a measurement unit attached to numeric values and conditions.
type Unit string

const (
	UnitNone     Unit = ""
	UnitKilogram Unit = "kg"
	UnitTon      Unit = "t"
)

// unitFactors converts a unit into its base unit (kg for weights).
var unitFactors = map[Unit]float64{
	UnitKilogram: 1,
	UnitTon:      1000,
}

// DateLayout is the canonical textual form of a date value.
const DateLayout = "2006-01-02"

// Value is a typed input value evaluated against a Condition.
// The zero Value is absent and matches only Wildcard.
type Value struct {
	kind Kind
	text string
	num  float64
	unit Unit
	date time.Time
}

// Absent returns a value representing a missing input.
func Absent() Value { return Value{} }

// String returns a text value. Empty text is treated as absent.
func String(s string) Value {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{}
	}
	return Value{kind: KindString, text: s}
}

// Number returns a unitless numeric value.
func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

// Quantity returns a numeric value measured in the given unit.
func Quantity(f float64, unit Unit) Value {
	return Value{kind: KindNumber, num: f, unit: unit}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, text: "true"}
	}
	return Value{kind: KindBool, text: "false"}
}

// Date returns a calendar-day value. A zero time is treated as absent.
func Date(t time.Time) Value {
	if t.IsZero() {
		return Value{}
	}
	y, m, d := t.Date()
	return Value{kind: KindDate, date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// Kind returns the dynamic type of the value.
func (v Value) Kind() Kind { return v.kind }

// IsAbsent reports whether the value is missing.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// Text returns the normalized string form used by Equals conditions.
func (v Value) Text() string {
	switch v.kind {
	case KindString, KindBool:
		return v.text
	case KindNumber:
		return formatNumber(v.num)
	case KindDate:
		return v.date.Format(DateLayout)
	default:
		return ""
	}
}

// In returns the numeric value converted into unit u. Text values are
// parsed as numbers; unitless values are taken to already be in u.
func (v Value) In(u Unit) (float64, bool) {
	var n float64
	switch v.kind {
	case KindNumber:
		n = v.num
	case KindString:
		f, err := parseNumber(v.text)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}

	if v.unit == u || v.unit == UnitNone || u == UnitNone {
		return n, true
	}
	from, ok1 := unitFactors[v.unit]
	to, ok2 := unitFactors[u]
	if !ok1 || !ok2 {
		return 0, false
	}
	return n * from / to, true
}

// AsDate returns the calendar day carried by the value.
func (v Value) AsDate() (time.Time, bool) {
	switch v.kind {
	case KindDate:
		return v.date, true
	case KindString:
		t, err := ParseDate(v.text)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

func (v Value) String() string {
	if v.kind == KindAbsent {
		return "<absent>"
	}
	if v.kind == KindNumber && v.unit != UnitNone {
		return formatNumber(v.num) + string(v.unit)
	}
	return v.Text()
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// parseNumber accepts a decimal point or a single decimal comma.
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	return strconv.ParseFloat(s, 64)
}

var dateLayouts = []string{DateLayout, "20060102", "02.01.2006", time.RFC3339}

// ParseDate parses a calendar day in any of the accepted layouts.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
