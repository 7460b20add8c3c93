package feel

import (
	"fmt"
	"math"
	"time"
)

// Condition is a single cell-level test. Implementations are Wildcard,
// Equals, NumericCompare, NumericRange and DateWithin.
type Condition interface {
	// Matches reports whether v satisfies the condition. An absent value
	// only satisfies Wildcard.
	Matches(v Value) bool
	String() string
}

// Matches evaluates condition c against v. A nil condition is a wildcard.
func Matches(c Condition, v Value) bool {
	if c == nil {
		return true
	}
	return c.Matches(v)
}

// IsWildcard reports whether c places no constraint on its column.
func IsWildcard(c Condition) bool {
	if c == nil {
		return true
	}
	_, ok := c.(Wildcard)
	return ok
}

// Wildcard matches every value, including an absent one.
type Wildcard struct{}

func (Wildcard) Matches(Value) bool { return true }
func (Wildcard) String() string     { return "-" }

// Equals matches when the value's normalized text equals Text exactly.
type Equals struct {
	Text string
}

func (c Equals) Matches(v Value) bool {
	if v.IsAbsent() {
		return false
	}
	return v.Text() == c.Text
}

func (c Equals) String() string { return fmt.Sprintf("%q", c.Text) }

// Op is a numeric comparison operator.
type Op string

const (
	OpLT Op = "<"
	OpLE Op = "<="
	OpGT Op = ">"
	OpGE Op = ">="
	OpEQ Op = "="
)

// NumericCompare matches when input Op Operand holds, after converting the
// input into Unit.
type NumericCompare struct {
	Op      Op
	Operand float64
	Unit    Unit
}

func (c NumericCompare) Matches(v Value) bool {
	n, ok := v.In(c.Unit)
	if !ok {
		return false
	}
	switch c.Op {
	case OpLT:
		return n < c.Operand
	case OpLE:
		return n <= c.Operand
	case OpGT:
		return n > c.Operand
	case OpGE:
		return n >= c.Operand
	case OpEQ:
		return n == c.Operand
	default:
		return false
	}
}

func (c NumericCompare) String() string {
	return string(c.Op) + formatNumber(c.Operand) + string(c.Unit)
}

// NumericRange matches when the input lies between Low and High. Each bound
// is independently inclusive or exclusive; infinite bounds are unbounded.
type NumericRange struct {
	Low           float64
	High          float64
	LowInclusive  bool
	HighInclusive bool
	Unit          Unit
}

func (c NumericRange) Matches(v Value) bool {
	n, ok := v.In(c.Unit)
	if !ok {
		return false
	}
	if c.LowInclusive {
		if n < c.Low {
			return false
		}
	} else if n <= c.Low {
		return false
	}
	if c.HighInclusive {
		return n <= c.High
	}
	return n < c.High
}

func (c NumericRange) String() string {
	left, right := "]", "["
	if c.LowInclusive {
		left = "["
	}
	if c.HighInclusive {
		right = "]"
	}
	return left + boundString(c.Low) + ".." + boundString(c.High) + right
}

func boundString(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "∞"
	case math.IsInf(f, -1):
		return "-∞"
	default:
		return formatNumber(f)
	}
}

// DateWithin matches dates in [From, To], both inclusive. A zero From is
// unbounded in the past and a zero To is unbounded in the future.
type DateWithin struct {
	From time.Time
	To   time.Time
}

func (c DateWithin) Matches(v Value) bool {
	d, ok := v.AsDate()
	if !ok {
		return false
	}
	if !c.From.IsZero() && d.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && d.After(c.To) {
		return false
	}
	return true
}

func (c DateWithin) String() string {
	from, to := "", ""
	if !c.From.IsZero() {
		from = c.From.Format(DateLayout)
	}
	if !c.To.IsZero() {
		to = c.To.Format(DateLayout)
	}
	return from + ".." + to
}
