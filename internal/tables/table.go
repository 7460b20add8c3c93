package tables

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/feel"
	"github.com/shopspring/decimal"
)

// HitPolicy is the rule-matching mode of a decision table.
type HitPolicy string

const (
	HitUnique  HitPolicy = "UNIQUE"
	HitFirst   HitPolicy = "FIRST"
	HitCollect HitPolicy = "COLLECT"
)

// ParseHitPolicy accepts full names and the single-letter DMN forms.
func ParseHitPolicy(s string) (HitPolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "U", "UNIQUE":
		return HitUnique, nil
	case "F", "FIRST":
		return HitFirst, nil
	case "C", "COLLECT":
		return HitCollect, nil
	default:
		return "", fmt.Errorf("unknown hit policy %q", s)
	}
}

// Table is implemented by DecisionTable and PriceTable.
type Table interface {
	TableName() string
	TableRevision() string
	Len() int
}

// Input is one condition column of a decision table.
type Input struct {
	Field string
	Spec  feel.Spec
}

// DecisionRule is one row of a decision table.
type DecisionRule struct {
	// Index is the zero-based data row position in the source.
	Index   int
	Inputs  []feel.Condition // aligned with DecisionTable.Inputs
	Outputs map[string]string

	flags map[string]bool
	rates map[string]decimal.Decimal
}

// Flag returns a bool output. Blank cells read as false.
func (r *DecisionRule) Flag(field string) bool {
	return r.flags[field]
}

// Rate returns a rate output parsed at load time. ok is false for a blank cell.
func (r *DecisionRule) Rate(field string) (rate decimal.Decimal, ok bool) {
	rate, ok = r.rates[field]
	return rate, ok
}

// DecisionTable is an immutable, parsed decision table.
type DecisionTable struct {
	Name      string
	HitPolicy HitPolicy
	Revision  string
	Inputs    []Input
	Outputs   []string
	Rules     []DecisionRule
}

func (t *DecisionTable) TableName() string     { return t.Name }
func (t *DecisionTable) TableRevision() string { return t.Revision }
func (t *DecisionTable) Len() int              { return len(t.Rules) }

// Dimension is a price row attribute used for filtering and scoring.
type Dimension int

const (
	DimCustomerNumber Dimension = iota
	DimCustomerGroup
	DimOfferNumber
	DimDepartureCountry
	DimDepartureStation
	DimTariffPointDep
	DimDestinationCountry
	DimDestinationStation
	DimTariffPointDest
	DimDirection
	DimLoadingStatus
	DimTransportForm
	DimContainerLength
	numDimensions
)

var dimensionFields = [numDimensions]string{
	"customerNumber",
	"customerGroup",
	"offerNumber",
	"departureCountry",
	"departureStation",
	"tariffPointDep",
	"destinationCountry",
	"destinationStation",
	"tariffPointDest",
	"direction",
	"loadingStatus",
	"transportForm",
	"containerLength",
}

// Field returns the canonical field name of the dimension.
func (d Dimension) Field() string {
	if d < 0 || d >= numDimensions {
		return fmt.Sprintf("dimension(%d)", int(d))
	}
	return dimensionFields[d]
}

func (d Dimension) String() string { return d.Field() }

func dimensionByField(field string) (Dimension, bool) {
	for i, f := range dimensionFields {
		if f == field {
			return Dimension(i), true
		}
	}
	return 0, false
}

// PriceRow is one row of a price table. An empty dimension value is unset.
type PriceRow struct {
	Index       int
	MatchKey    string
	Dimensions  [numDimensions]string
	ValidFrom   time.Time
	ValidTo     time.Time
	Basis       domain.PriceBasis
	Price       decimal.Decimal
	Description string
}

// Get returns the row's value for d, empty when unset.
func (r *PriceRow) Get(d Dimension) string {
	if d < 0 || d >= numDimensions {
		return ""
	}
	return r.Dimensions[d]
}

// IsSet reports whether the row constrains dimension d.
func (r *PriceRow) IsSet(d Dimension) bool {
	return r.Get(d) != ""
}

// ValidOn reports whether date lies in [ValidFrom, ValidTo]. Zero bounds
// are open.
func (r *PriceRow) ValidOn(date time.Time) bool {
	if !r.ValidFrom.IsZero() && date.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidTo.IsZero() && date.After(r.ValidTo) {
		return false
	}
	return true
}

// PriceTable is an immutable, parsed price table.
type PriceTable struct {
	Name     string
	Revision string
	Rows     []PriceRow

	byKey map[string][]int
}

func (t *PriceTable) TableName() string     { return t.Name }
func (t *PriceTable) TableRevision() string { return t.Revision }
func (t *PriceTable) Len() int              { return len(t.Rows) }

// RowsFor returns the rows whose match key equals key, in source order.
func (t *PriceTable) RowsFor(key string) []*PriceRow {
	idx := t.byKey[key]
	rows := make([]*PriceRow, len(idx))
	for i, j := range idx {
		rows[i] = &t.Rows[j]
	}
	return rows
}

func (t *PriceTable) index() {
	t.byKey = make(map[string][]int)
	for i, row := range t.Rows {
		t.byKey[row.MatchKey] = append(t.byKey[row.MatchKey], i)
	}
}

// Snapshot is an immutable view of every table as of one source revision.
type Snapshot struct {
	Revision   string
	Generation uint64
	LoadedAt   time.Time
	Sources    []domain.TableInfo

	tables map[string]Table
}

// Get returns the named table.
func (s *Snapshot) Get(name string) (Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t, nil
}

// Decision returns the named decision table.
func (s *Snapshot) Decision(name string) (*DecisionTable, error) {
	t, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	dt, ok := t.(*DecisionTable)
	if !ok {
		return nil, fmt.Errorf("table %s is not a decision table", name)
	}
	return dt, nil
}

// Price returns the named price table.
func (s *Snapshot) Price(name string) (*PriceTable, error) {
	t, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	pt, ok := t.(*PriceTable)
	if !ok {
		return nil, fmt.Errorf("table %s is not a price table", name)
	}
	return pt, nil
}

// Names returns the loaded table names in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TableSummary describes one loaded table.
type TableSummary struct {
	Name      string `json:"name"`
	Revision  string `json:"revision"`
	Rows      int    `json:"rows"`
	HitPolicy string `json:"hitPolicy,omitempty"`
}

// Summaries describes every loaded table in name order.
func (s *Snapshot) Summaries() []TableSummary {
	out := make([]TableSummary, 0, len(s.tables))
	for _, name := range s.Names() {
		t := s.tables[name]
		sum := TableSummary{Name: name, Revision: t.TableRevision(), Rows: t.Len()}
		if dt, ok := t.(*DecisionTable); ok {
			sum.HitPolicy = string(dt.HitPolicy)
		}
		out = append(out, sum)
	}
	return out
}
