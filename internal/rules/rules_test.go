package rules

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/tables"
	"github.com/shopspring/decimal"
)

// sampleSnapshot loads the bundled sample tables.
func sampleSnapshot(t *testing.T) *tables.Snapshot {
	t.Helper()
	repo := tables.NewRepository(tables.NewDirSource("../../tables"))
	if err := repo.Load(context.Background()); err != nil {
		t.Fatalf("failed to load sample tables: %v", err)
	}
	snap, _ := repo.Snapshot()
	return snap
}

func memorySnapshot(t *testing.T, raws ...*domain.RawTable) *tables.Snapshot {
	t.Helper()
	repo := tables.NewRepository(tables.NewMemorySource(raws...))
	if err := repo.Load(context.Background()); err != nil {
		t.Fatalf("failed to load tables: %v", err)
	}
	snap, _ := repo.Snapshot()
	return snap
}

func serviceDate(s string) domain.Date {
	d, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func boolPtr(b bool) *bool { return &b }

func TestEvaluateHitPolicies(t *testing.T) {
	header := []string{"Preisraster", "Länge", "Gewicht", "Gewichtsklasse"}
	rows := [][]any{
		{"N", "20", "[0..25]", "A"},
		{"N", "20", "[20..30]", "B"},
		{"N", "40", "-", "C"},
	}
	snap := memorySnapshot(t, &domain.RawTable{Name: tables.WeightClassification, Header: header, Rows: rows})
	dt, err := snap.Decision(tables.WeightClassification)
	if err != nil {
		t.Fatalf("Decision failed: %v", err)
	}

	facts := ContextFacts(&domain.RatingContext{ContainerLength: "20", GrossWeightKg: 22000, PriceGrid: "N"})

	t.Run("UniqueOverlapKeepsFirst", func(t *testing.T) {
		hits := Evaluate(dt, facts)
		if len(hits) != 1 || hits[0].Outputs[tables.FieldWeightClass] != "A" {
			t.Fatalf("expected first overlapping rule A, got %+v", hits)
		}
	})

	t.Run("Collect", func(t *testing.T) {
		collect := *dt
		collect.HitPolicy = tables.HitCollect
		hits := Evaluate(&collect, facts)
		if len(hits) != 2 {
			t.Fatalf("expected 2 hits, got %d", len(hits))
		}
		if hits[0].Index != 0 || hits[1].Index != 1 {
			t.Errorf("expected source order, got %d,%d", hits[0].Index, hits[1].Index)
		}
	})

	t.Run("First", func(t *testing.T) {
		first := *dt
		first.HitPolicy = tables.HitFirst
		rule, err := First(&first, facts)
		if err != nil {
			t.Fatalf("First failed: %v", err)
		}
		if rule.Index != 0 {
			t.Errorf("expected row 0, got %d", rule.Index)
		}
	})

	t.Run("NoMatch", func(t *testing.T) {
		_, err := First(dt, Facts{})
		if !errors.Is(err, ErrNoMatchingRule) {
			t.Errorf("expected ErrNoMatchingRule, got %v", err)
		}
	})
}

func TestClassify(t *testing.T) {
	snap := sampleSnapshot(t)
	classifier := NewWeightClassifier("N")

	tests := []struct {
		name   string
		grid   string
		length string
		kg     float64
		want   string
	}{
		{"HeavyTwenty", "N", "20", 23000, "20B"},
		{"BoundaryInclusive", "N", "20", 20000, "20A"},
		{"JustAboveBoundary", "N", "20", 20000.1, "20B"},
		{"DefaultGrid", "", "20", 5000, "20A"},
		{"FortyLight", "N", "40", 10000, "40A"},
		{"FortyMiddle", "N", "40", 10001, "40B"},
		{"FortyHeavyBoundary", "N", "40", 25000, "40B"},
		{"FortyHeavy", "N", "40", 25000.5, "40C"},
		{"OtherGrid", "G", "40", 31000, "40G"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := classifier.Classify(snap, tt.grid, tt.length, tt.kg)
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if got.WeightClass != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.WeightClass)
			}
		})
	}

	t.Run("UnknownLength", func(t *testing.T) {
		_, err := classifier.Classify(snap, "N", "30", 1000)
		if !errors.Is(err, ErrNoMatchingRule) {
			t.Errorf("expected ErrNoMatchingRule, got %v", err)
		}
	})
}

func TestClassifyRangeBoundaries(t *testing.T) {
	snap := memorySnapshot(t, &domain.RawTable{
		Name:   tables.WeightClassification,
		Header: []string{"Preisraster", "Länge", "Gewicht", "Gewichtsklasse"},
		Rows:   [][]any{{"N", "20", "]10..20]", "X"}},
	})
	classifier := NewWeightClassifier("N")

	tests := []struct {
		kg    float64
		match bool
	}{
		{10000, false},
		{10000.1, true},
		{20000, true},
		{20000.1, false},
	}
	for _, tt := range tests {
		_, err := classifier.Classify(snap, "N", "20", tt.kg)
		if tt.match && err != nil {
			t.Errorf("%g kg: expected match, got %v", tt.kg, err)
		}
		if !tt.match && !errors.Is(err, ErrNoMatchingRule) {
			t.Errorf("%g kg: expected no match, got %v", tt.kg, err)
		}
	}
}

func TestDetermineServices(t *testing.T) {
	snap := sampleSnapshot(t)
	determiner := NewServiceDeterminer(nil)

	rc := &domain.RatingContext{
		ContainerLength: "20",
		TransportForm:   "KV",
		LoadingStatus:   "beladen",
		DangerousGoods:  boolPtr(true),
		ServiceDate:     serviceDate("2025-03-01"),
	}

	set, err := determiner.Determine(snap, rc)
	if err != nil {
		t.Fatalf("Determine failed: %v", err)
	}

	codes := set.Codes()
	sort.Strings(codes)
	if strings.Join(codes, ",") != "111,222,444,456" {
		t.Fatalf("expected {111,222,444,456}, got %v", codes)
	}

	for _, svc := range set.Services {
		if svc.Code != "111" {
			continue
		}
		if len(svc.Rows) != 2 {
			t.Errorf("expected 111 from two rules, got rows %v", svc.Rows)
		}
		if len(svc.Sources) != 1 || svc.Sources[0] != domain.SourceRule {
			t.Errorf("expected single rule source, got %v", svc.Sources)
		}
		if svc.Name != "Hauptlauf KV" {
			t.Errorf("expected name from table, got %q", svc.Name)
		}
	}
}

func TestDetermineServicesValidity(t *testing.T) {
	snap := sampleSnapshot(t)
	determiner := NewServiceDeterminer(nil)

	rc := &domain.RatingContext{
		TransportForm: "KV",
		LoadingStatus: "beladen",
		ServiceDate:   serviceDate("2020-06-01"),
	}
	set, err := determiner.Determine(snap, rc)
	if err != nil {
		t.Fatalf("Determine failed: %v", err)
	}
	if !set.Has("999") {
		t.Error("expected rule valid in 2020 to match")
	}
	if set.Has("111") || set.Has("222") {
		t.Errorf("rules valid from 2024 should not match, got %v", set.Codes())
	}
}

func TestDetermineServicesDedupRequested(t *testing.T) {
	snap := sampleSnapshot(t)
	determiner := NewServiceDeterminer(nil)

	rc := &domain.RatingContext{
		LoadingStatus: "beladen",
		ServiceDate:   serviceDate("2025-03-01"),
		RequestedServices: []domain.ServiceRequest{
			{Code: "222", Quantity: decimal.NewFromInt(3)},
			{Code: "900"},
			{Code: "222"},
		},
	}
	set, err := determiner.Determine(snap, rc)
	if err != nil {
		t.Fatalf("Determine failed: %v", err)
	}

	count := map[string]int{}
	for _, svc := range set.Services {
		count[svc.Code]++
	}
	for code, n := range count {
		if n != 1 {
			t.Errorf("service %s appears %d times", code, n)
		}
	}
	if !set.Has("900") {
		t.Error("requested service without a rule should pass through")
	}

	svc := set.Services[set.index["222"]]
	if len(svc.Sources) != 2 || svc.Sources[0] != domain.SourceRule || svc.Sources[1] != domain.SourceRequested {
		t.Errorf("expected rule and requested sources, got %v", svc.Sources)
	}
	if !svc.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Errorf("expected requested quantity 3, got %s", svc.Quantity)
	}
}

func TestDetermineServicesTrucking(t *testing.T) {
	snap := sampleSnapshot(t)
	determiner := NewServiceDeterminer(nil)

	rc := &domain.RatingContext{
		ServiceDate:       serviceDate("2025-03-01"),
		TruckingCodes:     []string{"vl", "LF", "XX"},
		RequestedServices: []domain.ServiceRequest{{Code: "601"}},
	}
	set, err := determiner.Determine(snap, rc)
	if err != nil {
		t.Fatalf("Determine failed: %v", err)
	}

	if len(set.Services) != 1 {
		t.Fatalf("expected only 601, got %v", set.Codes())
	}
	svc := set.Services[0]
	if svc.Code != "601" || svc.TripType != "Vorlauf" {
		t.Errorf("expected 601 Vorlauf, got %s %s", svc.Code, svc.TripType)
	}
	if len(svc.Sources) != 2 {
		t.Errorf("expected trucking and requested sources, got %v", svc.Sources)
	}
	if len(set.Warnings) != 1 || !strings.Contains(set.Warnings[0], "XX") {
		t.Errorf("expected warning for unknown trucking code, got %v", set.Warnings)
	}
}

func TestDetermineServicesDerived(t *testing.T) {
	snap := sampleSnapshot(t)
	engine, _ := NewEngine()
	if err := engine.ReloadDerivations(domain.DefaultConfig().Derivations); err != nil {
		t.Fatalf("ReloadDerivations failed: %v", err)
	}
	determiner := NewServiceDeterminer(engine)

	rc := &domain.RatingContext{
		Direction:   "export",
		ServiceDate: serviceDate("2025-03-01"),
	}
	set, err := determiner.Determine(snap, rc)
	if err != nil {
		t.Fatalf("Determine failed: %v", err)
	}
	if !set.Has("123") || !set.Has("789") {
		t.Fatalf("expected 123 and derived 789, got %v", set.Codes())
	}
	svc := set.Services[set.index["789"]]
	if !svc.Quantity.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected derived quantity 5, got %s", svc.Quantity)
	}

	rc.RequestedServices = []domain.ServiceRequest{{Code: "789", Quantity: decimal.NewFromInt(2)}}
	set, _ = determiner.Determine(snap, rc)
	svc = set.Services[set.index["789"]]
	if !svc.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("requested quantity should win over derived, got %s", svc.Quantity)
	}
}

func TestResolveTripType(t *testing.T) {
	snap := sampleSnapshot(t)

	out, err := ResolveTripType(snap, " rt ")
	if err != nil {
		t.Fatalf("ResolveTripType failed: %v", err)
	}
	if out.TripType != "Rundlauf" || out.ServiceCode != "603" {
		t.Errorf("expected Rundlauf/603, got %s/%s", out.TripType, out.ServiceCode)
	}

	if _, err := ResolveTripType(snap, "ZZ"); !errors.Is(err, ErrNoMatchingRule) {
		t.Errorf("expected ErrNoMatchingRule, got %v", err)
	}
}

func TestResolveTax(t *testing.T) {
	snap := sampleSnapshot(t)
	resolver := NewTaxResolver(domain.DefaultConfig().Tax)

	tests := []struct {
		name        string
		rc          domain.RatingContext
		wantCase    string
		wantRate    string
		wantRow     int
		wantNotice  bool
		wantCentral bool
	}{
		{
			name:     "Domestic",
			rc:       domain.RatingContext{DepartureCountry: "de", DestinationCountry: "DE"},
			wantCase: "Inland steuerbar",
			wantRate: "0.19",
			wantRow:  0,
		},
		{
			name:       "ExportWithoutVATID",
			rc:         domain.RatingContext{Direction: "Export", DepartureCountry: "DE", DestinationCountry: "FR", VATID: "keine"},
			wantCase:   "Export ohne USt-ID",
			wantRate:   "0.19",
			wantRow:    1,
			wantNotice: true,
		},
		{
			name:        "ExportWithVATID",
			rc:          domain.RatingContext{Direction: "Export", DepartureCountry: "DE", DestinationCountry: "FR", VATID: "FR12345678901"},
			wantCase:    "Export steuerfrei",
			wantRate:    "0",
			wantRow:     2,
			wantNotice:  true,
			wantCentral: true,
		},
		{
			name:       "ImportReverseCharge",
			rc:         domain.RatingContext{Direction: "Import", DepartureCountry: "NL", DestinationCountry: "DE"},
			wantCase:   "Import Reverse Charge",
			wantRate:   "0",
			wantRow:    3,
			wantNotice: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := resolver.Resolve(snap, &tt.rc)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if out.TaxCase != tt.wantCase {
				t.Errorf("expected tax case %q, got %q", tt.wantCase, out.TaxCase)
			}
			if out.Rate.String() != tt.wantRate {
				t.Errorf("expected rate %s, got %s", tt.wantRate, out.Rate)
			}
			if out.RowIndex != tt.wantRow {
				t.Errorf("expected row %d, got %d", tt.wantRow, out.RowIndex)
			}
			if out.DisplayNotice != tt.wantNotice {
				t.Errorf("expected display notice %v", tt.wantNotice)
			}
			if out.CentralNotification != tt.wantCentral {
				t.Errorf("expected central notification %v", tt.wantCentral)
			}
		})
	}

	t.Run("NoMatchingRule", func(t *testing.T) {
		for _, rc := range []domain.RatingContext{
			{Direction: "Import", DepartureCountry: "NL", DestinationCountry: "BE"},
			{DepartureCountry: "NL", DestinationCountry: "BE"},
		} {
			out, err := resolver.Resolve(snap, &rc)
			if !errors.Is(err, ErrNoMatchingRule) {
				t.Errorf("expected ErrNoMatchingRule for %s->%s, got %v", rc.DepartureCountry, rc.DestinationCountry, err)
			}
			if out != nil {
				t.Errorf("expected no outcome, got %+v", out)
			}
		}
	})
}

func TestContextFactsAbsentDangerousGoods(t *testing.T) {
	facts := ContextFacts(&domain.RatingContext{ServiceDate: domain.NewDate(time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC))})
	if _, ok := facts[tables.FieldDangerousGoods]; ok {
		t.Error("unset dangerous goods flag should be absent")
	}
	if d, ok := facts[tables.FieldServiceDate].AsDate(); !ok || d.Day() != 2 {
		t.Errorf("expected service date fact, got %v", facts[tables.FieldServiceDate])
	}
}
