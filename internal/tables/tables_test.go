package tables

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/feel"
	"github.com/shopspring/decimal"
)

func weightTable(rows ...[]any) *domain.RawTable {
	return &domain.RawTable{
		Name:      WeightClassification,
		HitPolicy: "U",
		Header:    []string{"Preisraster", "Länge", "Gewicht", "Gewichtsklasse"},
		Rows:      rows,
	}
}

func additionalPrices(rows ...[]any) *domain.RawTable {
	return &domain.RawTable{
		Name:   AdditionalPrices,
		Header: []string{"Code", "Kundennummer", "Richtung", "Preis", "Preisbasis", "gültig von", "gültig bis"},
		Rows:   rows,
	}
}

func TestCompileDecisionTable(t *testing.T) {
	raw := weightTable(
		[]any{"N", "20", "[0..20]", "20A"},
		[]any{"N", "20", "]20..∞)", "20B"},
		[]any{nil, nil, nil, nil},
		[]any{"…", nil, nil, nil},
	)

	table, err := Compile(raw, "r1")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	dt := table.(*DecisionTable)

	if dt.HitPolicy != HitUnique {
		t.Errorf("expected UNIQUE, got %s", dt.HitPolicy)
	}
	if len(dt.Rules) != 2 {
		t.Fatalf("expected 2 rules (blank and placeholder skipped), got %d", len(dt.Rules))
	}
	if dt.Rules[1].Index != 1 {
		t.Errorf("expected source index 1, got %d", dt.Rules[1].Index)
	}
	if dt.Rules[1].Outputs[FieldWeightClass] != "20B" {
		t.Errorf("expected output 20B, got %q", dt.Rules[1].Outputs[FieldWeightClass])
	}
	if len(dt.Inputs) != 3 || dt.Inputs[2].Field != FieldGrossWeight {
		t.Errorf("unexpected inputs: %+v", dt.Inputs)
	}
}

func TestCompileValidityColumns(t *testing.T) {
	raw := &domain.RawTable{
		Name:   ServiceDetermination,
		Header: []string{"Verkehrsform", "NGB-Code", "gültig von", "gültig bis"},
		Rows: [][]any{
			{"KV", "444", "20240101", ""},
		},
	}

	table, err := Compile(raw, "r1")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	dt := table.(*DecisionTable)

	last := dt.Inputs[len(dt.Inputs)-1]
	if last.Field != FieldServiceDate {
		t.Fatalf("expected validity folded into %s, got %s", FieldServiceDate, last.Field)
	}
	cond := dt.Rules[0].Inputs[len(dt.Rules[0].Inputs)-1]
	w, ok := cond.(feel.DateWithin)
	if !ok {
		t.Fatalf("expected DateWithin, got %T", cond)
	}
	if !w.To.IsZero() {
		t.Errorf("blank valid-to should be open-ended, got %v", w.To)
	}
}

func TestCompileErrors(t *testing.T) {
	t.Run("MalformedCell", func(t *testing.T) {
		_, err := Compile(weightTable([]any{"N", "20", "[abc..20]", "20A"}), "r1")
		var le *LoadError
		if !errors.As(err, &le) {
			t.Fatalf("expected LoadError, got %v", err)
		}
		if le.Row != 1 || le.Column != "Gewicht" {
			t.Errorf("expected row 1 column Gewicht, got row %d column %q", le.Row, le.Column)
		}
		if !errors.Is(err, feel.ErrMalformed) {
			t.Error("LoadError should unwrap to feel.ErrMalformed")
		}
	})

	t.Run("MissingRequiredColumn", func(t *testing.T) {
		raw := weightTable()
		raw.Header = []string{"Preisraster", "Länge", "Gewicht"}
		var le *LoadError
		if _, err := Compile(raw, "r1"); !errors.As(err, &le) {
			t.Fatalf("expected LoadError, got %v", err)
		}
	})

	t.Run("ConflictingHitPolicy", func(t *testing.T) {
		raw := weightTable()
		raw.HitPolicy = "C"
		if _, err := Compile(raw, "r1"); err == nil {
			t.Fatal("expected error for COLLECT on a UNIQUE table")
		}
	})

	t.Run("MissingOutput", func(t *testing.T) {
		if _, err := Compile(weightTable([]any{"N", "20", "[0..20]", ""}), "r1"); err == nil {
			t.Fatal("expected error for blank required output")
		}
	})

	t.Run("BadPrice", func(t *testing.T) {
		if _, err := Compile(additionalPrices([]any{"789", nil, nil, "abc", nil, nil, nil}), "r1"); err == nil {
			t.Fatal("expected error for non-numeric price")
		}
	})
}

func TestCompilePriceTable(t *testing.T) {
	raw := additionalPrices(
		[]any{"789", "alle", "export", "50,00", nil, "2024-01-01", "99991231"},
		[]any{"789", "C-1", "-", 75.5, "pauschal", nil, nil},
		[]any{"555", "*", nil, "€ 12", "Einheit", nil, nil},
	)

	table, err := Compile(raw, "r1")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	pt := table.(*PriceTable)

	rows := pt.RowsFor("789")
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows for 789, got %d", len(rows))
	}

	generic := rows[0]
	if generic.IsSet(DimCustomerNumber) {
		t.Error("'alle' should be unset")
	}
	if generic.Get(DimDirection) != "Export" {
		t.Errorf("expected normalized direction Export, got %q", generic.Get(DimDirection))
	}
	if generic.Basis != domain.PricePerUnit {
		t.Errorf("additional prices default to PerUnit, got %s", generic.Basis)
	}
	if generic.Price.String() != "50" {
		t.Errorf("expected price 50, got %s", generic.Price)
	}
	if generic.ValidFrom.IsZero() || generic.ValidTo.Year() != 9999 {
		t.Errorf("unexpected validity %v..%v", generic.ValidFrom, generic.ValidTo)
	}

	specific := rows[1]
	if specific.Get(DimCustomerNumber) != "C-1" {
		t.Errorf("expected customer C-1, got %q", specific.Get(DimCustomerNumber))
	}
	if specific.Basis != domain.PriceFixed {
		t.Errorf("expected Fixed, got %s", specific.Basis)
	}

	if got := pt.RowsFor("555")[0].Price.String(); got != "12" {
		t.Errorf("expected price 12, got %s", got)
	}
}

func TestRepositoryRefresh(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(weightTable([]any{"N", "20", "[0..20]", "20A"}))
	repo := NewRepository(src)

	if _, err := repo.Snapshot(); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded before Load, got %v", err)
	}

	if err := repo.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	first := repo.Current()

	t.Run("UnchangedIsNoop", func(t *testing.T) {
		before := repo.Stats().Reparses
		swapped, err := repo.RefreshIfChanged(ctx)
		if err != nil {
			t.Fatalf("RefreshIfChanged failed: %v", err)
		}
		if swapped {
			t.Error("expected no swap for unchanged revision")
		}
		if repo.Stats().Reparses != before {
			t.Error("expected no reparse for unchanged revision")
		}
		if repo.Current() != first {
			t.Error("snapshot pointer changed without a new revision")
		}
	})

	t.Run("ChangedSwaps", func(t *testing.T) {
		src.Put(weightTable([]any{"N", "20", "[0..25]", "20X"}))
		swapped, err := repo.RefreshIfChanged(ctx)
		if err != nil {
			t.Fatalf("RefreshIfChanged failed: %v", err)
		}
		if !swapped {
			t.Fatal("expected swap after change")
		}
		snap := repo.Current()
		if snap.Generation != first.Generation+1 {
			t.Errorf("expected generation %d, got %d", first.Generation+1, snap.Generation)
		}
		dt, _ := snap.Decision(WeightClassification)
		if dt.Rules[0].Outputs[FieldWeightClass] != "20X" {
			t.Error("new snapshot does not carry new data")
		}

		old, _ := first.Decision(WeightClassification)
		if old.Rules[0].Outputs[FieldWeightClass] != "20A" {
			t.Error("old snapshot was mutated")
		}
	})

	t.Run("LoadErrorKeepsPrevious", func(t *testing.T) {
		live := repo.Current()
		src.Put(weightTable([]any{"N", "20", "]oops", "20Y"}))

		swapped, err := repo.RefreshIfChanged(ctx)
		var le *LoadError
		if !errors.As(err, &le) {
			t.Fatalf("expected LoadError, got %v", err)
		}
		if swapped {
			t.Error("failed reload must not swap")
		}
		if repo.Current() != live {
			t.Error("previous snapshot must stay live")
		}
		if repo.Stats().Failures == 0 {
			t.Error("expected failure counter to increase")
		}
	})

	t.Run("UnknownTablesIgnored", func(t *testing.T) {
		src.Put(weightTable([]any{"N", "20", "[0..25]", "20Z"}))
		src.Put(&domain.RawTable{Name: "Notes", Header: []string{"x"}})
		if _, err := repo.RefreshIfChanged(ctx); err != nil {
			t.Fatalf("RefreshIfChanged failed: %v", err)
		}
		if _, err := repo.Get("Notes"); !errors.Is(err, ErrTableNotFound) {
			t.Errorf("expected ErrTableNotFound for unknown table, got %v", err)
		}
	})
}

func TestRepositoryWholeSnapshotAtomicity(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(
		weightTable([]any{"N", "20", "[0..20]", "A"}),
		additionalPrices([]any{"789", nil, nil, "1", nil, nil, nil}),
	)
	repo := NewRepository(src)
	if err := repo.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// One good table and one bad table in the same revision: neither is visible.
	src.Put(weightTable([]any{"N", "20", "[0..20]", "B"}))
	src.Put(additionalPrices([]any{"789", nil, nil, "bad", nil, nil, nil}))

	if _, err := repo.RefreshIfChanged(ctx); err == nil {
		t.Fatal("expected reload failure")
	}
	dt, _ := repo.Current().Decision(WeightClassification)
	if dt.Rules[0].Outputs[FieldWeightClass] != "A" {
		t.Error("a partially valid reload leaked into the live snapshot")
	}
}

func TestRepositoryConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(
		weightTable([]any{"N", "20", "[0..20]", "v0"}),
		additionalPrices([]any{"v0", nil, nil, "1", nil, nil, nil}),
	)
	repo := NewRepository(src)
	if err := repo.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var stop atomic.Bool
	var torn, regressed atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastGen uint64
			for !stop.Load() {
				snap := repo.Current()
				if snap.Generation < lastGen {
					regressed.Add(1)
				}
				lastGen = snap.Generation

				dt, _ := snap.Decision(WeightClassification)
				pt, _ := snap.Price(AdditionalPrices)
				if dt.Rules[0].Outputs[FieldWeightClass] != pt.Rows[0].MatchKey {
					torn.Add(1)
				}
			}
		}()
	}

	for v := 1; v <= 50; v++ {
		tag := "v" + string(rune('0'+v%10)) + string(rune('a'+v/10))
		src.Put(weightTable([]any{"N", "20", "[0..20]", tag}))
		src.Put(additionalPrices([]any{tag, nil, nil, "1", nil, nil, nil}))

		var refreshers sync.WaitGroup
		for j := 0; j < 3; j++ {
			refreshers.Add(1)
			go func() {
				defer refreshers.Done()
				_, _ = repo.RefreshIfChanged(ctx)
			}()
		}
		refreshers.Wait()
	}

	stop.Store(true)
	wg.Wait()

	if torn.Load() != 0 {
		t.Errorf("readers observed %d torn snapshots", torn.Load())
	}
	if regressed.Load() != 0 {
		t.Errorf("readers observed %d generation regressions", regressed.Load())
	}
	if got := repo.Current().Generation; got != 51 {
		t.Errorf("expected exactly one install per revision (51), got %d", got)
	}
}

func TestRepositoryOnSwap(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(weightTable([]any{"N", "20", "[0..20]", "A"}))
	repo := NewRepository(src)

	var calls atomic.Int32
	repo.OnSwap(func(ctx context.Context, old, next *Snapshot) {
		calls.Add(1)
	})

	if err := repo.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	_, _ = repo.RefreshIfChanged(ctx)

	if calls.Load() != 1 {
		t.Errorf("expected 1 swap hook call, got %d", calls.Load())
	}
}

func TestDirSource(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	content := `hit_policy: U
header: [Preisraster, Länge, Gewicht, Gewichtsklasse]
rows:
  - [N, "20", "[0..20]", 20A]
  - [N, "20", "]20..∞)", 20B]
`
	path := filepath.Join(dir, WeightClassification+".yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write table: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("failed to write readme: %v", err)
	}

	src := NewDirSource(dir)
	infos, err := src.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != WeightClassification {
		t.Fatalf("unexpected tables: %+v", infos)
	}

	repo := NewRepository(src)
	if err := repo.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	dt, err := repo.Current().Decision(WeightClassification)
	if err != nil {
		t.Fatalf("Decision failed: %v", err)
	}
	if len(dt.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(dt.Rules))
	}

	t.Run("ModifiedFileReloads", func(t *testing.T) {
		updated := content + "  - [N, \"40\", \"[0..∞)\", 40A]\n"
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			t.Fatalf("failed to rewrite table: %v", err)
		}
		future := time.Now().Add(2 * time.Second)
		if err := os.Chtimes(path, future, future); err != nil {
			t.Fatalf("failed to touch table: %v", err)
		}

		swapped, err := repo.RefreshIfChanged(ctx)
		if err != nil {
			t.Fatalf("RefreshIfChanged failed: %v", err)
		}
		if !swapped {
			t.Fatal("expected reload after file change")
		}
		dt, _ := repo.Current().Decision(WeightClassification)
		if len(dt.Rules) != 3 {
			t.Errorf("expected 3 rules, got %d", len(dt.Rules))
		}
	})
}

func TestHeaderKey(t *testing.T) {
	tests := []struct {
		a, b string
	}{
		{"Länge", "La\u0308nge"},
		{"Container Länge", "container-laenge"},
		{"Gross Weight", "GROSS_WEIGHT"},
		{"Straße", "STRASSE"},
		{"USt-ID", "ust id"},
	}
	for _, tt := range tests {
		if headerKey(tt.a) != headerKey(tt.b) {
			t.Errorf("expected %q and %q to fold together, got %q and %q", tt.a, tt.b, headerKey(tt.a), headerKey(tt.b))
		}
	}

	raw := weightTable([]any{"N", "20", "[0..20]", "20A"})
	raw.Header[1] = "La\u0308nge"
	if _, err := Compile(raw, "r1"); err != nil {
		t.Errorf("decomposed umlaut header should bind: %v", err)
	}
}

func TestValidateDocument(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		raw := additionalPrices([]any{"789", nil, "Export", 50.0, "PerUnit", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil})
		if err := ValidateDocument(raw); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("EmptyHeader", func(t *testing.T) {
		raw := weightTable()
		raw.Header = []string{}
		var le *LoadError
		if err := ValidateDocument(raw); !errors.As(err, &le) {
			t.Fatalf("expected LoadError, got %v", err)
		}
	})

	t.Run("NestedCell", func(t *testing.T) {
		raw := weightTable([]any{"N", "20", []any{0, 20}, "20A"})
		if _, err := Compile(raw, "r1"); err == nil {
			t.Fatal("expected error for a non-scalar cell")
		}
	})
}

func taxTable(rate, notice string) *domain.RawTable {
	return &domain.RawTable{
		Name:   TaxCalculation,
		Header: []string{"Versandort", "Empfangsort", "USt anwenden", "Steuerfall", "Steuersatz", "Hinweis"},
		Rows:   [][]any{{"Inland", "Inland", "ja", "Inland steuerbar", rate, notice}},
	}
}

func TestCompileTypedOutputs(t *testing.T) {
	table, err := Compile(taxTable("19%", "nein"), "r1")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	rule := table.(*DecisionTable).Rules[0]
	if rate, ok := rule.Rate(FieldTaxRate); !ok || rate.String() != "0.19" {
		t.Errorf("expected rate 0.19, got %s (ok=%v)", rate, ok)
	}
	if !rule.Flag(FieldApplyVAT) || rule.Flag(FieldDisplayNotice) {
		t.Error("expected applyVat=true and displayNotice=false")
	}

	blank, err := Compile(taxTable("", "-"), "r1")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if _, ok := blank.(*DecisionTable).Rules[0].Rate(FieldTaxRate); ok {
		t.Error("blank rate cell should not carry a rate")
	}

	tests := map[string]*domain.RawTable{
		"BadRate": taxTable("neunzehn", "nein"),
		"BadFlag": taxTable("19%", "vielleicht"),
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			var le *LoadError
			if _, err := Compile(raw, "r1"); !errors.As(err, &le) || le.Row != 1 {
				t.Errorf("expected LoadError on row 1, got %v", err)
			}
		})
	}
}

func TestRepositoryBadRateKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(taxTable("19%", "nein"))
	repo := NewRepository(src)
	if err := repo.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	live := repo.Current()

	src.Put(taxTable("neunzehn", "nein"))
	swapped, err := repo.RefreshIfChanged(ctx)
	var le *LoadError
	if !errors.As(err, &le) || le.Table != TaxCalculation {
		t.Fatalf("expected LoadError for %s, got %v", TaxCalculation, err)
	}
	if swapped || repo.Current() != live {
		t.Error("previous snapshot must stay live after a bad rate")
	}
}

func TestParseRate(t *testing.T) {
	tests := map[string]string{
		"19%":  "0.19",
		"19":   "0.19",
		"1":    "0.01",
		"7 %":  "0.07",
		"0,19": "0.19",
		"0.07": "0.07",
		"1.0":  "1",
		"0":    "0",
	}
	for in, want := range tests {
		got, err := ParseRate(in)
		if err != nil {
			t.Errorf("ParseRate(%q) failed: %v", in, err)
			continue
		}
		if !got.Equal(decimal.RequireFromString(want)) {
			t.Errorf("ParseRate(%q) = %s, want %s", in, got, want)
		}
	}

	for _, bad := range []string{"abc", "-5", "19.5", "150%"} {
		if _, err := ParseRate(bad); err == nil {
			t.Errorf("ParseRate(%q) should fail", bad)
		}
	}
}

func TestRepositoryRequiredTableRetained(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(
		weightTable([]any{"N", "20", "[0..20]", "20A"}),
		&domain.RawTable{Name: TripType, Header: []string{"Trucking-Code", "Fahrttyp"}, Rows: [][]any{{"VL", "Vorlauf"}}},
	)
	repo := NewRepository(src)
	if err := repo.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	live := repo.Current()

	t.Run("RequiredRemoved", func(t *testing.T) {
		src.Remove(WeightClassification)
		swapped, err := repo.RefreshIfChanged(ctx)
		var le *LoadError
		if !errors.As(err, &le) || le.Table != WeightClassification {
			t.Fatalf("expected LoadError for %s, got %v", WeightClassification, err)
		}
		if swapped || repo.Current() != live {
			t.Error("previous snapshot must stay live")
		}
		if _, err := repo.Get(WeightClassification); err != nil {
			t.Errorf("weight table should still be served, got %v", err)
		}
		src.Put(weightTable([]any{"N", "20", "[0..20]", "20A"}))
	})

	t.Run("OptionalRemoved", func(t *testing.T) {
		src.Remove(TripType)
		swapped, err := repo.RefreshIfChanged(ctx)
		if err != nil || !swapped {
			t.Fatalf("expected swap without the optional table, got swapped=%v err=%v", swapped, err)
		}
		if _, err := repo.Get(TripType); !errors.Is(err, ErrTableNotFound) {
			t.Errorf("expected ErrTableNotFound, got %v", err)
		}
	})
}
