package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/tables"
)

func newSQLite(t *testing.T) *SQLRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "railrate-test.db")

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func tripTypeTable() *domain.RawTable {
	return &domain.RawTable{
		Name:      tables.TripType,
		HitPolicy: "FIRST",
		Header:    []string{"Trucking-Code", "Fahrttyp", "NGB-Code"},
		Rows: [][]any{
			{"VL", "Vorlauf", "601"},
			{"NL", "Nachlauf", "602"},
			{"LF", "Leerfahrt", nil},
		},
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndReadTable", func(t *testing.T) {
		revision, err := repo.SaveTable(ctx, tripTypeTable())
		if err != nil {
			t.Fatalf("SaveTable failed: %v", err)
		}
		if revision == "" {
			t.Fatal("expected a revision")
		}

		got, err := repo.ReadTable(ctx, tables.TripType)
		if err != nil {
			t.Fatalf("ReadTable failed: %v", err)
		}
		if got.Revision != revision {
			t.Errorf("expected revision %s, got %s", revision, got.Revision)
		}
		if got.HitPolicy != "FIRST" {
			t.Errorf("expected hit policy FIRST, got %s", got.HitPolicy)
		}
		if len(got.Header) != 3 || got.Header[1] != "Fahrttyp" {
			t.Errorf("unexpected header %v", got.Header)
		}
		if len(got.Rows) != 3 {
			t.Fatalf("expected 3 rows, got %d", len(got.Rows))
		}
		if got.Rows[1][0] != "NL" {
			t.Errorf("rows should keep declared order, got %v", got.Rows[1])
		}
		if got.Rows[2][2] != nil {
			t.Errorf("expected nil cell, got %v", got.Rows[2][2])
		}
	})

	t.Run("SaveReplacesRowsAndBumpsRevision", func(t *testing.T) {
		first, _ := repo.ReadTable(ctx, tables.TripType)

		table := tripTypeTable()
		table.Rows = table.Rows[:1]
		revision, err := repo.SaveTable(ctx, table)
		if err != nil {
			t.Fatalf("SaveTable failed: %v", err)
		}
		if revision == first.Revision {
			t.Error("save should bump the revision")
		}

		got, _ := repo.ReadTable(ctx, tables.TripType)
		if len(got.Rows) != 1 {
			t.Errorf("expected 1 row after replace, got %d", len(got.Rows))
		}
	})

	t.Run("DatesAndNumbers", func(t *testing.T) {
		table := &domain.RawTable{
			Name:   tables.AdditionalPrices,
			Header: []string{"NGB-Code", "Preis", "gültig von"},
			Rows: [][]any{
				{"111", 35.5, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
			},
		}
		if _, err := repo.SaveTable(ctx, table); err != nil {
			t.Fatalf("SaveTable failed: %v", err)
		}
		got, _ := repo.ReadTable(ctx, tables.AdditionalPrices)
		if got.Rows[0][1] != 35.5 {
			t.Errorf("expected 35.5, got %v", got.Rows[0][1])
		}
		if got.Rows[0][2] != "2024-01-01" {
			t.Errorf("expected date as calendar day, got %v", got.Rows[0][2])
		}
	})

	t.Run("ListTables", func(t *testing.T) {
		infos, err := repo.ListTables(ctx)
		if err != nil {
			t.Fatalf("ListTables failed: %v", err)
		}
		if len(infos) != 2 {
			t.Fatalf("expected 2 tables, got %d", len(infos))
		}
		if infos[0].Name != tables.AdditionalPrices || infos[1].Name != tables.TripType {
			t.Errorf("expected tables in name order, got %v", infos)
		}
	})

	t.Run("DeleteTable", func(t *testing.T) {
		if err := repo.DeleteTable(ctx, tables.AdditionalPrices); err != nil {
			t.Fatalf("DeleteTable failed: %v", err)
		}
		if _, err := repo.ReadTable(ctx, tables.AdditionalPrices); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := repo.DeleteTable(ctx, tables.AdditionalPrices); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if _, err := repo.SaveTable(ctx, &domain.RawTable{Header: []string{"a"}}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing name, got %v", err)
		}
		if _, err := repo.SaveTable(ctx, &domain.RawTable{Name: "x"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing header, got %v", err)
		}
	})
}

func TestReadTableConsistentWithConcurrentSave(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()

	wide := tripTypeTable()
	narrow := &domain.RawTable{
		Name:   tables.TripType,
		Header: []string{"Trucking-Code", "Fahrttyp"},
		Rows:   [][]any{{"VL", "Vorlauf"}},
	}
	if _, err := repo.SaveTable(ctx, wide); err != nil {
		t.Fatalf("SaveTable failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			table := wide
			if i%2 == 0 {
				table = narrow
			}
			if _, err := repo.SaveTable(ctx, table); err != nil {
				t.Errorf("SaveTable failed: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		got, err := repo.ReadTable(ctx, tables.TripType)
		if err != nil {
			t.Fatalf("ReadTable failed: %v", err)
		}
		wantRows := len(wide.Rows)
		if len(got.Header) == len(narrow.Header) {
			wantRows = len(narrow.Rows)
		}
		if len(got.Rows) != wantRows {
			t.Fatalf("header of %d columns read with %d rows", len(got.Header), len(got.Rows))
		}
		for _, row := range got.Rows {
			if len(row) != len(got.Header) {
				t.Fatalf("row %v does not fit header %v", row, got.Header)
			}
		}
	}
	wg.Wait()
}

func TestSeedAndServeSnapshot(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()

	seeded, err := repo.Seed(ctx, tables.NewDirSource("../../tables"))
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if len(seeded) != 6 {
		t.Fatalf("expected 6 seeded tables, got %v", seeded)
	}

	again, err := repo.Seed(ctx, tables.NewDirSource("../../tables"))
	if err != nil {
		t.Fatalf("second Seed failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("seed should skip stored tables, copied %v", again)
	}

	store := tables.NewRepository(repo)
	if err := store.Load(ctx); err != nil {
		t.Fatalf("failed to load snapshot from SQL: %v", err)
	}
	snap, _ := store.Snapshot()
	if len(snap.Names()) != 6 {
		t.Errorf("expected 6 tables in snapshot, got %v", snap.Names())
	}
	prices, err := snap.Price(tables.MainPrices)
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	if len(prices.RowsFor("20B")) != 3 {
		t.Errorf("expected 3 rows for 20B, got %d", len(prices.RowsFor("20B")))
	}

	changed, err := store.RefreshIfChanged(ctx)
	if err != nil || changed {
		t.Fatalf("expected no change, got changed=%v err=%v", changed, err)
	}

	if _, err := repo.SaveTable(ctx, tripTypeTable()); err != nil {
		t.Fatalf("SaveTable failed: %v", err)
	}
	changed, err = store.RefreshIfChanged(ctx)
	if err != nil {
		t.Fatalf("RefreshIfChanged failed: %v", err)
	}
	if !changed {
		t.Error("saving a table should produce a new snapshot")
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestInMemorySQLite(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	defer repo.Close()

	if _, err := repo.SaveTable(context.Background(), tripTypeTable()); err != nil {
		t.Fatalf("SaveTable failed: %v", err)
	}
	infos, _ := repo.ListTables(context.Background())
	if len(infos) != 1 {
		t.Errorf("expected 1 table, got %d", len(infos))
	}
	if _, err := os.Stat(":memory:"); err == nil {
		t.Error("in-memory database should not create a file")
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "rate", PostgresPassword: "secret"})
	want := "host=localhost port=5432 dbname=railrate sslmode=disable application_name=railrate connect_timeout=10 user=rate password=secret"
	if dsn != want {
		t.Errorf("expected %q, got %q", want, dsn)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"); got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Errorf("unexpected rebind: %s", got)
	}
	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("x = ?"); got != "x = ?" {
		t.Errorf("sqlite should keep ? placeholders, got %s", got)
	}
}
