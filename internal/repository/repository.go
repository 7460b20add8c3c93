// Package repository stores rule and price tables in SQL databases.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/railrate/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.TableStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		now:    time.Now,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ListTables returns every stored table with its revision.
func (r *SQLRepository) ListTables(ctx context.Context) ([]domain.TableInfo, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, revision FROM rate_tables ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []domain.TableInfo
	for rows.Next() {
		var info domain.TableInfo
		if err := rows.Scan(&info.Name, &info.Revision); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// ReadTable returns the header and rows of one table in stored order. Both
// are read in one transaction, so a concurrent SaveTable is seen whole or
// not at all.
func (r *SQLRepository) ReadTable(ctx context.Context, name string) (*domain.RawTable, error) {
	tx, err := r.db.BeginTx(ctx, r.readTxOptions())
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		SELECT name, hit_policy, revision, header
		FROM rate_tables
		WHERE name = ?
	`

	var table domain.RawTable
	var header string

	err = tx.QueryRowContext(ctx, r.rebind(query), name).Scan(
		&table.Name, &table.HitPolicy, &table.Revision, &header,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: table %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(header), &table.Header); err != nil {
		return nil, fmt.Errorf("failed to parse header of %s: %w", name, err)
	}

	query = `
		SELECT cells
		FROM rate_table_rows
		WHERE table_name = ?
		ORDER BY position
	`
	rows, err := tx.QueryContext(ctx, r.rebind(query), name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	table.Rows = [][]any{}
	for rows.Next() {
		var cells string
		if err := rows.Scan(&cells); err != nil {
			return nil, err
		}
		var row []any
		if err := json.Unmarshal([]byte(cells), &row); err != nil {
			return nil, fmt.Errorf("failed to parse row of %s: %w", name, err)
		}
		table.Rows = append(table.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &table, tx.Commit()
}

// readTxOptions returns options for a consistent read. PostgreSQL needs
// REPEATABLE READ for statements of one transaction to share a snapshot;
// an SQLite transaction already reads one.
func (r *SQLRepository) readTxOptions() *sql.TxOptions {
	if r.driver == "postgres" {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return &sql.TxOptions{ReadOnly: true}
}

// SaveTable replaces a table and all of its rows in one transaction and
// returns the new revision.
func (r *SQLRepository) SaveTable(ctx context.Context, table *domain.RawTable) (string, error) {
	if table == nil || strings.TrimSpace(table.Name) == "" {
		return "", fmt.Errorf("%w: table name is required", ErrInvalidInput)
	}
	if len(table.Header) == 0 {
		return "", fmt.Errorf("%w: table %s has no header", ErrInvalidInput, table.Name)
	}

	header, err := json.Marshal(table.Header)
	if err != nil {
		return "", fmt.Errorf("failed to encode header: %w", err)
	}
	revision := uuid.New().String()
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO rate_tables (name, hit_policy, revision, header, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			hit_policy = excluded.hit_policy,
			revision = excluded.revision,
			header = excluded.header,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, r.rebind(upsert),
		table.Name, table.HitPolicy, revision, string(header), now,
	); err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM rate_table_rows WHERE table_name = ?`), table.Name); err != nil {
		return "", err
	}

	insert := r.rebind(`INSERT INTO rate_table_rows (table_name, position, cells) VALUES (?, ?, ?)`)
	for i, row := range table.Rows {
		cells, err := json.Marshal(encodeRow(row))
		if err != nil {
			return "", fmt.Errorf("failed to encode row %d of %s: %w", i+1, table.Name, err)
		}
		if _, err := tx.ExecContext(ctx, insert, table.Name, i, string(cells)); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	slog.Info("table saved",
		"table", table.Name,
		"rows", len(table.Rows),
		"revision", revision,
	)
	return revision, nil
}

// encodeRow renders dates as calendar days so they survive JSON.
func encodeRow(row []any) []any {
	out := make([]any, len(row))
	for i, cell := range row {
		switch c := cell.(type) {
		case time.Time:
			out[i] = c.Format("2006-01-02")
		case domain.Date:
			out[i] = c.Format("2006-01-02")
		default:
			out[i] = cell
		}
	}
	return out
}

// DeleteTable removes a table and its rows.
func (r *SQLRepository) DeleteTable(ctx context.Context, name string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM rate_table_rows WHERE table_name = ?`), name); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM rate_tables WHERE name = ?`), name)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: table %s", ErrNotFound, name)
	}

	return tx.Commit()
}

// Seed copies every table of src that the repository does not hold yet.
// It returns the names of the copied tables.
func (r *SQLRepository) Seed(ctx context.Context, src domain.TableSource) ([]string, error) {
	existing, err := r.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, info := range existing {
		have[info.Name] = true
	}

	infos, err := src.ListTables(ctx)
	if err != nil {
		return nil, err
	}

	var seeded []string
	for _, info := range infos {
		if have[info.Name] {
			continue
		}
		table, err := src.ReadTable(ctx, info.Name)
		if err != nil {
			return seeded, fmt.Errorf("failed to read %s: %w", info.Name, err)
		}
		if _, err := r.SaveTable(ctx, table); err != nil {
			return seeded, fmt.Errorf("failed to seed %s: %w", info.Name, err)
		}
		seeded = append(seeded, info.Name)
	}
	return seeded, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
