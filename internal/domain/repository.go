// Package domain defines the core interfaces and types for railrate.
package domain

import (
	"context"
	"time"
)

// TableSource supplies already-parsed tabular rows. Implementations decide
// how tables are stored; the engine never sees a file format.
type TableSource interface {
	// ListTables returns every table with its current revision marker.
	ListTables(ctx context.Context) ([]TableInfo, error)

	// ReadTable returns the raw rows of one table.
	ReadTable(ctx context.Context, name string) (*RawTable, error)
}

// TableStore is a TableSource that can also be written to.
// Implemented by the SQL repository.
type TableStore interface {
	TableSource

	// SaveTable replaces a table and bumps its revision.
	SaveTable(ctx context.Context, table *RawTable) (string, error)

	// DeleteTable removes a table.
	DeleteTable(ctx context.Context, name string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// TableInfo identifies a table and the revision currently stored.
type TableInfo struct {
	Name     string `json:"name" yaml:"name"`
	Revision string `json:"revision" yaml:"revision"`
}

// RawTable is a table as delivered by a TableSource: a header row and data
// rows of typed cells (string, float64, int, bool, time.Time or nil).
type RawTable struct {
	Name      string   `json:"name" yaml:"name"`
	HitPolicy string   `json:"hitPolicy,omitempty" yaml:"hit_policy"`
	Revision  string   `json:"revision,omitempty" yaml:"-"`
	Header    []string `json:"header" yaml:"header"`
	Rows      [][]any  `json:"rows" yaml:"rows"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
