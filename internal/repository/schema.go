package repository

// Schema definitions for railrate table storage.
// Compatible with both SQLite and PostgreSQL.

const schemaRateTables = `
CREATE TABLE IF NOT EXISTS rate_tables (
    name TEXT PRIMARY KEY,
    hit_policy TEXT NOT NULL DEFAULT '',
    revision TEXT NOT NULL,
    header TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// schemaRateTableRows holds one JSON-encoded row per record. position keeps
// the declared order, which decides FIRST hits and price ties.
const schemaRateTableRows = `
CREATE TABLE IF NOT EXISTS rate_table_rows (
    table_name TEXT NOT NULL,
    position INTEGER NOT NULL,
    cells TEXT NOT NULL,
    PRIMARY KEY (table_name, position)
);

CREATE INDEX IF NOT EXISTS idx_rate_table_rows_table ON rate_table_rows(table_name);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRateTables,
		schemaRateTableRows,
	}
}
