package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite handle shared by the session store, the taxonomy
// source and the ledger gateway. The budget (orcamento) and ledger
// (transacoes) tables follow the household schema; sessions is owned by
// this service.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite database and runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection; pin the pool to one so
	// migrations and queries see the same database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	wrapped := &DB{DB: db}
	if err := wrapped.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return wrapped, nil
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS orcamento (
			ano INTEGER NOT NULL,
			categoria TEXT NOT NULL,
			valor NUMERIC NOT NULL DEFAULT 0,
			UNIQUE (ano, categoria)
		)`,
		`CREATE TABLE IF NOT EXISTS transacoes (
			entry_id TEXT PRIMARY KEY,
			data DATE NOT NULL,
			descricao TEXT NOT NULL,
			conta TEXT NOT NULL CHECK (conta <> ''),
			categoria TEXT NOT NULL,
			centro_custo TEXT NOT NULL DEFAULT '',
			valor NUMERIC NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transacoes_data ON transacoes(data)`,
		`CREATE INDEX IF NOT EXISTS idx_transacoes_conta ON transacoes(conta)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_activity_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at)`,
	}

	for _, m := range migrations {
		if _, err := d.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.DB.Close()
}
