package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/mashin-run/mashin/pkg/engine"
	"github.com/mashin-run/mashin/pkg/urn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the SQLite-backed state and audit-trail persistence
// layer. It implements engine.Store directly against the state table;
// the run/event/audit tables are additive bookkeeping the pipeline and
// CLI use for reporting and never substitute for the encrypted blob.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var _ engine.Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance. Call Init and
// Migrate before using it.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new serializable transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// CommitTx commits a transaction started with BeginTx.
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction started with BeginTx.
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// Get implements engine.Store: it returns the serialized (encrypted,
// base64-framed) state blob stored under u, if any.
func (s *SQLiteStore) Get(ctx context.Context, u urn.URN) (string, bool, error) {
	var serialized string
	err := s.db.QueryRowContext(ctx, `SELECT serialized FROM state WHERE urn = ?`, u.String()).Scan(&serialized)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading state for %s: %w", u.String(), err)
	}
	return serialized, true, nil
}

// Put implements engine.Store: it upserts the serialized blob for u.
func (s *SQLiteStore) Put(ctx context.Context, u urn.URN, serialized string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (urn, serialized, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(urn) DO UPDATE SET serialized = excluded.serialized, updated_at = excluded.updated_at
	`, u.String(), serialized)
	if err != nil {
		return fmt.Errorf("writing state for %s: %w", u.String(), err)
	}
	return nil
}

// Delete implements engine.Store: it removes any entry stored under u.
// Deleting an absent URN is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, u urn.URN) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE urn = ?`, u.String())
	if err != nil {
		return fmt.Errorf("deleting state for %s: %w", u.String(), err)
	}
	return nil
}

// Enumerate implements engine.Store: it lists every URN currently
// present in the state table, in no particular order (callers that need
// byte-order determinism, such as the orphan sweep, sort it themselves).
func (s *SQLiteStore) Enumerate(ctx context.Context) ([]urn.URN, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT urn FROM state`)
	if err != nil {
		return nil, fmt.Errorf("enumerating state: %w", err)
	}
	defer rows.Close()

	var out []urn.URN
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning state urn: %w", err)
		}
		u, err := urn.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("stored urn %q is malformed: %w", raw, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state urns: %w", err)
	}
	return out, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
