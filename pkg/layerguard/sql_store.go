package layerguard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// SQLStore keeps the lock as the single row of table layer_lock. It supports
// both Postgres and SQLite; claims are an optimistic UPDATE guarded by the
// version column, or an INSERT that loses to any concurrent first writer.
type SQLStore struct {
	db *sql.DB
}

const layerLockSchema = `
CREATE TABLE IF NOT EXISTS layer_lock (
	id INTEGER PRIMARY KEY,
	layer TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	owner TEXT NOT NULL,
	version BIGINT NOT NULL
);
`

// OpenSQLite opens (creating if needed) a sqlite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return initSQLStore(ctx, db)
}

// OpenPostgres connects to the database named by dsn.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return initSQLStore(ctx, db)
}

func initSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := NewSQLStore(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. Call Init before first use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the lock table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, layerLockSchema); err != nil {
		return fmt.Errorf("migrate layer_lock: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context) (*Lock, error) {
	query := `SELECT layer, updated_at, owner, version FROM layer_lock WHERE id = 1`

	var lock Lock
	var updatedAt string
	err := s.db.QueryRowContext(ctx, query).Scan(&lock.Layer, &updatedAt, &lock.Owner, &lock.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select layer_lock: %w", err)
	}
	if lock.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, &CorruptLockError{Version: lock.Version, Err: err}
	}
	return &lock, nil
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, prev int64, next Lock) (bool, error) {
	updatedAt := next.UpdatedAt.UTC().Format(time.RFC3339Nano)

	update := `
		UPDATE layer_lock
		SET layer = $1, updated_at = $2, owner = $3, version = $4
		WHERE id = 1 AND version = $5
	`
	res, err := s.db.ExecContext(ctx, update, next.Layer, updatedAt, next.Owner, next.Version, prev)
	if err != nil {
		return false, fmt.Errorf("update layer_lock: %w", err)
	}
	if ok, err := affected(res); err != nil || ok || prev != 0 {
		return ok, err
	}

	insert := `
		INSERT INTO layer_lock (id, layer, updated_at, owner, version)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	res, err = s.db.ExecContext(ctx, insert, next.Layer, updatedAt, next.Owner, next.Version)
	if err != nil {
		return false, fmt.Errorf("insert layer_lock: %w", err)
	}
	return affected(res)
}

func (s *SQLStore) Close() error { return s.db.Close() }

func affected(res sql.Result) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows == 1, nil
}
