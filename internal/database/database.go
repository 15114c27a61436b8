package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trialsync/internal/models"
	"trialsync/internal/syncerr"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the sqlite-backed DurableStore that survives process restarts.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("durable store initialized")
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS kv_store (
            key TEXT PRIMARY KEY,
            data BLOB NOT NULL,
            timestamp DATETIME NOT NULL,
            ttl_ms INTEGER NOT NULL DEFAULT 0,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE INDEX IF NOT EXISTS idx_kv_store_updated_at ON kv_store(updated_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(syncerr.ErrStorage, err))
}

func (db *DB) Get(ctx context.Context, key string) (*models.StoredValue, error) {
	query := `SELECT key, data, timestamp, ttl_ms FROM kv_store WHERE key = ?`

	var (
		val   models.StoredValue
		ttlMs int64
	)
	err := db.QueryRowContext(ctx, query, key).Scan(&val.Key, &val.Data, &val.Timestamp, &ttlMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to get value", err)
	}
	val.TTL = time.Duration(ttlMs) * time.Millisecond
	return &val, nil
}

func (db *DB) Set(ctx context.Context, value *models.StoredValue) error {
	query := `INSERT INTO kv_store (key, data, timestamp, ttl_ms, updated_at)
              VALUES (?, ?, ?, ?, ?)
              ON CONFLICT(key) DO UPDATE SET
                data = excluded.data,
                timestamp = excluded.timestamp,
                ttl_ms = excluded.ttl_ms,
                updated_at = excluded.updated_at`

	data := value.Data
	if data == nil {
		data = []byte{}
	}
	_, err := db.ExecContext(ctx, query,
		value.Key,
		data,
		value.Timestamp.UTC(),
		value.TTL.Milliseconds(),
		time.Now().UTC(),
	)
	if err != nil {
		return storageErr("failed to set value", err)
	}
	return nil
}

func (db *DB) Delete(ctx context.Context, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return storageErr("failed to delete value", err)
	}
	return nil
}

func (db *DB) GetAll(ctx context.Context) ([]*models.StoredValue, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, data, timestamp, ttl_ms FROM kv_store ORDER BY key`)
	if err != nil {
		return nil, storageErr("failed to list values", err)
	}
	defer rows.Close()

	var values []*models.StoredValue
	for rows.Next() {
		var (
			val   models.StoredValue
			ttlMs int64
		)
		if err := rows.Scan(&val.Key, &val.Data, &val.Timestamp, &ttlMs); err != nil {
			return nil, storageErr("failed to scan value", err)
		}
		val.TTL = time.Duration(ttlMs) * time.Millisecond
		values = append(values, &val)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate values", err)
	}
	return values, nil
}

func (db *DB) Clear(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM kv_store`); err != nil {
		return storageErr("failed to clear store", err)
	}
	return nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
