package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS provider_usage (
	provider_id   TEXT NOT NULL,
	day           TEXT NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 0,
	unit_count    INTEGER NOT NULL DEFAULT 0,
	updated_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (provider_id, day)
);`

// SQLiteStore is the durable UsageStore backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// usage schema exists. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(usageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create usage schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert implements UsageStore.
func (s *SQLiteStore) Upsert(ctx context.Context, providerID, day string, requests, units int64) error {
	const query = `
		INSERT INTO provider_usage (provider_id, day, request_count, unit_count, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (provider_id, day)
		DO UPDATE SET
			request_count = request_count + excluded.request_count,
			unit_count    = unit_count + excluded.unit_count,
			updated_at    = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, providerID, day, requests, units); err != nil {
		return fmt.Errorf("failed to upsert usage for %s/%s: %w", providerID, day, err)
	}
	return nil
}

// Get implements UsageStore.
func (s *SQLiteStore) Get(ctx context.Context, providerID, day string) (UsageRecord, error) {
	const query = `
		SELECT request_count, unit_count
		FROM provider_usage
		WHERE provider_id = ? AND day = ?`

	rec := UsageRecord{ProviderID: providerID, Day: day}
	err := s.db.QueryRowContext(ctx, query, providerID, day).Scan(&rec.RequestCount, &rec.UnitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("failed to query usage for %s/%s: %w", providerID, day, err)
	}
	return rec, nil
}

// Reset implements UsageStore.
func (s *SQLiteStore) Reset(ctx context.Context, providerID, day string) error {
	const query = `
		UPDATE provider_usage
		SET request_count = 0, unit_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE provider_id = ? AND day = ?`

	if _, err := s.db.ExecContext(ctx, query, providerID, day); err != nil {
		return fmt.Errorf("failed to reset usage for %s/%s: %w", providerID, day, err)
	}
	return nil
}
