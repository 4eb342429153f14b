// Package options persists small named JSON records such as batch progress
// and cooldown timestamps.
//
// Every record carries a version that increases on each write. Records that
// several processes read-modify-write (batch progress) go through GetVersion
// and CompareAndSet; records whose races are harmless (cooldown timestamps)
// may use plain Set.
package options

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Store reads and writes named JSON values
type Store interface {
	// Get decodes the value stored under name into dest. It reports false when
	// no record exists.
	Get(ctx context.Context, name string, dest any) (bool, error)
	// Set overwrites the value stored under name
	Set(ctx context.Context, name string, value any) error
	// GetVersion is Get returning the record version instead of a flag.
	// Version 0 means no record exists.
	GetVersion(ctx context.Context, name string, dest any) (int64, error)
	// CompareAndSet writes value only if the record version still equals
	// version; version 0 requires that no record exists. It reports whether
	// the write happened.
	CompareAndSet(ctx context.Context, name string, value any, version int64) (bool, error)
}

// PostgresStore keeps records in the queue_options table
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, name string, dest any) (bool, error) {
	version, err := s.GetVersion(ctx, name, dest)
	return version > 0, err
}

func (s *PostgresStore) GetVersion(ctx context.Context, name string, dest any) (int64, error) {
	var row struct {
		Value   []byte `db:"value"`
		Version int64  `db:"version"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT value, version FROM queue_options WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get option %s: %w", name, err)
	}

	if err := json.Unmarshal(row.Value, dest); err != nil {
		return 0, fmt.Errorf("failed to decode option %s: %w", name, err)
	}
	return row.Version, nil
}

func (s *PostgresStore) Set(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode option %s: %w", name, err)
	}

	query := `
		INSERT INTO queue_options (name, value, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (name) DO UPDATE
		SET value = EXCLUDED.value,
		    version = queue_options.version + 1,
		    updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, name, raw); err != nil {
		return fmt.Errorf("failed to set option %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) CompareAndSet(ctx context.Context, name string, value any, version int64) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to encode option %s: %w", name, err)
	}

	var result sql.Result
	if version == 0 {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO queue_options (name, value, version, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (name) DO NOTHING
		`, name, raw)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE queue_options
			SET value = $2, version = version + 1, updated_at = NOW()
			WHERE name = $1 AND version = $3
		`, name, raw, version)
	}
	if err != nil {
		return false, fmt.Errorf("failed to write option %s: %w", name, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

type memoryRecord struct {
	raw     []byte
	version int64
}

// MemoryStore is an in-process Store. Values round-trip through JSON so callers
// see the same decoding behavior as with PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, name string, dest any) (bool, error) {
	version, err := s.GetVersion(ctx, name, dest)
	return version > 0, err
}

func (s *MemoryStore) GetVersion(_ context.Context, name string, dest any) (int64, error) {
	s.mu.RLock()
	rec, ok := s.records[name]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	if err := json.Unmarshal(rec.raw, dest); err != nil {
		return 0, fmt.Errorf("failed to decode option %s: %w", name, err)
	}
	return rec.version, nil
}

func (s *MemoryStore) Set(_ context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode option %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = memoryRecord{raw: raw, version: s.records[name].version + 1}
	return nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, name string, value any, version int64) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to encode option %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[name].version != version {
		return false, nil
	}
	s.records[name] = memoryRecord{raw: raw, version: version + 1}
	return true, nil
}
