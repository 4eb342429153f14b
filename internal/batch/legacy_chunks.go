package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuongbtq/index-queue/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// CurrentChunkSchema is the schema_version legacy chunks are migrated to
const CurrentChunkSchema = 2

// LegacyChunkBatch is the batch name of LegacyChunkMigrator
const LegacyChunkBatch = "legacy-chunks"

// Enqueuer inserts jobs into the queue
type Enqueuer interface {
	Enqueue(ctx context.Context, params domain.EnqueueParams) (int64, error)
}

type chunkRow struct {
	ID            int64  `db:"id"`
	PostID        int64  `db:"post_id"`
	ChunkIndex    int    `db:"chunk_index"`
	SchemaVersion int    `db:"schema_version"`
	Excerpt       string `db:"excerpt"`
}

// LegacyChunkMigrator moves content chunks written under an older schema onto
// the current one and schedules their re-embedding.
type LegacyChunkMigrator struct {
	db       *sqlx.DB
	enqueuer Enqueuer
}

// NewLegacyChunkMigrator creates a LegacyChunkMigrator
func NewLegacyChunkMigrator(db *sqlx.DB, enqueuer Enqueuer) *LegacyChunkMigrator {
	return &LegacyChunkMigrator{db: db, enqueuer: enqueuer}
}

// Scan pages every chunk by id. Migrated rows stay in the scan so offsets are stable.
func (m *LegacyChunkMigrator) Scan(ctx context.Context, offset, limit int) ([]Record, error) {
	query := `
		SELECT id, post_id, chunk_index, schema_version, LEFT(content, 80) AS excerpt
		FROM content_chunks
		ORDER BY id
		LIMIT $1 OFFSET $2
	`

	var rows []chunkRow
	if err := m.db.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to scan content chunks: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, Record{
			ID:             r.ID,
			NeedsMigration: r.SchemaVersion < CurrentChunkSchema,
			Preview: map[string]any{
				"post_id":        r.PostID,
				"chunk_index":    r.ChunkIndex,
				"schema_version": r.SchemaVersion,
				"excerpt":        r.Excerpt,
			},
		})
	}
	return records, nil
}

// Migrate bumps the chunk's schema_version and enqueues an embed-chunk job for it.
// A pending embed job for the same chunk counts as success.
func (m *LegacyChunkMigrator) Migrate(ctx context.Context, rec Record) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row chunkRow
	err = tx.GetContext(ctx, &row, `
		UPDATE content_chunks
		SET schema_version = $2
		WHERE id = $1 AND schema_version < $2
		RETURNING id, post_id, chunk_index, schema_version, '' AS excerpt
	`, rec.ID, CurrentChunkSchema)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Migrated by someone else since the scan
			return tx.Commit()
		}
		return fmt.Errorf("failed to update chunk schema: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"post_id":     row.PostID,
		"chunk_index": row.ChunkIndex,
	})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = m.enqueuer.Enqueue(ctx, domain.EnqueueParams{
		JobType:   domain.JobTypeEmbedChunk,
		Payload:   payload,
		DedupeKey: fmt.Sprintf("embed-chunk:%d:%d", row.PostID, row.ChunkIndex),
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicateJob) {
		return fmt.Errorf("failed to enqueue embed job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk migration: %w", err)
	}
	return nil
}
