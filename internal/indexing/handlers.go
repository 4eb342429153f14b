package indexing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/index-queue/internal/worker/domain"
	"github.com/jmoiron/sqlx"
	pgvector "github.com/pgvector/pgvector-go"
)

var (
	// ErrChunkNotFound is returned when the payload references a missing chunk
	ErrChunkNotFound = errors.New("content chunk not found")

	// ErrSnippetNotFound is returned when the payload references a missing snippet
	ErrSnippetNotFound = errors.New("content snippet not found")
)

// ChunkPayload is the payload of embed-chunk jobs
type ChunkPayload struct {
	PostID     int64 `json:"post_id"`
	ChunkIndex *int  `json:"chunk_index"`
}

// SnippetPayload is the payload of embed-snippet jobs
type SnippetPayload struct {
	SnippetID int64 `json:"snippet_id"`
}

// EmbedChunkHandler embeds one content chunk and stores the vector
type EmbedChunkHandler struct {
	db       *sqlx.DB
	embedder Embedder
	logger   *slog.Logger
	now      func() time.Time
}

// NewEmbedChunkHandler creates an EmbedChunkHandler
func NewEmbedChunkHandler(db *sqlx.DB, embedder Embedder, logger *slog.Logger) *EmbedChunkHandler {
	return &EmbedChunkHandler{db: db, embedder: embedder, logger: logger, now: time.Now}
}

// Handle processes an embed-chunk payload
func (h *EmbedChunkHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p ChunkPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if p.PostID <= 0 || p.ChunkIndex == nil || *p.ChunkIndex < 0 {
		return fmt.Errorf("%w: post_id and chunk_index are required", domain.ErrInvalidPayload)
	}

	var chunk struct {
		ID      int64  `db:"id"`
		Content string `db:"content"`
	}
	err := h.db.GetContext(ctx, &chunk,
		`SELECT id, content FROM content_chunks WHERE post_id = $1 AND chunk_index = $2`,
		p.PostID, *p.ChunkIndex,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("post %d chunk %d: %w", p.PostID, *p.ChunkIndex, ErrChunkNotFound)
		}
		return fmt.Errorf("failed to load chunk: %w", err)
	}

	vector, err := h.embedder.Embed(ctx, chunk.Content)
	if err != nil {
		return fmt.Errorf("failed to embed chunk: %w", err)
	}

	_, err = h.db.ExecContext(ctx, `
		UPDATE content_chunks
		SET embedding = $2, embedding_model = $3, embedded_at = $4
		WHERE id = $1
	`, chunk.ID, pgvector.NewVector(vector), h.embedder.Model(), h.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store chunk embedding: %w", err)
	}

	h.logger.Debug("Chunk embedded",
		slog.Int64("post_id", p.PostID),
		slog.Int("chunk_index", *p.ChunkIndex),
		slog.Int("dimensions", len(vector)),
	)
	return nil
}

// EmbedSnippetHandler embeds one content snippet and stores the vector
type EmbedSnippetHandler struct {
	db       *sqlx.DB
	embedder Embedder
	logger   *slog.Logger
	now      func() time.Time
}

// NewEmbedSnippetHandler creates an EmbedSnippetHandler
func NewEmbedSnippetHandler(db *sqlx.DB, embedder Embedder, logger *slog.Logger) *EmbedSnippetHandler {
	return &EmbedSnippetHandler{db: db, embedder: embedder, logger: logger, now: time.Now}
}

// Handle processes an embed-snippet payload
func (h *EmbedSnippetHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p SnippetPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if p.SnippetID <= 0 {
		return fmt.Errorf("%w: snippet_id is required", domain.ErrInvalidPayload)
	}

	var content string
	err := h.db.GetContext(ctx, &content, `SELECT content FROM content_snippets WHERE id = $1`, p.SnippetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("snippet %d: %w", p.SnippetID, ErrSnippetNotFound)
		}
		return fmt.Errorf("failed to load snippet: %w", err)
	}

	vector, err := h.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("failed to embed snippet: %w", err)
	}

	_, err = h.db.ExecContext(ctx, `
		UPDATE content_snippets
		SET embedding = $2, embedding_model = $3, embedded_at = $4
		WHERE id = $1
	`, p.SnippetID, pgvector.NewVector(vector), h.embedder.Model(), h.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store snippet embedding: %w", err)
	}

	h.logger.Debug("Snippet embedded",
		slog.Int64("snippet_id", p.SnippetID),
		slog.Int("dimensions", len(vector)),
	)
	return nil
}
