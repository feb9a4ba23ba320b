package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"imgvector/models"
)

// SimilarityCandidate is one ranked row returned by the store's vector scan.
type SimilarityCandidate struct {
	ID              uuid.UUID
	Filename        string
	ContentType     string
	UploadTimestamp time.Time
	Similarity      float64
}

// CompletedEmbedding is a raw (id, vector) row used by the duplicate finder.
type CompletedEmbedding struct {
	ID        uuid.UUID
	Embedding []float32
}

// StoreStats summarizes record counts by processing status.
type StoreStats struct {
	TotalImages     int64 `json:"total_images"`
	ProcessedImages int64 `json:"processed_images"`
	PendingImages   int64 `json:"pending_images"`
	FailedImages    int64 `json:"failed_images"`
}

// EmbeddingStore is the persistence contract the engine and worker depend on.
// Implementations must classify failures into the sentinel errors of this
// package (ErrNotFound, ErrTimeout, ErrStoreFault) so callers can tell a
// missing record from a retryable fault. The store, not the engine, executes
// the nearest-neighbor scan.
type EmbeddingStore interface {
	Create(ctx context.Context, img *models.Image) error
	Get(ctx context.Context, id uuid.UUID) (*models.Image, error)
	List(ctx context.Context, offset, limit int) ([]models.Image, error)

	// UpdateEmbedding transitions a record to completed, setting the embedding,
	// extracted metadata, and processed timestamp in a single atomic write. A
	// concurrent reader never observes a completed record without its embedding.
	UpdateEmbedding(ctx context.Context, id uuid.UUID, embedding []float32, metadata models.JSONMap) error

	// MarkFailed records a processing failure for the record.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error

	// Delete permanently removes the record and its embedding.
	Delete(ctx context.Context, id uuid.UUID) error

	// SearchByVector returns completed records ranked by cosine similarity to
	// the query, dropping rows below threshold, ordered similarity descending
	// with ID ascending as the tie-breaker, capped at limit. excludeID, when
	// non-nil, omits that record.
	SearchByVector(ctx context.Context, query []float32, excludeID *uuid.UUID, limit int, threshold float64) ([]SimilarityCandidate, error)

	// ListCompleted returns every completed record's id and embedding.
	ListCompleted(ctx context.Context) ([]CompletedEmbedding, error)

	Stats(ctx context.Context) (StoreStats, error)
}
