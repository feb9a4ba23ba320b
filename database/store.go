package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"imgvector/models"
	"imgvector/services"
)

// Store is the Postgres/pgvector implementation of services.EmbeddingStore.
// The nearest-neighbor scan runs in the database via the <=> cosine distance
// operator, backed by the HNSW index created at migration time.
type Store struct {
	db *gorm.DB
}

// NewStore creates a store over an open gorm connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ services.EmbeddingStore = (*Store)(nil)

func (s *Store) Create(ctx context.Context, img *models.Image) error {
	if err := s.db.WithContext(ctx).Create(img).Error; err != nil {
		return classifyDBError(err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	var img models.Image
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&img).Error; err != nil {
		return nil, classifyDBError(err)
	}
	return &img, nil
}

func (s *Store) List(ctx context.Context, offset, limit int) ([]models.Image, error) {
	var images []models.Image
	err := s.db.WithContext(ctx).
		Order("upload_timestamp DESC").
		Offset(offset).
		Limit(limit).
		Find(&images).Error
	if err != nil {
		return nil, classifyDBError(err)
	}
	return images, nil
}

// UpdateEmbedding completes a record in a single UPDATE so the embedding,
// metadata, status, and processed timestamp become visible together.
func (s *Store) UpdateEmbedding(ctx context.Context, id uuid.UUID, embedding []float32, metadata models.JSONMap) error {
	res := s.db.WithContext(ctx).Model(&models.Image{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"embedding":           pgvector.NewVector(embedding),
			"metadata":            metadata,
			"processing_status":   models.StatusCompleted,
			"processed_timestamp": time.Now().UTC(),
		})
	if res.Error != nil {
		return classifyDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: image %s", services.ErrNotFound, id)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.Image{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processing_status": models.StatusFailed,
			"metadata":          models.JSONMap{"processing_error": reason},
		})
	if res.Error != nil {
		return classifyDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: image %s", services.ErrNotFound, id)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Image{})
	if res.Error != nil {
		return classifyDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: image %s", services.ErrNotFound, id)
	}
	return nil
}

type searchRow struct {
	ID              uuid.UUID
	Filename        string
	ContentType     string
	UploadTimestamp time.Time
	Similarity      float64
}

func (s *Store) SearchByVector(
	ctx context.Context,
	query []float32,
	excludeID *uuid.UUID,
	limit int,
	threshold float64,
) ([]services.SimilarityCandidate, error) {
	vec := pgvector.NewVector(query)

	sql := `SELECT id, filename, content_type, upload_timestamp,
		1 - (embedding <=> ?) AS similarity
		FROM images
		WHERE processing_status = ?
		AND 1 - (embedding <=> ?) >= ?`
	args := []any{vec, models.StatusCompleted, vec, threshold}

	if excludeID != nil {
		sql += " AND id <> ?"
		args = append(args, *excludeID)
	}

	// Ties broken by id so repeated queries against an unchanged table return
	// identical ordering.
	sql += " ORDER BY similarity DESC, id ASC LIMIT ?"
	args = append(args, limit)

	var rows []searchRow
	if err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, classifyDBError(err)
	}

	candidates := make([]services.SimilarityCandidate, 0, len(rows))
	for _, r := range rows {
		candidates = append(candidates, services.SimilarityCandidate{
			ID:              r.ID,
			Filename:        r.Filename,
			ContentType:     r.ContentType,
			UploadTimestamp: r.UploadTimestamp,
			Similarity:      r.Similarity,
		})
	}
	return candidates, nil
}

type completedRow struct {
	ID        uuid.UUID
	Embedding pgvector.Vector
}

func (s *Store) ListCompleted(ctx context.Context) ([]services.CompletedEmbedding, error) {
	var rows []completedRow
	err := s.db.WithContext(ctx).
		Raw("SELECT id, embedding FROM images WHERE processing_status = ? ORDER BY id ASC",
			models.StatusCompleted).
		Scan(&rows).Error
	if err != nil {
		return nil, classifyDBError(err)
	}

	out := make([]services.CompletedEmbedding, 0, len(rows))
	for _, r := range rows {
		out = append(out, services.CompletedEmbedding{ID: r.ID, Embedding: r.Embedding.Slice()})
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (services.StoreStats, error) {
	var stats services.StoreStats

	counts := []struct {
		dest   *int64
		status models.ProcessingStatus
	}{
		{&stats.ProcessedImages, models.StatusCompleted},
		{&stats.PendingImages, models.StatusPending},
		{&stats.FailedImages, models.StatusFailed},
	}

	if err := s.db.WithContext(ctx).Model(&models.Image{}).Count(&stats.TotalImages).Error; err != nil {
		return services.StoreStats{}, classifyDBError(err)
	}
	for _, c := range counts {
		err := s.db.WithContext(ctx).Model(&models.Image{}).
			Where("processing_status = ?", c.status).
			Count(c.dest).Error
		if err != nil {
			return services.StoreStats{}, classifyDBError(err)
		}
	}
	return stats, nil
}

// classifyDBError maps gorm and context failures onto the service error kinds.
func classifyDBError(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %v", services.ErrNotFound, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", services.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", services.ErrStoreFault, err)
	}
}
