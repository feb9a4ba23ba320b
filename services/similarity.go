package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"imgvector/models"
)

// SimilarityResult is one ranked match for a query vector. Produced per query,
// never persisted.
type SimilarityResult struct {
	ID              uuid.UUID `json:"id"`
	Filename        string    `json:"filename"`
	ContentType     string    `json:"content_type"`
	SimilarityScore float64   `json:"similarity_score"`
	UploadTimestamp time.Time `json:"upload_timestamp"`
}

// DuplicatePair is a pair of distinct completed records whose similarity meets
// the duplicate threshold. FirstID sorts strictly before SecondID, so a pair is
// never reported twice and never pairs a record with itself.
type DuplicatePair struct {
	FirstID    uuid.UUID `json:"image_id_1"`
	SecondID   uuid.UUID `json:"image_id_2"`
	Similarity float64   `json:"similarity_score"`
}

// SimilarityEngine ranks stored embeddings against query vectors. All
// operations are read-only with respect to image records; the store is the only
// shared resource and concurrent queries are safe.
type SimilarityEngine struct {
	store     EmbeddingStore
	dimension int
	timeout   time.Duration
}

// NewSimilarityEngine creates an engine over the given store. timeout bounds
// each ranking or scan operation when the caller supplies no earlier deadline.
func NewSimilarityEngine(store EmbeddingStore, dimension int, timeout time.Duration) *SimilarityEngine {
	return &SimilarityEngine{store: store, dimension: dimension, timeout: timeout}
}

// RankSimilar returns completed records ranked by cosine similarity to the
// query vector, dropping candidates below threshold and capping at limit.
// excludeID omits a record from the results (used to keep a query image out of
// its own matches). A limit of zero yields an empty result, not an error.
func (e *SimilarityEngine) RankSimilar(
	ctx context.Context,
	query []float32,
	excludeID *uuid.UUID,
	limit int,
	threshold float64,
) ([]SimilarityResult, error) {
	if err := validateQuery(limit, threshold); err != nil {
		return nil, err
	}
	if limit == 0 {
		return []SimilarityResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	candidates, err := e.store.SearchByVector(ctx, query, excludeID, limit, threshold)
	if err != nil {
		return nil, classify(err)
	}

	results := make([]SimilarityResult, 0, len(candidates))
	for _, c := range candidates {
		score := clampScore(c.Similarity)
		// The store already filters on threshold; guard again so floating-point
		// drift at the boundary never leaks through.
		if score < threshold {
			continue
		}
		results = append(results, SimilarityResult{
			ID:              c.ID,
			Filename:        c.Filename,
			ContentType:     c.ContentType,
			SimilarityScore: score,
			UploadTimestamp: c.UploadTimestamp,
		})
	}
	return results, nil
}

// RankByImage loads a stored record and ranks the collection against its
// embedding, excluding the record itself. A missing or not-yet-completed record
// is reported as not found, distinct from store faults.
func (e *SimilarityEngine) RankByImage(
	ctx context.Context,
	id uuid.UUID,
	limit int,
	threshold float64,
) ([]SimilarityResult, error) {
	if err := validateQuery(limit, threshold); err != nil {
		return nil, err
	}

	img, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	if img.ProcessingStatus != models.StatusCompleted {
		return nil, fmt.Errorf("%w: image %s has status %q", ErrNotFound, id, img.ProcessingStatus)
	}

	query := img.Embedding.Slice()
	if len(query) != e.dimension {
		return nil, fmt.Errorf("%w: image %s has embedding of length %d, want %d",
			ErrInconsistent, id, len(query), e.dimension)
	}

	return e.RankSimilar(ctx, query, &id, limit, threshold)
}

// BatchRank executes RankSimilar once per query vector, preserving input order.
// The batch is fail-fast: the first failing query aborts the rest, and
// cancellation is checked before each entry so not-yet-started queries are
// never run after the caller gives up.
func (e *SimilarityEngine) BatchRank(
	ctx context.Context,
	queries [][]float32,
	limit int,
	threshold float64,
) ([][]SimilarityResult, error) {
	if err := validateQuery(limit, threshold); err != nil {
		return nil, err
	}
	for i, q := range queries {
		if len(q) != e.dimension {
			return nil, fmt.Errorf("%w: query %d has %d dimensions, want %d",
				ErrValidation, i, len(q), e.dimension)
		}
	}

	results := make([][]SimilarityResult, 0, len(queries))
	for i, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, classify(err)
		}
		ranked, err := e.RankSimilar(ctx, q, nil, limit, threshold)
		if err != nil {
			return nil, fmt.Errorf("batch query %d: %w", i, err)
		}
		results = append(results, ranked)
	}
	return results, nil
}

// FindDuplicates scans every unordered pair of distinct completed records and
// returns those whose similarity meets the threshold, ordered by similarity
// descending and capped at limit. The scan is quadratic in collection size and
// meant as an explicitly-invoked maintenance operation, not a per-request path.
func (e *SimilarityEngine) FindDuplicates(
	ctx context.Context,
	threshold float64,
	limit int,
) ([]DuplicatePair, error) {
	if err := validateQuery(limit, threshold); err != nil {
		return nil, err
	}
	if limit == 0 {
		return []DuplicatePair{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.store.ListCompleted(ctx)
	if err != nil {
		return nil, classify(err)
	}

	// Strict total order on IDs: every unordered pair is considered exactly
	// once, and never a record with itself.
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].ID.String() < rows[j].ID.String()
	})

	var pairs []DuplicatePair
	for i := 0; i < len(rows); i++ {
		if err := ctx.Err(); err != nil {
			return nil, classify(err)
		}
		for j := i + 1; j < len(rows); j++ {
			if len(rows[i].Embedding) != len(rows[j].Embedding) {
				return nil, fmt.Errorf("%w: images %s and %s have embeddings of length %d and %d",
					ErrInconsistent, rows[i].ID, rows[j].ID,
					len(rows[i].Embedding), len(rows[j].Embedding))
			}
			score := clampScore(CosineSimilarity(rows[i].Embedding, rows[j].Embedding))
			if score >= threshold {
				pairs = append(pairs, DuplicatePair{
					FirstID:    rows[i].ID,
					SecondID:   rows[j].ID,
					Similarity: score,
				})
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Similarity != pairs[j].Similarity {
			return pairs[i].Similarity > pairs[j].Similarity
		}
		if pairs[i].FirstID != pairs[j].FirstID {
			return pairs[i].FirstID.String() < pairs[j].FirstID.String()
		}
		return pairs[i].SecondID.String() < pairs[j].SecondID.String()
	})

	if len(pairs) > limit {
		pairs = pairs[:limit]
	}
	if pairs == nil {
		pairs = []DuplicatePair{}
	}
	return pairs, nil
}

// CosineSimilarity computes dot(a,b) / (|a|*|b|). Zero-norm inputs yield 0.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// clampScore clips floating-point drift so scores stay in [0,1].
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func validateQuery(limit int, threshold float64) error {
	if limit < 0 {
		return fmt.Errorf("%w: limit must not be negative, got %d", ErrValidation, limit)
	}
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: threshold must be in [0,1], got %v", ErrValidation, threshold)
	}
	return nil
}

// classify maps store and context errors onto the package's failure kinds. A
// genuine fault is never folded into an empty success: callers can always tell
// "no matches" from "search failed".
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrStoreFault),
		errors.Is(err, ErrInconsistent):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrStoreFault, err)
	}
}
