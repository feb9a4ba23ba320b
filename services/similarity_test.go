package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"imgvector/models"
)

// --- Mock store ---

type mockStore struct {
	images      map[uuid.UUID]*models.Image
	batches     [][]SimilarityCandidate // canned SearchByVector results, one per call
	searchErr   error
	failOnCall  int // 1-based call number that returns searchErr; 0 = every call
	searchCalls int
	lastExclude *uuid.UUID
	lastLimit   int
	completed   []CompletedEmbedding
	listErr     error
}

func (m *mockStore) Create(context.Context, *models.Image) error { return nil }

func (m *mockStore) Get(_ context.Context, id uuid.UUID) (*models.Image, error) {
	if img, ok := m.images[id]; ok {
		return img, nil
	}
	return nil, fmt.Errorf("%w: image %s", ErrNotFound, id)
}

func (m *mockStore) List(context.Context, int, int) ([]models.Image, error) { return nil, nil }

func (m *mockStore) UpdateEmbedding(context.Context, uuid.UUID, []float32, models.JSONMap) error {
	return nil
}

func (m *mockStore) MarkFailed(context.Context, uuid.UUID, string) error { return nil }

func (m *mockStore) Delete(context.Context, uuid.UUID) error { return nil }

func (m *mockStore) SearchByVector(
	_ context.Context, _ []float32, excludeID *uuid.UUID, limit int, _ float64,
) ([]SimilarityCandidate, error) {
	m.searchCalls++
	m.lastExclude = excludeID
	m.lastLimit = limit
	if m.searchErr != nil && (m.failOnCall == 0 || m.failOnCall == m.searchCalls) {
		return nil, m.searchErr
	}
	if len(m.batches) >= m.searchCalls {
		return m.batches[m.searchCalls-1], nil
	}
	return nil, nil
}

func (m *mockStore) ListCompleted(context.Context) ([]CompletedEmbedding, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.completed, nil
}

func (m *mockStore) Stats(context.Context) (StoreStats, error) { return StoreStats{}, nil }

// --- Helpers ---

func newEngine(store EmbeddingStore, dim int) *SimilarityEngine {
	return NewSimilarityEngine(store, dim, 5*time.Second)
}

func mustUUID(s string) uuid.UUID { return uuid.MustParse(s) }

var (
	idA = mustUUID("00000000-0000-0000-0000-00000000000a")
	idB = mustUUID("00000000-0000-0000-0000-00000000000b")
	idC = mustUUID("00000000-0000-0000-0000-00000000000c")
)

func candidate(id uuid.UUID, sim float64) SimilarityCandidate {
	return SimilarityCandidate{ID: id, Filename: id.String() + ".jpg", Similarity: sim}
}

// --- RankSimilar ---

func TestRankSimilarValidation(t *testing.T) {
	engine := newEngine(&mockStore{}, 2)

	cases := []struct {
		name      string
		limit     int
		threshold float64
	}{
		{"negative limit", -1, 0.5},
		{"threshold below range", 5, -0.1},
		{"threshold above range", 5, 1.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.RankSimilar(context.Background(), []float32{1, 0}, nil, tc.limit, tc.threshold)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestRankSimilarLimitZero(t *testing.T) {
	store := &mockStore{batches: [][]SimilarityCandidate{{candidate(idA, 0.9)}}}
	engine := newEngine(store, 2)

	results, err := engine.RankSimilar(context.Background(), []float32{1, 0}, nil, 0, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results, want 0", len(results))
	}
	if store.searchCalls != 0 {
		t.Fatalf("store was queried %d times for limit 0", store.searchCalls)
	}
}

func TestRankSimilarClampsAndFilters(t *testing.T) {
	// The store already filters on threshold, but drifted scores must still be
	// clipped into [0,1] and boundary leaks dropped.
	store := &mockStore{batches: [][]SimilarityCandidate{{
		candidate(idA, 1.0000002),
		candidate(idB, 0.9),
		candidate(idC, 0.699),
	}}}
	engine := newEngine(store, 2)

	results, err := engine.RankSimilar(context.Background(), []float32{1, 0}, nil, 10, 0.7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].SimilarityScore != 1.0 {
		t.Errorf("first score = %v, want clipped 1.0", results[0].SimilarityScore)
	}
	if results[1].ID != idB {
		t.Errorf("second result = %s, want %s", results[1].ID, idB)
	}
	for _, r := range results {
		if r.SimilarityScore < 0.7 || r.SimilarityScore > 1 {
			t.Errorf("score %v outside [0.7, 1]", r.SimilarityScore)
		}
	}
}

func TestRankSimilarStableAcrossCalls(t *testing.T) {
	batch := []SimilarityCandidate{candidate(idA, 0.9), candidate(idB, 0.9), candidate(idC, 0.8)}
	store := &mockStore{batches: [][]SimilarityCandidate{batch, batch}}
	engine := newEngine(store, 2)

	first, err := engine.RankSimilar(context.Background(), []float32{1, 0}, nil, 10, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := engine.RankSimilar(context.Background(), []float32{1, 0}, nil, 10, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("identical queries against an unchanged store returned different orderings")
	}
}

func TestRankSimilarStoreFault(t *testing.T) {
	store := &mockStore{searchErr: errors.New("connection reset")}
	engine := newEngine(store, 2)

	results, err := engine.RankSimilar(context.Background(), []float32{1, 0}, nil, 10, 0.5)
	if !errors.Is(err, ErrStoreFault) {
		t.Fatalf("got %v, want ErrStoreFault", err)
	}
	if results != nil {
		t.Fatal("a store fault must not be folded into an empty success")
	}
}

func TestRankSimilarTimeout(t *testing.T) {
	store := &mockStore{searchErr: context.DeadlineExceeded}
	engine := newEngine(store, 2)

	_, err := engine.RankSimilar(context.Background(), []float32{1, 0}, nil, 10, 0.5)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("timeout must stay distinct from not-found")
	}
}

// --- RankByImage ---

func TestRankByImageMissingRecord(t *testing.T) {
	engine := newEngine(&mockStore{images: map[uuid.UUID]*models.Image{}}, 2)

	_, err := engine.RankByImage(context.Background(), idA, 10, 0.5)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRankByImagePendingRecord(t *testing.T) {
	store := &mockStore{images: map[uuid.UUID]*models.Image{
		idA: {ID: idA, ProcessingStatus: models.StatusPending},
	}}
	engine := newEngine(store, 2)

	_, err := engine.RankByImage(context.Background(), idA, 10, 0.5)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending record: got %v, want ErrNotFound", err)
	}
	if store.searchCalls != 0 {
		t.Fatal("pending record must not reach the vector scan")
	}
}

func TestRankByImageInconsistentEmbedding(t *testing.T) {
	store := &mockStore{images: map[uuid.UUID]*models.Image{
		idA: {
			ID:               idA,
			ProcessingStatus: models.StatusCompleted,
			Embedding:        pgvector.NewVector([]float32{1, 0, 0}), // engine expects 2
		},
	}}
	engine := newEngine(store, 2)

	_, err := engine.RankByImage(context.Background(), idA, 10, 0.5)
	if !errors.Is(err, ErrInconsistent) {
		t.Fatalf("got %v, want ErrInconsistent", err)
	}
}

func TestRankByImageExcludesSelf(t *testing.T) {
	store := &mockStore{images: map[uuid.UUID]*models.Image{
		idA: {
			ID:               idA,
			ProcessingStatus: models.StatusCompleted,
			Embedding:        pgvector.NewVector([]float32{1, 0}),
		},
	}}
	engine := newEngine(store, 2)

	results, err := engine.RankByImage(context.Background(), idA, 10, 0.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.lastExclude == nil || *store.lastExclude != idA {
		t.Fatal("query image ID was not passed as the exclusion")
	}
	// Store holding only the query image: the ranked list is empty regardless
	// of threshold.
	if len(results) != 0 {
		t.Fatalf("got %d results, want 0", len(results))
	}
}

// --- BatchRank ---

func TestBatchRankPreservesOrder(t *testing.T) {
	store := &mockStore{batches: [][]SimilarityCandidate{
		{candidate(idA, 0.9)},
		{candidate(idB, 0.8)},
		{candidate(idC, 0.85)},
	}}
	engine := newEngine(store, 2)

	queries := [][]float32{{1, 0}, {0, 1}, {1, 1}}
	results, err := engine.BatchRank(context.Background(), queries, 10, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d result sets, want 3", len(results))
	}
	want := []uuid.UUID{idA, idB, idC}
	for i, set := range results {
		if len(set) != 1 || set[0].ID != want[i] {
			t.Errorf("result %d = %+v, want single match %s", i, set, want[i])
		}
	}
}

func TestBatchRankFailFast(t *testing.T) {
	store := &mockStore{
		batches:    [][]SimilarityCandidate{{candidate(idA, 0.9)}},
		searchErr:  errors.New("connection lost"),
		failOnCall: 2,
	}
	engine := newEngine(store, 2)

	_, err := engine.BatchRank(context.Background(), [][]float32{{1, 0}, {0, 1}, {1, 1}}, 10, 0.5)
	if !errors.Is(err, ErrStoreFault) {
		t.Fatalf("got %v, want ErrStoreFault", err)
	}
	if store.searchCalls != 2 {
		t.Fatalf("store called %d times, want 2 (fail-fast)", store.searchCalls)
	}
}

func TestBatchRankDimensionMismatch(t *testing.T) {
	store := &mockStore{}
	engine := newEngine(store, 2)

	_, err := engine.BatchRank(context.Background(), [][]float32{{1, 0}, {1, 0, 0}}, 10, 0.5)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
	if store.searchCalls != 0 {
		t.Fatal("no query should run when any vector has the wrong dimension")
	}
}

func TestBatchRankCancelled(t *testing.T) {
	store := &mockStore{}
	engine := newEngine(store, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.BatchRank(ctx, [][]float32{{1, 0}}, 10, 0.5)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if store.searchCalls != 0 {
		t.Fatal("cancelled batch must not start sub-queries")
	}
}

// --- FindDuplicates ---

func TestFindDuplicates(t *testing.T) {
	store := &mockStore{completed: []CompletedEmbedding{
		{ID: idB, Embedding: []float32{1, 0}},
		{ID: idA, Embedding: []float32{1, 0}},
		{ID: idC, Embedding: []float32{0, 1}},
	}}
	engine := newEngine(store, 2)

	pairs, err := engine.FindDuplicates(context.Background(), 0.95, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	p := pairs[0]
	if p.FirstID != idA || p.SecondID != idB {
		t.Errorf("pair = (%s, %s), want (%s, %s) in total order", p.FirstID, p.SecondID, idA, idB)
	}
	if math.Abs(p.Similarity-1.0) > 1e-6 {
		t.Errorf("similarity = %v, want ~1.0", p.Similarity)
	}
}

func TestFindDuplicatesUniquePairs(t *testing.T) {
	// Three identical vectors: exactly the 3 unordered pairs, no self-pairs,
	// no repeats.
	store := &mockStore{completed: []CompletedEmbedding{
		{ID: idA, Embedding: []float32{0.6, 0.8}},
		{ID: idB, Embedding: []float32{0.6, 0.8}},
		{ID: idC, Embedding: []float32{0.6, 0.8}},
	}}
	engine := newEngine(store, 2)

	pairs, err := engine.FindDuplicates(context.Background(), 0.95, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("got %d pairs, want 3", len(pairs))
	}
	seen := map[string]bool{}
	for _, p := range pairs {
		if p.FirstID == p.SecondID {
			t.Errorf("self-pair (%s, %s)", p.FirstID, p.SecondID)
		}
		if p.FirstID.String() >= p.SecondID.String() {
			t.Errorf("pair (%s, %s) violates the total order", p.FirstID, p.SecondID)
		}
		key := p.FirstID.String() + "|" + p.SecondID.String()
		if seen[key] {
			t.Errorf("pair %s reported twice", key)
		}
		seen[key] = true
	}
}

func TestFindDuplicatesOrderingAndLimit(t *testing.T) {
	store := &mockStore{completed: []CompletedEmbedding{
		{ID: idA, Embedding: []float32{1, 0}},
		{ID: idB, Embedding: []float32{1, 0}},
		{ID: idC, Embedding: []float32{0.98, 0.199}},
	}}
	engine := newEngine(store, 2)

	pairs, err := engine.FindDuplicates(context.Background(), 0.9, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("got %d pairs, want 3", len(pairs))
	}
	for i := 1; i < len(pairs); i++ {
		if pairs[i].Similarity > pairs[i-1].Similarity {
			t.Fatal("pairs not ordered by similarity descending")
		}
	}
	if pairs[0].FirstID != idA || pairs[0].SecondID != idB {
		t.Errorf("most similar pair = (%s, %s), want (%s, %s)",
			pairs[0].FirstID, pairs[0].SecondID, idA, idB)
	}

	capped, err := engine.FindDuplicates(context.Background(), 0.9, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(capped) != 2 {
		t.Fatalf("got %d pairs with limit 2, want 2", len(capped))
	}
}

func TestFindDuplicatesThreshold(t *testing.T) {
	store := &mockStore{completed: []CompletedEmbedding{
		{ID: idA, Embedding: []float32{1, 0}},
		{ID: idC, Embedding: []float32{0, 1}}, // orthogonal: similarity 0
	}}
	engine := newEngine(store, 2)

	pairs, err := engine.FindDuplicates(context.Background(), 0.95, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("got %d pairs below threshold, want 0", len(pairs))
	}
}

func TestFindDuplicatesDimensionMismatch(t *testing.T) {
	store := &mockStore{completed: []CompletedEmbedding{
		{ID: idA, Embedding: []float32{1, 0}},
		{ID: idB, Embedding: []float32{1, 0, 0}},
	}}
	engine := newEngine(store, 2)

	_, err := engine.FindDuplicates(context.Background(), 0.9, 100)
	if !errors.Is(err, ErrInconsistent) {
		t.Fatalf("got %v, want ErrInconsistent", err)
	}
}

func TestFindDuplicatesStoreFault(t *testing.T) {
	store := &mockStore{listErr: errors.New("relation missing")}
	engine := newEngine(store, 2)

	_, err := engine.FindDuplicates(context.Background(), 0.9, 100)
	if !errors.Is(err, ErrStoreFault) {
		t.Fatalf("got %v, want ErrStoreFault", err)
	}
}

// --- CosineSimilarity ---

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CosineSimilarity(tc.a, tc.b); math.Abs(got-tc.want) > 1e-6 {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClampScore(t *testing.T) {
	if got := clampScore(-0.2); got != 0 {
		t.Errorf("clampScore(-0.2) = %v, want 0", got)
	}
	if got := clampScore(1.2); got != 1 {
		t.Errorf("clampScore(1.2) = %v, want 1", got)
	}
	if got := clampScore(0.5); got != 0.5 {
		t.Errorf("clampScore(0.5) = %v, want 0.5", got)
	}
}
