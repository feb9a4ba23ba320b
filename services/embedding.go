package services

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"strconv"
)

// EmbeddingGenerator derives a fixed-length vector from raw image bytes and an
// identifying label. The vector is a reproducible pseudo-random projection keyed
// by content, not a perceptual model: identical (content, label) pairs always
// produce the identical embedding, across process restarts and architectures.
type EmbeddingGenerator struct {
	dimension int
}

// NewEmbeddingGenerator creates a generator producing vectors of the given dimension.
func NewEmbeddingGenerator(dimension int) *EmbeddingGenerator {
	return &EmbeddingGenerator{dimension: dimension}
}

// Dimension returns the configured output vector length.
func (g *EmbeddingGenerator) Dimension() int { return g.dimension }

// Generate maps (content, label) to a unit-normalized embedding.
//
// The sole entropy source is a combined digest: sha256 of the content, md5 of
// the label, hashed together. Each dimension reseeds its own generator from the
// digest, so the output depends on every part of the digest rather than just a
// single seed. Content is assumed to be pre-validated by the upload boundary;
// arbitrary bytes are accepted here.
func (g *EmbeddingGenerator) Generate(content []byte, label string) []float64 {
	contentHash := sha256.Sum256(content)
	labelHash := md5.Sum([]byte(label))

	combinedInput := fmt.Sprintf("%s_%s",
		hex.EncodeToString(contentHash[:]),
		hex.EncodeToString(labelHash[:]))
	combinedHash := sha256.Sum256([]byte(combinedInput))
	combined := hex.EncodeToString(combinedHash[:])

	// Base seed from a fixed prefix of the combined digest.
	baseSeed, _ := strconv.ParseInt(combined[:8], 16, 64)

	embedding := make([]float64, g.dimension)
	for i := 0; i < g.dimension; i++ {
		// Mix in a digit taken from a rotating position so neighboring
		// dimensions draw from visibly different seeds.
		offset, _ := strconv.ParseInt(string(combined[i%len(combined)]), 16, 64)
		rng := rand.New(rand.NewSource(baseSeed + int64(i) + offset))
		embedding[i] = -1 + 2*rng.Float64()
	}

	return normalize(embedding)
}

// normalize scales the vector to unit L2 norm. A zero vector is returned
// unchanged rather than divided by zero.
func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}

// ToVector32 converts an embedding to the float32 form used by the vector store.
func ToVector32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
