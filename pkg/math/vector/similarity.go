// Package vector provides vector math operations for the Spiral Memory Store.
//
// This package consolidates the similarity and normalization calculations used
// by the resonance matching engine. Use these functions instead of implementing
// your own to ensure consistent edge-case behavior: mismatched-length and
// zero-magnitude vectors always score 0, never NaN and never an error.
//
// Main Functions:
//   - CosineSimilarity: Standard similarity for float64 resonance patterns
//   - CosineSimilarityFloat32: Similarity for float32 vectors
//   - DotProduct: Dot product for float64 vectors
//   - Normalize: Returns a normalized copy of a vector
//   - NormalizeInPlace: Normalizes a vector in-place (modifies input)
package vector

import "math"

// CosineSimilarity calculates cosine similarity between two float64 vectors.
// Returns a value in range [-1, 1] where 1 = identical, 0 = orthogonal,
// -1 = opposite.
//
// Mismatched lengths, empty vectors, and zero-magnitude vectors all return 0.
// A malformed pattern degrades ranking instead of aborting a query.
//
// Example:
//
//	a := []float64{1.0, 2.0, 3.0}
//	b := []float64{4.0, 5.0, 6.0}
//	sim := CosineSimilarity(a, b) // Returns 0.9746318461970762
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineSimilarityFloat32 calculates cosine similarity between two float32
// vectors. Uses float64 accumulation for precision even with float32 inputs.
func CosineSimilarityFloat32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// DotProduct calculates the dot product of two float64 vectors.
// Mismatched lengths return 0.
//
// For normalized vectors, dot product equals cosine similarity.
func DotProduct(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Magnitude returns the Euclidean length of a vector.
func Magnitude(v []float64) float64 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += x * x
	}
	return math.Sqrt(sumSquares)
}

// Normalize returns a normalized copy of the vector.
// The input vector is not modified. A zero vector normalizes to a zero vector.
//
// Example:
//
//	original := []float64{3.0, 4.0}
//	normalized := Normalize(original) // Returns [0.6, 0.8]
func Normalize(vec []float64) []float64 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += v * v
	}

	if sumSquares == 0 {
		return make([]float64, len(vec))
	}

	norm := math.Sqrt(sumSquares)
	normalized := make([]float64, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}
	return normalized
}

// NormalizeInPlace normalizes a vector in-place (modifies the input).
// After normalization the vector has unit length. Zero vectors are unchanged.
//
// WARNING: Modifies the input slice. Use Normalize() to preserve the original.
func NormalizeInPlace(v []float64) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += x * x
	}
	if sumSquares == 0 {
		return
	}
	norm := 1.0 / math.Sqrt(sumSquares)
	for i := range v {
		v[i] *= norm
	}
}
