package vector

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a        []float64
		b        []float64
		expected float64
		epsilon  float64
	}{
		{
			name:     "identical vectors",
			a:        []float64{1.0, 0.0, 0.0},
			b:        []float64{1.0, 0.0, 0.0},
			expected: 1.0,
			epsilon:  0.001,
		},
		{
			name:     "orthogonal vectors",
			a:        []float64{1.0, 0.0, 0.0},
			b:        []float64{0.0, 1.0, 0.0},
			expected: 0.0,
			epsilon:  0.001,
		},
		{
			name:     "opposite vectors",
			a:        []float64{1.0, 0.0, 0.0},
			b:        []float64{-1.0, 0.0, 0.0},
			expected: -1.0,
			epsilon:  0.001,
		},
		{
			name:     "similar vectors",
			a:        []float64{1.0, 2.0, 3.0},
			b:        []float64{4.0, 5.0, 6.0},
			expected: 0.9746318461970762,
			epsilon:  0.001,
		},
		{
			name:     "empty vectors",
			a:        []float64{},
			b:        []float64{},
			expected: 0,
			epsilon:  0.001,
		},
		{
			name:     "mismatched dimensions",
			a:        []float64{1.0, 2.0},
			b:        []float64{1.0, 2.0, 3.0},
			expected: 0,
			epsilon:  0.001,
		},
		{
			name:     "zero vector",
			a:        []float64{0.0, 0.0, 0.0},
			b:        []float64{1.0, 2.0, 3.0},
			expected: 0,
			epsilon:  0.001,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CosineSimilarity(tt.a, tt.b)
			if math.Abs(result-tt.expected) > tt.epsilon {
				t.Errorf("expected %f, got %f", tt.expected, result)
			}
		})
	}
}

func TestCosineSimilaritySelf(t *testing.T) {
	// Any non-zero vector compared with itself must score 1.0
	// within floating-point tolerance.
	v := []float64{0.3, -1.7, 2.4, 0.0, 5.1}
	result := CosineSimilarity(v, v)
	if math.Abs(result-1.0) > 1e-9 {
		t.Errorf("expected 1.0, got %v", result)
	}
	if math.IsNaN(result) {
		t.Error("similarity must never be NaN")
	}
}

func TestCosineSimilarityFloat32(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
		epsilon  float64
	}{
		{
			name:     "identical vectors",
			a:        []float32{1.0, 0.0, 0.0},
			b:        []float32{1.0, 0.0, 0.0},
			expected: 1.0,
			epsilon:  0.001,
		},
		{
			name:     "mismatched dimensions",
			a:        []float32{1.0},
			b:        []float32{1.0, 2.0},
			expected: 0,
			epsilon:  0.001,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CosineSimilarityFloat32(tt.a, tt.b)
			if math.Abs(result-tt.expected) > tt.epsilon {
				t.Errorf("expected %f, got %f", tt.expected, result)
			}
		})
	}
}

func TestDotProduct(t *testing.T) {
	tests := []struct {
		name     string
		a        []float64
		b        []float64
		expected float64
	}{
		{
			name:     "simple dot product",
			a:        []float64{1.0, 2.0, 3.0},
			b:        []float64{4.0, 5.0, 6.0},
			expected: 32.0,
		},
		{
			name:     "orthogonal vectors",
			a:        []float64{1.0, 0.0},
			b:        []float64{0.0, 1.0},
			expected: 0.0,
		},
		{
			name:     "mismatched dimensions",
			a:        []float64{1.0, 2.0},
			b:        []float64{1.0},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DotProduct(tt.a, tt.b)
			if result != tt.expected {
				t.Errorf("expected %f, got %f", tt.expected, result)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Run("normalizes vector to unit length", func(t *testing.T) {
		vec := []float64{3.0, 4.0}
		result := Normalize(vec)

		// Expected: [0.6, 0.8]
		if math.Abs(result[0]-0.6) > 0.001 {
			t.Errorf("expected [0] = 0.6, got %f", result[0])
		}
		if math.Abs(result[1]-0.8) > 0.001 {
			t.Errorf("expected [1] = 0.8, got %f", result[1])
		}

		// Original should be unchanged
		if vec[0] != 3.0 || vec[1] != 4.0 {
			t.Error("original vector was modified")
		}
	})

	t.Run("zero vector returns zero vector", func(t *testing.T) {
		vec := []float64{0.0, 0.0, 0.0}
		result := Normalize(vec)

		for i, v := range result {
			if v != 0.0 {
				t.Errorf("expected [%d] = 0, got %f", i, v)
			}
		}
	})
}

func TestNormalizeInPlace(t *testing.T) {
	t.Run("normalizes vector in place", func(t *testing.T) {
		vec := []float64{3.0, 4.0}
		NormalizeInPlace(vec)

		if math.Abs(vec[0]-0.6) > 0.001 {
			t.Errorf("expected [0] = 0.6, got %f", vec[0])
		}
		if math.Abs(vec[1]-0.8) > 0.001 {
			t.Errorf("expected [1] = 0.8, got %f", vec[1])
		}
	})

	t.Run("zero vector unchanged", func(t *testing.T) {
		vec := []float64{0.0, 0.0}
		NormalizeInPlace(vec)

		if vec[0] != 0.0 || vec[1] != 0.0 {
			t.Error("zero vector should remain unchanged")
		}
	})
}

func BenchmarkCosineSimilarity(b *testing.B) {
	x := make([]float64, 1024)
	y := make([]float64, 1024)
	for i := range x {
		x[i] = float64(i) / 1024
		y[i] = float64(1024-i) / 1024
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		CosineSimilarity(x, y)
	}
}

func BenchmarkNormalize(b *testing.B) {
	vec := make([]float64, 1024)
	for i := range vec {
		vec[i] = float64(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Normalize(vec)
	}
}
