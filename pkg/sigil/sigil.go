// Package sigil derives content-addressed identity records for memory nodes.
//
// A Sigil binds a node to its content: the Signature is a deterministic
// SHA-256 digest of the content bytes (the content address) and the
// ResonancePattern is a fixed-length feature vector extracted from the same
// content for similarity search. Both are computed once at node creation and
// never recomputed afterwards; the sigil is the node's immutable identity.
//
// Determinism is the load-bearing property: byte-identical content under the
// same derivation parameters always produces the same signature and the same
// pattern. The pattern extraction is therefore a pure function of the content
// (normalized trigram feature hashing), not a model inference.
//
// Example:
//
//	s := sigil.Derive("the quick brown fox", "tenant-a")
//	fmt.Println(s.Signature)               // 64-char hex digest
//	fmt.Println(len(s.ResonancePattern))   // sigil.PatternLength
package sigil

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"github.com/orneryd/spiralmem/pkg/math/vector"
)

// PatternLength is the fixed dimensionality of every resonance pattern.
// All patterns in one store share this length so cosine comparisons are
// always well-defined.
const PatternLength = 16

// Sigil is the immutable content-derived identity record of a memory node.
type Sigil struct {
	// Signature is the hex-encoded SHA-256 digest of the content bytes.
	// It is the node's content address and is never recomputed.
	Signature string `json:"signature"`

	// ResonancePattern is a fixed-length, unit-normalized feature vector
	// used by the resonance matching engine.
	ResonancePattern []float64 `json:"resonancePattern"`

	// TenantID is the logical partition key for per-tenant isolation.
	TenantID string `json:"tenantId"`

	// Timestamp records when the sigil was derived.
	Timestamp time.Time `json:"timestamp"`
}

// Derive computes a Sigil for the given content and tenant.
//
// Two calls with byte-identical content produce equal Signature and
// ResonancePattern values regardless of tenant; the tenant only partitions
// the index, it does not feed the derivation.
func Derive(content, tenantID string) Sigil {
	return Sigil{
		Signature:        Signature(content),
		ResonancePattern: ExtractPattern(content),
		TenantID:         tenantID,
		Timestamp:        time.Now().UTC(),
	}
}

// Signature returns the hex-encoded SHA-256 digest of the content bytes.
func Signature(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ExtractPattern derives a fixed-length resonance pattern from content.
//
// The content is lowercased and whitespace-collapsed, then character trigrams
// are hashed into PatternLength buckets and the bucket counts are normalized
// to unit length. Empty content yields the zero vector, which scores 0
// against everything (see pkg/math/vector).
func ExtractPattern(content string) []float64 {
	pattern := make([]float64, PatternLength)

	normalized := normalizeContent(content)
	if len(normalized) == 0 {
		return pattern
	}

	// Short content still produces a non-zero pattern: pad so at least one
	// trigram exists.
	for len(normalized) < 3 {
		normalized += " "
	}

	for i := 0; i+3 <= len(normalized); i++ {
		bucket := trigramBucket(normalized[i : i+3])
		pattern[bucket]++
	}

	vector.NormalizeInPlace(pattern)
	return pattern
}

// normalizeContent lowercases content and collapses runs of whitespace to a
// single space, so formatting differences do not dominate the pattern.
func normalizeContent(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	lastSpace := false
	for _, r := range content {
		if unicode.IsSpace(r) {
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		lastSpace = false
		b.WriteRune(unicode.ToLower(r))
	}

	return strings.TrimRight(b.String(), " ")
}

// trigramBucket maps a 3-byte window onto a pattern bucket via FNV-1a.
func trigramBucket(trigram string) int {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for i := 0; i < len(trigram); i++ {
		h ^= uint64(trigram[i])
		h *= prime64
	}
	return int(h % PatternLength)
}
