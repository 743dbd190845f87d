// Package resonance indexes resonance patterns in memory and answers
// cosine-similarity queries over them.
//
// The index is a per-tenant linear-scan catalog: every query computes cosine
// similarity between the query pattern and each indexed pattern. This is
// explicitly not a vector database; the design assumes a bounded catalog
// size per tenant as a documented operating assumption, not a runtime
// enforcement.
package resonance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/spiralmem/pkg/math/vector"
	"github.com/orneryd/spiralmem/pkg/storage"
)

// indexEntry is the per-record state kept in memory.
type indexEntry struct {
	pattern   []float64
	tenantID  string
	timestamp time.Time
}

// Match is a single similarity result.
type Match struct {
	NodeID     string
	TenantID   string
	Similarity float64
	Timestamp  time.Time
}

// Options narrows a FindSimilar query.
type Options struct {
	// TopN caps the result count. Zero or negative means 10.
	TopN int

	// Threshold is the minimum similarity a match must reach. Matches below
	// it are discarded.
	Threshold float64

	// TenantID restricts the scan to one tenant. Empty scans all tenants.
	TenantID string
}

// Engine is the in-memory resonance index. Safe for concurrent use; queries
// take a read lock and index maintenance takes short write locks around
// single map mutations.
type Engine struct {
	mu          sync.RWMutex
	entries     map[string]indexEntry
	initialized bool
}

// NewEngine creates an empty engine. Call Initialize to load persisted
// records before the first query.
func NewEngine() *Engine {
	return &Engine{entries: make(map[string]indexEntry)}
}

// Initialize builds the index from every persisted record. Idempotent:
// repeated calls after the first successful build are no-ops. Records of all
// tenants are loaded; isolation happens at query time through the tenant
// filter.
func (e *Engine) Initialize(ctx context.Context, adapter storage.Adapter) error {
	e.mu.RLock()
	done := e.initialized
	e.mu.RUnlock()
	if done {
		return nil
	}

	loaded := make(map[string]indexEntry)
	err := adapter.AllRecords(ctx, "", func(rec *storage.Record) error {
		loaded[rec.ID] = indexEntry{
			pattern:   append([]float64(nil), rec.Sigil.ResonancePattern...),
			tenantID:  rec.Sigil.TenantID,
			timestamp: rec.Sigil.Timestamp,
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}
	e.entries = loaded
	e.initialized = true
	return nil
}

// Initialized reports whether the startup scan has completed.
func (e *Engine) Initialized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized
}

// Index adds or refreshes one record's pattern. Called on every write so the
// index tracks the store incrementally after the startup scan.
func (e *Engine) Index(nodeID string, pattern []float64, tenantID string, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.entries[nodeID] = indexEntry{
		pattern:   append([]float64(nil), pattern...),
		tenantID:  tenantID,
		timestamp: ts,
	}
}

// Remove drops a record from the index after eviction or deletion.
func (e *Engine) Remove(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, nodeID)
}

// Len returns the number of indexed patterns.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// FindSimilar ranks indexed patterns by cosine similarity to the query.
//
// Matches below the threshold are discarded and at most TopN results return,
// sorted descending by similarity with node ID as the stable tie-break.
// Zero-magnitude or mismatched-length vectors score 0 rather than failing,
// so a malformed pattern degrades ranking instead of aborting the query.
func (e *Engine) FindSimilar(query []float64, opts Options) []Match {
	topN := opts.TopN
	if topN <= 0 {
		topN = 10
	}

	e.mu.RLock()
	matches := make([]Match, 0, len(e.entries))
	for id, entry := range e.entries {
		if opts.TenantID != "" && entry.tenantID != opts.TenantID {
			continue
		}

		sim := vector.CosineSimilarity(query, entry.pattern)
		if sim < opts.Threshold {
			continue
		}

		matches = append(matches, Match{
			NodeID:     id,
			TenantID:   entry.tenantID,
			Similarity: sim,
			Timestamp:  entry.timestamp,
		})
	}
	e.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].NodeID < matches[j].NodeID
	})

	if len(matches) > topN {
		matches = matches[:topN]
	}
	return matches
}
