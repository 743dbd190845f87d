// Package topology assigns logical coordinates to spirals and routes new
// content to the best-fit spiral.
//
// Spirals sit on a logarithmic growth curve: each new spiral advances by the
// golden angle and steps outward exponentially, so the structure never
// crowds one region and any one spiral's growth stays bounded. Coordinates
// are assigned once at creation and never change; repair operations
// re-derive aggregate statistics only, never coordinates.
package topology

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Coordinate layout constants. goldenAngle spreads successive spirals evenly
// around the circle; growthRate controls how fast the radius steps outward.
const (
	goldenAngle = 2.399963229728653 // pi * (3 - sqrt(5)) radians
	baseRadius  = 1.0
	growthRate  = 0.02

	// MaxDepth is the layer capacity of a single spiral. depthHint values at
	// or beyond it make the spiral score zero on capacity.
	MaxDepth = 12
)

// Routing weights and threshold. Scores are normalized to [0,1] per factor
// before weighting.
const (
	weightProximity = 0.4
	weightCapacity  = 0.35
	weightLoad      = 0.25

	// viabilityThreshold is the minimum weighted score an existing spiral
	// must reach to receive new content. Below it the router creates a new
	// spiral instead.
	viabilityThreshold = 0.35

	// loadScale is the node count at which a spiral's load score halves.
	loadScale = 100.0
)

// Spiral is a named topological grouping of memory nodes.
//
// Angle and Radius are the immutable routing coordinates. NodeCount and
// TotalAgeSeconds are aggregate statistics maintained incrementally on
// writes and evictions; they can drift after a crash and are re-derived by
// the repair operation.
type Spiral struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Angle           float64   `json:"angle"`
	Radius          float64   `json:"radius"`
	CreatedAt       time.Time `json:"createdAt"`
	NodeCount       int64     `json:"nodeCount"`
	TotalAgeSeconds float64   `json:"totalAgeSeconds"`
}

// AverageAgeSeconds returns the mean node age aggregate, zero when empty.
func (s *Spiral) AverageAgeSeconds() float64 {
	if s.NodeCount == 0 {
		return 0
	}
	return s.TotalAgeSeconds / float64(s.NodeCount)
}

// position converts the polar coordinates to a cartesian point for distance
// comparisons.
func (s *Spiral) position() (x, y float64) {
	return s.Radius * math.Cos(s.Angle), s.Radius * math.Sin(s.Angle)
}

// Registry is the in-memory topology cache: every known spiral plus the
// growth-curve cursor for coordinate assignment.
//
// All mutations happen inside short critical sections around single map or
// counter updates; the registry never holds its lock across I/O, so routing
// and garbage collection interleave freely with stores and reads.
type Registry struct {
	mu      sync.RWMutex
	spirals map[string]*Spiral
	seq     int // growth-curve cursor, advances once per created spiral
	now     func() time.Time
}

// NewRegistry creates an empty topology cache.
func NewRegistry() *Registry {
	return &Registry{
		spirals: make(map[string]*Spiral),
		now:     time.Now,
	}
}

// CreateSpiral mints a new spiral of the given type at the next position on
// the logarithmic growth curve.
func (r *Registry) CreateSpiral(spiralType string) *Spiral {
	if spiralType == "" {
		spiralType = "general"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	angle := float64(r.seq) * goldenAngle
	sp := &Spiral{
		ID:        uuid.NewString(),
		Type:      spiralType,
		Angle:     angle,
		Radius:    baseRadius * math.Exp(growthRate*angle),
		CreatedAt: r.now(),
	}
	r.seq++
	r.spirals[sp.ID] = sp

	out := *sp
	return &out
}

// Restore inserts a spiral reconstructed from persisted records, preserving
// its original coordinates. Used when rebuilding the cache at startup. The
// growth cursor advances so future spirals never reuse a restored position.
func (r *Registry) Restore(sp Spiral) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := sp
	r.spirals[sp.ID] = &stored
	r.seq++
}

// RestoreAtNext inserts a reconstructed spiral whose original coordinates
// were not persisted, seating it at the next growth-curve position. The
// assigned coordinates are immutable from this point on.
func (r *Registry) RestoreAtNext(id, spiralType string, createdAt time.Time, nodeCount int64, totalAgeSeconds float64) *Spiral {
	if spiralType == "" {
		spiralType = "general"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	angle := float64(r.seq) * goldenAngle
	sp := &Spiral{
		ID:              id,
		Type:            spiralType,
		Angle:           angle,
		Radius:          baseRadius * math.Exp(growthRate*angle),
		CreatedAt:       createdAt,
		NodeCount:       nodeCount,
		TotalAgeSeconds: totalAgeSeconds,
	}
	r.seq++
	r.spirals[id] = sp

	out := *sp
	return &out
}

// Drop removes a spiral from the cache. Spirals are only destroyed by
// explicit administrative action, never by garbage collection.
func (r *Registry) Drop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.spirals[id]; !ok {
		return false
	}
	delete(r.spirals, id)
	return true
}

// Get returns a copy of the spiral, or false when unknown.
func (r *Registry) Get(id string) (*Spiral, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sp, ok := r.spirals[id]
	if !ok {
		return nil, false
	}
	out := *sp
	return &out, true
}

// Len returns the number of known spirals.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.spirals)
}

// All returns copies of every spiral in deterministic creation order
// (earliest first, ID as the stable tie-break).
func (r *Registry) All() []Spiral {
	r.mu.RLock()
	out := make([]Spiral, 0, len(r.spirals))
	for _, sp := range r.spirals {
		out = append(out, *sp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RegisterNode increments a spiral's aggregates for a newly placed node.
func (r *Registry) RegisterNode(spiralID string, nodeAgeSeconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sp, ok := r.spirals[spiralID]; ok {
		sp.NodeCount++
		sp.TotalAgeSeconds += nodeAgeSeconds
	}
}

// UnregisterNode decrements a spiral's aggregates for an evicted or deleted
// node. Aggregates never go negative.
func (r *Registry) UnregisterNode(spiralID string, nodeAgeSeconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, ok := r.spirals[spiralID]
	if !ok {
		return
	}
	if sp.NodeCount > 0 {
		sp.NodeCount--
	}
	sp.TotalAgeSeconds -= nodeAgeSeconds
	if sp.NodeCount == 0 || sp.TotalAgeSeconds < 0 {
		sp.TotalAgeSeconds = 0
	}
}

// SetStats overwrites a spiral's aggregates with re-derived values. Only the
// repair operation calls this; coordinates stay untouched.
func (r *Registry) SetStats(spiralID string, nodeCount int64, totalAgeSeconds float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, ok := r.spirals[spiralID]
	if !ok {
		return false
	}
	sp.NodeCount = nodeCount
	sp.TotalAgeSeconds = totalAgeSeconds
	return true
}

// SelectOptimalSpiral routes new content to the best-fit spiral, creating
// one when nothing viable exists. Routing never fails.
//
// Candidates of the requested contentType are scored (all spirals when the
// type filter matches nothing); scoring combines coordinate proximity to the
// caller's current spiral, remaining depth capacity relative to depthHint,
// and current load. At most candidateBudget candidates are examined, in
// deterministic creation order. When the best score falls below the
// viability threshold, or the budget is exhausted, a new spiral is created
// at the next growth-curve position.
func (r *Registry) SelectOptimalSpiral(contentType string, depthHint, candidateBudget int, currentSpiralID string) (*Spiral, bool) {
	if candidateBudget < 1 {
		candidateBudget = 1
	}

	candidates := r.candidatesForType(contentType)
	if len(candidates) == 0 {
		return r.CreateSpiral(contentType), true
	}

	var curX, curY float64
	hasCurrent := false
	if currentSpiralID != "" {
		if cur, ok := r.Get(currentSpiralID); ok {
			curX, curY = cur.position()
			hasCurrent = true
		}
	}

	var best *Spiral
	bestScore := -1.0
	examined := 0
	for i := range candidates {
		if examined >= candidateBudget {
			break
		}
		examined++

		sp := &candidates[i]
		score := scoreSpiral(sp, depthHint, hasCurrent, curX, curY)

		// Strictly-greater keeps the earliest-created candidate on ties.
		if score > bestScore {
			bestScore = score
			best = sp
		}
	}

	if best == nil || bestScore < viabilityThreshold {
		return r.CreateSpiral(contentType), true
	}

	out := *best
	return &out, false
}

// candidatesForType returns spirals matching the type, falling back to all
// spirals when the filter matches nothing. Order is deterministic.
func (r *Registry) candidatesForType(contentType string) []Spiral {
	all := r.All()
	if contentType == "" {
		return all
	}

	matched := make([]Spiral, 0, len(all))
	for _, sp := range all {
		if sp.Type == contentType {
			matched = append(matched, sp)
		}
	}
	if len(matched) == 0 {
		return all
	}
	return matched
}

// scoreSpiral computes the weighted routing score in [0,1].
func scoreSpiral(sp *Spiral, depthHint int, hasCurrent bool, curX, curY float64) float64 {
	// Proximity: related content stays near related content. Neutral when
	// the caller has no current spiral.
	proximity := 0.5
	if hasCurrent {
		x, y := sp.position()
		dist := math.Hypot(x-curX, y-curY)
		proximity = 1 / (1 + dist)
	}

	// Capacity: how much layer headroom remains for the hinted depth.
	capacity := 0.0
	if depthHint < MaxDepth {
		capacity = float64(MaxDepth-depthHint) / float64(MaxDepth)
	}

	// Load: fewer nodes preferred, avoids hot spirals.
	load := 1 / (1 + float64(sp.NodeCount)/loadScale)

	return weightProximity*proximity + weightCapacity*capacity + weightLoad*load
}
