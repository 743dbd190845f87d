// Package evict reclaims aged, low-value memory nodes under a bounded
// per-cycle budget.
//
// Candidates sit in a priority-ordered min-heap; each garbage-collection
// cycle pops at most Budget entries, re-scores them against the live record
// and deletes the ones that still qualify. Bounding the work per cycle caps
// worst-case pause time: the same process serves live store and read
// traffic, so a single pass must never run unbounded. Critical sections
// cover single heap mutations only, never I/O.
package evict

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/orneryd/spiralmem/pkg/events"
	"github.com/orneryd/spiralmem/pkg/storage"
	"github.com/orneryd/spiralmem/pkg/topology"
)

// Defaults applied by NewScheduler when config fields are zero.
const (
	DefaultBudget   = 100
	DefaultInterval = time.Minute

	// DefaultAccessWeight is the age-equivalent of one access in seconds:
	// each read makes a node look an hour younger to the scheduler.
	DefaultAccessWeight = 3600.0
)

// Config tunes the eviction scheduler.
type Config struct {
	// Budget caps the entries examined per cycle.
	Budget int

	// Interval spaces the automatic cycles.
	Interval time.Duration

	// AccessWeight converts an access count into equivalent age seconds.
	AccessWeight float64

	// MinimumAge protects freshly written nodes from eviction regardless of
	// priority.
	MinimumAge time.Duration

	// OnEvict is invoked after each successful eviction, outside any lock.
	// The facade uses it to drop the node from the resonance index.
	OnEvict func(nodeID string)
}

// Stats is the scheduler's observable state, polled by external monitoring.
type Stats struct {
	// Backlog is the current number of queued candidate entries.
	Backlog int

	// Budget is the effective per-cycle budget.
	Budget int

	// CollectedTotal is the cumulative number of evicted nodes.
	CollectedTotal int64
}

// CycleStats summarizes a single garbage-collection cycle.
type CycleStats struct {
	// Examined counts entries popped this cycle (at most Budget).
	Examined int

	// Collected counts nodes actually deleted.
	Collected int

	// Requeued counts entries whose live score no longer qualified and were
	// put back at their refreshed priority.
	Requeued int

	// Dropped counts stale entries discarded because the node was already
	// gone or a fresher entry exists.
	Dropped int
}

// Scheduler runs priority-ordered, budget-bounded eviction against a storage
// adapter. It tracks the latest enqueued priority per node, so duplicate
// entries left behind by access refreshes are discarded lazily at pop time
// instead of requiring decrease-key support in the heap.
type Scheduler struct {
	adapter storage.Adapter
	topo    *topology.Registry
	pub     events.Publisher
	cfg     Config
	now     func() time.Time

	mu        sync.Mutex // guards heap, latest, collected
	heap      minHeap
	latest    map[string]float64
	collected int64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger chan struct{}
}

// NewScheduler creates a stopped scheduler. A nil publisher defaults to the
// no-op publisher.
func NewScheduler(adapter storage.Adapter, topo *topology.Registry, pub events.Publisher, cfg Config) *Scheduler {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.AccessWeight <= 0 {
		cfg.AccessWeight = DefaultAccessWeight
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}

	return &Scheduler{
		adapter: adapter,
		topo:    topo,
		pub:     pub,
		cfg:     cfg,
		now:     time.Now,
		latest:  make(map[string]float64),
		trigger: make(chan struct{}, 1),
	}
}

// Priority derives an eviction priority from a node's creation time and
// access count. Smaller sorts first: the oldest, least-accessed nodes are
// the most eligible.
func (s *Scheduler) Priority(createdAt time.Time, accessCount int64) float64 {
	return float64(createdAt.Unix()) + float64(accessCount)*s.cfg.AccessWeight
}

// Enqueue registers a node as an eviction candidate. Called on node creation
// and again whenever an access refreshes the node's priority; the previous
// entry becomes stale and is dropped lazily at pop time.
func (s *Scheduler) Enqueue(nodeID string, priority float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest[nodeID] = priority
	s.heap.push(Entry{NodeID: nodeID, Priority: priority})
}

// Forget removes a node from the candidate set after an explicit deletion.
// Its heap entries are dropped lazily at pop time.
func (s *Scheduler) Forget(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, nodeID)
}

// Stats returns the scheduler's observable counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Backlog:        s.heap.len(),
		Budget:         s.cfg.Budget,
		CollectedTotal: s.collected,
	}
}

// PerformGarbageCollection runs one bounded eviction cycle.
//
// Up to Budget entries are popped. Each is re-validated against the live
// record: entries for vanished nodes are dropped, entries whose live
// priority rose since insertion (the node was accessed) are requeued at the
// refreshed priority, nodes younger than MinimumAge are requeued untouched,
// and everything else is deleted with its spiral aggregates decremented.
func (s *Scheduler) PerformGarbageCollection(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	for stats.Examined < s.cfg.Budget {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		entry, queuedLatest, ok := s.popCandidate()
		if !ok {
			break
		}
		stats.Examined++

		// A fresher entry for this node is already queued, or the node was
		// explicitly deleted.
		if !queuedLatest {
			stats.Dropped++
			continue
		}

		rec, err := s.adapter.GetRecord(ctx, entry.NodeID)
		if errors.Is(err, storage.ErrNotFound) {
			s.Forget(entry.NodeID)
			stats.Dropped++
			continue
		}
		if err != nil {
			// Backend trouble: requeue so the entry is not lost, surface
			// the error to the caller.
			s.Enqueue(entry.NodeID, entry.Priority)
			return stats, err
		}

		live := s.Priority(rec.CreatedAt, rec.AccessCount)
		if live > entry.Priority {
			// Accessed since insertion; no longer qualifies at this rank.
			s.Enqueue(entry.NodeID, live)
			stats.Requeued++
			continue
		}
		if age := s.now().Sub(rec.CreatedAt); age < s.cfg.MinimumAge {
			s.Enqueue(entry.NodeID, live)
			stats.Requeued++
			continue
		}

		if err := s.adapter.DeleteRecord(ctx, entry.NodeID); err != nil {
			s.Enqueue(entry.NodeID, live)
			return stats, err
		}

		s.Forget(entry.NodeID)
		if s.topo != nil {
			s.topo.UnregisterNode(rec.SpiralID, s.now().Sub(rec.CreatedAt).Seconds())
		}
		s.addCollected(1)
		stats.Collected++

		if s.cfg.OnEvict != nil {
			s.cfg.OnEvict(entry.NodeID)
		}

		s.pub.Publish(events.Event{
			Type:     "memory.evicted",
			NodeID:   entry.NodeID,
			SpiralID: rec.SpiralID,
			TenantID: rec.Sigil.TenantID,
			At:       s.now(),
			Fields:   map[string]float64{"priority": entry.Priority},
		})
	}

	s.pub.Publish(events.Event{
		Type: "gc.cycle",
		At:   s.now(),
		Fields: map[string]float64{
			"examined":  float64(stats.Examined),
			"collected": float64(stats.Collected),
			"requeued":  float64(stats.Requeued),
		},
	})
	return stats, nil
}

// popCandidate removes the lowest-priority entry under the lock and reports
// whether it is still the node's latest enqueued priority.
func (s *Scheduler) popCandidate() (Entry, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.heap.pop()
	if !ok {
		return Entry{}, false, false
	}

	current, tracked := s.latest[entry.NodeID]
	return entry, tracked && current == entry.Priority, true
}

func (s *Scheduler) addCollected(n int64) {
	s.mu.Lock()
	s.collected += n
	s.mu.Unlock()
}

// Start launches the background eviction loop. Cycles run every Interval
// and immediately on Trigger. Idempotent while running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
}

// Trigger requests an immediate cycle from the background loop. No-op when
// a request is already pending.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}

		// Errors here are backend transients; the affected entry was
		// requeued and the next tick retries.
		_, _ = s.PerformGarbageCollection(ctx)
	}
}
