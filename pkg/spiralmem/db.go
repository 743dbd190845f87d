// Package spiralmem is the Spiral Memory Store facade: a content-addressed
// memory engine that organizes stored items into spirals, persists them
// through interchangeable backends, evicts stale entries under a bounded
// budget, encrypts data at rest and answers similarity queries over derived
// resonance patterns.
//
// All writes funnel through StoreMemory, the single write path: sigil
// derivation, routing, optional sealing, persistence, topology registration,
// resonance indexing and eviction enqueueing happen there and nowhere else.
package spiralmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/spiralmem/pkg/config"
	"github.com/orneryd/spiralmem/pkg/encryption"
	"github.com/orneryd/spiralmem/pkg/events"
	"github.com/orneryd/spiralmem/pkg/evict"
	"github.com/orneryd/spiralmem/pkg/resonance"
	"github.com/orneryd/spiralmem/pkg/sigil"
	"github.com/orneryd/spiralmem/pkg/storage"
	"github.com/orneryd/spiralmem/pkg/topology"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("spiralmem: store closed")

// layerWidth is how many nodes share one depth layer within a spiral.
const layerWidth = 8

// MemoryNode is a single stored unit as seen by callers: content always in
// the clear, regardless of the at-rest encryption mode.
type MemoryNode struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	CreatedAt   time.Time   `json:"createdAt"`
	AccessCount int64       `json:"accessCount"`
	SpiralID    string      `json:"spiralId"`
	Depth       int         `json:"depth"`
	Sigil       sigil.Sigil `json:"sigil"`
}

// Stats is the store's observable state: plain numeric accessors for an
// external metrics registry to poll. Formatting and exporting are the
// collaborator's responsibility.
type Stats struct {
	Spirals          int
	IndexedPatterns  int
	GCBacklog        int
	GCBudget         int
	GCCollectedTotal int64
	CorrectedTotal   int64
}

// DB is the Spiral Memory Store. Safe for concurrent use; the eviction
// scheduler runs on its own timer and shares only the GC queue and topology
// cache with the request paths, both guarded by short critical sections.
type DB struct {
	cfg     *config.Config
	adapter storage.Adapter
	enc     *encryption.Manager
	topo    *topology.Registry
	res     *resonance.Engine
	sched   *evict.Scheduler
	pub     events.Publisher

	mu             sync.Mutex // guards lastSpiralID, correctedTotal, closed
	lastSpiralID   string
	correctedTotal int64
	closed         bool
}

// Open constructs the store from configuration, reconstructs the topology
// cache from persisted records and starts the eviction scheduler. A nil
// publisher defaults to the no-op publisher; the store never owns a global
// event bus.
func Open(ctx context.Context, cfg *config.Config, pub events.Publisher) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}

	adapter, err := storage.Open(storage.Options{
		Kind:      storage.Kind(cfg.Storage.Kind),
		DataDir:   cfg.Storage.DataDir,
		Addr:      cfg.Storage.Addr,
		Addrs:     cfg.Storage.Addrs,
		Password:  cfg.Storage.Password,
		DB:        cfg.Storage.DB,
		OpTimeout: cfg.Storage.OpTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	db := &DB{
		cfg:     cfg,
		adapter: adapter,
		enc:     encryption.NewManager(cfg.Encryption.MasterSecret, []byte(cfg.Encryption.Salt)),
		topo:    topology.NewRegistry(),
		res:     resonance.NewEngine(),
		pub:     pub,
	}
	db.sched = evict.NewScheduler(adapter, db.topo, pub, evict.Config{
		Budget:       cfg.GC.Budget,
		Interval:     cfg.GC.Interval.Std(),
		AccessWeight: cfg.GC.AccessWeight,
		MinimumAge:   cfg.GC.MinimumAge.Std(),
		OnEvict:      db.res.Remove,
	})

	if err := db.reconstructTopology(ctx); err != nil {
		adapter.Close()
		return nil, err
	}
	if err := db.res.Initialize(ctx, adapter); err != nil {
		adapter.Close()
		return nil, err
	}

	db.sched.Start(context.Background())
	return db, nil
}

// reconstructTopology rebuilds the in-memory spiral cache from persisted
// records: every distinct spiralId becomes a restored spiral with aggregates
// derived from its member nodes, and every surviving node re-enters the
// eviction queue. Restored coordinates land on the growth curve in
// first-seen order; they stay immutable for the life of the process.
func (d *DB) reconstructTopology(ctx context.Context) error {
	type agg struct {
		count    int64
		totalAge float64
		earliest time.Time
	}
	aggregates := make(map[string]*agg)
	now := time.Now()

	err := d.adapter.AllRecords(ctx, "", func(rec *storage.Record) error {
		a, ok := aggregates[rec.SpiralID]
		if !ok {
			a = &agg{earliest: rec.CreatedAt}
			aggregates[rec.SpiralID] = a
		}
		a.count++
		a.totalAge += now.Sub(rec.CreatedAt).Seconds()
		if rec.CreatedAt.Before(a.earliest) {
			a.earliest = rec.CreatedAt
		}

		d.sched.Enqueue(rec.ID, d.sched.Priority(rec.CreatedAt, rec.AccessCount))
		return nil
	})
	if err != nil {
		return fmt.Errorf("spiralmem: reconstructing topology: %w", err)
	}

	// Restored coordinates land on the growth curve in insertion order.
	// Creation time is approximated by the earliest member node.
	for id, a := range aggregates {
		d.topo.RestoreAtNext(id, d.cfg.Topology.DefaultType, a.earliest, a.count, a.totalAge)
	}
	return nil
}

// StoreMemory stores content for a tenant and returns the created node.
// This is the single write path; all callers funnel through it.
func (d *DB) StoreMemory(ctx context.Context, content, tenantID string) (*MemoryNode, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}

	sg := sigil.Derive(content, tenantID)

	d.mu.Lock()
	current := d.lastSpiralID
	d.mu.Unlock()

	sp, _ := d.topo.SelectOptimalSpiral(d.cfg.Topology.DefaultType, 0, d.cfg.Topology.CandidateBudget, current)
	depth := int(sp.NodeCount) / layerWidth
	if depth >= topology.MaxDepth {
		depth = topology.MaxDepth - 1
	}

	now := time.Now().UTC()
	rec := &storage.Record{
		ID:        uuid.NewString(),
		Timestamp: now,
		Sigil:     sg,
		SpiralID:  sp.ID,
		Depth:     depth,
		CreatedAt: now,
	}

	if d.enc.IsEnabled() {
		env, err := d.enc.EncryptPayload([]byte(content))
		if err != nil {
			return nil, err
		}
		rec.Encrypted = true
		rec.EncryptedContent = env
	} else {
		rec.Content = content
	}

	if err := d.retry(ctx, func() error {
		return d.adapter.SetRecord(ctx, rec.ID, now, rec)
	}); err != nil {
		return nil, err
	}

	d.topo.RegisterNode(sp.ID, 0)
	d.res.Index(rec.ID, sg.ResonancePattern, tenantID, sg.Timestamp)
	d.sched.Enqueue(rec.ID, d.sched.Priority(now, 0))

	d.mu.Lock()
	d.lastSpiralID = sp.ID
	d.mu.Unlock()

	d.pub.Publish(events.Event{
		Type:     "memory.stored",
		NodeID:   rec.ID,
		SpiralID: sp.ID,
		TenantID: tenantID,
		At:       now,
	})

	return &MemoryNode{
		ID:        rec.ID,
		Content:   content,
		CreatedAt: now,
		SpiralID:  sp.ID,
		Depth:     depth,
		Sigil:     sg,
	}, nil
}

// GetMemory returns the node's clear content, increments its access count
// and refreshes its eviction priority.
func (d *DB) GetMemory(ctx context.Context, id string) (*MemoryNode, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}

	var rec *storage.Record
	if err := d.retry(ctx, func() error {
		var err error
		rec, err = d.adapter.GetRecord(ctx, id)
		return err
	}); err != nil {
		return nil, err
	}

	content := rec.Content
	if rec.Encrypted {
		plain, err := d.enc.DecryptPayload(rec.EncryptedContent)
		if err != nil {
			// Authentication failures are fatal for the record and must
			// never be masked.
			return nil, err
		}
		content = string(plain)
	}

	rec.AccessCount++
	if err := d.retry(ctx, func() error {
		return d.adapter.SetRecord(ctx, rec.ID, rec.Timestamp, rec)
	}); err != nil {
		return nil, err
	}
	d.sched.Enqueue(rec.ID, d.sched.Priority(rec.CreatedAt, rec.AccessCount))

	return &MemoryNode{
		ID:          rec.ID,
		Content:     content,
		CreatedAt:   rec.CreatedAt,
		AccessCount: rec.AccessCount,
		SpiralID:    rec.SpiralID,
		Depth:       rec.Depth,
		Sigil:       rec.Sigil,
	}, nil
}

// DeleteMemory removes a node explicitly, sharing the eviction removal
// bookkeeping. Deleting a missing node is not an error.
func (d *DB) DeleteMemory(ctx context.Context, id string) error {
	if d.isClosed() {
		return ErrClosed
	}

	rec, err := d.adapter.GetRecord(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := d.retry(ctx, func() error {
		return d.adapter.DeleteRecord(ctx, id)
	}); err != nil {
		return err
	}

	d.topo.UnregisterNode(rec.SpiralID, time.Since(rec.CreatedAt).Seconds())
	d.res.Remove(id)
	d.sched.Forget(id)

	d.pub.Publish(events.Event{
		Type:     "memory.deleted",
		NodeID:   id,
		SpiralID: rec.SpiralID,
		TenantID: rec.Sigil.TenantID,
		At:       time.Now(),
	})
	return nil
}

// FindSimilar ranks stored nodes by resonance-pattern similarity to the
// query vector. A zero TopN or Threshold falls back to the configured
// default. Resonance patterns are non-negative, so similarities never drop
// below zero; pass a negative Threshold to request an explicit zero floor
// instead of the configured default.
func (d *DB) FindSimilar(query []float64, opts resonance.Options) []resonance.Match {
	if opts.TopN <= 0 {
		opts.TopN = d.cfg.Resonance.DefaultTopN
	}
	if opts.Threshold == 0 {
		opts.Threshold = d.cfg.Resonance.DefaultThreshold
	}
	return d.res.FindSimilar(query, opts)
}

// FindSimilarContent derives a resonance pattern from content and queries
// with it, scoped to the tenant.
func (d *DB) FindSimilarContent(content, tenantID string, topN int) []resonance.Match {
	sg := sigil.Derive(content, tenantID)
	return d.FindSimilar(sg.ResonancePattern, resonance.Options{TopN: topN, TenantID: tenantID})
}

// TriggerGC requests an immediate eviction cycle and returns its stats.
func (d *DB) TriggerGC(ctx context.Context) (evict.CycleStats, error) {
	if d.isClosed() {
		return evict.CycleStats{}, ErrClosed
	}
	return d.sched.PerformGarbageCollection(ctx)
}

// Stats returns the store's numeric metric accessors.
func (d *DB) Stats() Stats {
	gc := d.sched.Stats()

	d.mu.Lock()
	corrected := d.correctedTotal
	d.mu.Unlock()

	return Stats{
		Spirals:          d.topo.Len(),
		IndexedPatterns:  d.res.Len(),
		GCBacklog:        gc.Backlog,
		GCBudget:         gc.Budget,
		GCCollectedTotal: gc.CollectedTotal,
		CorrectedTotal:   corrected,
	}
}

// Close stops the eviction scheduler, zeroes key material and releases the
// backend. Idempotent.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.sched.Stop()
	d.enc.ClearSensitiveData()
	return d.adapter.Close()
}

func (d *DB) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// retry wraps adapter calls with the configured bounded retry policy.
func (d *DB) retry(ctx context.Context, fn func() error) error {
	return storage.WithRetry(ctx, d.cfg.Storage.RetryAttempts, d.cfg.Storage.RetryBackoff.Std(), fn)
}
