package evict

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/orneryd/spiralmem/pkg/events"
	"github.com/orneryd/spiralmem/pkg/sigil"
	"github.com/orneryd/spiralmem/pkg/storage"
	"github.com/orneryd/spiralmem/pkg/topology"
)

func TestMinHeapOrdering(t *testing.T) {
	var h minHeap

	priorities := []float64{5, 1, 9, 3, 7, 2, 8, 4, 6, 0}
	for _, p := range priorities {
		h.push(Entry{NodeID: "n", Priority: p})
	}

	var got []float64
	for {
		e, ok := h.pop()
		if !ok {
			break
		}
		got = append(got, e.Priority)
	}

	if len(got) != len(priorities) {
		t.Fatalf("popped %d entries, want %d", len(got), len(priorities))
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("heap order violated at %d: %v", i, got)
		}
	}
}

func TestMinHeapRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var h minHeap

	for i := 0; i < 10_000; i++ {
		h.push(Entry{Priority: rng.Float64()})
	}

	prev := -1.0
	for h.len() > 0 {
		e, _ := h.pop()
		if e.Priority < prev {
			t.Fatal("heap order violated")
		}
		prev = e.Priority
	}
}

func TestMinHeapPopEmpty(t *testing.T) {
	var h minHeap
	if _, ok := h.pop(); ok {
		t.Error("pop on empty heap reported an entry")
	}
}

func storeNode(t *testing.T, adapter storage.Adapter, id, spiralID string, createdAt time.Time, accessCount int64) *storage.Record {
	t.Helper()

	s := sigil.Derive("content "+id, "tenant-a")
	rec := &storage.Record{
		ID:          id,
		Content:     "content " + id,
		Sigil:       s,
		SpiralID:    spiralID,
		CreatedAt:   createdAt,
		AccessCount: accessCount,
	}
	if err := adapter.SetRecord(context.Background(), id, createdAt, rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestGarbageCollectionRespectsBudget(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemoryAdapter()
	defer adapter.Close()

	topo := topology.NewRegistry()
	sp := topo.CreateSpiral("general")
	sched := NewScheduler(adapter, topo, nil, Config{Budget: 10})

	epoch := time.Unix(0, 0)
	for i := 0; i < 25; i++ {
		id := string(rune('a'+i%26)) + "-" + time.Duration(i).String()
		storeNode(t, adapter, id, sp.ID, epoch, 0)
		topo.RegisterNode(sp.ID, 0)
		sched.Enqueue(id, sched.Priority(epoch, 0))
	}

	stats, err := sched.PerformGarbageCollection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Collected != 10 {
		t.Errorf("collected = %d, want exactly the budget of 10", stats.Collected)
	}
	if got := sched.Stats().Backlog; got != 15 {
		t.Errorf("backlog = %d, want 15", got)
	}
}

func TestGarbageCollectionRequeuesAccessedNodes(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemoryAdapter()
	defer adapter.Close()

	sched := NewScheduler(adapter, nil, nil, Config{Budget: 10})

	// Queued at access count 0, but the live record shows two accesses: the
	// live score rose, so the node must be requeued, not evicted.
	epoch := time.Unix(0, 0)
	storeNode(t, adapter, "node-1", "spiral-1", epoch, 2)
	sched.Enqueue("node-1", sched.Priority(epoch, 0))

	stats, err := sched.PerformGarbageCollection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Collected != 0 || stats.Requeued != 1 {
		t.Errorf("collected=%d requeued=%d, want 0/1", stats.Collected, stats.Requeued)
	}

	if _, err := adapter.GetRecord(ctx, "node-1"); err != nil {
		t.Errorf("accessed node was evicted: %v", err)
	}
}

func TestGarbageCollectionHonorsMinimumAge(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemoryAdapter()
	defer adapter.Close()

	sched := NewScheduler(adapter, nil, nil, Config{Budget: 10, MinimumAge: time.Hour})

	fresh := time.Now().Add(-time.Minute)
	storeNode(t, adapter, "node-1", "spiral-1", fresh, 0)
	sched.Enqueue("node-1", sched.Priority(fresh, 0))

	stats, err := sched.PerformGarbageCollection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Collected != 0 || stats.Requeued != 1 {
		t.Errorf("collected=%d requeued=%d, want 0/1", stats.Collected, stats.Requeued)
	}
}

func TestGarbageCollectionDropsVanishedNodes(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemoryAdapter()
	defer adapter.Close()

	sched := NewScheduler(adapter, nil, nil, Config{Budget: 10})
	sched.Enqueue("ghost", 0)

	stats, err := sched.PerformGarbageCollection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Dropped != 1 || stats.Collected != 0 {
		t.Errorf("dropped=%d collected=%d, want 1/0", stats.Dropped, stats.Collected)
	}
}

func TestGarbageCollectionDropsStaleDuplicates(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemoryAdapter()
	defer adapter.Close()

	sched := NewScheduler(adapter, nil, nil, Config{Budget: 10})

	epoch := time.Unix(0, 0)
	storeNode(t, adapter, "node-1", "spiral-1", epoch, 1)

	// Creation entry followed by an access refresh. The first entry is
	// stale; only the refreshed one may act.
	sched.Enqueue("node-1", sched.Priority(epoch, 0))
	sched.Enqueue("node-1", sched.Priority(epoch, 1))

	stats, err := sched.PerformGarbageCollection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Dropped != 1 {
		t.Errorf("dropped = %d, want 1 stale duplicate", stats.Dropped)
	}
	if stats.Collected != 1 {
		t.Errorf("collected = %d, want 1", stats.Collected)
	}
}

func TestGarbageCollectionDecrementsSpiralStats(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemoryAdapter()
	defer adapter.Close()

	topo := topology.NewRegistry()
	sp := topo.CreateSpiral("general")

	pub := events.NewChannelPublisher(8)
	sched := NewScheduler(adapter, topo, pub, Config{Budget: 10})

	epoch := time.Unix(0, 0)
	storeNode(t, adapter, "node-1", sp.ID, epoch, 0)
	topo.RegisterNode(sp.ID, 0)
	sched.Enqueue("node-1", sched.Priority(epoch, 0))

	if _, err := sched.PerformGarbageCollection(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := topo.Get(sp.ID)
	if got.NodeCount != 0 {
		t.Errorf("spiral node count = %d, want 0 after eviction", got.NodeCount)
	}

	ev := <-pub.Events()
	if ev.Type != "memory.evicted" || ev.NodeID != "node-1" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestBacklogDrainsWithinBoundedCycles(t *testing.T) {
	if testing.Short() {
		t.Skip("50k-node drain scenario")
	}

	ctx := context.Background()
	adapter := storage.NewMemoryAdapter()
	defer adapter.Close()

	topo := topology.NewRegistry()
	sp := topo.CreateSpiral("general")

	const nodes = 50_000
	const budget = 1000
	sched := NewScheduler(adapter, topo, nil, Config{Budget: budget})

	epoch := time.Unix(0, 0)
	s := sigil.Derive("shared content", "tenant-a")
	for i := 0; i < nodes; i++ {
		id := "node-" + time.Duration(i).String()
		rec := &storage.Record{
			ID:        id,
			Content:   "shared content",
			Sigil:     s,
			SpiralID:  sp.ID,
			CreatedAt: epoch,
		}
		if err := adapter.SetRecord(ctx, id, epoch, rec); err != nil {
			t.Fatal(err)
		}
		sched.Enqueue(id, sched.Priority(epoch, 0))
	}

	maxCycles := nodes/budget + 1
	prevBacklog := sched.Stats().Backlog
	cycles := 0
	for sched.Stats().Backlog > 0 {
		if cycles >= maxCycles {
			t.Fatalf("backlog not drained after %d cycles, %d remaining", cycles, sched.Stats().Backlog)
		}
		if _, err := sched.PerformGarbageCollection(ctx); err != nil {
			t.Fatal(err)
		}
		cycles++

		// Backlog is monotonically non-increasing absent concurrent writes.
		backlog := sched.Stats().Backlog
		if backlog > prevBacklog {
			t.Fatalf("backlog grew from %d to %d", prevBacklog, backlog)
		}
		prevBacklog = backlog
	}

	if got := sched.Stats().CollectedTotal; got != nodes {
		t.Errorf("collected total = %d, want %d", got, nodes)
	}
	if adapter.Len() != 0 {
		t.Errorf("adapter still holds %d records", adapter.Len())
	}
}

func TestSchedulerStartStop(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	defer adapter.Close()

	sched := NewScheduler(adapter, nil, nil, Config{Interval: 10 * time.Millisecond})
	sched.Start(context.Background())
	sched.Trigger()
	time.Sleep(30 * time.Millisecond)
	sched.Stop()

	// Stop is safe to call twice.
	sched.Stop()
}

func BenchmarkHeapPushPop(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	var h minHeap

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.push(Entry{Priority: rng.Float64()})
		if h.len() > 1024 {
			h.pop()
		}
	}
}
