package evict

// Entry is an eviction-candidate reference. Lower priority values are more
// eligible for eviction (oldest timestamp, lowest access count).
type Entry struct {
	NodeID   string
	Priority float64
}

// minHeap is an explicit array-backed binary min-heap of eviction entries.
// Push and pop are O(log n) with no hidden reallocation beyond the backing
// slice's amortized growth, which matters under the 50k-node benchmark
// workload.
type minHeap struct {
	items []Entry
}

func (h *minHeap) len() int {
	return len(h.items)
}

func (h *minHeap) push(e Entry) {
	h.items = append(h.items, e)
	h.siftUp(len(h.items) - 1)
}

// pop removes and returns the lowest-priority entry. The second return is
// false on an empty heap.
func (h *minHeap) pop() (Entry, bool) {
	if len(h.items) == 0 {
		return Entry{}, false
	}

	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	if last > 0 {
		h.siftDown(0)
	}
	return top, true
}

func (h *minHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[parent].Priority <= h.items[i].Priority {
			return
		}
		h.items[parent], h.items[i] = h.items[i], h.items[parent]
		i = parent
	}
}

func (h *minHeap) siftDown(i int) {
	n := len(h.items)
	for {
		smallest := i
		left := 2*i + 1
		right := 2*i + 2

		if left < n && h.items[left].Priority < h.items[smallest].Priority {
			smallest = left
		}
		if right < n && h.items[right].Priority < h.items[smallest].Priority {
			smallest = right
		}
		if smallest == i {
			return
		}
		h.items[i], h.items[smallest] = h.items[smallest], h.items[i]
		i = smallest
	}
}
