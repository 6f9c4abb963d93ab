package buffer

import "github.com/snehjoshi/dayslot/internal/types"

// entry is one slot in the buffer's heap.
type entry struct {
	sortKey  int64 // DeliveryDayTime in seconds — primary key
	priority types.Priority
	seq      uint64 // insertion order — final tie-break
	msg      *types.Message

	// heapIdx is the entry's current position in the heap slice.
	heapIdx int

	// cancelled marks the entry as a removal sentinel. The heap is not
	// restructured; the drain skips and discards it.
	cancelled bool
}

// less orders entries by (sortKey, priority rank, seq).
func (e *entry) less(o *entry) bool {
	if e.sortKey != o.sortKey {
		return e.sortKey < o.sortKey
	}
	if pe, po := e.priority.Rank(), o.priority.Rank(); pe != po {
		return pe < po
	}
	return e.seq < o.seq
}

// minHeap is a slice of *entry that satisfies heap.Interface.
type minHeap []*entry

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool { return h[i].less(h[j]) }

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	e := x.(*entry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // allow GC
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}
