package pipeline

import "github.com/MrWong99/starlight/pkg/audio"

// frameHeap implements [container/heap.Interface] as a min-heap ordered by
// frame sequence number, so the oldest unplayed frame is always at index 0.
type frameHeap []audio.Frame

func (h frameHeap) Len() int { return len(h) }

func (h frameHeap) Less(i, j int) bool { return h[i].Seq < h[j].Seq }

func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *frameHeap) Push(x any) {
	*h = append(*h, x.(audio.Frame))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = audio.Frame{}
	*h = old[:n-1]
	return f
}
