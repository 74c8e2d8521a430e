package recorder

import "sync"

// DefaultPoints is the number of points returned for visualisation
const DefaultPoints = 1000

// History keeps the most recent blocks of a session
type History struct {
	mu     sync.RWMutex
	chunks [][]int16
	limit  int
}

// NewHistory keeps at most limit blocks
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{limit: limit}
}

// Push appends a copy of one block, evicting the oldest beyond the limit
func (h *History) Push(samples []int16) {
	chunk := make([]int16, len(samples))
	copy(chunk, samples)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.chunks) == h.limit {
		copy(h.chunks, h.chunks[1:])
		h.chunks = h.chunks[:h.limit-1]
	}
	h.chunks = append(h.chunks, chunk)
}

// Recent concatenates the kept blocks and keeps every k-th sample, where
// k = max(1, total/maxPoints). It never returns nil.
func (h *History) Recent(maxPoints int) []int16 {
	if maxPoints < 1 {
		maxPoints = DefaultPoints
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, c := range h.chunks {
		total += len(c)
	}

	step := max(1, total/maxPoints)
	result := make([]int16, 0, (total+step-1)/step)
	i := 0
	for _, c := range h.chunks {
		for ; i < len(c); i += step {
			result = append(result, c[i])
		}
		i -= len(c)
	}
	return result
}

// Len returns the number of kept blocks
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.chunks)
}
