package audio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RestartThreshold is how far a datagram's sequence may stray from the expected
// one before it is taken as a sender restart instead of a stale or future datagram.
const RestartThreshold = 1024

// ErrStaleSequence is returned for datagrams that were already released or skipped
var ErrStaleSequence = errors.New("ignoring old/duplicate datagram")

// Buffer reorders the datagrams of one sender by sequence number and
// accumulates their samples in order until drained.
type Buffer struct {
	source string

	// Ordered samples not yet drained
	ordered []int16

	// Sequence tracking
	started     bool
	lastSeq     uint32             // Last released sequence number
	expectedSeq uint32             // Next sequence to release
	pending     map[uint32][]int16 // Future datagrams waiting for a gap to fill
	maxGap      uint32             // Maximum sequence gap to wait for

	// Timing and metadata
	lastUpdate   time.Time
	totalPackets uint64
	lostCount    uint64
	restarts     uint64

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Source       string  `json:"source"`
	TotalPackets uint64  `json:"total_packets"`
	LostPackets  uint64  `json:"lost_packets"`
	LossRate     float64 `json:"loss_rate"`
	Restarts     uint64  `json:"restarts"`
	Buffered     int     `json:"buffered_samples"`
	PendingSeqs  int     `json:"pending_sequences"`
	LastSequence uint32  `json:"last_sequence"`
}

// NewBuffer creates a reorder buffer for one sender. maxGap is the number of
// sequences a future datagram may run ahead before the hole is given up as lost.
func NewBuffer(source string, maxGap int) *Buffer {
	if maxGap < 0 {
		maxGap = 0
	}
	return &Buffer{
		source:     source,
		ordered:    make([]int16, 0, 4096),
		pending:    make(map[uint32][]int16),
		maxGap:     uint32(maxGap),
		lastUpdate: time.Now(),
	}
}

// Add accepts one datagram and returns how many sequence numbers were newly
// given up as lost. Stale or duplicate datagrams return ErrStaleSequence.
func (b *Buffer) Add(sequence uint32, samples []int16) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUpdate = time.Now()
	b.totalPackets++

	// Initialize expected sequence on first datagram
	if !b.started {
		b.started = true
		b.expectedSeq = sequence
		b.lastSeq = sequence - 1
	}

	lostBefore := b.lostCount
	diff := int32(sequence - b.expectedSeq)

	switch {
	case diff > RestartThreshold || -diff > RestartThreshold:
		// Sender restarted its counter
		b.flushPending()
		b.restarts++
		b.expectedSeq = sequence
		b.release(sequence, samples)

	case diff == 0:
		// Perfect order - release directly
		b.release(sequence, samples)
		b.releasePending()

	case diff > 0:
		if _, dup := b.pending[sequence]; dup {
			return 0, fmt.Errorf("%w: seq=%d already pending", ErrStaleSequence, sequence)
		}
		b.pending[sequence] = append([]int16(nil), samples...)

		// Give up on the hole once the gap is too large
		if uint32(diff) > b.maxGap {
			b.skipTo(sequence)
			b.releasePending()
		}

	default:
		return 0, fmt.Errorf("%w: seq=%d, lastSeq=%d", ErrStaleSequence, sequence, b.lastSeq)
	}

	return int(b.lostCount - lostBefore), nil
}

func (b *Buffer) release(sequence uint32, samples []int16) {
	b.ordered = append(b.ordered, samples...)
	b.lastSeq = sequence
	b.expectedSeq = sequence + 1
}

// releasePending releases any consecutive pending datagrams
func (b *Buffer) releasePending() {
	for {
		samples, ok := b.pending[b.expectedSeq]
		if !ok {
			return
		}
		delete(b.pending, b.expectedSeq)
		b.release(b.expectedSeq, samples)
	}
}

// sortedPending returns the pending sequences, oldest first
func (b *Buffer) sortedPending() []uint32 {
	seqs := make([]uint32, 0, len(b.pending))
	for seq := range b.pending {
		seqs = append(seqs, seq)
	}
	base := b.expectedSeq
	sort.Slice(seqs, func(i, j int) bool {
		return seqs[i]-base < seqs[j]-base
	})
	return seqs
}

// skipTo releases everything pending before target in order and counts the
// holes between them as lost, leaving target as the next expected sequence.
func (b *Buffer) skipTo(target uint32) {
	for _, seq := range b.sortedPending() {
		if int32(seq-target) >= 0 {
			break
		}
		b.lostCount += uint64(seq - b.expectedSeq)
		samples := b.pending[seq]
		delete(b.pending, seq)
		b.release(seq, samples)
	}
	b.lostCount += uint64(target - b.expectedSeq)
	b.expectedSeq = target
}

// flushPending releases every pending datagram in order without counting holes
func (b *Buffer) flushPending() {
	for _, seq := range b.sortedPending() {
		samples := b.pending[seq]
		delete(b.pending, seq)
		b.release(seq, samples)
	}
}

// Drain returns the ordered samples accumulated since the last drain
func (b *Buffer) Drain() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ordered) == 0 {
		return nil
	}
	out := make([]int16, len(b.ordered))
	copy(out, b.ordered)
	b.ordered = b.ordered[:0]
	return out
}

// Flush releases all pending datagrams without waiting for their holes, then drains
func (b *Buffer) Flush() []int16 {
	b.mu.Lock()
	b.flushPending()
	b.mu.Unlock()
	return b.Drain()
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lossRate := float64(0)
	if expected := b.totalPackets + b.lostCount; expected > 0 {
		lossRate = float64(b.lostCount) / float64(expected) * 100
	}

	return BufferStats{
		Source:       b.source,
		TotalPackets: b.totalPackets,
		LostPackets:  b.lostCount,
		LossRate:     lossRate,
		Restarts:     b.restarts,
		Buffered:     len(b.ordered),
		PendingSeqs:  len(b.pending),
		LastSequence: b.lastSeq,
	}
}

// Source returns the sender address this buffer belongs to
func (b *Buffer) Source() string {
	return b.source
}

// GetLastSequence returns the last released sequence number
func (b *Buffer) GetLastSequence() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeq
}

// GetLastUpdate returns the time of the last buffer update
func (b *Buffer) GetLastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// Size returns the current number of ordered samples not yet drained
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ordered)
}

// GetLostPackets returns the number of sequence numbers given up as lost
func (b *Buffer) GetLostPackets() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lostCount
}
