package monitor

import "github.com/SATYAM-KS/ClockTower/pkg/types"

// RollingBuffer keeps the most recent samples in insertion order, evicting
// the oldest once full. Entries are stored by pointer so that samplers can
// augment the latest sample in place. It is not safe for concurrent use; the
// owning [Session] serialises access.
type RollingBuffer struct {
	buf  []*types.SafetySample
	head int
	n    int
}

// NewRollingBuffer returns an empty buffer holding at most size samples.
func NewRollingBuffer(size int) *RollingBuffer {
	if size < 1 {
		size = 1
	}
	return &RollingBuffer{buf: make([]*types.SafetySample, size)}
}

// Push appends s, evicting the oldest sample when the buffer is full.
func (b *RollingBuffer) Push(s *types.SafetySample) {
	b.buf[(b.head+b.n)%len(b.buf)] = s
	if b.n < len(b.buf) {
		b.n++
		return
	}
	b.head = (b.head + 1) % len(b.buf)
}

// Len returns the number of buffered samples.
func (b *RollingBuffer) Len() int { return b.n }

// Cap returns the buffer capacity.
func (b *RollingBuffer) Cap() int { return len(b.buf) }

// Latest returns the newest sample, or nil when empty.
func (b *RollingBuffer) Latest() *types.SafetySample {
	if b.n == 0 {
		return nil
	}
	return b.buf[(b.head+b.n-1)%len(b.buf)]
}

// Last returns copies of the newest n samples, oldest first.
func (b *RollingBuffer) Last(n int) []types.SafetySample {
	if n > b.n {
		n = b.n
	}
	out := make([]types.SafetySample, n)
	start := b.n - n
	for i := range n {
		out[i] = *b.buf[(b.head+start+i)%len(b.buf)]
	}
	return out
}

// Reset drops every sample.
func (b *RollingBuffer) Reset() {
	clear(b.buf)
	b.head = 0
	b.n = 0
}
