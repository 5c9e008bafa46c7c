package chunk

import "math"

// MaxSequenceNumber is the largest sequence number before wrapping to 1.
const MaxSequenceNumber uint32 = math.MaxUint32

// SequenceNumberGenerator hands out chunk sequence numbers for one direction
// of a channel. It is owned by a single sender and is not synchronised.
type SequenceNumberGenerator struct {
	next uint32
}

func NewSequenceNumberGenerator() *SequenceNumberGenerator {
	return &SequenceNumberGenerator{next: 1}
}

// Next returns the current value and advances, wrapping MaxSequenceNumber to 1.
func (g *SequenceNumberGenerator) Next() uint32 {
	if g.next == 0 {
		g.next = 1
	}
	current := g.next
	if g.next == MaxSequenceNumber {
		g.next = 1
	} else {
		g.next++
	}
	return current
}

// Future returns the value the next call to Next will produce.
func (g *SequenceNumberGenerator) Future() uint32 {
	if g.next == 0 {
		return 1
	}
	return g.next
}

// Set forces the value the next call to Next will produce.
func (g *SequenceNumberGenerator) Set(v uint32) {
	g.next = v
}

// nextAfter is the sequence number expected after n.
func nextAfter(n uint32) uint32 {
	if n == MaxSequenceNumber {
		return 1
	}
	return n + 1
}
