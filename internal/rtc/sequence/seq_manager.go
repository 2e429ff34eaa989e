// Package sequence maps input RTP sequence numbers and timestamps into
// a contiguous per-output-stream numbering space, with re-anchoring
// support for pause/resume boundaries.
package sequence

// Unsigned covers the two widths used by RTP: 16-bit sequence numbers
// and 32-bit timestamps.
type Unsigned interface {
	~uint16 | ~uint32
}

const maxDropped = 1000

// Manager rewrites an input numbering space into a contiguous output
// numbering space modulo the natural width of T.
type Manager[T Unsigned] struct {
	started   bool
	base      T
	maxInput  T
	maxOutput T
	dropped   []T
}

// NewManager returns a Manager whose first input maps to itself.
func NewManager[T Unsigned]() *Manager[T] {
	return &Manager[T]{}
}

// isHigherThan compares a and b with wraparound using the half-range
// rule of RFC 3550.
func isHigherThan[T Unsigned](a, b T) bool {
	half := ^T(0)/2 + 1
	return a != b && a-b < half
}

// Sync re-anchors the mapping so that Input(input) returns the current
// highest output. Callers pass the sequence number right before the
// next packet, so that packet continues the output run with no gap.
func (m *Manager[T]) Sync(input T) {
	m.base = m.maxOutput - input
	m.maxInput = input
	m.dropped = m.dropped[:0]
	m.started = true
}

// Drop marks an input value as dropped: later inputs shift down by one
// so the output space stays contiguous. The dropped set is bounded;
// oldest entries are discarded first.
func (m *Manager[T]) Drop(input T) {
	if len(m.dropped) == maxDropped {
		m.dropped = m.dropped[1:]
	}
	m.dropped = append(m.dropped, input)

	if !m.started || isHigherThan(input, m.maxInput) {
		m.maxInput = input
		m.started = true
	}
}

// Input maps an input value to its output value and advances the
// highest input/output watermarks.
func (m *Manager[T]) Input(input T) T {
	if !m.started {
		m.started = true
		m.maxInput = input
		m.maxOutput = input
		return input
	}

	output := input + m.base - m.droppedBefore(input)

	if isHigherThan(input, m.maxInput) {
		m.maxInput = input
	}
	if isHigherThan(output, m.maxOutput) {
		m.maxOutput = output
	}

	return output
}

// MaxOutput returns the highest output value produced so far.
func (m *Manager[T]) MaxOutput() T {
	return m.maxOutput
}

// droppedBefore counts dropped inputs at or below the given input and
// purges entries that can no longer affect future lookups once they
// fall half a range behind.
func (m *Manager[T]) droppedBefore(input T) T {
	var count T
	kept := m.dropped[:0]
	for _, d := range m.dropped {
		if !isHigherThan(d, input) {
			count++
		}
		// Entries more than half a range behind the highest input can
		// no longer affect lookups.
		if m.maxInput-d < ^T(0)/2 {
			kept = append(kept, d)
		}
	}
	m.dropped = kept
	return count
}

// SeqManager rewrites 16-bit RTP sequence numbers.
type SeqManager = Manager[uint16]

// TimestampManager rewrites 32-bit RTP timestamps.
type TimestampManager = Manager[uint32]

// NewSeqManager returns a sequence number manager.
func NewSeqManager() *SeqManager {
	return NewManager[uint16]()
}

// NewTimestampManager returns a timestamp manager.
func NewTimestampManager() *TimestampManager {
	return NewManager[uint32]()
}
