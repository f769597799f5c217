package netdev

import "sync/atomic"

// Ring is a bounded single-producer single-consumer descriptor ring. The
// producer and the consumer may run on different goroutines; each index is
// only ever advanced by its owner.
type Ring struct {
	slots [][]byte
	mask  uint32

	// head is advanced by the consumer and tail by the producer.
	head uint32
	tail uint32
}

// NewRing allocates a ring with room for size descriptors. The size is
// rounded up to the next power of two.
func NewRing(size int) *Ring {
	n := 1
	for n < size {
		n <<= 1
	}

	return &Ring{
		slots: make([][]byte, n),
		mask:  uint32(n - 1),
	}
}

// Cap returns the number of descriptors in the ring.
func (r *Ring) Cap() int {
	return len(r.slots)
}

// Len returns the number of filled descriptors.
func (r *Ring) Len() int {
	return int(atomic.LoadUint32(&r.tail) - atomic.LoadUint32(&r.head))
}

// Push stores frame in the next free descriptor. It returns false if the
// ring is full.
func (r *Ring) Push(frame []byte) bool {
	tail := atomic.LoadUint32(&r.tail)
	if tail-atomic.LoadUint32(&r.head) == uint32(len(r.slots)) {
		return false
	}

	r.slots[tail&r.mask] = frame
	atomic.StoreUint32(&r.tail, tail+1)
	return true
}

// Pop removes the oldest filled descriptor from the ring.
func (r *Ring) Pop() ([]byte, bool) {
	head := atomic.LoadUint32(&r.head)
	if head == atomic.LoadUint32(&r.tail) {
		return nil, false
	}

	frame := r.slots[head&r.mask]
	r.slots[head&r.mask] = nil
	atomic.StoreUint32(&r.head, head+1)
	return frame, true
}
