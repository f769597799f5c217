package kfmt

import "io"

// ringBufferSize defines size of the kernel message buffer. The ring buffer
// size must always be a power of 2.
const ringBufferSize = 16384

// ringBuffer models a ring buffer of size ringBufferSize. It retains the most
// recent kernel output for Dmesg and additionally tracks the portion of it
// that has not yet been delivered to an output sink.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// oldest points to the first retained byte; rIndex points to the
	// first byte not yet consumed by Read.
	oldest, rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer, overwriting the oldest
// data when the buffer is full.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
		if rb.oldest == rb.wIndex {
			rb.oldest = (rb.oldest + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) unconsumed bytes into p. It returns the number of
// bytes read (0 <= n <= len(p)) and any error encountered.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	switch {
	case rb.rIndex < rb.wIndex:
		n = copy(p, rb.buffer[rb.rIndex:rb.wIndex])
		rb.rIndex += n
		return n, nil
	case rb.rIndex > rb.wIndex:
		n = copy(p, rb.buffer[rb.rIndex:])
		rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
		return n, nil
	default: // rIndex == wIndex
		return 0, io.EOF
	}
}

// consumeAll marks all buffered data as read without copying it.
func (rb *ringBuffer) consumeAll() {
	rb.rIndex = rb.wIndex
}

// dump writes every retained byte to w without consuming it.
func (rb *ringBuffer) dump(w io.Writer) (int64, error) {
	if rb.oldest <= rb.wIndex {
		n, err := w.Write(rb.buffer[rb.oldest:rb.wIndex])
		return int64(n), err
	}

	n, err := w.Write(rb.buffer[rb.oldest:])
	if err != nil {
		return int64(n), err
	}
	n2, err := w.Write(rb.buffer[:rb.wIndex])
	return int64(n + n2), err
}
