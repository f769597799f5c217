package tcp

// buffer is a bounded circular byte buffer. The send buffer keeps the bytes
// from the oldest unacknowledged one onwards; the receive buffer keeps the
// in-order bytes the application has not read yet.
type buffer struct {
	data  []byte
	start int
	size  int
}

func newBuffer(capacity int) *buffer {
	return &buffer{data: make([]byte, capacity)}
}

func (b *buffer) Len() int  { return b.size }
func (b *buffer) Cap() int  { return len(b.data) }
func (b *buffer) Free() int { return len(b.data) - b.size }

// Write appends as much of p as fits and returns the number of bytes
// copied.
func (b *buffer) Write(p []byte) int {
	n := len(p)
	if free := b.Free(); n > free {
		n = free
	}

	end := (b.start + b.size) % len(b.data)
	copied := copy(b.data[end:], p[:n])
	copy(b.data, p[copied:n])
	b.size += n
	return n
}

// Peek copies the bytes starting at offset off into p without consuming
// them.
func (b *buffer) Peek(off int, p []byte) int {
	if off >= b.size {
		return 0
	}

	n := len(p)
	if avail := b.size - off; n > avail {
		n = avail
	}

	pos := (b.start + off) % len(b.data)
	copied := copy(p[:n], b.data[pos:])
	copy(p[copied:n], b.data)
	return n
}

// Read consumes up to len(p) bytes into p.
func (b *buffer) Read(p []byte) int {
	n := b.Peek(0, p)
	b.Discard(n)
	return n
}

// Discard consumes n bytes.
func (b *buffer) Discard(n int) {
	if n > b.size {
		n = b.size
	}

	b.start = (b.start + n) % len(b.data)
	b.size -= n
	if b.size == 0 {
		b.start = 0
	}
}

// Reset drops the buffered bytes.
func (b *buffer) Reset() {
	b.start, b.size = 0, 0
}
