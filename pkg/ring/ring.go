// Package ring implements the fixed-capacity circular byte buffer used for
// per-connection send and receive queues.
package ring

// Buffer is a circular byte store with separate read and write cursors.
// Write never overwrites unread bytes; both Read and Write return short
// counts instead of blocking.
type Buffer struct {
	buf  []byte
	r    int // read cursor
	w    int // write cursor
	used int
}

// New returns a buffer holding up to capacity bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.used }

// Free returns the number of bytes that can be written without wrapping
// into unread data.
func (b *Buffer) Free() int { return len(b.buf) - b.used }

// Write copies as much of p as fits and returns the number of bytes
// accepted. A short count means the buffer is full.
func (b *Buffer) Write(p []byte) int {
	n := len(p)
	if free := b.Free(); n > free {
		n = free
	}
	for i := 0; i < n; {
		c := copy(b.buf[b.w:], p[i:n])
		b.w = (b.w + c) % len(b.buf)
		i += c
	}
	b.used += n
	return n
}

// Read copies up to len(p) unread bytes into p, consuming them.
func (b *Buffer) Read(p []byte) int {
	n := b.Peek(p, 0)
	b.Skip(n)
	return n
}

// Peek copies up to len(p) bytes starting offset bytes past the read cursor
// without consuming them. Retransmission reads in-flight data this way.
func (b *Buffer) Peek(p []byte, offset int) int {
	if offset < 0 || offset >= b.used {
		return 0
	}
	n := len(p)
	if avail := b.used - offset; n > avail {
		n = avail
	}
	pos := (b.r + offset) % len(b.buf)
	for i := 0; i < n; {
		c := copy(p[i:n], b.buf[pos:])
		pos = (pos + c) % len(b.buf)
		i += c
	}
	return n
}

// Skip consumes n unread bytes. Skipping more than Len consumes everything.
func (b *Buffer) Skip(n int) {
	if n > b.used {
		n = b.used
	}
	if n <= 0 {
		return
	}
	b.r = (b.r + n) % len(b.buf)
	b.used -= n
}

// Reset discards all unread bytes.
func (b *Buffer) Reset() {
	b.r, b.w, b.used = 0, 0, 0
}
