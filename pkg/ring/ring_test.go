package ring

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFIFO(t *testing.T) {
	b := New(8)
	assert.Equal(t, 8, b.Cap())

	n := b.Write([]byte("abc"))
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 5, b.Free())

	out := make([]byte, 8)
	n = b.Read(out)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("abc"), out[:3])
	assert.Equal(t, 0, b.Len())
}

func TestShortWriteWhenFull(t *testing.T) {
	b := New(4)
	assert.Equal(t, 4, b.Write([]byte("abcdef")))
	assert.Equal(t, 0, b.Write([]byte("x")))
	assert.Equal(t, 0, b.Free())

	out := make([]byte, 4)
	b.Read(out)
	assert.Equal(t, []byte("abcd"), out)
}

func TestWraparound(t *testing.T) {
	b := New(4)
	b.Write([]byte("ab"))
	out := make([]byte, 2)
	b.Read(out)

	// Cursors are now mid-buffer; this write wraps.
	require.Equal(t, 4, b.Write([]byte("cdef")))
	got := make([]byte, 4)
	require.Equal(t, 4, b.Read(got))
	assert.Equal(t, []byte("cdef"), got)
}

func TestPeekAndSkip(t *testing.T) {
	b := New(16)
	b.Write([]byte("0123456789"))

	p := make([]byte, 4)
	assert.Equal(t, 4, b.Peek(p, 0))
	assert.Equal(t, []byte("0123"), p)

	assert.Equal(t, 4, b.Peek(p, 4))
	assert.Equal(t, []byte("4567"), p)

	// Peek does not consume.
	assert.Equal(t, 10, b.Len())

	b.Skip(8)
	assert.Equal(t, 2, b.Read(p))
	assert.Equal(t, []byte("89"), p[:2])

	// Offset past the end yields nothing.
	assert.Equal(t, 0, b.Peek(p, 1))
}

func TestByteExactAcrossManyWraps(t *testing.T) {
	b := New(7)
	var in, out bytes.Buffer
	chunk := []byte("abcdefghij")
	for i := 0; i < 100; i++ {
		n := b.Write(chunk)
		in.Write(chunk[:n])
		tmp := make([]byte, 5)
		m := b.Read(tmp)
		out.Write(tmp[:m])
	}
	tmp := make([]byte, 7)
	for b.Len() > 0 {
		m := b.Read(tmp)
		out.Write(tmp[:m])
	}
	assert.Equal(t, in.Bytes(), out.Bytes())
}
