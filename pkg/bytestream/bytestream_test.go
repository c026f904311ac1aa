package bytestream

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZeroCapacity(t *testing.T) {
	stream, err := New(0)
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.True(t, errors.Is(err, ErrInvalidCapacity))
}

func TestWriteRespectsCapacity(t *testing.T) {
	stream, err := New(5)
	require.NoError(t, err)

	assert.Equal(t, 3, stream.Write([]byte("abc")))
	assert.Equal(t, 2, stream.RemainingCapacity())
	assert.Equal(t, 2, stream.Write([]byte("defgh")))
	assert.Equal(t, 0, stream.Write([]byte("x")))
	assert.Equal(t, uint64(5), stream.BytesWritten())
	assert.Equal(t, 5, stream.BufferSize())

	assert.Equal(t, []byte("ab"), stream.Peek(2))
	assert.Equal(t, 5, stream.BufferSize())

	stream.Pop(2)
	assert.Equal(t, uint64(2), stream.BytesRead())
	assert.Equal(t, 2, stream.RemainingCapacity())
	assert.Equal(t, 2, stream.Write([]byte("fg")))
	assert.Equal(t, []byte("cdefg"), stream.Read(10))
	assert.True(t, stream.BufferEmpty())
}

func TestEOF(t *testing.T) {
	stream, err := New(4)
	require.NoError(t, err)

	stream.Write([]byte("hi"))
	stream.EndInput()
	stream.EndInput()
	assert.True(t, stream.InputEnded())
	assert.False(t, stream.EOF())

	assert.Equal(t, []byte("hi"), stream.Read(2))
	assert.True(t, stream.EOF())
}

func TestPopMoreThanBuffered(t *testing.T) {
	stream, err := New(4)
	require.NoError(t, err)

	stream.Write([]byte("ab"))
	stream.Pop(10)
	assert.Equal(t, uint64(2), stream.BytesRead())
	assert.Empty(t, stream.Read(1))
}

func TestError(t *testing.T) {
	stream, err := New(1)
	require.NoError(t, err)
	assert.False(t, stream.HasError())
	stream.SetError()
	assert.True(t, stream.HasError())
}

func TestRandomWritesAndReads(t *testing.T) {
	const capacity = 64
	rng := rand.New(rand.NewSource(1))
	stream, err := New(capacity)
	require.NoError(t, err)

	var written, read bytes.Buffer
	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 {
			chunk := make([]byte, rng.Intn(20))
			rng.Read(chunk)
			before := stream.RemainingCapacity()
			n := stream.Write(chunk)
			require.LessOrEqual(t, n, before)
			written.Write(chunk[:n])
		} else {
			read.Write(stream.Read(rng.Intn(20)))
		}
		require.LessOrEqual(t, stream.BytesWritten()-stream.BytesRead(), uint64(capacity))
	}
	read.Write(stream.Read(capacity))
	assert.Equal(t, written.Bytes(), read.Bytes())
}

func TestNegativeCountsAreEmpty(t *testing.T) {
	stream, err := New(4)
	require.NoError(t, err)
	stream.Write([]byte("abc"))

	assert.Empty(t, stream.Peek(-1))
	assert.Empty(t, stream.Read(-5))
	stream.Pop(-2)
	assert.Equal(t, uint64(0), stream.BytesRead())
	assert.Equal(t, 3, stream.BufferSize())
}

func TestPeekAcrossWrap(t *testing.T) {
	stream, err := New(4)
	require.NoError(t, err)

	require.Equal(t, 4, stream.Write([]byte("abcd")))
	stream.Pop(3)
	require.Equal(t, 3, stream.Write([]byte("efg")))
	assert.Equal(t, 0, stream.RemainingCapacity())
	assert.Equal(t, []byte("defg"), stream.Peek(4))
	assert.Equal(t, []byte("de"), stream.Read(2))
	assert.Equal(t, 4, stream.Capacity())
}
