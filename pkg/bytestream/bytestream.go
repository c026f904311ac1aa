package bytestream

import (
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
)

// ErrInvalidCapacity is returned when a stream is built with no room at all.
var ErrInvalidCapacity = errors.New("invalid capacity")

// ByteStream is a fixed-capacity FIFO of bytes. One side writes, the other
// reads; the writer signals it is done with EndInput.
type ByteStream struct {
	buf          *ringbuffer.RingBuffer // bytes written but not yet read
	bytesWritten uint64                 // cumulative bytes accepted by Write
	bytesRead    uint64                 // cumulative bytes removed by Pop
	inputEnded   bool                   // producer is finished
	err          bool                   // stream suffered an error
}

func New(capacity int) (*ByteStream, error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(ErrInvalidCapacity, "byte stream capacity %d", capacity)
	}
	return &ByteStream{buf: ringbuffer.New(capacity)}, nil
}

// Write accepts as many bytes of data as fit and returns how many were taken.
func (stream *ByteStream) Write(data []byte) int {
	n := min(len(data), stream.buf.Free())
	if n == 0 {
		return 0
	}
	written, _ := stream.buf.Write(data[:n])
	stream.bytesWritten += uint64(written)
	return written
}

// Peek copies up to n buffered bytes without consuming them.
func (stream *ByteStream) Peek(n int) []byte {
	n = max(min(n, stream.buf.Length()), 0)
	if n == 0 {
		return []byte{}
	}
	return stream.buf.Bytes()[:n]
}

// Pop discards up to n buffered bytes.
func (stream *ByteStream) Pop(n int) {
	stream.take(n)
}

// Read is Peek followed by Pop.
func (stream *ByteStream) Read(n int) []byte {
	return stream.take(n)
}

func (stream *ByteStream) take(n int) []byte {
	n = max(min(n, stream.buf.Length()), 0)
	if n == 0 {
		return []byte{}
	}
	out := make([]byte, n)
	read, _ := stream.buf.Read(out)
	stream.bytesRead += uint64(read)
	return out[:read]
}

func (stream *ByteStream) EndInput() { stream.inputEnded = true }

func (stream *ByteStream) InputEnded() bool { return stream.inputEnded }

func (stream *ByteStream) SetError() { stream.err = true }

func (stream *ByteStream) HasError() bool { return stream.err }

func (stream *ByteStream) BufferSize() int { return stream.buf.Length() }

func (stream *ByteStream) BufferEmpty() bool { return stream.buf.IsEmpty() }

// EOF reports that the producer is done and every byte has been read.
func (stream *ByteStream) EOF() bool {
	return stream.inputEnded && stream.buf.IsEmpty()
}

func (stream *ByteStream) BytesWritten() uint64 { return stream.bytesWritten }

func (stream *ByteStream) BytesRead() uint64 { return stream.bytesRead }

func (stream *ByteStream) Capacity() int { return stream.buf.Capacity() }

func (stream *ByteStream) RemainingCapacity() int { return stream.buf.Free() }
