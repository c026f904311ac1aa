package reassembler

import (
	"tcp-engine/pkg/bytestream"
)

// Reassembler takes substrings of a byte stream, each tagged with the
// absolute index of its first byte, and writes them to its output stream
// in order. Bytes are buffered only inside the window
// [currIndex, currIndex+capacity); anything past it is dropped.
type Reassembler struct {
	output      *bytestream.ByteStream
	capacity    int
	buffer      []byte // ring store, buffer[head] holds currIndex
	present     []bool // whether the matching buffer slot is filled
	head        int
	currIndex   uint64 // next index to be written to output
	unassembled int    // filled slots not yet written to output

	eof      bool   // end of stream position is known
	eofIndex uint64 // index one past the last byte of the stream
}

// New builds a reassembler whose output stream and window both hold
// capacity bytes.
func New(capacity int) (*Reassembler, error) {
	output, err := bytestream.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Reassembler{
		output:   output,
		capacity: capacity,
		buffer:   make([]byte, capacity),
		present:  make([]bool, capacity),
	}, nil
}

func (r *Reassembler) Output() *bytestream.ByteStream { return r.output }

func (r *Reassembler) UnassembledBytes() int { return r.unassembled }

func (r *Reassembler) Empty() bool { return r.unassembled == 0 }

// PushSubstring hands the reassembler data starting at absolute index. Once
// eof has been seen and every byte up to it has been written, the output
// stream's input is ended.
func (r *Reassembler) PushSubstring(data []byte, index uint64, eof bool) {
	r.drain()

	// Deliver the part of data that starts exactly at currIndex
	end := index + uint64(len(data))
	if index <= r.currIndex && r.currIndex < end {
		start := r.currIndex - index
		n := min(uint64(r.output.RemainingCapacity()), end-r.currIndex)
		r.output.Write(data[start : start+n])
		for i := uint64(0); i < n; i++ {
			if r.present[r.head] {
				// superseded by the bytes just written
				r.present[r.head] = false
				r.unassembled--
			}
			r.advance()
		}
	}

	r.drain()
	r.store(data, index)

	if eof && end <= r.currIndex+uint64(r.capacity) {
		r.eof = true
		r.eofIndex = end
	}
	r.maybeEndOutput()
}

// drain writes the filled slots at the front of the window to output.
func (r *Reassembler) drain() {
	for r.present[r.head] && r.output.RemainingCapacity() > 0 {
		r.output.Write(r.buffer[r.head : r.head+1])
		r.present[r.head] = false
		r.unassembled--
		r.advance()
	}
}

// store copies the in-window part of data into the ring. Slots that are
// already filled keep their first value.
func (r *Reassembler) store(data []byte, index uint64) {
	windowEnd := r.currIndex + uint64(r.capacity)
	for i := range data {
		abs := index + uint64(i)
		if abs < r.currIndex {
			continue
		}
		if abs >= windowEnd {
			break
		}
		slot := (r.head + int(abs-r.currIndex)) % r.capacity
		if !r.present[slot] {
			r.present[slot] = true
			r.buffer[slot] = data[i]
			r.unassembled++
		}
	}
}

func (r *Reassembler) maybeEndOutput() {
	if r.eof && r.unassembled == 0 && r.currIndex >= r.eofIndex && !r.output.InputEnded() {
		r.output.EndInput()
	}
}

func (r *Reassembler) advance() {
	r.currIndex++
	r.head++
	if r.head == r.capacity {
		r.head = 0
	}
}
