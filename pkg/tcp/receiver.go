package tcp

import (
	"github.com/google/netstack/tcpip/seqnum"

	"tcp-engine/pkg/bytestream"
	"tcp-engine/pkg/reassembler"
	"tcp-engine/pkg/seqspace"
)

// Receiver turns inbound segments into an in-order byte stream and works out
// the ackno and window to advertise back.
type Receiver struct {
	reassembler *reassembler.Reassembler
	capacity    int
	isn         seqnum.Value
	synReceived bool
	ackno       seqnum.Value
}

func NewReceiver(capacity int) (*Receiver, error) {
	r, err := reassembler.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Receiver{
		reassembler: r,
		capacity:    capacity,
	}, nil
}

func (receiver *Receiver) SegmentReceived(seg Segment) {
	hdr := seg.Header
	if hdr.SYN && !receiver.synReceived {
		receiver.synReceived = true
		receiver.isn = hdr.SeqNo
	}
	if !receiver.synReceived {
		return
	}

	stream := receiver.StreamOut()
	checkpoint := stream.BytesWritten() + 1
	seqno := hdr.SeqNo
	if hdr.SYN {
		// payload starts one past the SYN
		seqno = seqno.Add(1)
	}
	abs := seqspace.Unwrap(seqno, receiver.isn, checkpoint)
	if abs == 0 {
		// claims the SYN's slot
		return
	}
	receiver.reassembler.PushSubstring(seg.Payload, abs-1, hdr.FIN)

	next := stream.BytesWritten() + 1
	if stream.InputEnded() {
		next++
	}
	receiver.ackno = seqspace.Wrap(next, receiver.isn)
}

// AckNo returns the next sequence number expected from the peer. The second
// return value is false until a SYN has arrived.
func (receiver *Receiver) AckNo() (seqnum.Value, bool) {
	return receiver.ackno, receiver.synReceived
}

// WindowSize is the room left in the inbound stream.
func (receiver *Receiver) WindowSize() uint64 {
	return uint64(receiver.capacity - receiver.StreamOut().BufferSize())
}

func (receiver *Receiver) UnassembledBytes() int { return receiver.reassembler.UnassembledBytes() }

func (receiver *Receiver) StreamOut() *bytestream.ByteStream { return receiver.reassembler.Output() }
