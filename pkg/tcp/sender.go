package tcp

import (
	"bytes"

	"github.com/google/btree"
	"github.com/google/netstack/tcpip/seqnum"

	"tcp-engine/pkg/bytestream"
	"tcp-engine/pkg/seqspace"
)

// outstandingSegment is a sent segment that has not been fully acknowledged,
// keyed by the absolute seqno of its first sequence-space unit.
type outstandingSegment struct {
	seqno   uint64
	segment Segment
}

func (o outstandingSegment) end() uint64 {
	return o.seqno + o.segment.LengthInSequenceSpace()
}

func outstandingLess(a, b outstandingSegment) bool { return a.seqno < b.seqno }

// Sender reads its outbound stream, cuts it into segments that fit the
// peer's window, and retransmits the oldest unacknowledged segment when the
// timer runs out.
type Sender struct {
	isn            seqnum.Value
	stream         *bytestream.ByteStream
	segmentsOut    []Segment
	outstanding    *btree.BTreeG[outstandingSegment] // retransmission queue, lowest seqno first
	maxPayloadSize int

	nextSeqno      uint64 // absolute seqno of the next unit to send
	windowSize     uint64 // sequence space we may still send into
	recvWindowSize uint16 // window the peer last advertised
	bytesInFlight  uint64
	highestAckno   uint64
	finSent        bool

	// retransmission timer, all in ms
	initialRTO                 uint64
	currentRTO                 uint64
	timeRemaining              uint64
	timerRunning               bool
	consecutiveRetransmissions uint
	lastRetransmitted          uint64
	totalRetransmissions       uint64
}

func NewSender(capacity int, initialRTO uint64, maxPayloadSize int, isn seqnum.Value) (*Sender, error) {
	stream, err := bytestream.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Sender{
		isn:            isn,
		stream:         stream,
		outstanding:    btree.NewG[outstandingSegment](2, outstandingLess),
		maxPayloadSize: maxPayloadSize,
		// Only the SYN fits until the peer tells us its window, and we assume
		// that window is open so lost SYNs back off like lost data
		windowSize:     1,
		recvWindowSize: 1,
		initialRTO:     initialRTO,
		currentRTO:     initialRTO,
		timeRemaining:  initialRTO,
	}, nil
}

// FillWindow sends as many segments as the window and the outbound stream
// allow.
func (sender *Sender) FillWindow() {
	var used uint64
	for !sender.finSent && used < sender.windowSize {
		seg := Segment{Header: Header{SeqNo: seqspace.Wrap(sender.nextSeqno, sender.isn)}}
		if sender.nextSeqno == 0 {
			seg.Header.SYN = true
			used++
		} else if sender.stream.BufferEmpty() && !sender.stream.InputEnded() {
			break
		}

		n := min(uint64(sender.maxPayloadSize), sender.windowSize-used)
		seg.Payload = sender.stream.Read(int(n))
		used += uint64(len(seg.Payload))

		if used < sender.windowSize && sender.stream.BufferEmpty() && sender.stream.InputEnded() {
			seg.Header.FIN = true
			used++
			sender.finSent = true
		}

		sender.send(seg)

		if sender.stream.BufferEmpty() {
			break
		}
	}
	sender.windowSize -= used
}

// send queues seg for transmission and tracks it until acknowledged.
func (sender *Sender) send(seg Segment) {
	length := seg.LengthInSequenceSpace()
	// the retransmission copy must not share a payload with what the caller drains
	kept := seg
	kept.Payload = bytes.Clone(seg.Payload)
	sender.outstanding.ReplaceOrInsert(outstandingSegment{seqno: sender.nextSeqno, segment: kept})
	sender.segmentsOut = append(sender.segmentsOut, seg)
	sender.nextSeqno += length
	sender.bytesInFlight += length
	if !sender.timerRunning {
		sender.timerRunning = true
		sender.timeRemaining = sender.currentRTO
	}
}

// AckReceived processes an ackno and window from the peer.
func (sender *Sender) AckReceived(ackno seqnum.Value, windowSize uint16) {
	ackAbs := seqspace.Unwrap(ackno, sender.isn, sender.nextSeqno)
	if ackAbs > sender.nextSeqno {
		// acks something we never sent
		return
	}

	sender.recvWindowSize = windowSize
	effectiveWindow := uint64(windowSize)
	if effectiveWindow == 0 {
		// Keep probing one unit at a time until the window reopens
		effectiveWindow = 1
	}

	sender.bytesInFlight = sender.nextSeqno - ackAbs
	if sender.bytesInFlight == 0 {
		sender.timerRunning = false
	}
	if ackAbs > sender.highestAckno {
		sender.highestAckno = ackAbs
		sender.currentRTO = sender.initialRTO
		sender.timeRemaining = sender.currentRTO
		sender.consecutiveRetransmissions = 0
	}

	for {
		oldest, ok := sender.outstanding.Min()
		if !ok || oldest.end() > ackAbs {
			break
		}
		sender.outstanding.DeleteMin()
	}

	if ackAbs+effectiveWindow > sender.nextSeqno {
		sender.windowSize = ackAbs + effectiveWindow - sender.nextSeqno
		sender.FillWindow()
	} else {
		sender.windowSize = 0
	}
}

// Tick advances the retransmission timer by msElapsed.
func (sender *Sender) Tick(msElapsed uint64) {
	if !sender.timerRunning {
		return
	}
	if msElapsed >= sender.timeRemaining {
		sender.timeRemaining = 0
	} else {
		sender.timeRemaining -= msElapsed
	}
	if sender.timeRemaining > 0 {
		return
	}

	oldest, ok := sender.outstanding.Min()
	if !ok {
		sender.timerRunning = false
		return
	}
	resend := oldest.segment
	resend.Payload = bytes.Clone(oldest.segment.Payload)
	sender.segmentsOut = append(sender.segmentsOut, resend)
	sender.totalRetransmissions++

	// Zero window probes are expected to go unanswered, so they are not
	// counted as loss
	if sender.recvWindowSize != 0 {
		if sender.consecutiveRetransmissions == 0 || sender.lastRetransmitted != oldest.seqno {
			sender.lastRetransmitted = oldest.seqno
			sender.consecutiveRetransmissions = 1
		} else {
			sender.consecutiveRetransmissions++
		}
		sender.currentRTO *= 2
	}
	sender.timeRemaining = sender.currentRTO
}

// SendEmptySegment queues a segment with no payload and no SYN/FIN. It takes
// no sequence space and is never retransmitted.
func (sender *Sender) SendEmptySegment() {
	sender.segmentsOut = append(sender.segmentsOut, sender.emptySegment())
}

func (sender *Sender) emptySegment() Segment {
	return Segment{Header: Header{SeqNo: seqspace.Wrap(sender.nextSeqno, sender.isn)}}
}

// popSegments hands over every queued segment.
func (sender *Sender) popSegments() []Segment {
	out := sender.segmentsOut
	sender.segmentsOut = nil
	return out
}

func (sender *Sender) ConsecutiveRetransmissions() uint { return sender.consecutiveRetransmissions }

// TotalRetransmissions counts every timer-driven resend over the sender's life.
func (sender *Sender) TotalRetransmissions() uint64 { return sender.totalRetransmissions }

func (sender *Sender) BytesInFlight() uint64 { return sender.bytesInFlight }

func (sender *Sender) NextSeqnoAbsolute() uint64 { return sender.nextSeqno }

func (sender *Sender) NextSeqno() seqnum.Value { return seqspace.Wrap(sender.nextSeqno, sender.isn) }

func (sender *Sender) ISN() seqnum.Value { return sender.isn }

func (sender *Sender) FinSent() bool { return sender.finSent }

// SynAcked reports that the peer has acknowledged our SYN.
func (sender *Sender) SynAcked() bool { return sender.highestAckno > 0 }

func (sender *Sender) CurrentRTO() uint64 { return sender.currentRTO }

func (sender *Sender) StreamIn() *bytestream.ByteStream { return sender.stream }

// SegmentsOut returns the queued segments without removing them.
func (sender *Sender) SegmentsOut() []Segment { return sender.segmentsOut }
