package tcp

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tcp-engine/pkg/bytestream"
)

// Connection is one full-duplex TCP endpoint built from a Sender and a
// Receiver. It is driven entirely by its callers: Connect, Write,
// EndInputStream, SegmentReceived and Tick. None of them block, and none may
// run concurrently on the same Connection.
//
// Segments produced by any call are queued; the caller collects them with
// DrainSegments and hands them to the network.
type Connection struct {
	cfg         Config
	sender      *Sender
	receiver    *Receiver
	segmentsOut []Segment

	active                       bool
	aborted                      bool
	lingerAfterStreamsFinish     bool
	timeSinceLastSegmentReceived uint64
	lastState                    TCPState
	retransmissionsSeen          uint64

	log      *logrus.Entry
	observer Observer
}

func NewConnection(cfg Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LingerMultiplier == 0 {
		cfg.LingerMultiplier = LingerMultiplier
	}

	sender, err := NewSender(cfg.SendCapacity, cfg.RTTimeout, cfg.MaxPayloadSize, cfg.isn())
	if err != nil {
		return nil, errors.Wrap(err, "creating sender")
	}
	receiver, err := NewReceiver(cfg.RecvCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "creating receiver")
	}

	return &Connection{
		cfg:                      cfg,
		sender:                   sender,
		receiver:                 receiver,
		active:                   true,
		lingerAfterStreamsFinish: true,
		lastState:                IDLE,
		log:                      cfg.logger(),
		observer:                 cfg.observer(),
	}, nil
}

// Connect sends the SYN.
func (tcpConn *Connection) Connect() {
	if !tcpConn.active {
		return
	}
	tcpConn.sender.FillWindow()
	tcpConn.flush()
	tcpConn.checkDone()
}

// Write queues as much of data as the outbound stream can hold and sends
// what the window allows. It returns the number of bytes accepted.
func (tcpConn *Connection) Write(data []byte) int {
	if !tcpConn.active {
		return 0
	}
	n := tcpConn.sender.StreamIn().Write(data)
	tcpConn.sender.FillWindow()
	tcpConn.flush()
	tcpConn.checkDone()
	return n
}

// EndInputStream closes our outbound direction. The FIN goes out once the
// outbound stream drains.
func (tcpConn *Connection) EndInputStream() {
	if !tcpConn.active {
		return
	}
	tcpConn.sender.StreamIn().EndInput()
	tcpConn.sender.FillWindow()
	tcpConn.flush()
	tcpConn.checkDone()
}

func (tcpConn *Connection) SegmentReceived(seg Segment) {
	if !tcpConn.active {
		return
	}
	tcpConn.observer.SegmentReceived(seg)
	hdr := seg.Header

	if hdr.RST {
		tcpConn.log.Info("connection reset by peer")
		tcpConn.abort("rst received")
		return
	}
	tcpConn.timeSinceLastSegmentReceived = 0

	if _, ok := tcpConn.receiver.AckNo(); !ok && !hdr.SYN {
		// nothing to attach this to before the handshake
		return
	}
	tcpConn.receiver.SegmentReceived(seg)

	// The peer finished first, so there is nobody left to retransmit a FIN
	// at us after ours is acknowledged
	if tcpConn.receiver.StreamOut().InputEnded() && !tcpConn.sender.StreamIn().InputEnded() {
		tcpConn.lingerAfterStreamsFinish = false
	}

	if hdr.ACK {
		tcpConn.sender.AckReceived(hdr.AckNo, hdr.Window)
	}

	ackno, hasAckno := tcpConn.receiver.AckNo()
	if seg.LengthInSequenceSpace() > 0 {
		// every segment that takes sequence space gets acknowledged
		tcpConn.sender.FillWindow()
		if len(tcpConn.sender.SegmentsOut()) == 0 {
			tcpConn.sender.SendEmptySegment()
		}
	} else if hasAckno && hdr.SeqNo == ackno-1 {
		// keepalive
		tcpConn.sender.SendEmptySegment()
	}
	tcpConn.flush()
	tcpConn.checkDone()
}

// Tick tells the connection msElapsed milliseconds have passed.
func (tcpConn *Connection) Tick(msElapsed uint64) {
	if !tcpConn.active {
		return
	}
	tcpConn.sender.Tick(msElapsed)
	if tcpConn.sender.ConsecutiveRetransmissions() > tcpConn.cfg.MaxRetxAttempts {
		tcpConn.log.WithField("retransmissions", tcpConn.sender.ConsecutiveRetransmissions()).
			Info("too many consecutive retransmissions, resetting connection")
		tcpConn.sender.popSegments()
		tcpConn.sendReset("retransmissions exhausted")
		return
	}

	tcpConn.flush()
	tcpConn.timeSinceLastSegmentReceived += msElapsed
	tcpConn.checkDone()
}

// Shutdown must be called by the owner before dropping a Connection. A
// connection that is still active gets a courtesy RST. Nothing that goes
// wrong in here escapes; failures are logged.
func (tcpConn *Connection) Shutdown() {
	defer func() {
		if r := recover(); r != nil {
			tcpConn.log.WithField("panic", r).Error("failed to shut down connection")
		}
	}()
	if !tcpConn.active {
		return
	}
	tcpConn.log.Warn("unclean shutdown of connection, sending RST")
	tcpConn.sendReset("shutdown while active")
}

// DrainSegments returns every segment queued for the network, oldest first,
// and empties the queue.
func (tcpConn *Connection) DrainSegments() []Segment {
	out := tcpConn.segmentsOut
	tcpConn.segmentsOut = nil
	return out
}

func (tcpConn *Connection) Active() bool { return tcpConn.active }

// Read takes up to n bytes the peer has sent.
func (tcpConn *Connection) Read(n int) []byte {
	return tcpConn.receiver.StreamOut().Read(n)
}

func (tcpConn *Connection) InboundStream() *bytestream.ByteStream { return tcpConn.receiver.StreamOut() }

func (tcpConn *Connection) OutboundStream() *bytestream.ByteStream { return tcpConn.sender.StreamIn() }

func (tcpConn *Connection) RemainingOutboundCapacity() int {
	return tcpConn.sender.StreamIn().RemainingCapacity()
}

func (tcpConn *Connection) BytesInFlight() uint64 { return tcpConn.sender.BytesInFlight() }

func (tcpConn *Connection) UnassembledBytes() int { return tcpConn.receiver.UnassembledBytes() }

func (tcpConn *Connection) TimeSinceLastSegmentReceived() uint64 {
	return tcpConn.timeSinceLastSegmentReceived
}

func (tcpConn *Connection) LingerAfterStreamsFinish() bool { return tcpConn.lingerAfterStreamsFinish }

// flush moves the sender's segments to the outbound queue, stamping each
// with our current ackno and window.
func (tcpConn *Connection) flush() {
	for ; tcpConn.retransmissionsSeen < tcpConn.sender.TotalRetransmissions(); tcpConn.retransmissionsSeen++ {
		tcpConn.observer.Retransmitted()
	}
	for _, seg := range tcpConn.sender.popSegments() {
		tcpConn.stamp(&seg)
		tcpConn.queue(seg)
	}
}

func (tcpConn *Connection) stamp(seg *Segment) {
	seg.Header.Window = uint16(min(tcpConn.receiver.WindowSize(), math.MaxUint16))
	if ackno, ok := tcpConn.receiver.AckNo(); ok {
		seg.Header.ACK = true
		seg.Header.AckNo = ackno
	}
}

func (tcpConn *Connection) queue(seg Segment) {
	tcpConn.segmentsOut = append(tcpConn.segmentsOut, seg)
	tcpConn.observer.SegmentSent(seg)
}

// sendReset aborts the connection and queues an RST for the peer. The
// connection is dead before any observer hears about it.
func (tcpConn *Connection) sendReset(reason string) {
	seg := tcpConn.sender.emptySegment()
	seg.Header.RST = true
	tcpConn.markAborted()
	tcpConn.queue(seg)
	tcpConn.observer.Aborted(reason)
	tcpConn.logTransition()
}

func (tcpConn *Connection) abort(reason string) {
	tcpConn.markAborted()
	tcpConn.observer.Aborted(reason)
	tcpConn.logTransition()
}

func (tcpConn *Connection) markAborted() {
	tcpConn.sender.StreamIn().SetError()
	tcpConn.receiver.StreamOut().SetError()
	tcpConn.active = false
	tcpConn.aborted = true
}

// checkDone deactivates the connection once both streams are finished and
// everything we sent is acknowledged, lingering first if required.
func (tcpConn *Connection) checkDone() {
	done := tcpConn.receiver.StreamOut().InputEnded() &&
		tcpConn.sender.StreamIn().InputEnded() &&
		tcpConn.sender.BytesInFlight() == 0
	if done && tcpConn.lingerAfterStreamsFinish {
		done = tcpConn.timeSinceLastSegmentReceived >= tcpConn.cfg.LingerMultiplier*tcpConn.cfg.RTTimeout
	}
	if done {
		tcpConn.active = false
	}
	tcpConn.logTransition()
}

func (tcpConn *Connection) logTransition() {
	state := tcpConn.State()
	if state == tcpConn.lastState {
		return
	}
	tcpConn.log.WithFields(logrus.Fields{
		"from": tcpConn.lastState.String(),
		"to":   state.String(),
	}).Debug("state change")
	tcpConn.lastState = state
}
