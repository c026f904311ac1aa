package tcp

type TCPState int

const (
	IDLE        TCPState = iota // nothing sent or received
	HANDSHAKING                 // a SYN is out or in, not both acknowledged
	ESTABLISHED
	HALF_CLOSING // one direction has seen its FIN
	LINGERING    // both directions done, waiting out a quiet period
	CLOSED
	ABORTED // RST sent or received, or retransmissions exhausted
)

var stateNames = map[TCPState]string{
	IDLE:         "IDLE",
	HANDSHAKING:  "HANDSHAKING",
	ESTABLISHED:  "ESTABLISHED",
	HALF_CLOSING: "HALF_CLOSING",
	LINGERING:    "LINGERING",
	CLOSED:       "CLOSED",
	ABORTED:      "ABORTED",
}

func (state TCPState) String() string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return "UNKNOWN"
}

// State derives the connection's current state from its sender and receiver.
func (tcpConn *Connection) State() TCPState {
	if tcpConn.aborted {
		return ABORTED
	}
	if !tcpConn.active {
		return CLOSED
	}

	_, synReceived := tcpConn.receiver.AckNo()
	synSent := tcpConn.sender.NextSeqnoAbsolute() > 0
	if !synSent && !synReceived {
		return IDLE
	}
	if !synReceived || !tcpConn.sender.SynAcked() {
		return HANDSHAKING
	}

	inboundDone := tcpConn.receiver.StreamOut().InputEnded()
	outboundDone := tcpConn.sender.FinSent()
	switch {
	case inboundDone && outboundDone && tcpConn.sender.BytesInFlight() == 0:
		return LINGERING
	case inboundDone || outboundDone:
		return HALF_CLOSING
	default:
		return ESTABLISHED
	}
}
