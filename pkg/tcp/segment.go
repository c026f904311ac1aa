package tcp

import (
	"fmt"
	"strings"

	"github.com/google/netstack/tcpip/seqnum"
)

// Header holds the TCP header fields the engine cares about.
type Header struct {
	SeqNo  seqnum.Value
	ACK    bool
	AckNo  seqnum.Value
	SYN    bool
	FIN    bool
	RST    bool
	Window uint16
}

// Segment is a header plus payload. Segments are passed around by value;
// the payload is never modified after the segment is built.
type Segment struct {
	Header  Header
	Payload []byte
}

// LengthInSequenceSpace counts the payload plus one for each of SYN and FIN.
func (seg *Segment) LengthInSequenceSpace() uint64 {
	n := uint64(len(seg.Payload))
	if seg.Header.SYN {
		n++
	}
	if seg.Header.FIN {
		n++
	}
	return n
}

func (h Header) flagString() string {
	var flags []string
	if h.SYN {
		flags = append(flags, "SYN")
	}
	if h.ACK {
		flags = append(flags, "ACK")
	}
	if h.FIN {
		flags = append(flags, "FIN")
	}
	if h.RST {
		flags = append(flags, "RST")
	}
	return strings.Join(flags, "|")
}

func (seg Segment) String() string {
	s := fmt.Sprintf("[%s] seq=%d win=%d len=%d", seg.Header.flagString(), seg.Header.SeqNo, seg.Header.Window, len(seg.Payload))
	if seg.Header.ACK {
		s += fmt.Sprintf(" ack=%d", seg.Header.AckNo)
	}
	return s
}
