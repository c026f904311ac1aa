// Package wire converts engine segments to and from the bytes that travel
// between virtual hosts: a standard 20 byte TCP header inside an IPv4 packet.
package wire

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"tcp-engine/pkg/tcp"
)

const (
	ProtocolTCP        = 6
	TCPHeaderLen       = header.TCPMinimumSize
	tcpPseudoHeaderLen = 12
)

var (
	ErrMalformed = errors.New("malformed packet")
	ErrChecksum  = errors.New("bad checksum")
)

// Endpoints names both ends of a segment on the virtual network.
type Endpoints struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
}

func toFields(seg tcp.Segment, ep Endpoints) header.TCPFields {
	var flags uint8
	if seg.Header.SYN {
		flags |= header.TCPFlagSyn
	}
	if seg.Header.ACK {
		flags |= header.TCPFlagAck
	}
	if seg.Header.FIN {
		flags |= header.TCPFlagFin
	}
	if seg.Header.RST {
		flags |= header.TCPFlagRst
	}
	return header.TCPFields{
		SrcPort:       ep.SrcPort,
		DstPort:       ep.DstPort,
		SeqNum:        uint32(seg.Header.SeqNo),
		AckNum:        uint32(seg.Header.AckNo),
		DataOffset:    TCPHeaderLen,
		Flags:         flags,
		WindowSize:    seg.Header.Window,
		Checksum:      0,
		UrgentPointer: 0,
	}
}

// EncodeSegment serializes seg with a checksum computed over the IPv4
// pseudo header for ep.
func EncodeSegment(seg tcp.Segment, ep Endpoints) []byte {
	fields := toFields(seg, ep)
	fields.Checksum = ComputeTCPChecksum(&fields, ep.SrcIP, ep.DstIP, seg.Payload)

	b := make([]byte, TCPHeaderLen+len(seg.Payload))
	header.TCP(b).Encode(&fields)
	copy(b[TCPHeaderLen:], seg.Payload)
	return b
}

// DecodeSegment parses a TCP header and payload that arrived from src to dst.
// Options are skipped. The payload aliases b.
func DecodeSegment(b []byte, src, dst netip.Addr) (tcp.Segment, Endpoints, error) {
	if len(b) < TCPHeaderLen {
		return tcp.Segment{}, Endpoints{}, errors.Wrapf(ErrMalformed, "tcp segment of %d bytes", len(b))
	}
	tcpHdr := header.TCP(b)
	offset := int(tcpHdr.DataOffset())
	if offset < TCPHeaderLen || offset > len(b) {
		return tcp.Segment{}, Endpoints{}, errors.Wrapf(ErrMalformed, "tcp data offset %d", offset)
	}
	fields := header.TCPFields{
		SrcPort:    tcpHdr.SourcePort(),
		DstPort:    tcpHdr.DestinationPort(),
		SeqNum:     tcpHdr.SequenceNumber(),
		AckNum:     tcpHdr.AckNumber(),
		DataOffset: tcpHdr.DataOffset(),
		Flags:      tcpHdr.Flags(),
		WindowSize: tcpHdr.WindowSize(),
		Checksum:   tcpHdr.Checksum(),
	}
	payload := b[offset:]

	// the checksum covers the options too, so verify over the raw bytes
	if !validTCPChecksum(b, src, dst) {
		return tcp.Segment{}, Endpoints{}, errors.Wrapf(ErrChecksum, "tcp checksum %#04x", fields.Checksum)
	}

	seg := tcp.Segment{
		Header: tcp.Header{
			SeqNo:  seqnum.Value(fields.SeqNum),
			ACK:    fields.Flags&header.TCPFlagAck != 0,
			AckNo:  seqnum.Value(fields.AckNum),
			SYN:    fields.Flags&header.TCPFlagSyn != 0,
			FIN:    fields.Flags&header.TCPFlagFin != 0,
			RST:    fields.Flags&header.TCPFlagRst != 0,
			Window: fields.WindowSize,
		},
		Payload: payload,
	}
	ep := Endpoints{SrcIP: src, DstIP: dst, SrcPort: fields.SrcPort, DstPort: fields.DstPort}
	return seg, ep, nil
}

func pseudoHeader(src, dst netip.Addr, tcpLen int) []byte {
	b := make([]byte, tcpPseudoHeaderLen)
	copy(b[0:4], src.AsSlice())
	copy(b[4:8], dst.AsSlice())
	b[8] = 0
	b[9] = ProtocolTCP
	binary.BigEndian.PutUint16(b[10:12], uint16(tcpLen))
	return b
}

// ComputeTCPChecksum returns the checksum for a header without options. The
// Checksum field of tcpHdr must be zero.
func ComputeTCPChecksum(tcpHdr *header.TCPFields, src, dst netip.Addr, payload []byte) uint16 {
	headerBytes := header.TCP(make([]byte, TCPHeaderLen))
	headerBytes.Encode(tcpHdr)

	sum := header.Checksum(pseudoHeader(src, dst, TCPHeaderLen+len(payload)), 0)
	sum = header.Checksum(headerBytes, sum)
	sum = header.Checksum(payload, sum)
	return sum ^ 0xffff
}

// a segment with a correct checksum sums to all ones
func validTCPChecksum(b []byte, src, dst netip.Addr) bool {
	sum := header.Checksum(pseudoHeader(src, dst, len(b)), 0)
	return header.Checksum(b, sum) == 0xffff
}
