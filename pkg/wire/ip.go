package wire

import (
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"tcp-engine/pkg/tcp"
)

const DefaultTTL = 16

type IPPacket struct {
	Header  *ipv4header.IPv4Header
	Payload []byte
}

// ComputeChecksum returns the IPv4 header checksum for headerBytes, whose
// checksum field must be zero.
func ComputeChecksum(headerBytes []byte) uint16 {
	checksum := header.Checksum(headerBytes, 0)
	return checksum ^ 0xffff
}

// WrapIPv4 puts data in an IPv4 packet carrying protocol 6.
func WrapIPv4(src, dst netip.Addr, ttl int, data []byte) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, errors.Errorf("ipv4 addresses required, got %s -> %s", src, dst)
	}
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen,
		TOS:      0,
		TotalLen: ipv4header.HeaderLen + len(data),
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      ttl,
		Protocol: ProtocolTCP,
		Checksum: 0,
		Src:      src,
		Dst:      dst,
		Options:  []byte{},
	}
	headerBytes, err := hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshalling ipv4 header")
	}
	hdr.Checksum = int(ComputeChecksum(headerBytes))
	headerBytes, err = hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshalling ipv4 header")
	}

	packet := make([]byte, 0, len(headerBytes)+len(data))
	packet = append(packet, headerBytes...)
	packet = append(packet, data...)
	return packet, nil
}

// UnwrapIPv4 parses and checks an IPv4 packet holding a TCP segment.
func UnwrapIPv4(b []byte) (*IPPacket, error) {
	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "parsing ipv4 header: %v", err)
	}
	if hdr.Len < ipv4header.HeaderLen || hdr.Len > len(b) {
		return nil, errors.Wrapf(ErrMalformed, "ipv4 header length %d", hdr.Len)
	}
	if header.Checksum(b[:hdr.Len], 0) != 0xffff {
		return nil, errors.Wrapf(ErrChecksum, "ipv4 checksum %#04x", hdr.Checksum)
	}
	if hdr.Protocol != ProtocolTCP {
		return nil, errors.Wrapf(ErrMalformed, "ip protocol %d", hdr.Protocol)
	}
	end := len(b)
	if hdr.TotalLen >= hdr.Len && hdr.TotalLen < end {
		end = hdr.TotalLen
	}
	return &IPPacket{Header: hdr, Payload: b[hdr.Len:end]}, nil
}

// EncodePacket serializes seg and wraps it in an IPv4 packet for ep.
func EncodePacket(seg tcp.Segment, ep Endpoints, ttl int) ([]byte, error) {
	return WrapIPv4(ep.SrcIP, ep.DstIP, ttl, EncodeSegment(seg, ep))
}

// DecodePacket is the inverse of EncodePacket.
func DecodePacket(b []byte) (tcp.Segment, Endpoints, error) {
	packet, err := UnwrapIPv4(b)
	if err != nil {
		return tcp.Segment{}, Endpoints{}, err
	}
	return DecodeSegment(packet.Payload, packet.Header.Src, packet.Header.Dst)
}
