package host

import (
	"fmt"
	"net/netip"
	"strings"

	"tcp-engine/pkg/tcp"
)

// Status is a snapshot of the host's connection.
type Status struct {
	State             tcp.TCPState
	LocalVIP          netip.Addr
	LocalPort         uint16
	RemoteVIP         netip.Addr
	RemotePort        uint16
	BytesInFlight     uint64
	UnassembledBytes  int
	BufferedInbound   int    // received bytes waiting for Read
	OutboundRemaining int    // room left for Write
	BytesReceived     uint64 // total bytes assembled from the peer
	BytesSent         uint64 // total bytes written by the application
}

func (host *Host) Status() Status {
	host.mutex.Lock()
	defer host.mutex.Unlock()
	return Status{
		State:             host.conn.State(),
		LocalVIP:          host.localVIP,
		LocalPort:         host.localPort,
		RemoteVIP:         host.remoteVIP,
		RemotePort:        host.remotePort,
		BytesInFlight:     host.conn.BytesInFlight(),
		UnassembledBytes:  host.conn.UnassembledBytes(),
		BufferedInbound:   host.conn.InboundStream().BufferSize(),
		OutboundRemaining: host.conn.RemainingOutboundCapacity(),
		BytesReceived:     host.conn.InboundStream().BytesWritten(),
		BytesSent:         host.conn.OutboundStream().BytesWritten(),
	}
}

func formatAddr(addr netip.Addr) string {
	if !addr.IsValid() {
		return "*"
	}
	return addr.String()
}

func (status Status) String() string {
	var b strings.Builder
	b.WriteString("LAddr           LPort  RAddr           RPort  Status\n")
	remotePort := "*"
	if status.RemotePort != 0 {
		remotePort = fmt.Sprint(status.RemotePort)
	}
	fmt.Fprintf(&b, "%-15s %-6d %-15s %-6s %s\n",
		formatAddr(status.LocalVIP), status.LocalPort, formatAddr(status.RemoteVIP), remotePort, status.State)
	fmt.Fprintf(&b, "in flight %d, unassembled %d, buffered %d, send room %d, sent %d, received %d",
		status.BytesInFlight, status.UnassembledBytes, status.BufferedInbound,
		status.OutboundRemaining, status.BytesSent, status.BytesReceived)
	return b.String()
}
