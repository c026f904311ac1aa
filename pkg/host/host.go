// Package host runs a single TCP connection between two virtual hosts. Each
// host owns a UDP socket that stands in for its link; segments travel inside
// IPv4 packets addressed to virtual IPs.
package host

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tcp-engine/pkg/config"
	"tcp-engine/pkg/tcp"
	"tcp-engine/pkg/wire"
)

const (
	maxDatagram = 1 << 16
	readPoll    = 100 * time.Millisecond
)

type Host struct {
	ID uuid.UUID

	cfg  *config.Config
	conn *tcp.Connection
	udp  *net.UDPConn
	peer *net.UDPAddr // link peer, nil until known

	localVIP   netip.Addr
	localPort  uint16
	remoteVIP  netip.Addr // zero addr accepts any peer when listening
	remotePort uint16     // 0 until the peer's SYN arrives when listening

	mutex        sync.Mutex
	log          *logrus.Entry
	shutdownOnce sync.Once
	done         chan struct{}
}

// New binds the host's UDP socket and builds its connection. observer may be
// nil; logger defaults to the standard logger.
func New(cfg *config.Config, observer tcp.Observer, logger *logrus.Logger) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	id := uuid.New()
	log := logger.WithFields(logrus.Fields{"host": id.String(), "vip": cfg.Host.LocalVIP})

	tcpCfg := cfg.ToTCPConfig()
	tcpCfg.Logger = log.WithField("component", "tcp")
	tcpCfg.Observer = observer
	conn, err := tcp.NewConnection(tcpCfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating connection")
	}

	host := &Host{
		ID:        id,
		cfg:       cfg,
		conn:      conn,
		localVIP:  netip.MustParseAddr(cfg.Host.LocalVIP),
		localPort: cfg.Host.LocalPort,
		log:       log,
		done:      make(chan struct{}),
	}
	if cfg.Host.RemoteVIP != "" {
		host.remoteVIP = netip.MustParseAddr(cfg.Host.RemoteVIP)
	}
	if cfg.Host.Mode == config.ModeConnect {
		host.remotePort = cfg.Host.RemotePort
	}
	if cfg.Host.RemoteUDP != "" {
		host.peer = net.UDPAddrFromAddrPort(netip.MustParseAddrPort(cfg.Host.RemoteUDP))
	}

	local := net.UDPAddrFromAddrPort(netip.MustParseAddrPort(cfg.Host.LocalUDP))
	host.udp, err = net.ListenUDP("udp4", local)
	if err != nil {
		return nil, errors.Wrapf(err, "binding %s", cfg.Host.LocalUDP)
	}
	return host, nil
}

// LocalAddr is the bound UDP address of the host's link.
func (host *Host) LocalAddr() net.Addr { return host.udp.LocalAddr() }

// Done is closed once Run has returned.
func (host *Host) Done() <-chan struct{} { return host.done }

// Run drives the connection until ctx is cancelled or the connection
// finishes. In connect mode it sends the SYN first.
func (host *Host) Run(ctx context.Context) error {
	defer close(host.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if host.cfg.Host.Mode == config.ModeConnect {
		host.mutex.Lock()
		host.conn.Connect()
		host.flushLocked()
		host.mutex.Unlock()
	}
	host.log.WithField("mode", host.cfg.Host.Mode).Info("host running")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return host.receiveLoop(ctx) })
	g.Go(func() error {
		defer cancel()
		return host.tickLoop(ctx)
	})
	return g.Wait()
}

func (host *Host) receiveLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	for ctx.Err() == nil {
		if err := host.udp.SetReadDeadline(time.Now().Add(readPoll)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "setting read deadline")
		}
		n, from, err := host.udp.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "reading from link")
		}
		host.handlePacket(buf[:n], from)
	}
	return nil
}

func (host *Host) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(host.cfg.Host.TickMs) * time.Millisecond)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			elapsed := now.Sub(last).Milliseconds()
			last = last.Add(time.Duration(elapsed) * time.Millisecond)

			host.mutex.Lock()
			host.conn.Tick(uint64(elapsed))
			host.flushLocked()
			active := host.conn.Active()
			state := host.conn.State()
			host.mutex.Unlock()

			if !active {
				host.log.WithField("state", state.String()).Info("connection finished")
				return nil
			}
		}
	}
}

// handlePacket decodes one datagram and hands the segment to the connection
// if it belongs to it.
func (host *Host) handlePacket(b []byte, from *net.UDPAddr) {
	seg, ep, err := wire.DecodePacket(b)
	if err != nil {
		host.log.WithError(err).Debug("dropping datagram")
		return
	}
	if ep.DstIP != host.localVIP || ep.DstPort != host.localPort {
		host.log.WithField("dst", ep.DstIP.String()).Debug("dropping segment for another endpoint")
		return
	}

	host.mutex.Lock()
	defer host.mutex.Unlock()

	if host.remoteVIP.IsValid() && ep.SrcIP != host.remoteVIP {
		host.log.WithField("src", ep.SrcIP.String()).Debug("dropping segment from unknown peer")
		return
	}
	if host.remotePort == 0 {
		if !seg.Header.SYN {
			return
		}
		host.remoteVIP = ep.SrcIP
		host.remotePort = ep.SrcPort
		if host.peer == nil {
			host.peer = from
		}
		host.log.WithFields(logrus.Fields{
			"remote": ep.SrcIP.String(),
			"port":   ep.SrcPort,
		}).Info("accepted connection")
	} else if ep.SrcPort != host.remotePort {
		return
	}

	host.log.WithField("segment", seg.String()).Trace("received")
	host.conn.SegmentReceived(seg)
	host.flushLocked()
}

// flushLocked sends everything the connection has queued. host.mutex must be
// held.
func (host *Host) flushLocked() {
	segs := host.conn.DrainSegments()
	if len(segs) == 0 {
		return
	}
	if host.peer == nil || host.remotePort == 0 {
		host.log.WithField("segments", len(segs)).Debug("no peer yet, dropping outgoing segments")
		return
	}
	ep := wire.Endpoints{
		SrcIP:   host.localVIP,
		DstIP:   host.remoteVIP,
		SrcPort: host.localPort,
		DstPort: host.remotePort,
	}
	for _, seg := range segs {
		packet, err := wire.EncodePacket(seg, ep, host.cfg.Host.TTL)
		if err != nil {
			host.log.WithError(err).Warn("failed to encode segment")
			continue
		}
		if _, err := host.udp.WriteToUDP(packet, host.peer); err != nil {
			host.log.WithError(err).Warn("failed to send segment")
			continue
		}
		host.log.WithField("segment", seg.String()).Trace("sent")
	}
}

// Write queues data on the connection and returns how much was accepted.
func (host *Host) Write(data []byte) int {
	host.mutex.Lock()
	defer host.mutex.Unlock()
	n := host.conn.Write(data)
	host.flushLocked()
	return n
}

// Read returns up to n bytes received from the peer.
func (host *Host) Read(n int) []byte {
	host.mutex.Lock()
	defer host.mutex.Unlock()
	return host.conn.Read(n)
}

// Close ends our outbound stream. The peer sees a FIN once everything
// written so far has been sent.
func (host *Host) Close() {
	host.mutex.Lock()
	defer host.mutex.Unlock()
	host.conn.EndInputStream()
	host.flushLocked()
}

// Shutdown resets the connection if it is still active and releases the
// socket. It is safe to call more than once.
func (host *Host) Shutdown() error {
	var err error
	host.shutdownOnce.Do(func() {
		host.mutex.Lock()
		host.conn.Shutdown()
		host.flushLocked()
		host.mutex.Unlock()
		err = host.udp.Close()
	})
	return err
}
