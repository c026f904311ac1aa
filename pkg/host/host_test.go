package host

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcp-engine/pkg/config"
	"tcp-engine/pkg/tcp"
	"tcp-engine/pkg/wire"
)

const (
	waitFor = 5 * time.Second
	poll    = 10 * time.Millisecond
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func newPair(t *testing.T) (server, client *Host) {
	serverCfg := config.DefaultConfig()
	serverCfg.Host.Mode = config.ModeListen
	serverCfg.Host.LocalUDP = "127.0.0.1:0"
	serverCfg.Host.LocalVIP = "10.0.0.2"
	serverCfg.Host.LocalPort = 9999
	serverCfg.Host.TickMs = 5
	serverCfg.TCP.RTTimeoutMs = 100

	server, err := New(serverCfg, nil, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { server.Shutdown() })

	clientCfg := config.DefaultConfig()
	clientCfg.Host.Mode = config.ModeConnect
	clientCfg.Host.LocalUDP = "127.0.0.1:0"
	clientCfg.Host.RemoteUDP = server.LocalAddr().String()
	clientCfg.Host.LocalVIP = "10.0.0.1"
	clientCfg.Host.RemoteVIP = "10.0.0.2"
	clientCfg.Host.LocalPort = 40000
	clientCfg.Host.RemotePort = 9999
	clientCfg.Host.TickMs = 5
	clientCfg.TCP.RTTimeoutMs = 100

	client, err = New(clientCfg, nil, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Shutdown() })
	return server, client
}

func run(t *testing.T, hosts ...*Host) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, host := range hosts {
		host := host
		go func() {
			assert.NoError(t, host.Run(ctx))
		}()
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Host.Mode = "dial"
	_, err := New(cfg, nil, quietLogger())
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestHostsTransferAndClose(t *testing.T) {
	server, client := newPair(t)
	run(t, server, client)

	data := make([]byte, 20000)
	rand.New(rand.NewSource(1)).Read(data)
	require.Equal(t, len(data), client.Write(data))

	var received bytes.Buffer
	require.Eventually(t, func() bool {
		received.Write(server.Read(len(data)))
		return received.Len() == len(data)
	}, waitFor, poll)
	assert.Equal(t, data, received.Bytes())

	status := server.Status()
	assert.Equal(t, tcp.ESTABLISHED, status.State)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), status.RemoteVIP)
	assert.Equal(t, uint16(40000), status.RemotePort)
	assert.Equal(t, uint64(len(data)), status.BytesReceived)

	client.Close()
	require.Eventually(t, func() bool {
		return server.Status().State == tcp.HALF_CLOSING
	}, waitFor, poll)

	require.Equal(t, 5, server.Write([]byte("reply")))
	server.Close()

	select {
	case <-server.Done():
	case <-time.After(waitFor):
		t.Fatal("server did not finish")
	}
	assert.Equal(t, tcp.CLOSED, server.Status().State)

	var reply bytes.Buffer
	assert.Eventually(t, func() bool {
		reply.Write(client.Read(100))
		return reply.String() == "reply"
	}, waitFor, poll)

	// the client lingers for ten retransmission timeouts before it finishes
	select {
	case <-client.Done():
	case <-time.After(waitFor):
		t.Fatal("client did not finish")
	}
	assert.Equal(t, tcp.CLOSED, client.Status().State)
}

func TestHostIgnoresForeignDatagrams(t *testing.T) {
	server, client := newPair(t)
	run(t, server)

	sock, err := net.DialUDP("udp4", nil, server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer sock.Close()

	_, err = sock.Write([]byte("not an ip packet"))
	require.NoError(t, err)

	wrongPort := wire.Endpoints{
		SrcIP:   netip.MustParseAddr("10.0.0.1"),
		DstIP:   netip.MustParseAddr("10.0.0.2"),
		SrcPort: 1,
		DstPort: 80,
	}
	packet, err := wire.EncodePacket(tcp.Segment{Header: tcp.Header{SYN: true}}, wrongPort, wire.DefaultTTL)
	require.NoError(t, err)
	_, err = sock.Write(packet)
	require.NoError(t, err)

	stray := wrongPort
	stray.DstPort = 9999
	packet, err = wire.EncodePacket(tcp.Segment{Header: tcp.Header{ACK: true}, Payload: []byte("x")}, stray, wire.DefaultTTL)
	require.NoError(t, err)
	_, err = sock.Write(packet)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, tcp.IDLE, server.Status().State)
	assert.Equal(t, uint16(0), server.Status().RemotePort)

	run(t, client)
	require.Eventually(t, func() bool {
		return server.Status().State == tcp.ESTABLISHED && client.Status().State == tcp.ESTABLISHED
	}, waitFor, poll)
}

func TestShutdownResetsPeer(t *testing.T) {
	server, client := newPair(t)
	run(t, server, client)

	require.Eventually(t, func() bool {
		return server.Status().State == tcp.ESTABLISHED
	}, waitFor, poll)

	require.NoError(t, client.Shutdown())
	assert.Equal(t, tcp.ABORTED, client.Status().State)
	assert.NoError(t, client.Shutdown())

	require.Eventually(t, func() bool {
		return server.Status().State == tcp.ABORTED
	}, waitFor, poll)
}

func TestStatusString(t *testing.T) {
	status := Status{
		State:     tcp.ESTABLISHED,
		LocalVIP:  netip.MustParseAddr("10.0.0.1"),
		LocalPort: 40000,
	}
	s := status.String()
	assert.Contains(t, s, "10.0.0.1")
	assert.Contains(t, s, "ESTABLISHED")
	assert.Contains(t, s, "*")
}
