package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcp-engine/pkg/tcp"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "vhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	tcpCfg := cfg.ToTCPConfig()
	assert.Equal(t, tcp.DefaultConfig(), tcpCfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
host:
  mode: connect
  local_udp: 127.0.0.1:5001
  remote_udp: 127.0.0.1:5002
  local_vip: 10.0.0.1
  remote_vip: 10.0.0.2
  local_port: 40000
  remote_port: 9999
  log_level: debug
tcp:
  recv_capacity: 100000
  rt_timeout_ms: 250
  fixed_isn: 4294967295
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeConnect, cfg.Host.Mode)
	assert.Equal(t, "127.0.0.1:5002", cfg.Host.RemoteUDP)
	assert.Equal(t, uint64(10), cfg.Host.TickMs)
	assert.Equal(t, 16, cfg.Host.TTL)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel())

	tcpCfg := cfg.ToTCPConfig()
	assert.Equal(t, 100000, tcpCfg.RecvCapacity)
	assert.Equal(t, tcp.DefaultCapacity, tcpCfg.SendCapacity)
	assert.Equal(t, uint64(250), tcpCfg.RTTimeout)
	require.NotNil(t, tcpCfg.FixedISN)
	assert.Equal(t, seqnum.Value(0xffffffff), *tcpCfg.FixedISN)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown mode":         "host:\n  mode: dial\n",
		"connect needs remote": "host:\n  mode: connect\n",
		"bad local udp":        "host:\n  local_udp: nowhere\n",
		"ipv6 vip":             "host:\n  local_vip: \"::1\"\n",
		"zero tick":            "host:\n  tick_ms: 0\n",
		"ttl":                  "host:\n  ttl: 300\n",
		"log level":            "host:\n  log_level: loud\n",
		"zero capacity":        "tcp:\n  recv_capacity: 0\n",
		"zero rto":             "tcp:\n  rt_timeout_ms: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "host: [not, a, map]\n"))
	assert.Error(t, err)
}

func TestSampleConfigsLoad(t *testing.T) {
	for _, name := range []string{"client.yaml", "server.yaml"} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(filepath.Join("..", "..", "configs", name))
			assert.NoError(t, err)
		})
	}
}
