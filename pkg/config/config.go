// Package config loads the YAML file describing one virtual host: how it
// reaches its link peer over UDP, its virtual address and port, and the
// parameters of its TCP connection.
package config

import (
	"net/netip"
	"os"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tcp-engine/pkg/tcp"
)

const (
	ModeConnect = "connect"
	ModeListen  = "listen"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Host HostConfig `yaml:"host"`
	TCP  TCPConfig  `yaml:"tcp"`
}

type HostConfig struct {
	Mode          string `yaml:"mode"`           // connect or listen
	LocalUDP      string `yaml:"local_udp"`      // UDP address this host binds
	RemoteUDP     string `yaml:"remote_udp"`     // UDP address of the link peer; learned from the first SYN when listening
	LocalVIP      string `yaml:"local_vip"`      // virtual IPv4 address of this host
	RemoteVIP     string `yaml:"remote_vip"`     // virtual IPv4 address of the peer
	LocalPort     uint16 `yaml:"local_port"`     // TCP port
	RemotePort    uint16 `yaml:"remote_port"`    // peer TCP port, connect mode only
	TickMs        uint64 `yaml:"tick_ms"`        // how often the connection is ticked
	TTL           int    `yaml:"ttl"`            // IPv4 TTL on outgoing packets
	LogLevel      string `yaml:"log_level"`      // logrus level name
	MetricsListen string `yaml:"metrics_listen"` // serve /metrics here when set
}

type TCPConfig struct {
	SendCapacity    int     `yaml:"send_capacity"`
	RecvCapacity    int     `yaml:"recv_capacity"`
	RTTimeoutMs     uint64  `yaml:"rt_timeout_ms"`
	MaxPayloadSize  int     `yaml:"max_payload_size"`
	MaxRetxAttempts uint    `yaml:"max_retx_attempts"`
	FixedISN        *uint32 `yaml:"fixed_isn"`
}

func DefaultConfig() *Config {
	return &Config{
		Host: HostConfig{
			Mode:      ModeListen,
			LocalUDP:  "127.0.0.1:5000",
			LocalVIP:  "10.0.0.1",
			LocalPort: 9999,
			TickMs:    10,
			TTL:       16,
			LogLevel:  "info",
		},
		TCP: TCPConfig{
			SendCapacity:    tcp.DefaultCapacity,
			RecvCapacity:    tcp.DefaultCapacity,
			RTTimeoutMs:     tcp.DefaultRTTimeout,
			MaxPayloadSize:  tcp.DefaultMaxPayloadSize,
			MaxRetxAttempts: tcp.DefaultMaxRetxAttempts,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	h := &c.Host
	switch h.Mode {
	case ModeConnect:
		if h.RemoteUDP == "" || h.RemoteVIP == "" || h.RemotePort == 0 {
			return errors.Wrap(ErrInvalid, "connect mode needs remote_udp, remote_vip and remote_port")
		}
	case ModeListen:
	default:
		return errors.Wrapf(ErrInvalid, "unknown mode %q", h.Mode)
	}

	if _, err := netip.ParseAddrPort(h.LocalUDP); err != nil {
		return errors.Wrapf(ErrInvalid, "local_udp: %v", err)
	}
	if h.RemoteUDP != "" {
		if _, err := netip.ParseAddrPort(h.RemoteUDP); err != nil {
			return errors.Wrapf(ErrInvalid, "remote_udp: %v", err)
		}
	}
	if err := checkVIP("local_vip", h.LocalVIP); err != nil {
		return err
	}
	if h.RemoteVIP != "" {
		if err := checkVIP("remote_vip", h.RemoteVIP); err != nil {
			return err
		}
	}
	if h.LocalPort == 0 {
		return errors.Wrap(ErrInvalid, "local_port must be set")
	}
	if h.TickMs == 0 {
		return errors.Wrap(ErrInvalid, "tick_ms must be positive")
	}
	if h.TTL < 1 || h.TTL > 255 {
		return errors.Wrapf(ErrInvalid, "ttl %d out of range", h.TTL)
	}
	if _, err := logrus.ParseLevel(h.LogLevel); err != nil {
		return errors.Wrapf(ErrInvalid, "log_level: %v", err)
	}

	tcpCfg := c.ToTCPConfig()
	if err := tcpCfg.Validate(); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	return nil
}

func checkVIP(field, s string) error {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return errors.Wrapf(ErrInvalid, "%s: %v", field, err)
	}
	if !addr.Is4() {
		return errors.Wrapf(ErrInvalid, "%s %s is not IPv4", field, s)
	}
	return nil
}

// ToTCPConfig builds the connection config. Logger and Observer are left to
// the caller.
func (c *Config) ToTCPConfig() tcp.Config {
	cfg := tcp.DefaultConfig()
	cfg.SendCapacity = c.TCP.SendCapacity
	cfg.RecvCapacity = c.TCP.RecvCapacity
	cfg.RTTimeout = c.TCP.RTTimeoutMs
	cfg.MaxPayloadSize = c.TCP.MaxPayloadSize
	cfg.MaxRetxAttempts = c.TCP.MaxRetxAttempts
	if c.TCP.FixedISN != nil {
		isn := seqnum.Value(*c.TCP.FixedISN)
		cfg.FixedISN = &isn
	}
	return cfg
}

// LogLevel returns the parsed log level, defaulting to info.
func (c *Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Host.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
