package tcp

import (
	"math/rand"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCapacity        = 64000
	DefaultMaxPayloadSize  = 1000 // bytes of payload per segment
	DefaultRTTimeout       = 1000 // ms
	DefaultMaxRetxAttempts = 8
	LingerMultiplier       = 10
)

var ErrInvalidConfig = errors.New("invalid tcp config")

// ISNSource hands out initial sequence numbers.
type ISNSource interface {
	Uint32() uint32
}

type defaultISNSource struct{}

func (defaultISNSource) Uint32() uint32 { return rand.Uint32() }

// Observer is told about segments and connection events. pkg/metrics
// provides a Prometheus backed implementation.
type Observer interface {
	SegmentSent(seg Segment)
	SegmentReceived(seg Segment)
	Retransmitted()
	Aborted(reason string)
}

type nopObserver struct{}

func (nopObserver) SegmentSent(Segment)     {}
func (nopObserver) SegmentReceived(Segment) {}
func (nopObserver) Retransmitted()          {}
func (nopObserver) Aborted(string)          {}

type Config struct {
	SendCapacity     int           // outbound byte stream capacity
	RecvCapacity     int           // inbound byte stream and reassembly window
	RTTimeout        uint64        // initial retransmission timeout in ms
	MaxPayloadSize   int           // max payload bytes per segment
	MaxRetxAttempts  uint          // consecutive retransmissions before giving up
	LingerMultiplier uint64        // linger for this many RTTimeouts
	FixedISN         *seqnum.Value // use this ISN instead of a random one
	ISNSource        ISNSource     // random ISNs come from here
	Logger           *logrus.Entry
	Observer         Observer
}

func DefaultConfig() Config {
	return Config{
		SendCapacity:     DefaultCapacity,
		RecvCapacity:     DefaultCapacity,
		RTTimeout:        DefaultRTTimeout,
		MaxPayloadSize:   DefaultMaxPayloadSize,
		MaxRetxAttempts:  DefaultMaxRetxAttempts,
		LingerMultiplier: LingerMultiplier,
	}
}

func (cfg *Config) Validate() error {
	if cfg.SendCapacity <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "send capacity %d", cfg.SendCapacity)
	}
	if cfg.RecvCapacity <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "receive capacity %d", cfg.RecvCapacity)
	}
	if cfg.RTTimeout == 0 {
		return errors.Wrap(ErrInvalidConfig, "retransmission timeout must be positive")
	}
	if cfg.MaxPayloadSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "max payload size %d", cfg.MaxPayloadSize)
	}
	return nil
}

// isn picks the initial sequence number for a new sender.
func (cfg *Config) isn() seqnum.Value {
	if cfg.FixedISN != nil {
		return *cfg.FixedISN
	}
	if cfg.ISNSource != nil {
		return seqnum.Value(cfg.ISNSource.Uint32())
	}
	return seqnum.Value(defaultISNSource{}.Uint32())
}

func (cfg *Config) logger() *logrus.Entry {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return logrus.WithField("component", "tcp")
}

func (cfg *Config) observer() Observer {
	if cfg.Observer != nil {
		return cfg.Observer
	}
	return nopObserver{}
}
