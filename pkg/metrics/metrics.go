package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tcp-engine/pkg/tcp"
)

// ConnectionMetrics records connection events. It satisfies tcp.Observer.
type ConnectionMetrics struct {
	SegmentsSent     prometheus.Counter
	SegmentsReceived prometheus.Counter
	PayloadSent      prometheus.Counter
	PayloadReceived  prometheus.Counter
	Retransmissions  prometheus.Counter
	Aborts           *prometheus.CounterVec
}

// NewConnectionMetrics registers the connection metrics on reg, prefixed by
// namespace.
func NewConnectionMetrics(namespace string, reg prometheus.Registerer) *ConnectionMetrics {
	factory := promauto.With(reg)
	return &ConnectionMetrics{
		SegmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_sent_total",
			Help:      "Segments handed to the network, retransmissions included",
		}),
		SegmentsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_received_total",
			Help:      "Segments delivered to the connection",
		}),
		PayloadSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_sent_bytes_total",
			Help:      "Payload bytes in sent segments",
		}),
		PayloadReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_received_bytes_total",
			Help:      "Payload bytes in received segments",
		}),
		Retransmissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "Segments resent after a retransmission timeout",
		}),
		Aborts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborts_total",
			Help:      "Connections aborted, by reason",
		}, []string{"reason"}),
	}
}

func (m *ConnectionMetrics) SegmentSent(seg tcp.Segment) {
	m.SegmentsSent.Inc()
	m.PayloadSent.Add(float64(len(seg.Payload)))
}

func (m *ConnectionMetrics) SegmentReceived(seg tcp.Segment) {
	m.SegmentsReceived.Inc()
	m.PayloadReceived.Add(float64(len(seg.Payload)))
}

func (m *ConnectionMetrics) Retransmitted() { m.Retransmissions.Inc() }

func (m *ConnectionMetrics) Aborted(reason string) { m.Aborts.WithLabelValues(reason).Inc() }

var _ tcp.Observer = (*ConnectionMetrics)(nil)
