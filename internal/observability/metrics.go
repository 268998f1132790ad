package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the voice core
type Metrics struct {
	// Peer mesh metrics
	ConnectedPeers     prometheus.Gauge
	ActiveNegotiations prometheus.Gauge
	AdmissionQueueLen  prometheus.Gauge
	PeerSessionsTotal  *prometheus.CounterVec
	NegotiationGlare   prometheus.Counter
	ICERestarts        prometheus.Counter

	// Signalling metrics
	SignalsSent     *prometheus.CounterVec
	SignalsReceived *prometheus.CounterVec

	// Media metrics
	FramesSent      *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	Stutters        *prometheus.CounterVec
	DecoderRestarts prometheus.Counter
	DecoderBytes    *prometheus.CounterVec
	InboundPackets  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on reg.
// All metrics follow naming conventions: voicebot_<subsystem>_<metric>_<unit>
// Complexity: O(1)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicebot_peers_connected",
			Help: "Number of peer sessions currently held by the connection",
		}),

		ActiveNegotiations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicebot_negotiations_active",
			Help: "Number of in-flight peer negotiations",
		}),

		AdmissionQueueLen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicebot_admission_queue_depth",
			Help: "Number of peers waiting in the admission queue",
		}),

		PeerSessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebot_peer_sessions_total",
				Help: "Total number of peer sessions created",
			},
			[]string{"outcome"}, // connected, failed, replaced
		),

		NegotiationGlare: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebot_negotiation_glare_total",
			Help: "Total number of offer collisions observed",
		}),

		ICERestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebot_ice_restarts_total",
			Help: "Total number of ICE restarts issued",
		}),

		SignalsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebot_signals_sent_total",
				Help: "Total signalling events sent, by event type",
			},
			[]string{"event"},
		),

		SignalsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebot_signals_received_total",
				Help: "Total signalling events received, by event type",
			},
			[]string{"event"},
		),

		FramesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebot_media_frames_sent_total",
				Help: "Total media frames pushed to sinks",
			},
			[]string{"kind"}, // audio, video
		),

		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebot_media_frames_dropped_total",
				Help: "Total media frames dropped to bound latency",
			},
			[]string{"kind", "site"}, // site: ring, pacer
		),

		Stutters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebot_media_stutters_total",
				Help: "Total stutter events detected by the pacers",
			},
			[]string{"kind"},
		),

		DecoderRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebot_decoder_restarts_total",
			Help: "Total decoder subprocess restarts (loop or retry)",
		}),

		DecoderBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebot_decoder_bytes_total",
				Help: "Total decoded bytes read from decoder stdout",
			},
			[]string{"kind"},
		),

		InboundPackets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebot_inbound_rtp_packets_total",
				Help: "Total RTP packets read from remote peer tracks",
			},
			[]string{"kind"},
		),
	}
}
