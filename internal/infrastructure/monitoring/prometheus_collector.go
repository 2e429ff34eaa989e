package monitoring

import (
	"relaycast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Counters
	producersActive prometheus.Gauge
	consumersActive prometheus.Gauge
	packetsSent     *prometheus.CounterVec
	bytesSent       *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec

	// Feedback counters
	nacksReceived      prometheus.Counter
	keyFrameRequests   *prometheus.CounterVec
	retransmittedTotal prometheus.Counter

	// Per-object gauges
	streamScore      *prometheus.GaugeVec
	streamBitrate    *prometheus.GaugeVec
	availableBitrate prometheus.Gauge
	desiredBitrate   prometheus.Gauge
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		producersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaycast_producers_active",
			Help: "Number of active producers",
		}),

		consumersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaycast_consumers_active",
			Help: "Number of active consumers",
		}),

		packetsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_packets_sent_total",
			Help: "Total RTP packets forwarded to consumers",
		}, []string{"kind"}),

		bytesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_bytes_sent_total",
			Help: "Total RTP bytes forwarded to consumers",
		}, []string{"kind"}),

		packetsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_packets_dropped_total",
			Help: "RTP packets not admitted into a consumer stream",
		}, []string{"reason"}),

		nacksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_nacks_received_total",
			Help: "Total NACK feedback packets received from endpoints",
		}),

		keyFrameRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_key_frame_requests_total",
			Help: "Total PLI and FIR requests received from endpoints",
		}, []string{"type"}),

		retransmittedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_packets_retransmitted_total",
			Help: "Total RTP packets retransmitted in response to NACKs",
		}),

		streamScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaycast_stream_score",
			Help: "Delivery health score of streams (0-10)",
		}, []string{"target_id", "direction"}),

		streamBitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaycast_stream_bitrate_bps",
			Help: "Current bitrate of streams in bits per second",
		}, []string{"target_id", "direction"}),

		availableBitrate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaycast_available_bitrate_bps",
			Help: "Transport bandwidth estimate in bits per second",
		}),

		desiredBitrate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaycast_desired_bitrate_bps",
			Help: "Aggregate desired bitrate of consumers in bits per second",
		}),
	}
}

func (p *PrometheusCollector) RecordProducerCreated() {
	p.producersActive.Inc()
}

func (p *PrometheusCollector) RecordProducerClosed(id domain.ProducerID) {
	p.producersActive.Dec()
	p.streamScore.DeleteLabelValues(string(id), "recv")
	p.streamBitrate.DeleteLabelValues(string(id), "recv")
}

func (p *PrometheusCollector) RecordConsumerCreated() {
	p.consumersActive.Inc()
}

func (p *PrometheusCollector) RecordConsumerClosed(id domain.ConsumerID) {
	p.consumersActive.Dec()
	p.streamScore.DeleteLabelValues(string(id), "send")
	p.streamBitrate.DeleteLabelValues(string(id), "send")
}

func (p *PrometheusCollector) RecordPacketSent(kind domain.MediaKind, size int) {
	p.packetsSent.WithLabelValues(string(kind)).Inc()
	p.bytesSent.WithLabelValues(string(kind)).Add(float64(size))
}

func (p *PrometheusCollector) RecordPacketDropped(reason string) {
	p.packetsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordNackReceived() {
	p.nacksReceived.Inc()
}

func (p *PrometheusCollector) RecordKeyFrameRequest(requestType string) {
	p.keyFrameRequests.WithLabelValues(requestType).Inc()
}

func (p *PrometheusCollector) RecordRetransmission() {
	p.retransmittedTotal.Inc()
}

func (p *PrometheusCollector) UpdateStreamScore(targetID, direction string, score uint8) {
	p.streamScore.WithLabelValues(targetID, direction).Set(float64(score))
}

func (p *PrometheusCollector) UpdateStreamBitrate(targetID, direction string, bitrate uint32) {
	p.streamBitrate.WithLabelValues(targetID, direction).Set(float64(bitrate))
}

func (p *PrometheusCollector) UpdateAvailableBitrate(bitrate uint32) {
	p.availableBitrate.Set(float64(bitrate))
}

func (p *PrometheusCollector) UpdateDesiredBitrate(bitrate uint32) {
	p.desiredBitrate.Set(float64(bitrate))
}
