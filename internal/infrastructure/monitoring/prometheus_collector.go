package monitoring

import (
	"time"

	"mediarelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder.
type PrometheusCollector struct {
	agentsConnected  prometheus.Gauge
	viewersConnected prometheus.Gauge
	tracksPublished  *prometheus.GaugeVec
	rtpForwarded     *prometheus.CounterVec

	framesCaptured  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	framesEvicted   *prometheus.CounterVec
	encoderFailures *prometheus.CounterVec
	stageLatency    *prometheus.HistogramVec

	tierChanges       *prometheus.CounterVec
	bandwidthEstimate *prometheus.GaugeVec

	signalEvents     *prometheus.CounterVec
	transferBytes    prometheus.Counter
	transfersSettled *prometheus.CounterVec
}

// NewPrometheusCollector registers the relay metrics with reg. A nil reg
// means the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		agentsConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "mediarelay_agents_connected",
			Help: "Number of connected publishing agents",
		}),
		viewersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "mediarelay_viewers_connected",
			Help: "Number of connected viewers",
		}),
		tracksPublished: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediarelay_tracks_published",
			Help: "Number of published tracks",
		}, []string{"kind"}),
		rtpForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mediarelay_rtp_forwarded_bytes_total",
			Help: "RTP payload bytes forwarded to viewers",
		}, []string{"kind"}),

		framesCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mediarelay_frames_captured_total",
			Help: "Frames read from sources",
		}, []string{"kind"}),
		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mediarelay_frames_sent_total",
			Help: "Encoded frames handed to a transport",
		}, []string{"kind"}),
		framesEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mediarelay_frames_evicted_total",
			Help: "Frames dropped by queue overflow",
		}, []string{"kind", "stage"}),
		encoderFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mediarelay_encoder_failures_total",
			Help: "Frames dropped because encoding failed",
		}, []string{"kind"}),
		stageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediarelay_capture_to_send_seconds",
			Help:    "Time from capture to transmit",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"kind"}),

		tierChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mediarelay_tier_changes_total",
			Help: "Quality tier transitions",
		}, []string{"from", "to"}),
		bandwidthEstimate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediarelay_bandwidth_estimate_kbps",
			Help: "Latest available bandwidth estimate per agent",
		}, []string{"agent_id"}),

		signalEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mediarelay_signal_events_total",
			Help: "Signaling events received",
		}, []string{"type"}),
		transferBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "mediarelay_transfer_bytes_total",
			Help: "Decoded chunk bytes received",
		}),
		transfersSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mediarelay_transfers_total",
			Help: "Finished file transfers by result",
		}, []string{"result"}),
	}
}

func (p *PrometheusCollector) AgentConnected()    { p.agentsConnected.Inc() }
func (p *PrometheusCollector) AgentDisconnected() { p.agentsConnected.Dec() }

func (p *PrometheusCollector) ViewerConnected()    { p.viewersConnected.Inc() }
func (p *PrometheusCollector) ViewerDisconnected() { p.viewersConnected.Dec() }

func (p *PrometheusCollector) TrackPublished(kind domain.TrackKind) {
	p.tracksPublished.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) TrackUnpublished(kind domain.TrackKind) {
	p.tracksPublished.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) RTPForwarded(kind domain.TrackKind, bytes int) {
	p.rtpForwarded.WithLabelValues(string(kind)).Add(float64(bytes))
}

func (p *PrometheusCollector) FrameCaptured(kind domain.TrackKind) {
	p.framesCaptured.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) FrameSent(kind domain.TrackKind) {
	p.framesSent.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) FrameEvicted(kind domain.TrackKind, stage string) {
	p.framesEvicted.WithLabelValues(string(kind), stage).Inc()
}

func (p *PrometheusCollector) EncoderFailure(kind domain.TrackKind) {
	p.encoderFailures.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) StageLatency(kind domain.TrackKind, d time.Duration) {
	p.stageLatency.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (p *PrometheusCollector) TierChanged(from, to domain.QualityTier) {
	p.tierChanges.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusCollector) BandwidthEstimate(agentID domain.AgentID, kbps float64) {
	p.bandwidthEstimate.WithLabelValues(string(agentID)).Set(kbps)
}

// ForgetAgent drops per-agent series once the agent is gone.
func (p *PrometheusCollector) ForgetAgent(agentID domain.AgentID) {
	p.bandwidthEstimate.DeleteLabelValues(string(agentID))
}

func (p *PrometheusCollector) SignalEvent(eventType string) {
	p.signalEvents.WithLabelValues(eventType).Inc()
}

func (p *PrometheusCollector) TransferBytes(n int) {
	p.transferBytes.Add(float64(n))
}

func (p *PrometheusCollector) TransferFinished(ok bool) {
	result := "failed"
	if ok {
		result = "completed"
	}
	p.transfersSettled.WithLabelValues(result).Inc()
}
