package ports

import (
	"time"

	"mediarelay/internal/core/domain"
)

// MetricsRecorder is implemented by the Prometheus collector.
type MetricsRecorder interface {
	AgentConnected()
	AgentDisconnected()
	ViewerConnected()
	ViewerDisconnected()
	TrackPublished(kind domain.TrackKind)
	TrackUnpublished(kind domain.TrackKind)
	RTPForwarded(kind domain.TrackKind, bytes int)

	FrameCaptured(kind domain.TrackKind)
	FrameSent(kind domain.TrackKind)
	FrameEvicted(kind domain.TrackKind, stage string)
	EncoderFailure(kind domain.TrackKind)
	StageLatency(kind domain.TrackKind, d time.Duration)

	TierChanged(from, to domain.QualityTier)
	BandwidthEstimate(agentID domain.AgentID, kbps float64)

	SignalEvent(eventType string)
	TransferBytes(n int)
	TransferFinished(ok bool)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) AgentConnected() {}
func (NopMetrics) AgentDisconnected() {}
func (NopMetrics) ViewerConnected() {}
func (NopMetrics) ViewerDisconnected() {}
func (NopMetrics) TrackPublished(domain.TrackKind) {}
func (NopMetrics) TrackUnpublished(domain.TrackKind) {}
func (NopMetrics) RTPForwarded(domain.TrackKind, int) {}
func (NopMetrics) FrameCaptured(domain.TrackKind) {}
func (NopMetrics) FrameSent(domain.TrackKind) {}
func (NopMetrics) FrameEvicted(domain.TrackKind, string) {}
func (NopMetrics) EncoderFailure(domain.TrackKind) {}
func (NopMetrics) StageLatency(domain.TrackKind, time.Duration) {}
func (NopMetrics) TierChanged(domain.QualityTier, domain.QualityTier) {}
func (NopMetrics) BandwidthEstimate(domain.AgentID, float64) {}
func (NopMetrics) SignalEvent(string) {}
func (NopMetrics) TransferBytes(int) {}
func (NopMetrics) TransferFinished(bool) {}
