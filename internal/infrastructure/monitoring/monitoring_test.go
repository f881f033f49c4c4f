package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.AgentConnected()
	c.AgentConnected()
	c.AgentDisconnected()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentsConnected))

	c.TrackPublished(domain.TrackKindScreen)
	c.TrackPublished(domain.TrackKindAudio)
	c.TrackUnpublished(domain.TrackKindScreen)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.tracksPublished.WithLabelValues("screen")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tracksPublished.WithLabelValues("audio")))

	c.RTPForwarded(domain.TrackKindCamera, 1200)
	c.RTPForwarded(domain.TrackKindCamera, 800)
	assert.Equal(t, 2000.0, testutil.ToFloat64(c.rtpForwarded.WithLabelValues("camera")))

	c.FrameEvicted(domain.TrackKindScreen, "capture")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesEvicted.WithLabelValues("screen", "capture")))

	c.TierChanged(domain.TierHigh, domain.TierLow)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tierChanges.WithLabelValues("high", "low")))

	c.BandwidthEstimate("a1", 1440)
	assert.Equal(t, 1440.0, testutil.ToFloat64(c.bandwidthEstimate.WithLabelValues("a1")))
	c.ForgetAgent("a1")
	assert.Equal(t, 0, testutil.CollectAndCount(c.bandwidthEstimate))

	c.TransferFinished(true)
	c.TransferFinished(false)
	c.TransferFinished(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.transfersSettled.WithLabelValues("failed")))

	// A second collector on its own registry must not collide.
	NewPrometheusCollector(prometheus.NewRegistry())
}

type fakePinger struct{ err error }

func (f fakePinger) HealthCheck(context.Context) error { return f.err }

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddRedisCheck(fakePinger{}, 0, time.Second)
	accepting := true
	h.AddReadinessCheck(func() bool { return accepting }, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["redis"])
	assert.True(t, h.IsReady(context.Background()))

	accepting = false
	status = h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "not accepting connections", status.Checks["readiness"])
	assert.Equal(t, "not accepting connections", h.LastResults()["readiness"])
}

func TestHealthChecker_FailingChecks(t *testing.T) {
	h := NewHealthChecker()
	h.AddRedisCheck(fakePinger{err: errors.New("connection refused")}, 0, time.Second)
	h.AddLoadCheck(func(context.Context) (float64, error) { return 0.95, nil }, 0.9, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "connection refused", status.Checks["redis"])
	assert.Contains(t, status.Checks["load"], "above")
}

func TestHealthChecker_BackgroundChecks(t *testing.T) {
	h := NewHealthChecker()
	h.AddRedisCheck(fakePinger{err: errors.New("timeout")}, time.Hour, time.Second)
	h.AddReadinessCheck(func() bool { return true }, 0, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	assert.Eventually(t, func() bool {
		return h.LastResults()["redis"] == "timeout"
	}, time.Second, 10*time.Millisecond)
	_, ran := h.LastResults()["readiness"]
	assert.False(t, ran, "probes without an interval only run on demand")
}
