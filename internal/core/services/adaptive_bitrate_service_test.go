package services

import (
	"context"
	"testing"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type abrFixture struct {
	svc      *AdaptiveBitrateService
	notifier *MockAgentNotifier
	registry *tierRegistry
	load     *fixedLoad
}

func newABRFixture(t *testing.T, hysteresis bool) *abrFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	cfg := DefaultQualityControllerConfig()
	cfg.HysteresisEnabled = hysteresis

	stats := new(MockStatsProvider)
	stats.On("TransportStats", mock.Anything, mock.Anything).Return(domain.TransportStats{}, nil).Maybe()

	estimator := NewBandwidthEstimator(stats, cfg.Ladder, logger)
	controller := NewQualityController(cfg, estimator, logger)
	f := &abrFixture{
		notifier: new(MockAgentNotifier),
		registry: newTierRegistry(),
		load:     &fixedLoad{},
	}
	f.svc = NewAdaptiveBitrateService(estimator, controller, f.registry, f.notifier, f.load, ports.NopMetrics{}, logger)
	f.svc.SetCheckInterval(time.Hour)
	return f
}

func TestAdaptiveBitrate_CommitsAndNotifies(t *testing.T) {
	f := newABRFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ladder := domain.DefaultTierLadder()
	f.notifier.On("SendQualityChange", mock.Anything, domain.AgentID("agent-1"), domain.TierHigh, ladder.High).Return(nil).Once()
	f.notifier.On("SendQualityChange", mock.Anything, domain.AgentID("agent-1"), domain.TierLow, ladder.Low).Return(nil).Once()

	f.svc.StartMonitoring(ctx, "agent-1", domain.TierMedium)

	s := f.svc.ObserveReport(ctx, "agent-1", domain.Measurement{BitrateKbps: 4500})
	assert.InDelta(t, 5000, s.AvailableKbps, 0.001)
	tier, ok := f.svc.CurrentTier("agent-1")
	require.True(t, ok)
	assert.Equal(t, domain.TierHigh, tier)
	assert.Equal(t, domain.TierHigh, f.registry.tier("agent-1"))

	// same tier again: no notification
	f.svc.ObserveReport(ctx, "agent-1", domain.Measurement{BitrateKbps: 4800})

	f.svc.ObserveReport(ctx, "agent-1", domain.Measurement{BitrateKbps: 900, PacketLoss: 0.1})
	tier, _ = f.svc.CurrentTier("agent-1")
	assert.Equal(t, domain.TierLow, tier)

	history := f.svc.History("agent-1")
	require.Len(t, history, 2)
	assert.Equal(t, domain.TierMedium, history[0].From)
	assert.Equal(t, domain.TierHigh, history[0].To)
	assert.Equal(t, domain.TierLow, history[1].To)

	latest, ok := f.svc.Latest("agent-1")
	require.True(t, ok)
	assert.InDelta(t, 720, latest.AvailableKbps, 0.001)

	f.notifier.AssertExpectations(t)
}

func TestAdaptiveBitrate_HistoryBounded(t *testing.T) {
	f := newABRFixture(t, false)
	f.svc.SetHistorySize(3)
	f.notifier.On("SendQualityChange", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.StartMonitoring(ctx, "agent-1", domain.TierMedium)

	for i := 0; i < 5; i++ {
		f.svc.ObserveReport(ctx, "agent-1", domain.Measurement{BitrateKbps: 4500})
		f.svc.ObserveReport(ctx, "agent-1", domain.Measurement{BitrateKbps: 200, PacketLoss: 0.5})
	}
	assert.Len(t, f.svc.History("agent-1"), 3)
}

func TestAdaptiveBitrate_UnmonitoredAgentIgnored(t *testing.T) {
	f := newABRFixture(t, false)
	f.svc.ObserveReport(context.Background(), "ghost", domain.Measurement{BitrateKbps: 9000})

	_, ok := f.svc.CurrentTier("ghost")
	assert.False(t, ok)
	assert.Nil(t, f.svc.History("ghost"))
	f.notifier.AssertNotCalled(t, "SendQualityChange", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAdaptiveBitrate_StopMonitoringForgets(t *testing.T) {
	f := newABRFixture(t, false)
	f.notifier.On("SendQualityChange", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	f.svc.StartMonitoring(context.Background(), "agent-1", domain.TierAuto)
	f.svc.ObserveReport(context.Background(), "agent-1", domain.Measurement{BitrateKbps: 2000})
	f.svc.StopMonitoring("agent-1")

	_, ok := f.svc.CurrentTier("agent-1")
	assert.False(t, ok)
	_, ok = f.svc.Latest("agent-1")
	assert.False(t, ok)
}

func TestAdaptiveBitrate_FrameDropOnRelayLoad(t *testing.T) {
	f := newABRFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.svc.StartMonitoring(ctx, "agent-1", domain.TierMedium)
	f.notifier.On("SendFrameDrop", mock.Anything, domain.AgentID("agent-1"), 15).Return(nil).Once()
	f.notifier.On("SendFrameDrop", mock.Anything, domain.AgentID("agent-1"), 30).Return(nil).Once()

	f.load.set(0.95)
	f.svc.checkLoad(ctx, "agent-1")
	// still overloaded: no repeated command
	f.svc.checkLoad(ctx, "agent-1")

	f.load.set(0.3)
	f.svc.checkLoad(ctx, "agent-1")

	f.notifier.AssertExpectations(t)
}
