package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"mediarelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestController(cfg QualityControllerConfig, e *BandwidthEstimator) *QualityController {
	if e == nil {
		e = NewBandwidthEstimator(nil, cfg.Ladder, zap.NewNop().Sugar())
	}
	return NewQualityController(cfg, e, zap.NewNop().Sugar())
}

func TestEvaluate_BandwidthSequenceToTiers(t *testing.T) {
	// ladder whose medium boundary sits at 1 Mbps
	ladder := domain.DefaultTierLadder()
	ladder.Medium.BitrateKbps = 1000
	ladder.MediumThresholdKbps = 1000

	cfg := DefaultQualityControllerConfig()
	cfg.Ladder = ladder
	cfg.HysteresisEnabled = false

	e := NewBandwidthEstimator(nil, ladder, zap.NewNop().Sugar())
	q := newTestController(cfg, e)

	steps := []struct {
		m    domain.Measurement
		want domain.QualityTier
	}{
		{domain.Measurement{BitrateKbps: 1000}, domain.TierMedium},
		{domain.Measurement{BitrateKbps: 1200}, domain.TierMedium},
		{domain.Measurement{BitrateKbps: 900, PacketLoss: 0.01}, domain.TierLow},
	}

	tier := domain.TierAuto
	for i, step := range steps {
		e.Observe("agent-1", step.m)
		tier = q.Evaluate("agent-1", tier)
		assert.Equal(t, step.want, tier, "step %d", i)
	}
}

func TestEvaluate_NoEstimateKeepsTier(t *testing.T) {
	q := newTestController(DefaultQualityControllerConfig(), nil)
	assert.Equal(t, domain.TierHigh, q.Evaluate("unknown", domain.TierHigh))
}

func TestDecide_DefaultBoundaries(t *testing.T) {
	cfg := DefaultQualityControllerConfig()
	cfg.HysteresisEnabled = false
	q := newTestController(cfg, nil)

	assert.Equal(t, domain.TierHigh, q.Decide("c", domain.TierLow, 5000))
	assert.Equal(t, domain.TierMedium, q.Decide("c", domain.TierLow, 2000))
	assert.Equal(t, domain.TierLow, q.Decide("c", domain.TierHigh, 1999))
}

func TestDecide_HysteresisDown(t *testing.T) {
	q := newTestController(DefaultQualityControllerConfig(), nil)

	assert.Equal(t, domain.TierHigh, q.Decide("c", domain.TierHigh, 1000))
	assert.Equal(t, domain.TierLow, q.Decide("c", domain.TierHigh, 1000))
}

func TestDecide_HysteresisUp(t *testing.T) {
	q := newTestController(DefaultQualityControllerConfig(), nil)

	assert.Equal(t, domain.TierLow, q.Decide("c", domain.TierLow, 6000))
	assert.Equal(t, domain.TierLow, q.Decide("c", domain.TierLow, 6000))
	assert.Equal(t, domain.TierHigh, q.Decide("c", domain.TierLow, 6000))
}

func TestDecide_InterruptedSequenceResets(t *testing.T) {
	q := newTestController(DefaultQualityControllerConfig(), nil)

	assert.Equal(t, domain.TierMedium, q.Decide("c", domain.TierMedium, 500))
	// back in range, the pending downgrade is forgotten
	assert.Equal(t, domain.TierMedium, q.Decide("c", domain.TierMedium, 3000))
	assert.Equal(t, domain.TierMedium, q.Decide("c", domain.TierMedium, 500))
	assert.Equal(t, domain.TierLow, q.Decide("c", domain.TierMedium, 500))

	// direction flips reset the counter too
	assert.Equal(t, domain.TierMedium, q.Decide("d", domain.TierMedium, 6000))
	assert.Equal(t, domain.TierMedium, q.Decide("d", domain.TierMedium, 6000))
	assert.Equal(t, domain.TierMedium, q.Decide("d", domain.TierMedium, 100))
	assert.Equal(t, domain.TierMedium, q.Decide("d", domain.TierMedium, 6000))
}

func TestDecide_AutoCommitsImmediately(t *testing.T) {
	q := newTestController(DefaultQualityControllerConfig(), nil)
	assert.Equal(t, domain.TierHigh, q.Decide("c", domain.TierAuto, 7000))
	assert.Equal(t, domain.TierLow, q.Decide("e", domain.TierAuto, 10))
}

func TestShouldDropAndEffectiveFPS(t *testing.T) {
	q := newTestController(DefaultQualityControllerConfig(), nil)

	assert.True(t, q.ShouldDrop(0.85, 0.8))
	assert.False(t, q.ShouldDrop(0.8, 0.8))
	assert.False(t, q.ShouldDrop(0.5, 0))
	assert.True(t, q.ShouldDrop(0.9, 0))

	assert.Equal(t, 15, q.EffectiveFPS(30))
	assert.Equal(t, 30, q.EffectiveFPS(60))
	assert.Equal(t, 15, q.EffectiveFPS(20))
	assert.Equal(t, 15, q.EffectiveFPS(15))
	assert.Equal(t, 10, q.EffectiveFPS(10))
	for base := 1; base <= 120; base++ {
		fps := q.EffectiveFPS(base)
		assert.LessOrEqual(t, fps, base)
		if base >= 15 {
			assert.GreaterOrEqual(t, fps, 15)
		}
	}
}

func fastRecoveryConfig() QualityControllerConfig {
	cfg := DefaultQualityControllerConfig()
	cfg.ReconnectBackoff = 5 * time.Millisecond
	return cfg
}

func TestRecover_Success(t *testing.T) {
	q := newTestController(fastRecoveryConfig(), nil)
	conn := &fakeConn{}

	start := time.Now()
	require.NoError(t, q.Recover(context.Background(), "agent-1", conn))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, 1, conn.handshakes)

	q.MarkConnected("agent-1")
	require.NoError(t, q.Recover(context.Background(), "agent-1", conn))
	assert.Equal(t, 2, conn.handshakes)
}

func TestRecover_SecondFailureBeforeConnected(t *testing.T) {
	q := newTestController(fastRecoveryConfig(), nil)
	conn := &fakeConn{}

	require.NoError(t, q.Recover(context.Background(), "agent-1", conn))
	err := q.Recover(context.Background(), "agent-1", conn)
	assert.ErrorIs(t, err, domain.ErrConnectionLost)
	assert.Equal(t, 1, conn.handshakes)
}

func TestRecover_HandshakeFailure(t *testing.T) {
	q := newTestController(fastRecoveryConfig(), nil)
	conn := &fakeConn{handshakeErr: errors.New("ice failed")}

	err := q.Recover(context.Background(), "agent-1", conn)
	assert.ErrorIs(t, err, domain.ErrConnectionLost)
	assert.Contains(t, err.Error(), "ice failed")

	err = q.Recover(context.Background(), "agent-1", conn)
	assert.ErrorIs(t, err, domain.ErrConnectionLost)
	assert.Equal(t, 1, conn.handshakes)
}

func TestRecover_ContextCancelled(t *testing.T) {
	cfg := DefaultQualityControllerConfig()
	cfg.ReconnectBackoff = time.Hour
	q := newTestController(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Recover(ctx, "agent-1", &fakeConn{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnectionQuality(t *testing.T) {
	good := ConnectionQuality(domain.BandwidthSample{CurrentBitrateKbps: 2000, RTT: 50 * time.Millisecond})
	assert.Equal(t, 100, good.Score)
	assert.Equal(t, "good", good.Rating)
	assert.Empty(t, good.Issues)

	bad := ConnectionQuality(domain.BandwidthSample{
		CurrentBitrateKbps: 50,
		RTT:                1500 * time.Millisecond,
		PacketLoss:         0.2,
		Jitter:             80 * time.Millisecond,
	})
	assert.Equal(t, 10, bad.Score)
	assert.Equal(t, "poor", bad.Rating)
	assert.Len(t, bad.Issues, 4)

	fair := ConnectionQuality(domain.BandwidthSample{CurrentBitrateKbps: 2000, PacketLoss: 0.01, Jitter: 60 * time.Millisecond})
	assert.Equal(t, 65, fair.Score)
	assert.Equal(t, "fair", fair.Rating)
}
