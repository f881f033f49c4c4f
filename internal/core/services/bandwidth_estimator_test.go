package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEstimator(stats *MockStatsProvider) *BandwidthEstimator {
	var provider ports.StatsProvider
	if stats != nil {
		provider = stats
	}
	return NewBandwidthEstimator(provider, domain.DefaultTierLadder(), zap.NewNop().Sugar())
}

func TestObserve_IncreaseAndBackoff(t *testing.T) {
	tests := []struct {
		name      string
		bitrate   float64
		loss      float64
		available float64
	}{
		{"no loss increases", 1000, 0, 1200},
		{"no loss capped at high tier", 6000, 0, 5000},
		{"loss backs off", 3000, 0.05, 2400},
		{"loss floored at low tier", 300, 0.05, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEstimator(nil)
			s := e.Observe("c1", domain.Measurement{BitrateKbps: tt.bitrate, PacketLoss: tt.loss})
			assert.InDelta(t, tt.available, s.AvailableKbps, 0.001)
			assert.Equal(t, tt.bitrate, s.CurrentBitrateKbps)
			assert.Equal(t, "c1", s.ConnectionID)
		})
	}
}

func TestObserve_BackoffNeverIncreasesWhileLossPersists(t *testing.T) {
	e := newTestEstimator(nil)

	s := e.Observe("c1", domain.Measurement{BitrateKbps: 3000, PacketLoss: 0.05})
	assert.InDelta(t, 2400, s.AvailableKbps, 0.001)

	// higher measured bitrate, same loss: estimate must not rise
	s = e.Observe("c1", domain.Measurement{BitrateKbps: 4000, PacketLoss: 0.05})
	assert.InDelta(t, 2400, s.AvailableKbps, 0.001)

	s = e.Observe("c1", domain.Measurement{BitrateKbps: 5000, PacketLoss: 0.10})
	assert.InDelta(t, 2400, s.AvailableKbps, 0.001)

	s = e.Observe("c1", domain.Measurement{BitrateKbps: 1000, PacketLoss: 0.10})
	assert.InDelta(t, 800, s.AvailableKbps, 0.001)

	// loss improving lets the estimate follow the measurement again
	s = e.Observe("c1", domain.Measurement{BitrateKbps: 4000, PacketLoss: 0.02})
	assert.InDelta(t, 3200, s.AvailableKbps, 0.001)
}

func TestObserve_MonotonicUnderNonDecreasingLoss(t *testing.T) {
	e := newTestEstimator(nil)
	bitrates := []float64{800, 4200, 1500, 9000, 600, 3000, 7000, 2500}
	loss := 0.01

	prev := -1.0
	for i, b := range bitrates {
		loss += 0.005 * float64(i%2)
		s := e.Observe("c1", domain.Measurement{BitrateKbps: b, PacketLoss: loss})
		if prev >= 0 {
			require.LessOrEqual(t, s.AvailableKbps, prev, "sample %d", i)
		}
		require.GreaterOrEqual(t, s.AvailableKbps, 500.0)
		prev = s.AvailableKbps
	}
}

func TestSample_DiffsCumulativeStats(t *testing.T) {
	stats := new(MockStatsProvider)
	e := newTestEstimator(stats)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	stats.On("TransportStats", ctx, "agent-1").Return(domain.TransportStats{
		Timestamp: t0,
	}, nil).Once()
	stats.On("TransportStats", ctx, "agent-1").Return(domain.TransportStats{
		BytesReceived:   125_000,
		PacketsReceived: 100,
		RTT:             40 * time.Millisecond,
		Jitter:          5 * time.Millisecond,
		Timestamp:       t0.Add(time.Second),
	}, nil).Once()
	stats.On("TransportStats", ctx, "agent-1").Return(domain.TransportStats{
		BytesReceived:   250_000,
		PacketsReceived: 190,
		PacketsLost:     10,
		Timestamp:       t0.Add(2 * time.Second),
	}, nil).Once()

	_, err := e.Sample(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrNoBaseline)
	_, ok := e.Latest("agent-1")
	assert.False(t, ok)

	s, err := e.Sample(ctx, "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 1000, s.CurrentBitrateKbps, 0.001)
	assert.InDelta(t, 1200, s.AvailableKbps, 0.001)
	assert.Equal(t, 40*time.Millisecond, s.RTT)
	assert.Zero(t, s.PacketLoss)

	s, err = e.Sample(ctx, "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, s.PacketLoss, 0.0001)
	assert.InDelta(t, 800, s.AvailableKbps, 0.001)

	latest, ok := e.Latest("agent-1")
	require.True(t, ok)
	assert.Equal(t, s, latest)
	stats.AssertExpectations(t)
}

func TestSample_CounterResetRebaselines(t *testing.T) {
	stats := new(MockStatsProvider)
	e := newTestEstimator(stats)
	ctx := context.Background()
	t0 := time.Now()

	stats.On("TransportStats", ctx, "a").Return(domain.TransportStats{BytesReceived: 500_000, PacketsReceived: 400, Timestamp: t0}, nil).Once()
	stats.On("TransportStats", ctx, "a").Return(domain.TransportStats{BytesReceived: 1_000, PacketsReceived: 2, Timestamp: t0.Add(time.Second)}, nil).Once()

	_, err := e.Sample(ctx, "a")
	assert.ErrorIs(t, err, ErrNoBaseline)
	_, err = e.Sample(ctx, "a")
	assert.ErrorIs(t, err, ErrNoBaseline)
}

func TestSample_ProviderError(t *testing.T) {
	stats := new(MockStatsProvider)
	e := newTestEstimator(stats)
	boom := errors.New("peer gone")
	stats.On("TransportStats", mock.Anything, "a").Return(domain.TransportStats{}, boom)

	_, err := e.Sample(context.Background(), "a")
	assert.ErrorIs(t, err, boom)

	_, err = newTestEstimator(nil).Sample(context.Background(), "a")
	assert.Error(t, err)
}

func TestForget(t *testing.T) {
	e := newTestEstimator(nil)
	e.Observe("c1", domain.Measurement{BitrateKbps: 1000})
	e.Forget("c1")
	_, ok := e.Latest("c1")
	assert.False(t, ok)
}

func TestInterval(t *testing.T) {
	t0 := time.Now()
	m := Interval(
		domain.TransportStats{BytesReceived: 0, PacketsReceived: 0, Timestamp: t0},
		domain.TransportStats{BytesReceived: 250_000, PacketsReceived: 95, PacketsLost: 5, Timestamp: t0.Add(2 * time.Second)},
	)
	assert.InDelta(t, 1000, m.BitrateKbps, 0.001)
	assert.InDelta(t, 0.05, m.PacketLoss, 0.0001)
}
