package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/pkg/utils"

	"go.uber.org/zap"
)

const (
	backoffFactor  = 0.8
	increaseFactor = 1.2
)

// ErrNoBaseline is returned by Sample until two stats snapshots exist.
var ErrNoBaseline = errors.New("bandwidth estimator has no baseline yet")

// BandwidthEstimator turns transport statistics into available bandwidth
// estimates with an additive-increase / multiplicative-decrease rule.
type BandwidthEstimator struct {
	stats  ports.StatsProvider
	ladder domain.TierLadder
	logger *zap.SugaredLogger

	mu    sync.Mutex
	state map[string]*estimateState
}

type estimateState struct {
	prev    domain.TransportStats
	hasPrev bool
	latest  domain.BandwidthSample
	hasLast bool
}

// NewBandwidthEstimator creates an estimator. stats may be nil when every
// measurement arrives through Observe.
func NewBandwidthEstimator(stats ports.StatsProvider, ladder domain.TierLadder, logger *zap.SugaredLogger) *BandwidthEstimator {
	return &BandwidthEstimator{
		stats:  stats,
		ladder: ladder,
		logger: logger,
		state:  make(map[string]*estimateState),
	}
}

// Sample pulls transport stats for connectionID and produces a new estimate
// from the difference to the previous snapshot.
func (e *BandwidthEstimator) Sample(ctx context.Context, connectionID string) (domain.BandwidthSample, error) {
	if e.stats == nil {
		return domain.BandwidthSample{}, fmt.Errorf("no stats provider configured")
	}
	cur, err := e.stats.TransportStats(ctx, connectionID)
	if err != nil {
		return domain.BandwidthSample{}, fmt.Errorf("transport stats for %s: %w", connectionID, err)
	}
	if cur.Timestamp.IsZero() {
		cur.Timestamp = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(connectionID)
	prev, hasPrev := st.prev, st.hasPrev
	st.prev, st.hasPrev = cur, true

	// counters going backwards means the connection was replaced
	if !hasPrev || cur.BytesReceived < prev.BytesReceived || cur.PacketsReceived < prev.PacketsReceived || !cur.Timestamp.After(prev.Timestamp) {
		return domain.BandwidthSample{}, ErrNoBaseline
	}

	return e.applyLocked(connectionID, st, Interval(prev, cur), cur.Timestamp), nil
}

// Observe applies the estimation rule to an interval measurement that was
// computed elsewhere, such as one reported by the agent itself.
func (e *BandwidthEstimator) Observe(connectionID string, m domain.Measurement) domain.BandwidthSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(connectionID, e.stateLocked(connectionID), m, time.Now())
}

// Latest returns the most recent estimate for connectionID.
func (e *BandwidthEstimator) Latest(connectionID string) (domain.BandwidthSample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[connectionID]
	if !ok || !st.hasLast {
		return domain.BandwidthSample{}, false
	}
	return st.latest, true
}

// Forget drops all cached state for connectionID.
func (e *BandwidthEstimator) Forget(connectionID string) {
	e.mu.Lock()
	delete(e.state, connectionID)
	e.mu.Unlock()
}

// Run samples connectionID every interval until ctx is done and hands each
// estimate to fn.
func (e *BandwidthEstimator) Run(ctx context.Context, connectionID string, interval time.Duration, fn func(domain.BandwidthSample)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := e.Sample(ctx, connectionID)
			if errors.Is(err, ErrNoBaseline) {
				continue
			}
			if err != nil {
				e.logger.Debugw("bandwidth sample failed",
					"connection_id", connectionID,
					"error", err,
				)
				continue
			}
			fn(sample)
		}
	}
}

func (e *BandwidthEstimator) stateLocked(connectionID string) *estimateState {
	st, ok := e.state[connectionID]
	if !ok {
		st = &estimateState{}
		e.state[connectionID] = st
	}
	return st
}

func (e *BandwidthEstimator) applyLocked(connectionID string, st *estimateState, m domain.Measurement, ts time.Time) domain.BandwidthSample {
	var available float64
	if m.PacketLoss > 0 {
		available = math.Max(m.BitrateKbps*backoffFactor, e.ladder.MinKbps())
		// while loss is not improving the estimate may only go down
		if st.hasLast && st.latest.PacketLoss > 0 && m.PacketLoss >= st.latest.PacketLoss {
			available = math.Min(available, st.latest.AvailableKbps)
		}
	} else {
		available = math.Min(m.BitrateKbps*increaseFactor, e.ladder.MaxKbps())
	}

	sample := domain.BandwidthSample{
		ConnectionID:       connectionID,
		CurrentBitrateKbps: m.BitrateKbps,
		AvailableKbps:      available,
		RTT:                m.RTT,
		PacketLoss:         m.PacketLoss,
		Jitter:             m.Jitter,
		Timestamp:          ts,
	}
	st.latest, st.hasLast = sample, true
	return sample
}

// Interval derives a per-interval measurement from two cumulative snapshots.
func Interval(prev, cur domain.TransportStats) domain.Measurement {
	dt := cur.Timestamp.Sub(prev.Timestamp)
	m := domain.Measurement{
		RTT:    cur.RTT,
		Jitter: cur.Jitter,
	}
	if dt > 0 && cur.BytesReceived >= prev.BytesReceived {
		m.BitrateKbps = utils.Kbps(cur.BytesReceived-prev.BytesReceived, dt)
	}

	var lost, received uint64
	if cur.PacketsLost > prev.PacketsLost {
		lost = cur.PacketsLost - prev.PacketsLost
	}
	if cur.PacketsReceived > prev.PacketsReceived {
		received = cur.PacketsReceived - prev.PacketsReceived
	}
	if expected := lost + received; expected > 0 {
		m.PacketLoss = float64(lost) / float64(expected)
	}
	return m
}
