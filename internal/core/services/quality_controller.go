package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mediarelay/internal/core/domain"

	"go.uber.org/zap"
)

// QualityControllerConfig tunes tier selection.
type QualityControllerConfig struct {
	Ladder            domain.TierLadder
	HysteresisEnabled bool
	DownSamples       int
	UpSamples         int
	LoadThreshold     float64
	MinFPS            int
	ReconnectBackoff  time.Duration
}

func DefaultQualityControllerConfig() QualityControllerConfig {
	return QualityControllerConfig{
		Ladder:            domain.DefaultTierLadder(),
		HysteresisEnabled: true,
		DownSamples:       2,
		UpSamples:         3,
		LoadThreshold:     0.8,
		MinFPS:            15,
		ReconnectBackoff:  2 * time.Second,
	}
}

// Reconnectable is a connection the controller can tear down and re-establish.
type Reconnectable interface {
	Close() error
	Handshake(ctx context.Context) error
}

// QualityController maps bandwidth estimates to quality tiers and decides
// on frame dropping and connection recovery.
type QualityController struct {
	cfg       QualityControllerConfig
	estimator *BandwidthEstimator
	logger    *zap.SugaredLogger

	mu         sync.Mutex
	pending    map[string]pendingSwitch
	recovering map[string]bool
}

type pendingSwitch struct {
	direction int
	count     int
}

func NewQualityController(cfg QualityControllerConfig, estimator *BandwidthEstimator, logger *zap.SugaredLogger) *QualityController {
	if cfg.DownSamples < 1 {
		cfg.DownSamples = 1
	}
	if cfg.UpSamples < 1 {
		cfg.UpSamples = 1
	}
	return &QualityController{
		cfg:        cfg,
		estimator:  estimator,
		logger:     logger,
		pending:    make(map[string]pendingSwitch),
		recovering: make(map[string]bool),
	}
}

// Ladder returns the configured tier ladder.
func (q *QualityController) Ladder() domain.TierLadder {
	return q.cfg.Ladder
}

// Evaluate returns the tier connectionID should use given its latest
// estimate. Without an estimate the current tier is kept.
func (q *QualityController) Evaluate(connectionID string, current domain.QualityTier) domain.QualityTier {
	sample, ok := q.estimator.Latest(connectionID)
	if !ok {
		return current
	}
	return q.Decide(connectionID, current, sample.AvailableKbps)
}

// Decide applies tier boundaries and hysteresis to one estimate. A switch
// down needs DownSamples consecutive estimates pointing down, a switch up
// needs UpSamples pointing up. From auto the target is taken at once.
func (q *QualityController) Decide(connectionID string, current domain.QualityTier, availableKbps float64) domain.QualityTier {
	target := q.cfg.Ladder.TierFor(availableKbps)

	q.mu.Lock()
	defer q.mu.Unlock()

	if current == domain.TierAuto || !q.cfg.HysteresisEnabled || target == current {
		delete(q.pending, connectionID)
		if current == domain.TierAuto || !q.cfg.HysteresisEnabled {
			return target
		}
		return current
	}

	direction, need := -1, q.cfg.DownSamples
	if target.Rank() > current.Rank() {
		direction, need = 1, q.cfg.UpSamples
	}

	p := q.pending[connectionID]
	if p.direction != direction {
		p = pendingSwitch{direction: direction}
	}
	p.count++

	if p.count >= need {
		delete(q.pending, connectionID)
		return target
	}
	q.pending[connectionID] = p
	return current
}

// Reset clears hysteresis and recovery state for connectionID.
func (q *QualityController) Reset(connectionID string) {
	q.mu.Lock()
	delete(q.pending, connectionID)
	delete(q.recovering, connectionID)
	q.mu.Unlock()
}

// ShouldDrop reports whether systemLoad exceeds threshold. A non-positive
// threshold uses the configured one.
func (q *QualityController) ShouldDrop(systemLoad, threshold float64) bool {
	if threshold <= 0 {
		threshold = q.cfg.LoadThreshold
	}
	return systemLoad > threshold
}

// EffectiveFPS halves base while respecting the configured floor. Rates
// already at or below the floor are returned unchanged.
func (q *QualityController) EffectiveFPS(base int) int {
	if base <= q.cfg.MinFPS {
		return base
	}
	if half := base / 2; half > q.cfg.MinFPS {
		return half
	}
	return q.cfg.MinFPS
}

// Recover closes conn, waits the reconnect backoff and performs one new
// handshake. If that handshake fails, or if a previous recovery for the
// same connection was never confirmed with MarkConnected, the connection is
// declared lost.
func (q *QualityController) Recover(ctx context.Context, connectionID string, conn Reconnectable) error {
	q.mu.Lock()
	if q.recovering[connectionID] {
		q.mu.Unlock()
		return fmt.Errorf("%s failed again before reconnecting: %w", connectionID, domain.ErrConnectionLost)
	}
	q.recovering[connectionID] = true
	q.mu.Unlock()

	if err := conn.Close(); err != nil {
		q.logger.Debugw("close before reconnect failed",
			"connection_id", connectionID,
			"error", err,
		)
	}

	timer := time.NewTimer(q.cfg.ReconnectBackoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return fmt.Errorf("reconnect %s: %w", connectionID, ctx.Err())
	case <-timer.C:
	}

	if err := conn.Handshake(ctx); err != nil {
		q.logger.Warnw("reconnect handshake failed",
			"connection_id", connectionID,
			"error", err,
		)
		return fmt.Errorf("reconnect %s: %v: %w", connectionID, err, domain.ErrConnectionLost)
	}
	return nil
}

// MarkConnected confirms that connectionID is healthy again.
func (q *QualityController) MarkConnected(connectionID string) {
	q.mu.Lock()
	delete(q.recovering, connectionID)
	q.mu.Unlock()
}

const (
	minHealthyBitrateKbps = 100
	maxHealthyRTT         = time.Second
	maxHealthyJitter      = 50 * time.Millisecond
)

// ConnectionQuality scores a bandwidth sample out of 100.
func ConnectionQuality(s domain.BandwidthSample) domain.QualityReport {
	report := domain.QualityReport{Score: 100, Issues: []string{}}

	if s.CurrentBitrateKbps < minHealthyBitrateKbps {
		report.Score -= 30
		report.Issues = append(report.Issues, "low bitrate")
	}
	if s.RTT > maxHealthyRTT {
		report.Score -= 25
		report.Issues = append(report.Issues, "high latency")
	}
	if s.PacketLoss > 0 {
		report.Score -= 20
		report.Issues = append(report.Issues, "packet loss")
	}
	if s.Jitter > maxHealthyJitter {
		report.Score -= 15
		report.Issues = append(report.Issues, "high jitter")
	}

	switch {
	case report.Score >= 80:
		report.Rating = "good"
	case report.Score >= 50:
		report.Rating = "fair"
	default:
		report.Rating = "poor"
	}
	return report
}
