package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/pkg/tracing"

	"go.uber.org/zap"
)

// AdaptiveBitrateService drives tier selection for every publishing agent.
// It is the only component that commits tier transitions.
type AdaptiveBitrateService struct {
	estimator  *BandwidthEstimator
	controller *QualityController
	registry   ports.ConnectionRegistry
	notifier   ports.AgentNotifier
	load       ports.LoadSampler
	metrics    ports.MetricsRecorder
	logger     *zap.SugaredLogger

	checkInterval time.Duration
	historySize   int

	mu       sync.RWMutex
	monitors map[domain.AgentID]*agentMonitor
}

type agentMonitor struct {
	cancel   context.CancelFunc
	tier     domain.QualityTier
	dropping bool
	history  []domain.TierChange
}

func NewAdaptiveBitrateService(
	estimator *BandwidthEstimator,
	controller *QualityController,
	registry ports.ConnectionRegistry,
	notifier ports.AgentNotifier,
	load ports.LoadSampler,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *AdaptiveBitrateService {
	return &AdaptiveBitrateService{
		estimator:     estimator,
		controller:    controller,
		registry:      registry,
		notifier:      notifier,
		load:          load,
		metrics:       metrics,
		logger:        logger,
		checkInterval: time.Second,
		historySize:   100,
		monitors:      make(map[domain.AgentID]*agentMonitor),
	}
}

// SetCheckInterval sets the sampling interval for monitors started later.
func (a *AdaptiveBitrateService) SetCheckInterval(interval time.Duration) {
	if interval > 0 {
		a.checkInterval = interval
	}
}

// SetHistorySize bounds the per-agent tier change history.
func (a *AdaptiveBitrateService) SetHistorySize(n int) {
	if n > 0 {
		a.historySize = n
	}
}

// StartMonitoring begins periodic sampling of the agent's publish connection.
// Starting an agent that is already monitored restarts its monitor.
func (a *AdaptiveBitrateService) StartMonitoring(ctx context.Context, agentID domain.AgentID, initial domain.QualityTier) {
	monitorCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	if old, ok := a.monitors[agentID]; ok {
		old.cancel()
	}
	a.monitors[agentID] = &agentMonitor{cancel: cancel, tier: initial}
	a.mu.Unlock()

	go a.estimator.Run(monitorCtx, string(agentID), a.checkInterval, func(sample domain.BandwidthSample) {
		a.apply(monitorCtx, agentID, sample)
		a.checkLoad(monitorCtx, agentID)
	})
}

// StopMonitoring stops sampling and forgets all state for the agent.
func (a *AdaptiveBitrateService) StopMonitoring(agentID domain.AgentID) {
	a.mu.Lock()
	if m, ok := a.monitors[agentID]; ok {
		m.cancel()
		delete(a.monitors, agentID)
	}
	a.mu.Unlock()

	a.estimator.Forget(string(agentID))
	a.controller.Reset(string(agentID))
}

// ObserveReport feeds a measurement reported by the agent itself.
func (a *AdaptiveBitrateService) ObserveReport(ctx context.Context, agentID domain.AgentID, m domain.Measurement) domain.BandwidthSample {
	sample := a.estimator.Observe(string(agentID), m)
	a.apply(ctx, agentID, sample)
	return sample
}

// CurrentTier returns the committed tier for an agent.
func (a *AdaptiveBitrateService) CurrentTier(agentID domain.AgentID) (domain.QualityTier, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.monitors[agentID]
	if !ok {
		return "", false
	}
	return m.tier, true
}

// History returns the recorded tier changes for an agent, oldest first.
func (a *AdaptiveBitrateService) History(agentID domain.AgentID) []domain.TierChange {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.monitors[agentID]
	if !ok {
		return nil
	}
	out := make([]domain.TierChange, len(m.history))
	copy(out, m.history)
	return out
}

// Latest returns the latest estimate for an agent.
func (a *AdaptiveBitrateService) Latest(agentID domain.AgentID) (domain.BandwidthSample, bool) {
	return a.estimator.Latest(string(agentID))
}

func (a *AdaptiveBitrateService) apply(ctx context.Context, agentID domain.AgentID, sample domain.BandwidthSample) {
	a.metrics.BandwidthEstimate(agentID, sample.AvailableKbps)
	tracing.AddSpanAttributes(ctx,
		tracing.BitrateKey.Float64(sample.AvailableKbps),
		tracing.PacketLossKey.Float64(sample.PacketLoss),
	)

	a.mu.Lock()
	m, ok := a.monitors[agentID]
	if !ok {
		a.mu.Unlock()
		return
	}
	from := m.tier
	to := a.controller.Decide(string(agentID), from, sample.AvailableKbps)
	if to == from {
		a.mu.Unlock()
		return
	}
	m.tier = to
	change := domain.TierChange{
		AgentID:   agentID,
		From:      from,
		To:        to,
		Available: sample.AvailableKbps,
		Timestamp: sample.Timestamp,
	}
	m.history = append(m.history, change)
	if len(m.history) > a.historySize {
		m.history = m.history[len(m.history)-a.historySize:]
	}
	a.mu.Unlock()

	a.logger.Infow("quality tier changed",
		"agent_id", agentID,
		"from", from,
		"to", to,
		"available_kbps", sample.AvailableKbps,
		"current_kbps", sample.CurrentBitrateKbps,
		"packet_loss", sample.PacketLoss,
	)
	a.metrics.TierChanged(from, to)
	tracing.AddSpanAttributes(ctx, tracing.TierKey.String(string(to)))

	if err := a.registry.SetTier(agentID, to); err != nil && !errors.Is(err, domain.ErrAgentNotFound) {
		a.logger.Warnw("failed to record tier", "agent_id", agentID, "error", err)
	}
	profile := a.controller.Ladder().Profile(to)
	if err := a.notifier.SendQualityChange(ctx, agentID, to, profile); err != nil {
		a.logger.Warnw("failed to send quality change",
			"agent_id", agentID,
			"tier", to,
			"error", err,
		)
	}
}

// checkLoad tells the agent to halve its frame rate while the relay host is
// overloaded, and to restore it once load drops again.
func (a *AdaptiveBitrateService) checkLoad(ctx context.Context, agentID domain.AgentID) {
	if a.load == nil {
		return
	}
	load, err := a.load.Sample(ctx)
	if err != nil {
		a.logger.Debugw("load sample failed", "error", err)
		return
	}
	overloaded := a.controller.ShouldDrop(load.Max(), 0)

	a.mu.Lock()
	m, ok := a.monitors[agentID]
	if !ok || m.dropping == overloaded {
		a.mu.Unlock()
		return
	}
	m.dropping = overloaded
	tier := m.tier
	a.mu.Unlock()

	fps := a.controller.Ladder().Profile(tier).FPS
	if overloaded {
		fps = a.controller.EffectiveFPS(fps)
	}
	a.logger.Infow("frame rate adjusted for relay load",
		"agent_id", agentID,
		"cpu", load.CPU,
		"memory", load.Memory,
		"fps", fps,
	)
	if err := a.notifier.SendFrameDrop(ctx, agentID, fps); err != nil {
		a.logger.Warnw("failed to send frame drop", "agent_id", agentID, "error", err)
	}
}
