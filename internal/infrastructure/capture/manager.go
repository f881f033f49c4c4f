package capture

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/internal/core/services"

	"go.uber.org/zap"
)

// ManagerConfig holds the per-kind defaults applied to new pipelines.
type ManagerConfig struct {
	Ladder      domain.TierLadder
	Tier        domain.QualityTier
	ScreenFPS   int
	CameraFPS   int
	ScreenQueue int
	CameraQueue int
	AudioQueue  int
	StopTimeout time.Duration
	PopTimeout  time.Duration
}

// Manager owns the pipelines of one publishing agent.
type Manager struct {
	agentID domain.AgentID
	cfg     ManagerConfig
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	pipelines map[domain.TrackKind]*Pipeline
	tier      domain.QualityTier
	dropFPS   int
	localDrop bool
}

func NewManager(agentID domain.AgentID, cfg ManagerConfig, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Manager {
	if cfg.Ladder == (domain.TierLadder{}) {
		cfg.Ladder = domain.DefaultTierLadder()
	}
	if cfg.Tier == "" {
		cfg.Tier = domain.TierMedium
	}
	return &Manager{
		agentID:   agentID,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("agent_id", agentID),
		pipelines: make(map[domain.TrackKind]*Pipeline),
		tier:      cfg.Tier,
	}
}

func (m *Manager) pipelineConfig(kind domain.TrackKind) Config {
	c := Config{
		Tier:        m.tier,
		Ladder:      m.cfg.Ladder,
		StopTimeout: m.cfg.StopTimeout,
		PopTimeout:  m.cfg.PopTimeout,
	}
	switch kind {
	case domain.TrackKindScreen:
		c.FPS, c.QueueSize = m.cfg.ScreenFPS, m.cfg.ScreenQueue
	case domain.TrackKindCamera:
		c.FPS, c.QueueSize = m.cfg.CameraFPS, m.cfg.CameraQueue
	case domain.TrackKindAudio:
		c.QueueSize = m.cfg.AudioQueue
	}
	if kind.IsVideo() && m.dropFPS > 0 && (c.FPS <= 0 || m.dropFPS < c.FPS) {
		c.FPS = m.dropFPS
	}
	return c
}

// Add starts a pipeline for kind. A kind can only be added once.
func (m *Manager) Add(kind domain.TrackKind, source Source, encoder Encoder, tx Transmitter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pipelines[kind]; ok {
		return fmt.Errorf("%s pipeline already running", kind)
	}
	if encoder == nil {
		encoder = SelectEncoder(source)
	}
	p := NewPipeline(source, encoder, tx, m.metrics, m.logger)
	if err := p.Start(m.agentID, kind, m.pipelineConfig(kind)); err != nil {
		return err
	}
	m.pipelines[kind] = p
	return nil
}

// ApplyQuality moves every pipeline to tier. Video pipelines also take the
// tier frame rate unless frames are being dropped.
func (m *Manager) ApplyQuality(tier domain.QualityTier) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tier = tier
	profile := m.cfg.Ladder.Profile(tier)
	for kind, p := range m.pipelines {
		p.SetQuality(tier)
		if kind.IsVideo() && m.dropFPS == 0 && profile.FPS > 0 {
			p.SetFPS(profile.FPS)
		}
	}
	m.logger.Infow("quality applied", "tier", tier, "width", profile.Width, "height", profile.Height)
}

// ApplyFrameDrop caps the video frame rate at fps. Zero lifts the cap and
// restores the tier rate.
func (m *Manager) ApplyFrameDrop(fps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyFrameDropLocked(fps)
}

func (m *Manager) applyFrameDropLocked(fps int) {
	if fps < 0 {
		fps = 0
	}
	m.dropFPS = fps
	for kind, p := range m.pipelines {
		if !kind.IsVideo() {
			continue
		}
		if fps > 0 {
			p.SetFPS(fps)
		} else {
			p.SetFPS(m.pipelineConfig(kind).FPS)
		}
	}
	m.logger.Infow("frame rate cap changed", "fps", fps)
}

// WatchLoad samples host load and halves the video frame rate while it is
// above the controller threshold, restoring it once load recovers. It blocks
// until ctx is done.
func (m *Manager) WatchLoad(ctx context.Context, sampler ports.LoadSampler, qc *services.QualityController, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		load, err := sampler.Sample(ctx)
		if err != nil {
			m.logger.Debugw("load sample failed", "error", err)
			continue
		}
		m.applyLoad(load, qc)
	}
}

func (m *Manager) applyLoad(load domain.SystemLoad, qc *services.QualityController) {
	m.mu.Lock()
	defer m.mu.Unlock()

	overloaded := qc.ShouldDrop(load.Max(), 0)
	switch {
	case overloaded && !m.localDrop:
		m.localDrop = true
		base := m.cfg.Ladder.Profile(m.tier).FPS
		m.applyFrameDropLocked(qc.EffectiveFPS(base))
	case !overloaded && m.localDrop:
		m.localDrop = false
		m.applyFrameDropLocked(0)
	}
}

// Kinds lists the running pipelines in a stable order.
func (m *Manager) Kinds() []domain.TrackKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]domain.TrackKind, 0, len(m.pipelines))
	for k := range m.pipelines {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (m *Manager) Stats() map[domain.TrackKind]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.TrackKind]Stats, len(m.pipelines))
	for k, p := range m.pipelines {
		out[k] = p.Stats()
	}
	return out
}

// Stop stops every pipeline concurrently.
func (m *Manager) Stop() {
	m.mu.Lock()
	pipelines := m.pipelines
	m.pipelines = make(map[domain.TrackKind]*Pipeline)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pipelines {
		wg.Add(1)
		go func(p *Pipeline) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
}
