package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/internal/infrastructure/middleware"
	"mediarelay/pkg/config"
	"mediarelay/pkg/logger"
	"mediarelay/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// QualityMonitor is the adaptive bitrate side of the relay.
type QualityMonitor interface {
	StartMonitoring(ctx context.Context, agentID domain.AgentID, initial domain.QualityTier)
	StopMonitoring(agentID domain.AgentID)
	ObserveReport(ctx context.Context, agentID domain.AgentID, m domain.Measurement) domain.BandwidthSample
}

// TransferReceiver reassembles chunked uploads.
type TransferReceiver interface {
	AcceptEncoded(ctx context.Context, c domain.Chunk, payloadB64 string) (*domain.TransferResult, error)
	End(ctx context.Context, filename string) (*domain.TransferResult, error)
}

const cleanupTimeout = 5 * time.Second

// Hub owns all signaling sessions and routes their events to the registry,
// the media relay and the transfer receiver. It is also the path by which
// those components reach endpoints.
type Hub struct {
	cfg       *config.Config
	registry  ports.ConnectionRegistry
	relay     ports.MediaRelay
	transfers TransferReceiver
	quality   QualityMonitor
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
	events    *logger.ContextLogger

	upgrader  websocket.Upgrader
	accepting atomic.Bool

	mu       sync.RWMutex
	sessions map[domain.ConnectionHandle]*Session
	agents   map[domain.AgentID]*Session
	viewers  map[domain.ViewerID]*Session
	wg       sync.WaitGroup
}

var (
	_ ports.AgentNotifier        = (*Hub)(nil)
	_ ports.SubscriptionNotifier = (*Hub)(nil)
	_ ports.RelayObserver        = (*Hub)(nil)
)

// NewHub builds the signaling hub. transfers may be nil to disable
// uploads.
func NewHub(cfg *config.Config, registry ports.ConnectionRegistry, relay ports.MediaRelay, transfers TransferReceiver, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Hub {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	h := &Hub{
		cfg:       cfg,
		registry:  registry,
		relay:     relay,
		transfers: transfers,
		metrics:   metrics,
		logger:    logger,
		events:    eventLogger(logger),
		sessions:  make(map[domain.ConnectionHandle]*Session),
		agents:    make(map[domain.AgentID]*Session),
		viewers:   make(map[domain.ViewerID]*Session),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.Signal.AllowedOrigins),
	}
	h.accepting.Store(true)
	return h
}

// SetQualityMonitor installs the adaptive bitrate service. It is built with
// the hub as its notifier, so it is attached after construction.
func (h *Hub) SetQualityMonitor(q QualityMonitor) {
	h.quality = q
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket upgrades the request and serves the session until the
// connection ends.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.accepting.Load() {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	handle := domain.ConnectionHandle(utils.NewConnectionHandle())
	s := newSession(handle, conn, sessionConfig{
		pingInterval:   h.cfg.Signal.PingInterval,
		pongTimeout:    h.cfg.Signal.PongTimeout,
		writeTimeout:   h.cfg.Signal.WriteTimeout,
		sendBuffer:     h.cfg.Signal.SendBuffer,
		maxMessageSize: h.cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}, middleware.NewMessageLimiter(h.cfg), h.logger)

	h.mu.Lock()
	if !h.accepting.Load() {
		h.mu.Unlock()
		s.Close()
		return
	}
	h.sessions[handle] = s
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	h.logger.Infow("signaling connection opened", "connection_id", handle, "remote_addr", r.RemoteAddr)
	s.run(h.dispatch)
	h.cleanup(s)
	h.logger.Infow("signaling connection closed", "connection_id", handle)
}

// cleanup releases everything the session owned.
func (h *Hub) cleanup(s *Session) {
	s.Close()
	role, id := s.Identity()

	h.mu.Lock()
	delete(h.sessions, s.handle)
	switch role {
	case domain.RoleAgent:
		if h.agents[domain.AgentID(id)] == s {
			delete(h.agents, domain.AgentID(id))
		}
	case domain.RoleViewer:
		if h.viewers[domain.ViewerID(id)] == s {
			delete(h.viewers, domain.ViewerID(id))
		}
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	switch role {
	case domain.RoleAgent:
		h.releaseAgent(ctx, domain.AgentID(id))
	case domain.RoleViewer:
		h.releaseViewer(ctx, domain.ViewerID(id))
	}
}

func (h *Hub) releaseAgent(ctx context.Context, agentID domain.AgentID) {
	if h.quality != nil {
		h.quality.StopMonitoring(agentID)
	}
	if _, err := h.registry.UnregisterAgent(ctx, agentID); err != nil {
		h.logger.Warnw("failed to unregister agent", "agent_id", agentID, "error", err)
	}
	if err := h.relay.CloseAgent(ctx, agentID); err != nil {
		h.logger.Warnw("failed to close agent media", "agent_id", agentID, "error", err)
	}
}

func (h *Hub) releaseViewer(ctx context.Context, viewerID domain.ViewerID) {
	if err := h.relay.Unsubscribe(ctx, viewerID); err != nil {
		h.logger.Warnw("failed to close viewer media", "viewer_id", viewerID, "error", err)
	}
	if err := h.registry.UnregisterViewer(ctx, viewerID); err != nil {
		h.logger.Warnw("failed to unregister viewer", "viewer_id", viewerID, "error", err)
	}
}

// Run sweeps endpoints whose heartbeat is older than the configured
// timeout until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	interval := h.cfg.Signal.SweepInterval
	if interval <= 0 {
		interval = h.cfg.Signal.HeartbeatTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep closes every connection that missed its heartbeat deadline and
// returns how many it found.
func (h *Hub) Sweep(ctx context.Context) int {
	stale := h.registry.SweepStale(h.cfg.Signal.HeartbeatTimeout)
	for _, handle := range stale {
		h.mu.RLock()
		s := h.sessions[handle]
		h.mu.RUnlock()

		h.logger.Infow("heartbeat timed out", "connection_id", handle)
		if s != nil {
			s.Close()
			continue
		}
		// No live session owns the handle; drop the registry entry directly.
		if a, ok := h.registry.FindAgentByConnectionHandle(handle); ok {
			h.releaseAgent(ctx, a.ID)
		} else if v, ok := h.registry.FindViewerByConnectionHandle(handle); ok {
			h.releaseViewer(ctx, v.ID)
		}
	}
	return len(stale)
}

// Shutdown stops accepting connections, closes the open ones and waits for
// their cleanup or for ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.accepting.Store(false)
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()
	for _, s := range open {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("signaling shutdown: %w", ctx.Err())
	}
}

// Accepting reports whether new connections are admitted.
func (h *Hub) Accepting() bool {
	return h.accepting.Load()
}

// ConnectionCount returns the number of open sessions.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) agentSession(id domain.AgentID) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.agents[id]
}

func (h *Hub) viewerSession(id domain.ViewerID) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.viewers[id]
}

func (h *Hub) endpointSession(role domain.ConnectionRole, id string) *Session {
	switch role {
	case domain.RoleAgent:
		return h.agentSession(domain.AgentID(id))
	case domain.RoleViewer:
		return h.viewerSession(domain.ViewerID(id))
	}
	return nil
}

func (h *Hub) SendQualityChange(ctx context.Context, agentID domain.AgentID, tier domain.QualityTier, profile domain.TierProfile) error {
	s := h.agentSession(agentID)
	if s == nil {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrAgentNotFound)
	}
	h.metrics.SignalEvent(TypeQualityChange)
	return s.Send(QualityChange{
		Tier:        string(tier),
		Width:       profile.Width,
		Height:      profile.Height,
		FPS:         profile.FPS,
		BitrateKbps: profile.BitrateKbps,
	})
}

func (h *Hub) SendFrameDrop(ctx context.Context, agentID domain.AgentID, fps int) error {
	s := h.agentSession(agentID)
	if s == nil {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrAgentNotFound)
	}
	h.metrics.SignalEvent(TypeFrameDrop)
	return s.Send(FrameDrop{FPS: fps})
}

func (h *Hub) NotifySubscriptionEnded(ctx context.Context, sub domain.Subscription) {
	h.mu.RLock()
	s := h.sessions[sub.Handle]
	h.mu.RUnlock()
	if s == nil {
		return
	}
	if err := s.Send(SubscriptionEnded{AgentID: string(sub.AgentID), Reason: "agent disconnected"}); err != nil {
		h.logger.Debugw("failed to notify viewer", "viewer_id", sub.ViewerID, "error", err)
	}
}

func (h *Hub) SubscriberOffer(ctx context.Context, viewerID domain.ViewerID, offerSDP string) {
	s := h.viewerSession(viewerID)
	if s == nil {
		return
	}
	var agentID domain.AgentID
	if v, err := h.registry.Viewer(viewerID); err == nil {
		agentID = v.SubscribedAgentID
	}
	if err := s.Send(SubscribeOffer{ViewerID: string(viewerID), AgentID: string(agentID), OfferSDP: offerSDP}); err != nil {
		h.logger.Warnw("failed to send renegotiation offer", "viewer_id", viewerID, "error", err)
	}
}

func (h *Hub) LocalCandidate(ctx context.Context, role domain.ConnectionRole, id string, c ports.ICECandidate) {
	s := h.endpointSession(role, id)
	if s == nil {
		return
	}
	ev := ICECandidate{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
	if role == domain.RoleAgent {
		ev.AgentID = id
	} else {
		ev.ViewerID = id
	}
	_ = s.Send(ev)
}

// PeerFailed tells the endpoint its media connection is gone so it can
// renegotiate.
func (h *Hub) PeerFailed(ctx context.Context, role domain.ConnectionRole, id string) {
	s := h.endpointSession(role, id)
	if s == nil {
		return
	}
	err := fmt.Errorf("%s %s media connection failed: %w", role, id, domain.ErrConnectionLost)
	_ = s.Send(ErrorEvent(err, ""))
}
