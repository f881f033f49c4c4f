package signal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/pkg/logger"
	"mediarelay/pkg/tracing"
	"mediarelay/pkg/utils"

	"go.uber.org/zap"
)

func eventLogger(l *zap.SugaredLogger) *logger.ContextLogger {
	return logger.NewContextLogger(l.Desugar())
}

func (h *Hub) dispatch(s *Session, ev Event) error {
	ctx, span := tracing.TraceSignalEvent(s.Context(), ev.Type(), string(s.handle))
	defer span.End()
	ctx = logger.WithConnectionID(ctx, string(s.handle))
	switch role, id := s.Identity(); role {
	case domain.RoleAgent:
		ctx = logger.WithAgentID(ctx, id)
	case domain.RoleViewer:
		ctx = logger.WithViewerID(ctx, id)
	}
	h.events.LogEvent(ctx, ev.Type())

	h.metrics.SignalEvent(ev.Type())

	var err error
	switch e := ev.(type) {
	case ConnectPublish:
		err = h.onConnectPublish(ctx, s, e)
	case Subscribe:
		err = h.onSubscribe(ctx, s, e)
	case SubscribeAnswer:
		err = h.onSubscribeAnswer(ctx, s, e)
	case ICECandidate:
		err = h.onICECandidate(ctx, s, e)
	case Unsubscribe:
		err = h.onUnsubscribe(ctx, s)
	case Heartbeat:
		err = h.onHeartbeat(ctx, s)
	case MetricsUpdate:
		err = h.onMetricsUpdate(ctx, s, e)
	case Frame:
		err = h.onFrame(ctx, s, e)
	case Chunk:
		err = h.onChunk(ctx, s, e)
	case ChunkEnd:
		err = h.onChunkEnd(ctx, s, e)
	default:
		err = fmt.Errorf("%s is not accepted by the relay: %w", ev.Type(), domain.ErrInvalidEvent)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		if domain.ToAppError(err).HTTPStatus >= http.StatusInternalServerError {
			h.events.LogError(ctx, err, "signal event failed", zap.String("event", ev.Type()))
		}
	}
	return err
}

func (h *Hub) requireAgent(s *Session) (domain.AgentID, error) {
	role, id := s.Identity()
	if role != domain.RoleAgent {
		return "", fmt.Errorf("connection has not published: %w", domain.ErrInvalidEvent)
	}
	return domain.AgentID(id), nil
}

func (h *Hub) requireViewer(s *Session) (domain.ViewerID, error) {
	role, id := s.Identity()
	if role != domain.RoleViewer {
		return "", fmt.Errorf("connection has not subscribed: %w", domain.ErrInvalidEvent)
	}
	return domain.ViewerID(id), nil
}

func (h *Hub) onConnectPublish(ctx context.Context, s *Session, e ConnectPublish) error {
	role, id := s.Identity()
	switch {
	case role == domain.RoleViewer:
		return fmt.Errorf("viewer connection cannot publish: %w", domain.ErrInvalidEvent)
	case role == domain.RoleAgent && id != e.AgentID:
		return fmt.Errorf("connection already publishes as %s: %w", id, domain.ErrInvalidEvent)
	}

	agentID := domain.AgentID(e.AgentID)
	tier := domain.QualityTier(e.Tier)
	if tier == "" {
		tier = domain.TierAuto
	}
	agent := &domain.Agent{
		ID:           agentID,
		Handle:       s.handle,
		Capabilities: e.Capabilities(),
		Tier:         tier,
	}
	if err := h.registry.RegisterAgent(ctx, agent); err != nil {
		return err
	}
	if role == "" {
		s.bind(domain.RoleAgent, e.AgentID)
		h.mu.Lock()
		h.agents[agentID] = s
		h.mu.Unlock()
	}

	answer, err := h.relay.Publish(ctx, agentID, e.OfferSDP, agent.Capabilities)
	if err != nil {
		return err
	}
	if err := s.Send(PublishAck{AgentID: e.AgentID, AnswerSDP: answer}); err != nil {
		return err
	}
	if h.quality != nil {
		h.quality.StartMonitoring(s.Context(), agentID, tier)
	}
	h.logger.Infow("agent publishing",
		"agent_id", agentID,
		"connection_id", s.handle,
		"tier", tier,
	)
	return nil
}

func (h *Hub) onSubscribe(ctx context.Context, s *Session, e Subscribe) error {
	role, id := s.Identity()
	if role == domain.RoleAgent {
		return fmt.Errorf("agent connection cannot subscribe: %w", domain.ErrInvalidEvent)
	}

	viewerID := domain.ViewerID(id)
	if role == "" {
		viewerID = domain.ViewerID(e.ViewerID)
		if viewerID == "" {
			viewerID = domain.ViewerID(utils.NewViewerID())
		}
		if err := h.registry.RegisterViewer(ctx, &domain.Viewer{ID: viewerID, Handle: s.handle}); err != nil {
			return err
		}
		s.bind(domain.RoleViewer, string(viewerID))
		h.mu.Lock()
		h.viewers[viewerID] = s
		h.mu.Unlock()
	}

	offer, err := h.relay.Subscribe(ctx, viewerID, domain.AgentID(e.AgentID))
	if err != nil {
		return err
	}
	return s.Send(SubscribeOffer{ViewerID: string(viewerID), AgentID: e.AgentID, OfferSDP: offer})
}

func (h *Hub) onSubscribeAnswer(ctx context.Context, s *Session, e SubscribeAnswer) error {
	viewerID, err := h.requireViewer(s)
	if err != nil {
		return err
	}
	return h.relay.HandleSubscriberAnswer(ctx, viewerID, e.AnswerSDP)
}

func (h *Hub) onICECandidate(ctx context.Context, s *Session, e ICECandidate) error {
	role, id := s.Identity()
	if role == "" {
		return fmt.Errorf("candidate before negotiation: %w", domain.ErrInvalidEvent)
	}
	return h.relay.AddICECandidate(ctx, role, id, e.toPorts())
}

func (h *Hub) onUnsubscribe(ctx context.Context, s *Session) error {
	viewerID, err := h.requireViewer(s)
	if err != nil {
		return err
	}
	if err := h.relay.Unsubscribe(ctx, viewerID); err != nil {
		return err
	}
	return h.registry.Unsubscribe(viewerID)
}

func (h *Hub) onHeartbeat(ctx context.Context, s *Session) error {
	h.registry.Touch(ctx, s.handle)
	return s.Send(Heartbeat{Timestamp: time.Now().UnixMilli()})
}

func (h *Hub) onMetricsUpdate(ctx context.Context, s *Session, e MetricsUpdate) error {
	agentID, err := h.requireAgent(s)
	if err != nil {
		return err
	}
	if h.quality == nil {
		return nil
	}
	h.quality.ObserveReport(ctx, agentID, domain.Measurement{
		BitrateKbps: e.BitrateKbps,
		RTT:         time.Duration(e.RTTMs * float64(time.Millisecond)),
		PacketLoss:  e.PacketLoss,
		Jitter:      time.Duration(e.JitterMs * float64(time.Millisecond)),
	})
	return nil
}

// onFrame fans a fallback frame out to the agent's viewers. Viewers whose
// buffers are full miss the frame.
func (h *Hub) onFrame(ctx context.Context, s *Session, e Frame) error {
	agentID, err := h.requireAgent(s)
	if err != nil {
		return err
	}
	e.AgentID = string(agentID)
	for _, v := range h.registry.ViewersOf(agentID) {
		vs := h.viewerSession(v.ID)
		if vs == nil {
			continue
		}
		if err := vs.Send(e); err != nil {
			h.logger.Debugw("frame not delivered", "viewer_id", v.ID, "error", err)
		}
	}
	return nil
}

func (h *Hub) onChunk(ctx context.Context, s *Session, e Chunk) error {
	if h.transfers == nil {
		return fmt.Errorf("file transfer is disabled: %w", domain.ErrInvalidEvent)
	}
	ctx, span := tracing.TraceTransfer(ctx, "chunk", e.Filename)
	defer span.End()

	res, err := h.transfers.AcceptEncoded(ctx, e.toDomain(), e.PayloadB64)
	return h.reportTransfer(s, e.Filename, res, err)
}

func (h *Hub) onChunkEnd(ctx context.Context, s *Session, e ChunkEnd) error {
	if h.transfers == nil {
		return fmt.Errorf("file transfer is disabled: %w", domain.ErrInvalidEvent)
	}
	ctx, span := tracing.TraceTransfer(ctx, "end", e.Filename)
	defer span.End()

	res, err := h.transfers.End(ctx, e.Filename)
	return h.reportTransfer(s, e.Filename, res, err)
}

// reportTransfer answers a chunk with transfer-complete or transfer-error.
// A failed chunk is reported by name here rather than as a generic error.
func (h *Hub) reportTransfer(s *Session, filename string, res *domain.TransferResult, err error) error {
	if err != nil {
		appErr := domain.ToAppError(err)
		return s.Send(TransferError{Filename: filename, Code: string(appErr.Code), Message: appErr.Message})
	}
	if res == nil {
		return nil
	}
	return s.Send(TransferComplete{Filename: res.Filename, Path: res.Path, Size: res.Size, SHA256: res.SHA256})
}
