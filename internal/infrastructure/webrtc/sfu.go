package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	defaultGatherTimeout = 5 * time.Second
	forwarderJoinTimeout = 2 * time.Second
)

// SFU relays agent tracks to viewers without transcoding. Each agent has one
// publisher peer connection and each viewer one subscriber peer connection
// fed from the agent's local static tracks.
type SFU struct {
	api      *webrtc.API
	cfg      Config
	registry ports.ConnectionRegistry
	metrics  ports.MetricsRecorder
	observer ports.RelayObserver
	logger   *zap.SugaredLogger

	mu          sync.RWMutex
	publishers  map[domain.AgentID]*publisher
	subscribers map[domain.ViewerID]*subscriber
}

type relayTrack struct {
	id    domain.TrackID
	kind  domain.TrackKind
	local *webrtc.TrackLocalStaticRTP
	fwd   *forwarder
}

type publisher struct {
	agentID   domain.AgentID
	pc        *webrtc.PeerConnection
	caps      domain.Capabilities
	described atomic.Bool

	mu     sync.Mutex
	closed bool
	tracks map[domain.TrackKind]*relayTrack
}

func (p *publisher) track(kind domain.TrackKind) *relayTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks[kind]
}

// snapshot returns the published tracks ordered by kind.
func (p *publisher) snapshot() []*relayTrack {
	p.mu.Lock()
	out := make([]*relayTrack, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].kind < out[j].kind })
	return out
}

type subscriber struct {
	viewerID  domain.ViewerID
	agentID   domain.AgentID
	pc        *webrtc.PeerConnection
	described atomic.Bool

	mu          sync.Mutex
	senders     map[domain.TrackID]*webrtc.RTPSender
	negotiating bool
	pending     bool
}

type nopObserver struct{}

func (nopObserver) SubscriberOffer(context.Context, domain.ViewerID, string) {}
func (nopObserver) LocalCandidate(context.Context, domain.ConnectionRole, string, ports.ICECandidate) {
}
func (nopObserver) PeerFailed(context.Context, domain.ConnectionRole, string) {}

func NewSFU(api *webrtc.API, cfg Config, registry ports.ConnectionRegistry, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *SFU {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	return &SFU{
		api:         api,
		cfg:         cfg,
		registry:    registry,
		metrics:     metrics,
		observer:    nopObserver{},
		logger:      logger,
		publishers:  make(map[domain.AgentID]*publisher),
		subscribers: make(map[domain.ViewerID]*subscriber),
	}
}

// SetObserver must be called before the first Publish or Subscribe.
func (s *SFU) SetObserver(o ports.RelayObserver) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// Publish answers an agent's offer. Any previous publisher connection of
// the agent is torn down first.
func (s *SFU) Publish(ctx context.Context, agentID domain.AgentID, offerSDP string, caps domain.Capabilities) (string, error) {
	ctx, span := tracing.TraceRelay(ctx, "publish", string(agentID), "")
	defer span.End()

	if _, err := s.registry.Agent(agentID); err != nil {
		return "", err
	}

	pc, err := s.api.NewPeerConnection(s.cfg.peerConfiguration())
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("failed to create peer connection: %w", err)
	}

	pub := &publisher{
		agentID: agentID,
		pc:      pc,
		caps:    caps,
		tracks:  make(map[domain.TrackKind]*relayTrack),
	}

	s.mu.Lock()
	old := s.publishers[agentID]
	s.publishers[agentID] = pub
	s.mu.Unlock()
	if old != nil {
		s.logger.Infow("replacing publisher connection", "agent_id", agentID)
		s.teardownPublisher(ctx, old, true)
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.onTrack(pub, remote, receiver)
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !pub.described.Load() {
			return
		}
		s.observer.LocalCandidate(context.Background(), domain.RoleAgent, string(agentID), toPortsCandidate(c.ToJSON()))
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infow("publisher connection state changed",
			"agent_id", agentID,
			"connection_state", state.String(),
		)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			if s.detach(context.Background(), pub) && state != webrtc.PeerConnectionStateClosed {
				s.observer.PeerFailed(context.Background(), domain.RoleAgent, string(agentID))
			}
		}
	})

	answer, err := s.answer(ctx, pc, offerSDP)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.detach(ctx, pub)
		return "", err
	}
	pub.described.Store(true)

	s.logger.Infow("publisher negotiated", "agent_id", agentID)
	return answer, nil
}

func (s *SFU) answer(ctx context.Context, pc *webrtc.PeerConnection, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("%w: set remote description: %v", domain.ErrInvalidEvent, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	if err := s.waitGathering(ctx, gathered); err != nil {
		return "", err
	}
	return pc.LocalDescription().SDP, nil
}

func (s *SFU) offer(ctx context.Context, pc *webrtc.PeerConnection) (string, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	if err := s.waitGathering(ctx, gathered); err != nil {
		return "", err
	}
	return pc.LocalDescription().SDP, nil
}

// waitGathering waits for ICE gathering. On timeout the description is sent
// with the candidates found so far and the rest are trickled.
func (s *SFU) waitGathering(ctx context.Context, gathered <-chan struct{}) error {
	timer := time.NewTimer(s.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.logger.Warnw("ice gathering timed out", "timeout", s.cfg.GatherTimeout)
	}
	return nil
}

func (s *SFU) onTrack(pub *publisher, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	ctx := context.Background()
	codec := remote.Codec()
	kind := s.trackKind(pub, remote)

	log := s.logger.With("agent_id", pub.agentID, "kind", kind, "codec", codec.MimeType)
	if !pub.caps.Allows(kind) {
		log.Warnw("rejecting track outside capabilities", "remote_track_id", remote.ID())
		return
	}

	local, err := webrtc.NewTrackLocalStaticRTP(codec.RTPCodecCapability, string(kind), string(pub.agentID))
	if err != nil {
		log.Errorw("failed to create local track", "error", err)
		return
	}

	id := domain.NewTrackID(pub.agentID, kind)
	if err := s.registry.AddTrack(ctx, &domain.Track{
		ID:           id,
		Kind:         kind,
		OwnerAgentID: pub.agentID,
		Codec:        CodecFromMime(codec.MimeType),
	}); err != nil {
		log.Warnw("failed to register track", "error", err)
		return
	}

	rt := &relayTrack{
		id:    id,
		kind:  kind,
		local: local,
		fwd:   newForwarder(id, kind, codec.MimeType, codec.ClockRate, uint32(remote.SSRC()), remote, local, s.metrics, s.logger),
	}

	pub.mu.Lock()
	if pub.closed {
		pub.mu.Unlock()
		_ = s.registry.RemoveTrack(ctx, id)
		return
	}
	pub.tracks[kind] = rt
	pub.mu.Unlock()

	log.Infow("agent started publishing track", "track_id", id)

	go rt.fwd.run()
	go drainRTCP(receiver)

	s.onAgentTrackPublished(ctx, pub, rt)
}

// trackKind maps the agent's track id to a kind, falling back to the media
// type for peers that do not name their tracks.
func (s *SFU) trackKind(pub *publisher, remote *webrtc.TrackRemote) domain.TrackKind {
	if kind, err := domain.ParseTrackKind(remote.ID()); err == nil {
		return kind
	}
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.TrackKindAudio
	}
	if pub.track(domain.TrackKindScreen) == nil && pub.caps.Screen {
		return domain.TrackKindScreen
	}
	return domain.TrackKindCamera
}

func drainRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// onAgentTrackPublished attaches a new track to every viewer already
// following the agent and renegotiates their connections.
func (s *SFU) onAgentTrackPublished(ctx context.Context, pub *publisher, rt *relayTrack) {
	for _, viewer := range s.registry.ViewersOf(pub.agentID) {
		sub := s.subscriber(viewer.ID)
		if sub == nil || sub.agentID != pub.agentID {
			continue
		}
		if err := s.attach(sub, pub, rt); err != nil {
			s.logger.Warnw("failed to attach track to viewer",
				"viewer_id", viewer.ID,
				"track_id", rt.id,
				"error", err,
			)
			continue
		}
		s.renegotiate(ctx, sub)
	}
}

func (s *SFU) attach(sub *subscriber, pub *publisher, rt *relayTrack) error {
	sender, err := sub.pc.AddTrack(rt.local)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	sub.senders[rt.id] = sender
	sub.mu.Unlock()

	if err := s.registry.BindTrack(sub.viewerID, rt.kind, rt.id); err != nil {
		return err
	}
	go s.readSenderRTCP(sender, pub, rt)
	return nil
}

// readSenderRTCP relays viewer keyframe requests to the agent.
func (s *SFU) readSenderRTCP(sender *webrtc.RTPSender, pub *publisher, rt *relayTrack) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				s.requestKeyframe(pub, rt)
			}
		}
	}
}

func (s *SFU) requestKeyframe(pub *publisher, rt *relayTrack) {
	if !rt.kind.IsVideo() || !rt.fwd.allowPLI(time.Now()) {
		return
	}
	err := pub.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: rt.fwd.ssrc}})
	if err != nil {
		s.logger.Debugw("failed to request keyframe", "track_id", rt.id, "error", err)
	}
}

// Subscribe creates the viewer's connection with every track the agent
// currently publishes and returns the relay's offer.
func (s *SFU) Subscribe(ctx context.Context, viewerID domain.ViewerID, agentID domain.AgentID) (string, error) {
	ctx, span := tracing.TraceRelay(ctx, "subscribe", string(agentID), string(viewerID))
	defer span.End()

	if err := s.registry.Subscribe(viewerID, agentID); err != nil {
		return "", err
	}

	s.mu.Lock()
	old := s.subscribers[viewerID]
	delete(s.subscribers, viewerID)
	s.mu.Unlock()
	if old != nil {
		s.closePeer(old.pc, "viewer_id", viewerID)
	}

	pc, err := s.api.NewPeerConnection(s.cfg.peerConfiguration())
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("failed to create peer connection: %w", err)
	}

	sub := &subscriber{
		viewerID: viewerID,
		agentID:  agentID,
		pc:       pc,
		senders:  make(map[domain.TrackID]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !sub.described.Load() {
			return
		}
		s.observer.LocalCandidate(context.Background(), domain.RoleViewer, string(viewerID), toPortsCandidate(c.ToJSON()))
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infow("subscriber connection state changed",
			"viewer_id", viewerID,
			"connection_state", state.String(),
		)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			if s.removeSubscriber(sub) {
				s.closePeer(pc, "viewer_id", viewerID)
				s.observer.PeerFailed(context.Background(), domain.RoleViewer, string(viewerID))
			}
		}
	})

	s.mu.Lock()
	s.subscribers[viewerID] = sub
	pub := s.publishers[agentID]
	s.mu.Unlock()

	if pub != nil {
		for _, rt := range pub.snapshot() {
			if err := s.attach(sub, pub, rt); err != nil {
				s.logger.Warnw("failed to attach track to viewer",
					"viewer_id", viewerID,
					"track_id", rt.id,
					"error", err,
				)
				continue
			}
			s.requestKeyframe(pub, rt)
		}
	}

	sub.mu.Lock()
	sub.negotiating = true
	sub.mu.Unlock()

	offer, err := s.offer(ctx, pc)
	if err != nil {
		tracing.RecordError(ctx, err)
		if s.removeSubscriber(sub) {
			s.closePeer(pc, "viewer_id", viewerID)
		}
		return "", err
	}
	sub.described.Store(true)

	s.logger.Infow("viewer subscribed", "viewer_id", viewerID, "agent_id", agentID)
	return offer, nil
}

// renegotiate sends a fresh offer to the viewer, or queues one when an
// offer is already outstanding.
func (s *SFU) renegotiate(ctx context.Context, sub *subscriber) {
	sub.mu.Lock()
	if sub.negotiating {
		sub.pending = true
		sub.mu.Unlock()
		return
	}
	sub.negotiating = true
	sub.mu.Unlock()

	offer, err := s.offer(ctx, sub.pc)
	if err != nil {
		sub.mu.Lock()
		sub.negotiating = false
		sub.mu.Unlock()
		s.logger.Warnw("renegotiation failed", "viewer_id", sub.viewerID, "error", err)
		return
	}
	s.observer.SubscriberOffer(ctx, sub.viewerID, offer)
}

func (s *SFU) HandleSubscriberAnswer(ctx context.Context, viewerID domain.ViewerID, answerSDP string) error {
	ctx, span := tracing.TraceRelay(ctx, "subscribe_answer", "", string(viewerID))
	defer span.End()

	sub := s.subscriber(viewerID)
	if sub == nil {
		return domain.ErrViewerNotFound
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := sub.pc.SetRemoteDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: set remote description: %v", domain.ErrInvalidEvent, err)
	}

	sub.mu.Lock()
	sub.negotiating = false
	pending := sub.pending
	sub.pending = false
	sub.mu.Unlock()

	if pending {
		s.renegotiate(ctx, sub)
	}
	return nil
}

func (s *SFU) AddICECandidate(ctx context.Context, role domain.ConnectionRole, id string, candidate ports.ICECandidate) error {
	var pc *webrtc.PeerConnection
	switch role {
	case domain.RoleAgent:
		s.mu.RLock()
		if pub := s.publishers[domain.AgentID(id)]; pub != nil {
			pc = pub.pc
		}
		s.mu.RUnlock()
		if pc == nil {
			return domain.ErrAgentNotFound
		}
	case domain.RoleViewer:
		sub := s.subscriber(domain.ViewerID(id))
		if sub == nil {
			return domain.ErrViewerNotFound
		}
		pc = sub.pc
	default:
		return fmt.Errorf("%w: unknown role %q", domain.ErrInvalidEvent, role)
	}

	err := pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
	if err != nil {
		return fmt.Errorf("%w: add ice candidate: %v", domain.ErrInvalidEvent, err)
	}
	return nil
}

// Unsubscribe closes the viewer's media connection. Unknown viewers are
// ignored.
func (s *SFU) Unsubscribe(ctx context.Context, viewerID domain.ViewerID) error {
	sub := s.subscriber(viewerID)
	if sub == nil || !s.removeSubscriber(sub) {
		return nil
	}
	s.closePeer(sub.pc, "viewer_id", viewerID)
	s.logger.Infow("viewer unsubscribed", "viewer_id", viewerID, "agent_id", sub.agentID)
	return nil
}

// DetachAgent drops the agent's media connection while its signaling
// session stays up. Followers keep their connections and are renegotiated
// without the agent's tracks.
func (s *SFU) DetachAgent(ctx context.Context, agentID domain.AgentID) error {
	s.mu.RLock()
	pub := s.publishers[agentID]
	s.mu.RUnlock()
	if pub != nil {
		s.detach(ctx, pub)
	}
	return nil
}

// detach removes pub if it is still the agent's current publisher.
func (s *SFU) detach(ctx context.Context, pub *publisher) bool {
	s.mu.Lock()
	if s.publishers[pub.agentID] != pub {
		s.mu.Unlock()
		return false
	}
	delete(s.publishers, pub.agentID)
	s.mu.Unlock()

	s.teardownPublisher(ctx, pub, true)
	return true
}

// CloseAgent tears down the agent's publisher and the connections of its
// followers. The registry has already dropped the agent at this point.
func (s *SFU) CloseAgent(ctx context.Context, agentID domain.AgentID) error {
	ctx, span := tracing.TraceRelay(ctx, "close_agent", string(agentID), "")
	defer span.End()

	s.mu.Lock()
	pub := s.publishers[agentID]
	delete(s.publishers, agentID)
	var followers []*subscriber
	for id, sub := range s.subscribers {
		if sub.agentID == agentID {
			followers = append(followers, sub)
			delete(s.subscribers, id)
		}
	}
	s.mu.Unlock()

	if pub != nil {
		s.teardownPublisher(ctx, pub, false)
	}
	for _, sub := range followers {
		s.closePeer(sub.pc, "viewer_id", sub.viewerID)
	}
	return nil
}

func (s *SFU) teardownPublisher(ctx context.Context, pub *publisher, renegotiate bool) {
	pub.mu.Lock()
	if pub.closed {
		pub.mu.Unlock()
		return
	}
	pub.closed = true
	tracks := make([]*relayTrack, 0, len(pub.tracks))
	for _, t := range pub.tracks {
		tracks = append(tracks, t)
	}
	pub.tracks = map[domain.TrackKind]*relayTrack{}
	pub.mu.Unlock()

	s.closePeer(pub.pc, "agent_id", pub.agentID)

	for _, rt := range tracks {
		if !rt.fwd.wait(forwarderJoinTimeout) {
			s.logger.Warnw("forwarder did not stop in time", "track_id", rt.id)
		}
		if err := s.registry.RemoveTrack(ctx, rt.id); err != nil && !errors.Is(err, domain.ErrTrackNotFound) {
			s.logger.Warnw("failed to remove track", "track_id", rt.id, "error", err)
		}
	}

	if !renegotiate || len(tracks) == 0 {
		return
	}
	for _, sub := range s.followers(pub.agentID) {
		removed := false
		for _, rt := range tracks {
			sub.mu.Lock()
			sender := sub.senders[rt.id]
			delete(sub.senders, rt.id)
			sub.mu.Unlock()
			if sender == nil {
				continue
			}
			if err := sub.pc.RemoveTrack(sender); err != nil {
				s.logger.Debugw("failed to remove sender", "viewer_id", sub.viewerID, "error", err)
				continue
			}
			removed = true
		}
		if removed {
			s.renegotiate(ctx, sub)
		}
	}
	s.logger.Infow("agent media detached", "agent_id", pub.agentID, "tracks", len(tracks))
}

// TransportStats returns cumulative receive counters of the agent's
// publisher connection.
func (s *SFU) TransportStats(ctx context.Context, connectionID string) (domain.TransportStats, error) {
	s.mu.RLock()
	pub := s.publishers[domain.AgentID(connectionID)]
	s.mu.RUnlock()
	if pub == nil {
		return domain.TransportStats{}, domain.ErrAgentNotFound
	}

	stats := domain.TransportStats{Timestamp: time.Now()}
	for _, rt := range pub.snapshot() {
		snap := rt.fwd.stats.snapshot()
		stats.BytesReceived += snap.Bytes
		stats.PacketsReceived += snap.Packets
		stats.PacketsLost += snap.Lost
		if snap.Jitter > stats.Jitter {
			stats.Jitter = snap.Jitter
		}
	}
	stats.RTT = RoundTripTime(pub.pc.GetStats())
	return stats, nil
}

// RoundTripTime returns the RTT of the nominated candidate pair.
func RoundTripTime(report webrtc.StatsReport) time.Duration {
	for _, st := range report {
		var pair webrtc.ICECandidatePairStats
		switch v := st.(type) {
		case webrtc.ICECandidatePairStats:
			pair = v
		case *webrtc.ICECandidatePairStats:
			pair = *v
		default:
			continue
		}
		if pair.Nominated && pair.State == webrtc.StatsICECandidatePairStateSucceeded {
			return time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
		}
	}
	return 0
}

// Publishing reports whether the agent has a live publisher connection.
func (s *SFU) Publishing(agentID domain.AgentID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.publishers[agentID]
	return ok
}

// Close tears down every peer connection.
func (s *SFU) Close() {
	s.mu.Lock()
	pubs := make([]*publisher, 0, len(s.publishers))
	for _, p := range s.publishers {
		pubs = append(pubs, p)
	}
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.publishers = make(map[domain.AgentID]*publisher)
	s.subscribers = make(map[domain.ViewerID]*subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		s.closePeer(sub.pc, "viewer_id", sub.viewerID)
	}
	for _, p := range pubs {
		s.teardownPublisher(context.Background(), p, false)
	}
}

func (s *SFU) subscriber(id domain.ViewerID) *subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribers[id]
}

func (s *SFU) removeSubscriber(sub *subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[sub.viewerID] != sub {
		return false
	}
	delete(s.subscribers, sub.viewerID)
	return true
}

func (s *SFU) followers(agentID domain.AgentID) []*subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*subscriber
	for _, sub := range s.subscribers {
		if sub.agentID == agentID {
			out = append(out, sub)
		}
	}
	return out
}

func (s *SFU) closePeer(pc *webrtc.PeerConnection, key string, id interface{}) {
	if err := pc.Close(); err != nil {
		s.logger.Debugw("failed to close peer connection", key, id, "error", err)
	}
}

func toPortsCandidate(c webrtc.ICECandidateInit) ports.ICECandidate {
	return ports.ICECandidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
