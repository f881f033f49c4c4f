package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/pkg/utils"

	"go.uber.org/zap"
)

type handleRef struct {
	role domain.ConnectionRole
	id   string
}

// ConnectionRegistry keeps agents, viewers and tracks in process memory.
// All mutations take mu exclusively; presence writes and notifications are
// issued after it is released.
type ConnectionRegistry struct {
	mu        sync.RWMutex
	agents    map[domain.AgentID]*domain.Agent
	viewers   map[domain.ViewerID]*domain.Viewer
	tracks    map[domain.TrackID]*domain.Track
	handles   map[domain.ConnectionHandle]handleRef
	followers map[domain.AgentID]map[domain.ViewerID]struct{}

	presence ports.PresenceRepository
	notifier ports.SubscriptionNotifier
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
}

func NewConnectionRegistry(presence ports.PresenceRepository, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *ConnectionRegistry {
	if presence == nil {
		presence = NewPresenceRepository()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &ConnectionRegistry{
		agents:    make(map[domain.AgentID]*domain.Agent),
		viewers:   make(map[domain.ViewerID]*domain.Viewer),
		tracks:    make(map[domain.TrackID]*domain.Track),
		handles:   make(map[domain.ConnectionHandle]handleRef),
		followers: make(map[domain.AgentID]map[domain.ViewerID]struct{}),
		presence:  presence,
		metrics:   metrics,
		logger:    logger,
	}
}

// SetNotifier installs the receiver of subscription-ended notices. The
// signaling server is built after the registry, so this is set during wiring.
func (r *ConnectionRegistry) SetNotifier(n ports.SubscriptionNotifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

func (r *ConnectionRegistry) RegisterAgent(ctx context.Context, agent *domain.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("register agent: %w", domain.ErrInvalidEvent)
	}

	now := utils.Now()
	stored := agent.Clone()
	if stored.ConnectedAt.IsZero() {
		stored.ConnectedAt = now
	}
	stored.LastSeen = now

	r.mu.Lock()
	if existing, ok := r.agents[agent.ID]; ok {
		if existing.Handle != agent.Handle {
			r.mu.Unlock()
			return fmt.Errorf("agent %s: %w", agent.ID, domain.ErrAgentExists)
		}
		// Same connection re-publishing: keep tracks, refresh the rest.
		stored.PublishedTracks = existing.PublishedTracks
		stored.ConnectedAt = existing.ConnectedAt
		r.agents[agent.ID] = stored
		r.mu.Unlock()
		return nil
	}
	r.agents[agent.ID] = stored
	r.handles[agent.Handle] = handleRef{role: domain.RoleAgent, id: string(agent.ID)}
	r.mu.Unlock()

	r.metrics.AgentConnected()
	r.logger.Infow("agent registered",
		"agent_id", agent.ID,
		"connection_id", agent.Handle,
		"screen", agent.Capabilities.Screen,
		"camera", agent.Capabilities.Camera,
		"audio", agent.Capabilities.Audio,
	)
	if err := r.presence.MarkOnline(ctx, domain.RoleAgent, string(agent.ID), agent.Handle); err != nil {
		r.logger.Warnw("failed to mirror agent presence", "agent_id", agent.ID, "error", err)
	}
	return nil
}

// UnregisterAgent removes the agent with its tracks. Followers stay
// registered but lose their subscription; one notice is sent per follower.
func (r *ConnectionRegistry) UnregisterAgent(ctx context.Context, id domain.AgentID) ([]domain.Subscription, error) {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}
	delete(r.agents, id)
	delete(r.handles, agent.Handle)

	var removed []domain.TrackKind
	for trackID := range agent.PublishedTracks {
		if t, ok := r.tracks[trackID]; ok {
			removed = append(removed, t.Kind)
			delete(r.tracks, trackID)
		}
	}

	subs := make([]domain.Subscription, 0, len(r.followers[id]))
	for viewerID := range r.followers[id] {
		v, ok := r.viewers[viewerID]
		if !ok {
			continue
		}
		v.SubscribedAgentID = ""
		v.TrackSubscriptions = make(map[domain.TrackKind]domain.TrackID)
		subs = append(subs, domain.Subscription{ViewerID: viewerID, Handle: v.Handle, AgentID: id})
	}
	delete(r.followers, id)
	notifier := r.notifier
	r.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].ViewerID < subs[j].ViewerID })

	r.metrics.AgentDisconnected()
	for _, kind := range removed {
		r.metrics.TrackUnpublished(kind)
	}
	r.logger.Infow("agent unregistered",
		"agent_id", id,
		"tracks", len(removed),
		"viewers", len(subs),
	)
	if err := r.presence.MarkOffline(ctx, domain.RoleAgent, string(id)); err != nil {
		r.logger.Warnw("failed to clear agent presence", "agent_id", id, "error", err)
	}
	if notifier != nil {
		for _, sub := range subs {
			notifier.NotifySubscriptionEnded(ctx, sub)
		}
	}
	return subs, nil
}

func (r *ConnectionRegistry) RegisterViewer(ctx context.Context, viewer *domain.Viewer) error {
	if viewer == nil || viewer.ID == "" {
		return fmt.Errorf("register viewer: %w", domain.ErrInvalidEvent)
	}

	now := utils.Now()
	stored := viewer.Clone()
	if stored.ConnectedAt.IsZero() {
		stored.ConnectedAt = now
	}
	stored.LastSeen = now
	stored.SubscribedAgentID = ""
	stored.TrackSubscriptions = make(map[domain.TrackKind]domain.TrackID)

	r.mu.Lock()
	if _, ok := r.viewers[viewer.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("viewer %s: %w", viewer.ID, domain.ErrViewerExists)
	}
	r.viewers[viewer.ID] = stored
	r.handles[viewer.Handle] = handleRef{role: domain.RoleViewer, id: string(viewer.ID)}
	r.mu.Unlock()

	r.metrics.ViewerConnected()
	r.logger.Infow("viewer registered", "viewer_id", viewer.ID, "connection_id", viewer.Handle)
	if err := r.presence.MarkOnline(ctx, domain.RoleViewer, string(viewer.ID), viewer.Handle); err != nil {
		r.logger.Warnw("failed to mirror viewer presence", "viewer_id", viewer.ID, "error", err)
	}
	return nil
}

// UnregisterViewer is a no-op for unknown viewers.
func (r *ConnectionRegistry) UnregisterViewer(ctx context.Context, id domain.ViewerID) error {
	r.mu.Lock()
	v, ok := r.viewers[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.viewers, id)
	delete(r.handles, v.Handle)
	r.unfollowLocked(id, v.SubscribedAgentID)
	r.mu.Unlock()

	r.metrics.ViewerDisconnected()
	r.logger.Infow("viewer unregistered", "viewer_id", id)
	if err := r.presence.MarkOffline(ctx, domain.RoleViewer, string(id)); err != nil {
		r.logger.Warnw("failed to clear viewer presence", "viewer_id", id, "error", err)
	}
	return nil
}

func (r *ConnectionRegistry) unfollowLocked(viewerID domain.ViewerID, agentID domain.AgentID) {
	if agentID == "" {
		return
	}
	if set, ok := r.followers[agentID]; ok {
		delete(set, viewerID)
		if len(set) == 0 {
			delete(r.followers, agentID)
		}
	}
}

func (r *ConnectionRegistry) FindAgentByConnectionHandle(handle domain.ConnectionHandle) (*domain.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.handles[handle]
	if !ok || ref.role != domain.RoleAgent {
		return nil, false
	}
	a, ok := r.agents[domain.AgentID(ref.id)]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (r *ConnectionRegistry) FindViewerByConnectionHandle(handle domain.ConnectionHandle) (*domain.Viewer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.handles[handle]
	if !ok || ref.role != domain.RoleViewer {
		return nil, false
	}
	v, ok := r.viewers[domain.ViewerID(ref.id)]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

func (r *ConnectionRegistry) Agent(id domain.AgentID) (*domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	return a.Clone(), nil
}

func (r *ConnectionRegistry) Viewer(id domain.ViewerID) (*domain.Viewer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.viewers[id]
	if !ok {
		return nil, domain.ErrViewerNotFound
	}
	return v.Clone(), nil
}

// Agents returns every registered agent ordered by id.
func (r *ConnectionRegistry) Agents() []*domain.Agent {
	r.mu.RLock()
	out := make([]*domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *ConnectionRegistry) ViewersOf(id domain.AgentID) []*domain.Viewer {
	r.mu.RLock()
	out := make([]*domain.Viewer, 0, len(r.followers[id]))
	for viewerID := range r.followers[id] {
		if v, ok := r.viewers[viewerID]; ok {
			out = append(out, v.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *ConnectionRegistry) AddTrack(ctx context.Context, track *domain.Track) error {
	if track == nil || track.ID == "" {
		return fmt.Errorf("add track: %w", domain.ErrInvalidEvent)
	}

	r.mu.Lock()
	agent, ok := r.agents[track.OwnerAgentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("add track %s: %w", track.ID, domain.ErrAgentNotFound)
	}
	if !agent.Capabilities.Allows(track.Kind) {
		r.mu.Unlock()
		return fmt.Errorf("add track %s: %w", track.ID, domain.ErrCapabilityDenied)
	}
	_, replaced := r.tracks[track.ID]
	stored := *track
	if stored.PublishedAt.IsZero() {
		stored.PublishedAt = utils.Now()
	}
	if stored.QualityTier == "" {
		stored.QualityTier = agent.Tier
	}
	r.tracks[track.ID] = &stored
	agent.PublishedTracks[track.ID] = struct{}{}
	r.mu.Unlock()

	if !replaced {
		r.metrics.TrackPublished(track.Kind)
	}
	r.logger.Infow("track published",
		"agent_id", track.OwnerAgentID,
		"track_id", track.ID,
		"kind", track.Kind,
		"codec", track.Codec,
	)
	return nil
}

// RemoveTrack drops a track. Viewer references to it are pruned lazily by
// ResolveSubscription.
func (r *ConnectionRegistry) RemoveTrack(ctx context.Context, id domain.TrackID) error {
	r.mu.Lock()
	t, ok := r.tracks[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrTrackNotFound
	}
	delete(r.tracks, id)
	if agent, ok := r.agents[t.OwnerAgentID]; ok {
		delete(agent.PublishedTracks, id)
	}
	r.mu.Unlock()

	r.metrics.TrackUnpublished(t.Kind)
	r.logger.Infow("track unpublished", "agent_id", t.OwnerAgentID, "track_id", id)
	return nil
}

func (r *ConnectionRegistry) Track(id domain.TrackID) (*domain.Track, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracks[id]
	if !ok {
		return nil, domain.ErrTrackNotFound
	}
	c := *t
	return &c, nil
}

// TracksOf returns the agent's tracks in kind order.
func (r *ConnectionRegistry) TracksOf(id domain.AgentID) []*domain.Track {
	r.mu.RLock()
	var out []*domain.Track
	if agent, ok := r.agents[id]; ok {
		for trackID := range agent.PublishedTracks {
			if t, ok := r.tracks[trackID]; ok {
				c := *t
				out = append(out, &c)
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Subscribe binds the viewer to agentID, replacing any previous binding.
func (r *ConnectionRegistry) Subscribe(viewerID domain.ViewerID, agentID domain.AgentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.viewers[viewerID]
	if !ok {
		return domain.ErrViewerNotFound
	}
	if _, ok := r.agents[agentID]; !ok {
		return domain.ErrAgentNotFound
	}
	if v.SubscribedAgentID != agentID {
		r.unfollowLocked(viewerID, v.SubscribedAgentID)
		v.TrackSubscriptions = make(map[domain.TrackKind]domain.TrackID)
	}
	v.SubscribedAgentID = agentID
	set, ok := r.followers[agentID]
	if !ok {
		set = make(map[domain.ViewerID]struct{})
		r.followers[agentID] = set
	}
	set[viewerID] = struct{}{}
	return nil
}

// Unsubscribe clears the viewer's binding. The viewer stays registered.
func (r *ConnectionRegistry) Unsubscribe(viewerID domain.ViewerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.viewers[viewerID]
	if !ok {
		return domain.ErrViewerNotFound
	}
	r.unfollowLocked(viewerID, v.SubscribedAgentID)
	v.SubscribedAgentID = ""
	v.TrackSubscriptions = make(map[domain.TrackKind]domain.TrackID)
	return nil
}

// BindTrack records that the viewer receives trackID for kind. The track
// must belong to the agent the viewer follows.
func (r *ConnectionRegistry) BindTrack(viewerID domain.ViewerID, kind domain.TrackKind, trackID domain.TrackID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.viewers[viewerID]
	if !ok {
		return domain.ErrViewerNotFound
	}
	t, ok := r.tracks[trackID]
	if !ok {
		return domain.ErrTrackNotFound
	}
	if t.OwnerAgentID != v.SubscribedAgentID {
		return fmt.Errorf("track %s is not published by %q: %w", trackID, v.SubscribedAgentID, domain.ErrStaleReference)
	}
	v.TrackSubscriptions[kind] = trackID
	return nil
}

func (r *ConnectionRegistry) ResolveSubscription(viewerID domain.ViewerID, kind domain.TrackKind) (*domain.Track, error) {
	r.mu.RLock()
	v, ok := r.viewers[viewerID]
	if !ok {
		r.mu.RUnlock()
		return nil, domain.ErrViewerNotFound
	}
	trackID, ok := v.TrackSubscriptions[kind]
	if !ok {
		r.mu.RUnlock()
		return nil, domain.ErrTrackNotFound
	}
	if t, ok := r.tracks[trackID]; ok && t.OwnerAgentID == v.SubscribedAgentID {
		c := *t
		r.mu.RUnlock()
		return &c, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	// Re-check under the write lock; the binding may have changed.
	if v, ok := r.viewers[viewerID]; ok && v.TrackSubscriptions[kind] == trackID {
		delete(v.TrackSubscriptions, kind)
	}
	r.mu.Unlock()

	r.logger.Debugw("pruned stale subscription",
		"viewer_id", viewerID,
		"kind", kind,
		"track_id", trackID,
	)
	return nil, fmt.Errorf("track %s: %w", trackID, domain.ErrStaleReference)
}

func (r *ConnectionRegistry) SetTier(id domain.AgentID, tier domain.QualityTier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return domain.ErrAgentNotFound
	}
	agent.Tier = tier
	for trackID := range agent.PublishedTracks {
		if t, ok := r.tracks[trackID]; ok && t.Kind.IsVideo() {
			t.QualityTier = tier
		}
	}
	return nil
}

// Touch records a heartbeat for whichever endpoint owns handle.
func (r *ConnectionRegistry) Touch(ctx context.Context, handle domain.ConnectionHandle) {
	now := utils.Now()

	r.mu.Lock()
	ref, ok := r.handles[handle]
	if ok {
		switch ref.role {
		case domain.RoleAgent:
			if a, found := r.agents[domain.AgentID(ref.id)]; found {
				a.LastSeen = now
			}
		case domain.RoleViewer:
			if v, found := r.viewers[domain.ViewerID(ref.id)]; found {
				v.LastSeen = now
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := r.presence.Refresh(ctx, ref.role, ref.id); err != nil {
		r.logger.Debugw("failed to refresh presence", "role", ref.role, "id", ref.id, "error", err)
	}
}

func (r *ConnectionRegistry) SweepStale(timeout time.Duration) []domain.ConnectionHandle {
	r.mu.RLock()
	var stale []domain.ConnectionHandle
	for _, a := range r.agents {
		if utils.IsExpired(a.LastSeen, timeout) {
			stale = append(stale, a.Handle)
		}
	}
	for _, v := range r.viewers {
		if utils.IsExpired(v.LastSeen, timeout) {
			stale = append(stale, v.Handle)
		}
	}
	r.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return stale
}
