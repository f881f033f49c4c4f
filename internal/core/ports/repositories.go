package ports

import (
	"context"
	"time"

	"mediarelay/internal/core/domain"
)

// ConnectionRegistry is the source of truth for connected agents, viewers
// and published tracks.
type ConnectionRegistry interface {
	RegisterAgent(ctx context.Context, agent *domain.Agent) error
	// UnregisterAgent removes the agent and its tracks and returns one
	// Subscription per viewer that was following it. Unknown ids yield an
	// empty result.
	UnregisterAgent(ctx context.Context, id domain.AgentID) ([]domain.Subscription, error)
	RegisterViewer(ctx context.Context, viewer *domain.Viewer) error
	UnregisterViewer(ctx context.Context, id domain.ViewerID) error

	FindAgentByConnectionHandle(handle domain.ConnectionHandle) (*domain.Agent, bool)
	FindViewerByConnectionHandle(handle domain.ConnectionHandle) (*domain.Viewer, bool)
	Agent(id domain.AgentID) (*domain.Agent, error)
	Viewer(id domain.ViewerID) (*domain.Viewer, error)
	Agents() []*domain.Agent
	ViewersOf(id domain.AgentID) []*domain.Viewer

	AddTrack(ctx context.Context, track *domain.Track) error
	RemoveTrack(ctx context.Context, id domain.TrackID) error
	Track(id domain.TrackID) (*domain.Track, error)
	TracksOf(id domain.AgentID) []*domain.Track

	// Subscribe binds a viewer to an agent. A viewer follows one agent at a time.
	Subscribe(viewerID domain.ViewerID, agentID domain.AgentID) error
	Unsubscribe(viewerID domain.ViewerID) error
	BindTrack(viewerID domain.ViewerID, kind domain.TrackKind, trackID domain.TrackID) error
	// ResolveSubscription returns the track a viewer subscribed to, pruning
	// the reference and returning ErrStaleReference when it is gone.
	ResolveSubscription(viewerID domain.ViewerID, kind domain.TrackKind) (*domain.Track, error)

	SetTier(id domain.AgentID, tier domain.QualityTier) error
	Touch(ctx context.Context, handle domain.ConnectionHandle)
	// SweepStale returns the handles whose last heartbeat is older than timeout.
	SweepStale(timeout time.Duration) []domain.ConnectionHandle
}

// PresenceRepository mirrors endpoint liveness outside the process.
type PresenceRepository interface {
	MarkOnline(ctx context.Context, role domain.ConnectionRole, id string, handle domain.ConnectionHandle) error
	Refresh(ctx context.Context, role domain.ConnectionRole, id string) error
	MarkOffline(ctx context.Context, role domain.ConnectionRole, id string) error
	IsOnline(ctx context.Context, role domain.ConnectionRole, id string) (bool, error)
	ListOnline(ctx context.Context, role domain.ConnectionRole) ([]string, error)
}
