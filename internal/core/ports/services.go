package ports

import (
	"context"

	"mediarelay/internal/core/domain"
)

// StatsProvider exposes cumulative transport counters for a connection.
type StatsProvider interface {
	TransportStats(ctx context.Context, connectionID string) (domain.TransportStats, error)
}

// AgentNotifier delivers control commands to an agent's signaling channel.
type AgentNotifier interface {
	SendQualityChange(ctx context.Context, agentID domain.AgentID, tier domain.QualityTier, profile domain.TierProfile) error
	SendFrameDrop(ctx context.Context, agentID domain.AgentID, fps int) error
}

// SubscriptionNotifier tells a viewer that the agent it follows went away.
type SubscriptionNotifier interface {
	NotifySubscriptionEnded(ctx context.Context, sub domain.Subscription)
}

// LoadSampler reports host utilisation.
type LoadSampler interface {
	Sample(ctx context.Context) (domain.SystemLoad, error)
}

// MediaRelay forwards agent media to viewers.
type MediaRelay interface {
	Publish(ctx context.Context, agentID domain.AgentID, offerSDP string, caps domain.Capabilities) (string, error)
	Subscribe(ctx context.Context, viewerID domain.ViewerID, agentID domain.AgentID) (string, error)
	HandleSubscriberAnswer(ctx context.Context, viewerID domain.ViewerID, answerSDP string) error
	AddICECandidate(ctx context.Context, role domain.ConnectionRole, id string, candidate ICECandidate) error
	Unsubscribe(ctx context.Context, viewerID domain.ViewerID) error
	CloseAgent(ctx context.Context, agentID domain.AgentID) error
}

// ICECandidate mirrors the browser RTCIceCandidateInit dictionary.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// RelayObserver receives relay side effects that other components act on.
type RelayObserver interface {
	SubscriberOffer(ctx context.Context, viewerID domain.ViewerID, offerSDP string)
	LocalCandidate(ctx context.Context, role domain.ConnectionRole, id string, candidate ICECandidate)
	PeerFailed(ctx context.Context, role domain.ConnectionRole, id string)
}
