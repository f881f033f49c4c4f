package domain

import "time"

type AgentID string

type ViewerID string

type TrackID string

// ConnectionHandle identifies one signaling connection.
type ConnectionHandle string

type Capabilities struct {
	Screen bool `json:"screen"`
	Camera bool `json:"camera"`
	Audio  bool `json:"audio"`
}

// Kinds lists the track kinds the capabilities allow, in a fixed order.
func (c Capabilities) Kinds() []TrackKind {
	kinds := make([]TrackKind, 0, 3)
	if c.Screen {
		kinds = append(kinds, TrackKindScreen)
	}
	if c.Camera {
		kinds = append(kinds, TrackKindCamera)
	}
	if c.Audio {
		kinds = append(kinds, TrackKindAudio)
	}
	return kinds
}

// Allows reports whether an agent with these capabilities may publish kind.
func (c Capabilities) Allows(kind TrackKind) bool {
	switch kind {
	case TrackKindScreen:
		return c.Screen
	case TrackKindCamera:
		return c.Camera
	case TrackKindAudio:
		return c.Audio
	}
	return false
}

// Agent is a publishing endpoint.
type Agent struct {
	ID              AgentID
	Handle          ConnectionHandle
	PublishedTracks map[TrackID]struct{}
	Capabilities    Capabilities
	Tier            QualityTier
	ConnectedAt     time.Time
	LastSeen        time.Time
}

// Clone returns a copy that shares no maps with a.
func (a *Agent) Clone() *Agent {
	c := *a
	c.PublishedTracks = make(map[TrackID]struct{}, len(a.PublishedTracks))
	for id := range a.PublishedTracks {
		c.PublishedTracks[id] = struct{}{}
	}
	return &c
}

// Viewer is a subscribing endpoint. It is bound to at most one agent.
type Viewer struct {
	ID                 ViewerID
	Handle             ConnectionHandle
	SubscribedAgentID  AgentID
	TrackSubscriptions map[TrackKind]TrackID
	ConnectedAt        time.Time
	LastSeen           time.Time
}

func (v *Viewer) Clone() *Viewer {
	c := *v
	c.TrackSubscriptions = make(map[TrackKind]TrackID, len(v.TrackSubscriptions))
	for k, id := range v.TrackSubscriptions {
		c.TrackSubscriptions[k] = id
	}
	return &c
}

// Subscription is the notice sent to a viewer when the agent it follows goes
// away.
type Subscription struct {
	ViewerID ViewerID
	Handle   ConnectionHandle
	AgentID  AgentID
}

type ConnectionRole string

const (
	RoleAgent  ConnectionRole = "agent"
	RoleViewer ConnectionRole = "viewer"
)
