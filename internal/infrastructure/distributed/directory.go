package distributed

import (
	"context"
	"sort"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"go.uber.org/zap"
)

// Publisher is the part of EventBus the broadcaster needs.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// BroadcastingPresence wraps a presence repository and announces every
// online/offline transition to the other instances.
type BroadcastingPresence struct {
	ports.PresenceRepository

	bus    Publisher
	logger *zap.SugaredLogger
}

func NewBroadcastingPresence(inner ports.PresenceRepository, bus Publisher, logger *zap.SugaredLogger) *BroadcastingPresence {
	return &BroadcastingPresence{PresenceRepository: inner, bus: bus, logger: logger}
}

func (p *BroadcastingPresence) MarkOnline(ctx context.Context, role domain.ConnectionRole, id string, handle domain.ConnectionHandle) error {
	if err := p.PresenceRepository.MarkOnline(ctx, role, id, handle); err != nil {
		return err
	}
	p.publish(ctx, &Event{Type: EventEndpointOnline, Role: string(role), ID: id, Handle: string(handle)})
	return nil
}

func (p *BroadcastingPresence) MarkOffline(ctx context.Context, role domain.ConnectionRole, id string) error {
	if err := p.PresenceRepository.MarkOffline(ctx, role, id); err != nil {
		return err
	}
	p.publish(ctx, &Event{Type: EventEndpointOffline, Role: string(role), ID: id})
	return nil
}

func (p *BroadcastingPresence) publish(ctx context.Context, event *Event) {
	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.Warnw("failed to broadcast presence", "type", event.Type, "id", event.ID, "error", err)
	}
}

// RemoteAgent is an agent connected to another relay instance.
type RemoteAgent struct {
	AgentID    domain.AgentID `json:"agent_id"`
	InstanceID string         `json:"instance_id"`
	Since      time.Time      `json:"since"`
}

// Directory tracks agents announced by other instances.
type Directory struct {
	mu     sync.RWMutex
	agents map[domain.AgentID]RemoteAgent
}

func NewDirectory() *Directory {
	return &Directory{agents: make(map[domain.AgentID]RemoteAgent)}
}

// Apply is the EventBus.Subscribe handler.
func (d *Directory) Apply(event *Event) {
	if event.Role != string(domain.RoleAgent) {
		return
	}
	id := domain.AgentID(event.ID)

	d.mu.Lock()
	defer d.mu.Unlock()
	switch event.Type {
	case EventEndpointOnline:
		d.agents[id] = RemoteAgent{AgentID: id, InstanceID: event.InstanceID, Since: event.Timestamp}
	case EventEndpointOffline:
		// Only the owning instance may take an agent offline.
		if cur, ok := d.agents[id]; ok && cur.InstanceID == event.InstanceID {
			delete(d.agents, id)
		}
	}
}

func (d *Directory) Agents() []RemoteAgent {
	d.mu.RLock()
	out := make([]RemoteAgent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, a)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
