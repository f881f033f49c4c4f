package memory

import (
	"context"
	"sort"
	"sync"

	"mediarelay/internal/core/domain"
)

// PresenceRepository is the single-instance presence mirror. With one relay
// process the registry already knows who is online, so this only keeps a set.
type PresenceRepository struct {
	mu     sync.RWMutex
	online map[domain.ConnectionRole]map[string]domain.ConnectionHandle
}

func NewPresenceRepository() *PresenceRepository {
	return &PresenceRepository{
		online: map[domain.ConnectionRole]map[string]domain.ConnectionHandle{
			domain.RoleAgent:  {},
			domain.RoleViewer: {},
		},
	}
}

func (p *PresenceRepository) MarkOnline(ctx context.Context, role domain.ConnectionRole, id string, handle domain.ConnectionHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.online[role]
	if !ok {
		set = make(map[string]domain.ConnectionHandle)
		p.online[role] = set
	}
	set[id] = handle
	return nil
}

func (p *PresenceRepository) Refresh(ctx context.Context, role domain.ConnectionRole, id string) error {
	return nil
}

func (p *PresenceRepository) MarkOffline(ctx context.Context, role domain.ConnectionRole, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online[role], id)
	return nil
}

func (p *PresenceRepository) IsOnline(ctx context.Context, role domain.ConnectionRole, id string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[role][id]
	return ok, nil
}

func (p *PresenceRepository) ListOnline(ctx context.Context, role domain.ConnectionRole) ([]string, error) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.online[role]))
	for id := range p.online[role] {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}
