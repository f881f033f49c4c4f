package services

import (
	"context"
	"sync"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

type MockStatsProvider struct {
	mock.Mock
}

func (m *MockStatsProvider) TransportStats(ctx context.Context, connectionID string) (domain.TransportStats, error) {
	args := m.Called(ctx, connectionID)
	return args.Get(0).(domain.TransportStats), args.Error(1)
}

type MockAgentNotifier struct {
	mock.Mock
}

func (m *MockAgentNotifier) SendQualityChange(ctx context.Context, agentID domain.AgentID, tier domain.QualityTier, profile domain.TierProfile) error {
	args := m.Called(ctx, agentID, tier, profile)
	return args.Error(0)
}

func (m *MockAgentNotifier) SendFrameDrop(ctx context.Context, agentID domain.AgentID, fps int) error {
	args := m.Called(ctx, agentID, fps)
	return args.Error(0)
}

// tierRegistry records SetTier calls; every other method is unused here.
type tierRegistry struct {
	ports.ConnectionRegistry

	mu    sync.Mutex
	tiers map[domain.AgentID]domain.QualityTier
}

func newTierRegistry() *tierRegistry {
	return &tierRegistry{tiers: make(map[domain.AgentID]domain.QualityTier)}
}

func (r *tierRegistry) SetTier(id domain.AgentID, tier domain.QualityTier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers[id] = tier
	return nil
}

func (r *tierRegistry) tier(id domain.AgentID) domain.QualityTier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tiers[id]
}

type fixedLoad struct {
	mu   sync.Mutex
	load domain.SystemLoad
}

func (f *fixedLoad) set(cpu float64) {
	f.mu.Lock()
	f.load = domain.SystemLoad{CPU: cpu}
	f.mu.Unlock()
}

func (f *fixedLoad) Sample(context.Context) (domain.SystemLoad, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load, nil
}

type fakeConn struct {
	closed       int
	handshakes   int
	handshakeErr error
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

func (c *fakeConn) Handshake(context.Context) error {
	c.handshakes++
	return c.handshakeErr
}
