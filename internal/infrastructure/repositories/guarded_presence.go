package repositories

import (
	"context"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// GuardedPresence routes presence writes through a circuit breaker so an
// unreachable Redis fails fast instead of delaying every registration.
type GuardedPresence struct {
	inner   ports.PresenceRepository
	breaker *circuitbreaker.Breaker
}

func NewGuardedPresence(inner ports.PresenceRepository, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedPresence {
	b := circuitbreaker.New(cfg)
	b.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("presence circuit changed", "from", from.String(), "to", to.String())
	})
	return &GuardedPresence{inner: inner, breaker: b}
}

func (g *GuardedPresence) State() circuitbreaker.State {
	return g.breaker.State()
}

func (g *GuardedPresence) MarkOnline(ctx context.Context, role domain.ConnectionRole, id string, handle domain.ConnectionHandle) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.MarkOnline(ctx, role, id, handle)
	})
}

func (g *GuardedPresence) Refresh(ctx context.Context, role domain.ConnectionRole, id string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Refresh(ctx, role, id)
	})
}

func (g *GuardedPresence) MarkOffline(ctx context.Context, role domain.ConnectionRole, id string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.MarkOffline(ctx, role, id)
	})
}

func (g *GuardedPresence) IsOnline(ctx context.Context, role domain.ConnectionRole, id string) (bool, error) {
	var online bool
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		online, err = g.inner.IsOnline(ctx, role, id)
		return err
	})
	return online, err
}

func (g *GuardedPresence) ListOnline(ctx context.Context, role domain.ConnectionRole) ([]string, error) {
	var ids []string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		ids, err = g.inner.ListOnline(ctx, role)
		return err
	})
	return ids, err
}
