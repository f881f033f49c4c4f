package services

import (
	"context"
	"testing"
	"time"

	"mediarelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadMonitor_Sample(t *testing.T) {
	m := NewLoadMonitor(zap.NewNop().Sugar())
	load, err := m.Sample(context.Background())
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	assert.GreaterOrEqual(t, load.CPU, 0.0)
	assert.LessOrEqual(t, load.CPU, 1.0)
	assert.Greater(t, load.Memory, 0.0)
	assert.LessOrEqual(t, load.Memory, 1.0)
	assert.False(t, load.Timestamp.IsZero())
}

func TestLoadMonitor_WatchStopsWithContext(t *testing.T) {
	m := NewLoadMonitor(zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())

	samples := make(chan domain.SystemLoad, 16)
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, 5*time.Millisecond, func(l domain.SystemLoad) {
			select {
			case samples <- l:
			default:
			}
		})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "Watch did not return after cancel")
	}
}
