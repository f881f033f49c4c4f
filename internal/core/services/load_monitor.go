package services

import (
	"context"
	"fmt"
	"time"

	"mediarelay/internal/core/domain"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// LoadMonitor samples host CPU and memory utilisation.
type LoadMonitor struct {
	logger *zap.SugaredLogger
}

func NewLoadMonitor(logger *zap.SugaredLogger) *LoadMonitor {
	return &LoadMonitor{logger: logger}
}

// Sample returns the CPU usage since the previous call and the current
// memory usage, both as fractions.
func (m *LoadMonitor) Sample(ctx context.Context) (domain.SystemLoad, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return domain.SystemLoad{}, fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return domain.SystemLoad{}, fmt.Errorf("virtual memory: %w", err)
	}

	load := domain.SystemLoad{
		Memory:    vm.UsedPercent / 100,
		Timestamp: time.Now(),
	}
	if len(percents) > 0 {
		load.CPU = percents[0] / 100
	}
	return load, nil
}

// Watch samples every interval until ctx is done.
func (m *LoadMonitor) Watch(ctx context.Context, interval time.Duration, fn func(domain.SystemLoad)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			load, err := m.Sample(ctx)
			if err != nil {
				m.logger.Debugw("load sample failed", "error", err)
				continue
			}
			fn(load)
		}
	}
}
