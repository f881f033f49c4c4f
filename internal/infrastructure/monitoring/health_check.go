package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// Probe reports a dependency as healthy by returning nil.
type Probe func(ctx context.Context) error

type namedProbe struct {
	name     string
	probe    Probe
	interval time.Duration
	timeout  time.Duration
}

// HealthChecker runs named probes on demand and, for probes with an
// interval, in the background. It remembers the last result of each.
type HealthChecker struct {
	mu     sync.RWMutex
	probes []namedProbe
	last   map[string]string
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{last: make(map[string]string)}
}

// AddCheck registers probe. A zero interval means the probe only runs
// from CheckAll.
func (h *HealthChecker) AddCheck(name string, probe Probe, interval, timeout time.Duration) {
	if timeout <= 0 {
		timeout = time.Second
	}
	h.mu.Lock()
	h.probes = append(h.probes, namedProbe{name: name, probe: probe, interval: interval, timeout: timeout})
	h.mu.Unlock()
}

// Pinger is satisfied by the repository factory, whose check passes when
// Redis is disabled.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

func (h *HealthChecker) AddRedisCheck(p Pinger, interval, timeout time.Duration) {
	h.AddCheck("redis", p.HealthCheck, interval, timeout)
}

// AddLoadCheck fails while host utilisation (0..1) is at or above limit.
func (h *HealthChecker) AddLoadCheck(sample func(ctx context.Context) (float64, error), limit float64, interval, timeout time.Duration) {
	h.AddCheck("load", func(ctx context.Context) error {
		load, err := sample(ctx)
		if err != nil {
			return err
		}
		if load >= limit {
			return fmt.Errorf("load %.2f above %.2f", load, limit)
		}
		return nil
	}, interval, timeout)
}

var errNotAccepting = errors.New("not accepting connections")

// AddReadinessCheck fails once the relay stops accepting signaling
// connections.
func (h *HealthChecker) AddReadinessCheck(accepting func() bool, interval, timeout time.Duration) {
	h.AddCheck("readiness", func(context.Context) error {
		if !accepting() {
			return errNotAccepting
		}
		return nil
	}, interval, timeout)
}

func (h *HealthChecker) snapshot() []namedProbe {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]namedProbe(nil), h.probes...)
}

// CheckAll runs every probe concurrently.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	probes := h.snapshot()
	results := make([]string, len(probes))

	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p namedProbe) {
			defer wg.Done()
			results[i] = h.run(ctx, p)
		}(i, p)
	}
	wg.Wait()

	status := HealthStatus{Status: statusHealthy, Timestamp: time.Now(), Checks: make(map[string]string, len(probes))}
	for i, p := range probes {
		status.Checks[p.name] = results[i]
		if results[i] != statusHealthy {
			status.Status = statusUnhealthy
		}
	}
	return status
}

// GetReadinessStatus backs the /ready endpoint.
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == statusHealthy
}

func (h *HealthChecker) run(ctx context.Context, p namedProbe) string {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := statusHealthy
	if err := p.probe(ctx); err != nil {
		result = err.Error()
	}
	h.mu.Lock()
	h.last[p.name] = result
	h.mu.Unlock()
	return result
}

// LastResults returns the outcome of the most recent run of every probe.
func (h *HealthChecker) LastResults() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.last))
	for k, v := range h.last {
		out[k] = v
	}
	return out
}

// StartBackgroundChecks runs each probe with an interval once immediately
// and then on every tick until ctx is done.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	for _, p := range h.snapshot() {
		if p.interval <= 0 {
			continue
		}
		go func(p namedProbe) {
			h.run(ctx, p)
			ticker := time.NewTicker(p.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					h.run(ctx, p)
				}
			}
		}(p)
	}
}
