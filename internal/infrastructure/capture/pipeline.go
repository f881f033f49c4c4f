package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/pkg/framequeue"

	"go.uber.org/zap"
)

// Config configures one pipeline run.
type Config struct {
	FPS         int
	Tier        domain.QualityTier
	Ladder      domain.TierLadder
	QueueSize   int
	StopTimeout time.Duration
	PopTimeout  time.Duration
}

func (c *Config) normalize(kind domain.TrackKind) {
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.Tier == "" {
		c.Tier = domain.TierMedium
	}
	if c.Ladder == (domain.TierLadder{}) {
		c.Ladder = domain.DefaultTierLadder()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 5
		if kind == domain.TrackKindAudio {
			c.QueueSize = 10
		}
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = 100 * time.Millisecond
	}
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Captured       uint64             `json:"captured"`
	Encoded        uint64             `json:"encoded"`
	Sent           uint64             `json:"sent"`
	EncodeFailures uint64             `json:"encode_failures"`
	SendFailures   uint64             `json:"send_failures"`
	CaptureEvicted uint64             `json:"capture_evicted"`
	EncodeEvicted  uint64             `json:"encode_evicted"`
	Tier           domain.QualityTier `json:"tier"`
	FPS            int                `json:"fps"`
}

// Pipeline runs capture, encode and transmit as three goroutines joined by
// drop-oldest queues, so a slow stage never stalls the one before it.
type Pipeline struct {
	source  Source
	encoder Encoder
	tx      Transmitter
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	agentID domain.AgentID
	kind    domain.TrackKind
	cfg     Config

	tier     atomic.Value // domain.QualityTier
	fps      atomic.Int32
	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	captureQ *framequeue.Queue[RawSample]
	encodeQ  *framequeue.Queue[EncodedFrame]

	captured, encoded, sent     atomic.Uint64
	encodeFailures, sendFailure atomic.Uint64
}

func NewPipeline(source Source, encoder Encoder, tx Transmitter, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Pipeline {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Pipeline{
		source:  source,
		encoder: encoder,
		tx:      tx,
		metrics: metrics,
		logger:  logger,
	}
}

// Start launches the three stages. A pipeline runs at most once.
func (p *Pipeline) Start(agentID domain.AgentID, kind domain.TrackKind, cfg Config) error {
	if kind != p.source.Kind() {
		return fmt.Errorf("source produces %s, not %s", p.source.Kind(), kind)
	}
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline for %s already started", kind)
	}

	cfg.normalize(kind)
	p.agentID, p.kind, p.cfg = agentID, kind, cfg
	p.tier.Store(cfg.Tier)
	p.fps.Store(int32(cfg.FPS))
	p.logger = p.logger.With("agent_id", agentID, "kind", kind)

	p.captureQ = framequeue.New[RawSample](cfg.QueueSize, framequeue.WithEvictHandler(func(RawSample) {
		p.metrics.FrameEvicted(kind, "capture")
		p.logger.Debugw("capture queue full, dropped oldest sample")
	}))
	p.encodeQ = framequeue.New[EncodedFrame](cfg.QueueSize, framequeue.WithEvictHandler(func(EncodedFrame) {
		p.metrics.FrameEvicted(kind, "encode")
		p.logger.Debugw("encode queue full, dropped oldest frame")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(3)
	go p.captureLoop(ctx)
	go p.encodeLoop()
	go p.transmitLoop(ctx)

	p.logger.Infow("pipeline started",
		"codec", p.encoder.Codec(),
		"fps", cfg.FPS,
		"tier", cfg.Tier,
	)
	return nil
}

// Stop signals every stage and waits up to the stop timeout for them. A
// stage still running after that is abandoned and logged. Stop is
// idempotent.
func (p *Pipeline) Stop() {
	if !p.started.Load() {
		return
	}
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		p.cancel()
		p.captureQ.Close()
		p.encodeQ.Close()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			if err := p.source.Close(); err != nil {
				p.logger.Debugw("failed to close source", "error", err)
			}
			p.logger.Infow("pipeline stopped", "captured", p.captured.Load(), "sent", p.sent.Load())
		case <-time.After(p.cfg.StopTimeout):
			p.logger.Warnw("pipeline stage did not stop in time, abandoning", "timeout", p.cfg.StopTimeout)
		}
	})
}

// SetQuality changes the tier read by the capture and encode stages.
func (p *Pipeline) SetQuality(tier domain.QualityTier) {
	p.tier.Store(tier)
}

// SetFPS changes the capture rate. Non-positive values are ignored.
func (p *Pipeline) SetFPS(fps int) {
	if fps > 0 {
		p.fps.Store(int32(fps))
	}
}

func (p *Pipeline) Kind() domain.TrackKind {
	return p.source.Kind()
}

func (p *Pipeline) Stats() Stats {
	s := Stats{
		Captured:       p.captured.Load(),
		Encoded:        p.encoded.Load(),
		Sent:           p.sent.Load(),
		EncodeFailures: p.encodeFailures.Load(),
		SendFailures:   p.sendFailure.Load(),
		FPS:            int(p.fps.Load()),
	}
	if tier, ok := p.tier.Load().(domain.QualityTier); ok {
		s.Tier = tier
	}
	if p.captureQ != nil {
		s.CaptureEvicted = p.captureQ.Stats().Evicted
		s.EncodeEvicted = p.encodeQ.Stats().Evicted
	}
	return s
}

func (p *Pipeline) controls() Controls {
	tier, _ := p.tier.Load().(domain.QualityTier)
	return Controls{
		Tier:    tier,
		Profile: p.cfg.Ladder.Profile(tier),
		FPS:     int(p.fps.Load()),
	}
}

func (p *Pipeline) captureLoop(ctx context.Context) {
	defer p.wg.Done()

	next := time.Now()
	for !p.stopping.Load() {
		c := p.controls()
		sample, err := p.source.Read(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warnw("capture failed", "error", err)
			if !sleepCtx(ctx, time.Second/time.Duration(c.FPS)) {
				return
			}
			continue
		}

		sample.Kind = p.kind
		if sample.Timestamp.IsZero() {
			sample.Timestamp = time.Now()
		}
		p.captured.Add(1)
		p.metrics.FrameCaptured(p.kind)
		p.captureQ.Push(sample)

		interval := sample.Duration
		if interval <= 0 {
			interval = time.Second / time.Duration(c.FPS)
		}
		next = next.Add(interval)
		wait := time.Until(next)
		if wait < -interval {
			// Fell behind; resynchronise instead of bursting.
			next = time.Now()
			continue
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (p *Pipeline) encodeLoop() {
	defer p.wg.Done()

	for !p.stopping.Load() {
		sample, ok := p.captureQ.Pop(p.cfg.PopTimeout)
		if !ok {
			continue
		}
		data, err := p.encoder.Encode(sample, p.controls())
		if err != nil {
			p.encodeFailures.Add(1)
			p.metrics.EncoderFailure(p.kind)
			p.logger.Warnw("encode failed, dropping frame", "error", err)
			continue
		}
		p.encoded.Add(1)
		p.encodeQ.Push(EncodedFrame{
			AgentID:   p.agentID,
			Kind:      p.kind,
			Timestamp: sample.Timestamp,
			Duration:  sample.Duration,
			Codec:     p.encoder.Codec(),
			Key:       sample.Key,
			Data:      data,
		})
	}
}

func (p *Pipeline) transmitLoop(ctx context.Context) {
	defer p.wg.Done()

	for !p.stopping.Load() {
		frame, ok := p.encodeQ.Pop(p.cfg.PopTimeout)
		if !ok {
			continue
		}
		if err := p.tx.Transmit(ctx, frame); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.sendFailure.Add(1)
			p.logger.Debugw("transmit failed", "error", err)
			continue
		}
		p.sent.Add(1)
		p.metrics.FrameSent(p.kind)
		p.metrics.StageLatency(p.kind, time.Since(frame.Timestamp))
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
