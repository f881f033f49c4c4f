// Package agent is the publishing endpoint: it runs the configured capture
// pipelines, publishes them to the relay and follows the relay's quality
// commands.
package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/internal/core/services"
	"mediarelay/internal/infrastructure/capture"
	"mediarelay/internal/infrastructure/signal"
	"mediarelay/internal/infrastructure/transfer"
	webrtcinfra "mediarelay/internal/infrastructure/webrtc"
	"mediarelay/pkg/config"
	apperrors "mediarelay/pkg/errors"
	"mediarelay/pkg/retry"
	"mediarelay/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const transferResultTimeout = time.Minute

// Agent publishes local media to a relay.
type Agent struct {
	cfg     *config.Config
	id      domain.AgentID
	api     *webrtc.API
	rtcCfg  webrtcinfra.Config
	manager *capture.Manager
	qc      *services.QualityController
	load    ports.LoadSampler
	sender  *transfer.Sender
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	caps   domain.Capabilities
	tracks []*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	client  *signal.Client
	pc      *webrtc.PeerConnection
	pending []webrtc.ICECandidateInit
	// tier is announced in connect-publish: the configured tier until the
	// relay commits one.
	tier domain.QualityTier

	acked     chan struct{}
	ackOnce   sync.Once
	failed    chan struct{}
	transfers chan signal.Event

	fallbackBytes atomic.Int64
}

var (
	_ services.Reconnectable = (*Agent)(nil)
	_ capture.FrameSender    = (*Agent)(nil)
	_ transfer.Emitter       = (*Agent)(nil)
)

func New(cfg *config.Config, load ports.LoadSampler, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) (*Agent, error) {
	if cfg.Agent.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	rtcCfg := webrtcinfra.ConfigFrom(cfg)
	api, err := webrtcinfra.NewAPI(rtcCfg)
	if err != nil {
		return nil, err
	}

	id := domain.AgentID(cfg.Agent.ID)
	requested := domain.TierAuto
	if cfg.Agent.Tier != "" {
		if requested, err = domain.ParseQualityTier(cfg.Agent.Tier); err != nil {
			return nil, err
		}
	}
	// Auto starts the pipelines at medium until the relay commits a tier.
	tier := requested
	if tier == domain.TierAuto {
		tier = domain.TierMedium
	}
	ladder := services.LadderFromConfig(cfg)
	logger = logger.With("agent_id", id)

	return &Agent{
		cfg:    cfg,
		id:     id,
		api:    api,
		rtcCfg: rtcCfg,
		manager: capture.NewManager(id, capture.ManagerConfig{
			Ladder:      ladder,
			Tier:        tier,
			ScreenFPS:   cfg.Pipeline.ScreenFPS,
			CameraFPS:   cfg.Pipeline.CameraFPS,
			ScreenQueue: cfg.Pipeline.ScreenQueue,
			CameraQueue: cfg.Pipeline.CameraQueue,
			AudioQueue:  cfg.Pipeline.AudioQueue,
			StopTimeout: cfg.Pipeline.StopTimeout,
			PopTimeout:  cfg.Pipeline.PopTimeout,
		}, metrics, logger),
		qc:        services.NewQualityController(services.QualityControllerConfigFrom(cfg), nil, logger),
		load:      load,
		sender:    transfer.NewSender(cfg.Transfer.ChunkSize, logger),
		metrics:   metrics,
		logger:    logger,
		tier:      requested,
		acked:     make(chan struct{}),
		failed:    make(chan struct{}, 1),
		transfers: make(chan signal.Event, 1),
	}, nil
}

// Run publishes until ctx is done or the relay connection is lost for good.
func (a *Agent) Run(ctx context.Context) error {
	specs, err := BuildSources(a.cfg)
	if err != nil {
		return err
	}
	if err := a.startMedia(specs); err != nil {
		closeSources(specs)
		a.manager.Stop()
		return err
	}
	defer a.manager.Stop()

	if err := a.Handshake(ctx); err != nil {
		a.Shutdown()
		return err
	}
	defer a.Shutdown()

	go a.heartbeatLoop(ctx)
	go a.metricsLoop(ctx)
	if a.load != nil {
		go a.manager.WatchLoad(ctx, a.load, a.qc, a.cfg.Monitoring.MetricsInterval)
	}
	if a.cfg.Agent.SendFile != "" {
		go a.sendFile(ctx, a.cfg.Agent.SendFile)
	}

	for {
		client := a.currentClient()
		lost := false
		select {
		case <-ctx.Done():
			return nil
		case <-a.failed:
			lost = true
		case ev, ok := <-client.Events():
			if !ok {
				lost = true
				break
			}
			lost = a.handle(ev)
		}
		if !lost {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warnw("relay connection lost, reconnecting")
		if err := a.qc.Recover(ctx, string(a.id), a); err != nil {
			return err
		}
	}
}

// startMedia builds one pipeline per source. Codecs with an RTP mapping get
// a local track; the rest travel as frame events over signaling.
func (a *Agent) startMedia(specs []SourceSpec) error {
	a.caps = capabilities(specs)
	for _, spec := range specs {
		encoder := capture.SelectEncoder(spec.Source)

		var tx capture.Transmitter
		if mime, ok := webrtcinfra.MimeForCodec(encoder.Codec()); ok {
			track, err := webrtc.NewTrackLocalStaticSample(codecCapability(mime), string(spec.Kind), string(a.id))
			if err != nil {
				return fmt.Errorf("create %s track: %w", spec.Kind, err)
			}
			a.tracks = append(a.tracks, track)
			tx = capture.NewTrackTransmitter(track, a.frameDuration(spec.Kind))
		} else {
			tx = capture.NewSignalTransmitter(a)
		}

		if err := a.manager.Add(spec.Kind, spec.Source, encoder, tx); err != nil {
			return err
		}
		a.logger.Infow("source started", "kind", spec.Kind, "codec", encoder.Codec())
	}
	return nil
}

func codecCapability(mime string) webrtc.RTPCodecCapability {
	switch mime {
	case webrtc.MimeTypeOpus:
		return webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 48000, Channels: 2}
	case webrtc.MimeTypePCMU:
		return webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 8000}
	}
	return webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000}
}

func (a *Agent) frameDuration(kind domain.TrackKind) time.Duration {
	if kind == domain.TrackKindAudio {
		return a.cfg.Pipeline.AudioFrame
	}
	fps := a.cfg.Pipeline.ScreenFPS
	if kind == domain.TrackKindCamera {
		fps = a.cfg.Pipeline.CameraFPS
	}
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}

// Close tears down the media connection. The signaling connection is kept
// when it is still open so that a handshake can reuse it.
func (a *Agent) Close() error {
	a.mu.Lock()
	pc := a.pc
	a.pc = nil
	a.pending = nil
	a.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// Shutdown closes both connections.
func (a *Agent) Shutdown() {
	_ = a.Close()
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

// Handshake dials the relay if needed and publishes over a new peer
// connection. The relay confirms with publish-ack.
func (a *Agent) Handshake(ctx context.Context) error {
	client, err := a.ensureClient(ctx)
	if err != nil {
		return err
	}
	_ = a.Close()

	pc, err := a.newPeer()
	if err != nil {
		return err
	}
	offer, err := a.offer(ctx, pc)
	if err != nil {
		_ = pc.Close()
		return err
	}

	a.mu.Lock()
	a.pc = pc
	tier := a.tier
	a.mu.Unlock()

	return client.Send(ctx, signal.ConnectPublish{
		AgentID:      string(a.id),
		OfferSDP:     offer,
		EnableScreen: a.caps.Screen,
		EnableCamera: a.caps.Camera,
		EnableAudio:  a.caps.Audio,
		Tier:         string(tier),
	})
}

func (a *Agent) ensureClient(ctx context.Context) (*signal.Client, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client != nil {
		select {
		case <-client.Done():
		default:
			return client, nil
		}
	}

	client, err := signal.Dial(ctx, signal.ClientConfig{
		URL:          a.cfg.Agent.RelayURL,
		WriteTimeout: a.cfg.Signal.WriteTimeout,
		PongTimeout:  a.cfg.Signal.PongTimeout,
		SendBuffer:   a.cfg.Signal.SendBuffer,
		Retry:        retry.DefaultConfig(),
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	return client, nil
}

func (a *Agent) currentClient() *signal.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

func (a *Agent) newPeer() (*webrtc.PeerConnection, error) {
	pc, err := webrtcinfra.NewPeerConnection(a.api, a.rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	for _, track := range a.tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", track.ID(), err)
		}
		go drainRTCP(sender)
	}
	if len(a.tracks) == 0 {
		// Without a media section the relay has nothing to answer.
		if _, err := pc.CreateDataChannel("control", nil); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		a.logger.Infow("media connection state changed", "connection_state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			select {
			case a.failed <- struct{}{}:
			default:
			}
		}
	})
	return pc, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// offer creates the local description and waits for ICE gathering so the
// candidates travel inside the SDP.
func (a *Agent) offer(ctx context.Context, pc *webrtc.PeerConnection) (string, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	timeout := a.rtcCfg.GatherTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		a.logger.Warnw("ice gathering timed out", "timeout", timeout)
	}
	return pc.LocalDescription().SDP, nil
}

// handle applies one relay event and reports whether the media connection
// has to be recovered.
func (a *Agent) handle(ev signal.Event) bool {
	switch e := ev.(type) {
	case signal.PublishAck:
		a.onPublishAck(e)
	case signal.ICECandidate:
		a.addRemoteCandidate(e)
	case signal.QualityChange:
		tier := domain.QualityTier(e.Tier)
		a.mu.Lock()
		a.tier = tier
		a.mu.Unlock()
		a.manager.ApplyQuality(tier)
	case signal.FrameDrop:
		a.manager.ApplyFrameDrop(e.FPS)
	case signal.TransferComplete, signal.TransferError:
		select {
		case a.transfers <- ev:
		default:
			a.logger.Debugw("unexpected transfer result", "type", ev.Type())
		}
	case signal.Error:
		if e.Code == string(apperrors.ErrCodeConnectionLost) {
			return true
		}
		a.logger.Warnw("relay rejected event",
			"code", e.Code,
			"message", e.Message,
			"event", e.Event,
		)
	case signal.Heartbeat:
	default:
		a.logger.Debugw("ignoring relay event", "type", ev.Type())
	}
	return false
}

func (a *Agent) onPublishAck(e signal.PublishAck) {
	a.mu.Lock()
	pc := a.pc
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	if pc == nil {
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: e.AnswerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		a.logger.Errorw("failed to apply relay answer", "error", err)
		select {
		case a.failed <- struct{}{}:
		default:
		}
		return
	}
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			a.logger.Debugw("failed to add relay candidate", "error", err)
		}
	}

	a.qc.MarkConnected(string(a.id))
	a.ackOnce.Do(func() { close(a.acked) })
	a.logger.Infow("publishing to relay", "tracks", len(a.tracks))
}

// addRemoteCandidate applies a relay candidate, holding it until the answer
// is in place.
func (a *Agent) addRemoteCandidate(e signal.ICECandidate) {
	init := webrtc.ICECandidateInit{Candidate: e.Candidate, SDPMid: e.SDPMid, SDPMLineIndex: e.SDPMLineIndex}

	a.mu.Lock()
	pc := a.pc
	if pc == nil || pc.RemoteDescription() == nil {
		a.pending = append(a.pending, init)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		a.logger.Debugw("failed to add relay candidate", "error", err)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := a.cfg.Signal.HeartbeatTimeout / 3
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		client := a.currentClient()
		if err := client.Send(ctx, signal.Heartbeat{Timestamp: time.Now().UnixMilli()}); err != nil {
			a.logger.Debugw("heartbeat not sent", "error", err)
		}
	}
}

// metricsLoop reports the agent's own view of its uplink every sample
// interval.
func (a *Agent) metricsLoop(ctx context.Context) {
	interval := a.cfg.Quality.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prevBytes uint64
	prevAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.mu.Lock()
			pc := a.pc
			a.mu.Unlock()
			if pc == nil {
				continue
			}

			report := uplinkReport(pc.GetStats())
			elapsed := now.Sub(prevAt)
			prevAt = now

			// A new peer connection restarts the counters.
			sent := report.bytes
			if report.bytes >= prevBytes {
				sent = report.bytes - prevBytes
			}
			prevBytes = report.bytes
			sent += uint64(a.fallbackBytes.Swap(0))
			if elapsed <= 0 {
				continue
			}

			ev := signal.MetricsUpdate{
				BitrateKbps: utils.Kbps(sent, elapsed),
				RTTMs:       float64(report.rtt) / float64(time.Millisecond),
				PacketLoss:  report.loss,
				JitterMs:    float64(report.jitter) / float64(time.Millisecond),
			}
			if err := a.currentClient().Send(ctx, ev); err != nil {
				a.logger.Debugw("metrics update not sent", "error", err)
			}
		}
	}
}

type uplink struct {
	bytes  uint64
	rtt    time.Duration
	loss   float64
	jitter time.Duration
}

func uplinkReport(report webrtc.StatsReport) uplink {
	u := uplink{rtt: webrtcinfra.RoundTripTime(report)}
	for _, st := range report {
		switch v := st.(type) {
		case webrtc.OutboundRTPStreamStats:
			u.bytes += v.BytesSent
		case *webrtc.OutboundRTPStreamStats:
			u.bytes += v.BytesSent
		case webrtc.RemoteInboundRTPStreamStats:
			u.observeRemote(v)
		case *webrtc.RemoteInboundRTPStreamStats:
			u.observeRemote(*v)
		}
	}
	if u.loss > 1 {
		u.loss = 1
	}
	return u
}

func (u *uplink) observeRemote(v webrtc.RemoteInboundRTPStreamStats) {
	if v.FractionLost > u.loss {
		u.loss = v.FractionLost
	}
	if j := time.Duration(v.Jitter * float64(time.Second)); j > u.jitter {
		u.jitter = j
	}
}

// SendFrame forwards a fallback frame over the current signaling
// connection.
func (a *Agent) SendFrame(ctx context.Context, f capture.EncodedFrame) error {
	client := a.currentClient()
	if client == nil {
		return signal.ErrSessionClosed
	}
	if err := client.SendFrame(ctx, f); err != nil {
		return err
	}
	a.fallbackBytes.Add(int64(len(f.Data)))
	return nil
}

func (a *Agent) EmitChunk(ctx context.Context, c domain.Chunk) error {
	return a.currentClient().EmitChunk(ctx, c)
}

func (a *Agent) EmitEnd(ctx context.Context, filename string) error {
	return a.currentClient().EmitEnd(ctx, filename)
}

// sendFile uploads path once the relay has accepted the publish and waits
// for the relay's verdict.
func (a *Agent) sendFile(ctx context.Context, path string) {
	select {
	case <-a.acked:
	case <-ctx.Done():
		return
	}

	name := filepath.Base(path)
	n, err := a.sender.SendFile(ctx, path, name, "", a)
	if err != nil {
		a.logger.Errorw("file transfer failed", "file", name, "error", err)
		return
	}

	select {
	case ev := <-a.transfers:
		switch r := ev.(type) {
		case signal.TransferComplete:
			a.logger.Infow("file transfer complete", "file", r.Filename, "bytes", r.Size, "sha256", r.SHA256)
		case signal.TransferError:
			a.logger.Errorw("relay rejected file transfer", "file", r.Filename, "code", r.Code, "message", r.Message)
		}
	case <-time.After(transferResultTimeout):
		a.logger.Warnw("no transfer result from relay", "file", name, "bytes", n)
	case <-ctx.Done():
	}
}

// errNotPublishing is returned by WaitPublished when ctx ends first.
var errNotPublishing = errors.New("agent is not publishing")

// WaitPublished blocks until the relay has acknowledged the first publish.
func (a *Agent) WaitPublished(ctx context.Context) error {
	select {
	case <-a.acked:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errNotPublishing, ctx.Err())
	}
}
