package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/infrastructure/capture"
	"mediarelay/internal/infrastructure/repositories/memory"
	"mediarelay/internal/infrastructure/signal"
	webrtcinfra "mediarelay/internal/infrastructure/webrtc"
	"mediarelay/pkg/config"
	"mediarelay/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Agent.ID = "a1"
	cfg.Agent.Tier = "low"
	cfg.Pipeline.ScreenFPS = 10
	cfg.WebRTC.GatherTimeout = 2 * time.Second
	cfg.Quality.ReconnectBackoff = 10 * time.Millisecond
	return cfg
}

func TestBuildSources(t *testing.T) {
	cfg := testConfig()
	specs, err := BuildSources(cfg)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.IsType(t, &capture.TestPatternSource{}, specs[0].Source)
	assert.IsType(t, &capture.ToneSource{}, specs[1].Source)
	assert.Equal(t, domain.Capabilities{Screen: true, Audio: true}, capabilities(specs))

	cfg.Agent.Sources = []string{"camera"}
	specs, err = BuildSources(cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.TrackKindCamera, specs[0].Kind)
}

func TestBuildSources_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown kind", func(c *config.Config) { c.Agent.Sources = []string{"keyboard"} }},
		{"duplicate kind", func(c *config.Config) { c.Agent.Sources = []string{"audio", "audio"} }},
		{"no sources", func(c *config.Config) { c.Agent.Sources = nil }},
		{"missing h264 file", func(c *config.Config) {
			c.Agent.Sources = []string{"screen"}
			c.Agent.H264File = filepath.Join(t.TempDir(), "missing.h264")
		}},
		{"missing ogg file", func(c *config.Config) {
			c.Agent.Sources = []string{"audio"}
			c.Agent.OggFile = filepath.Join(t.TempDir(), "missing.ogg")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := BuildSources(cfg)
			assert.Error(t, err)
		})
	}
}

func TestNew_RequiresID(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.ID = ""
	_, err := New(cfg, nil, nil, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestNew_RejectsUnknownTier(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.Tier = "ultra"
	_, err := New(cfg, nil, nil, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestHandle_QualityCommands(t *testing.T) {
	a, err := New(testConfig(), nil, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	discard := capture.TransmitterFunc(func(context.Context, capture.EncodedFrame) error { return nil })
	require.NoError(t, a.manager.Add(domain.TrackKindScreen, capture.NewTestPatternSource(domain.TrackKindScreen), capture.JPEGEncoder{}, discard))
	defer a.manager.Stop()

	assert.False(t, a.handle(signal.QualityChange{Tier: "high"}))
	stats := a.manager.Stats()[domain.TrackKindScreen]
	assert.Equal(t, domain.TierHigh, stats.Tier)
	assert.Equal(t, 30, stats.FPS)
	assert.Equal(t, domain.TierHigh, a.tier)

	assert.False(t, a.handle(signal.FrameDrop{FPS: 5}))
	assert.Equal(t, 5, a.manager.Stats()[domain.TrackKindScreen].FPS)

	assert.False(t, a.handle(signal.FrameDrop{FPS: 0}))
	assert.Equal(t, 10, a.manager.Stats()[domain.TrackKindScreen].FPS)

	assert.True(t, a.handle(signal.Error{Code: "CONNECTION_LOST"}))
	assert.False(t, a.handle(signal.Error{Code: "INVALID_EVENT"}))
	assert.False(t, a.handle(signal.Heartbeat{}))
}

func TestNew_AutoTierStartsAtMedium(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.Tier = "auto"
	a, err := New(cfg, nil, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, domain.TierAuto, a.tier)

	discard := capture.TransmitterFunc(func(context.Context, capture.EncodedFrame) error { return nil })
	require.NoError(t, a.manager.Add(domain.TrackKindAudio, capture.NewToneSource(440, 8000, 20*time.Millisecond), nil, discard))
	defer a.manager.Stop()
	assert.Equal(t, domain.TierMedium, a.manager.Stats()[domain.TrackKindAudio].Tier)
}

func TestAddRemoteCandidate_QueuesBeforeAnswer(t *testing.T) {
	a, err := New(testConfig(), nil, nil, zap.NewNop().Sugar())
	require.NoError(t, err)

	a.addRemoteCandidate(signal.ICECandidate{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host"})
	assert.Len(t, a.pending, 1)
	require.NoError(t, a.Close())
	assert.Empty(t, a.pending)
}

func TestUplinkReport_Empty(t *testing.T) {
	u := uplinkReport(nil)
	assert.Zero(t, u.bytes)
	assert.Zero(t, u.rtt)
	assert.Zero(t, u.loss)
}

// TestAgent_PublishesThroughRelay runs an agent against an in-process relay
// and checks that the fallback video reaches a subscribed viewer.
func TestAgent_PublishesThroughRelay(t *testing.T) {
	logger := zap.NewNop().Sugar()
	relayCfg := config.DefaultConfig()

	rtcCfg := webrtcinfra.Config{GatherTimeout: 2 * time.Second}
	api, err := webrtcinfra.NewAPI(rtcCfg)
	require.NoError(t, err)
	registry := memory.NewConnectionRegistry(nil, nil, logger)
	sfu := webrtcinfra.NewSFU(api, rtcCfg, registry, nil, logger)
	t.Cleanup(sfu.Close)

	hub := signal.NewHub(relayCfg, registry, sfu, nil, nil, logger)
	sfu.SetObserver(hub)
	registry.SetNotifier(hub)
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	cfg := testConfig()
	cfg.Agent.RelayURL = url
	a, err := New(cfg, nil, nil, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	require.NoError(t, a.WaitPublished(waitCtx))

	agent, err := registry.Agent("a1")
	require.NoError(t, err)
	assert.Equal(t, domain.Capabilities{Screen: true, Audio: true}, agent.Capabilities)
	assert.Equal(t, domain.TierLow, agent.Tier)

	viewer, err := signal.Dial(context.Background(), signal.ClientConfig{URL: url, Retry: retry.Config{}}, logger)
	require.NoError(t, err)
	defer viewer.Close()
	require.NoError(t, viewer.Send(context.Background(), signal.Subscribe{AgentID: "a1", ViewerID: "v1"}))

	timeout := time.After(10 * time.Second)
	for got := false; !got; {
		select {
		case ev, ok := <-viewer.Events():
			require.True(t, ok)
			if f, isFrame := ev.(signal.Frame); isFrame {
				assert.Equal(t, "a1", f.AgentID)
				assert.Equal(t, "jpeg", f.Codec)
				assert.Equal(t, "screen", f.Kind)
				got = true
			}
		case <-timeout:
			t.Fatal("viewer received no frames")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
	require.Eventually(t, func() bool {
		_, err := registry.Agent("a1")
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}
