package webrtc

import (
	"fmt"
	"strings"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Config holds the peer connection settings shared by the relay and agents.
type Config struct {
	ICEServers    []webrtc.ICEServer
	PortMin       uint16
	PortMax       uint16
	GatherTimeout time.Duration
}

func ConfigFrom(cfg *config.Config) Config {
	c := Config{
		PortMin:       cfg.WebRTC.PortRange.Min,
		PortMax:       cfg.WebRTC.PortRange.Max,
		GatherTimeout: cfg.WebRTC.GatherTimeout,
	}
	for _, s := range cfg.WebRTC.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return c
}

// NewAPI builds a pion API with the default codecs and the default
// interceptor chain (NACK, RTCP reports, TWCC).
func NewAPI(cfg Config) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := s.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(s),
	), nil
}

// NewPeerConnection opens a peer connection with the ICE settings of cfg.
func NewPeerConnection(api *webrtc.API, cfg Config) (*webrtc.PeerConnection, error) {
	return api.NewPeerConnection(cfg.peerConfiguration())
}

func (c Config) peerConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:   c.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
}

// CodecFromMime maps an RTP mime type to the domain codec.
func CodecFromMime(mime string) domain.Codec {
	switch strings.ToLower(mime) {
	case strings.ToLower(webrtc.MimeTypeH264):
		return domain.CodecH264
	case strings.ToLower(webrtc.MimeTypeVP8):
		return domain.CodecVP8
	case strings.ToLower(webrtc.MimeTypeOpus):
		return domain.CodecOpus
	case strings.ToLower(webrtc.MimeTypePCMU):
		return domain.CodecPCMU
	}
	return domain.Codec(strings.ToLower(mime))
}

// MimeForCodec is the inverse of CodecFromMime for codecs sent on tracks.
func MimeForCodec(codec domain.Codec) (string, bool) {
	switch codec {
	case domain.CodecH264:
		return webrtc.MimeTypeH264, true
	case domain.CodecVP8:
		return webrtc.MimeTypeVP8, true
	case domain.CodecOpus:
		return webrtc.MimeTypeOpus, true
	case domain.CodecPCMU:
		return webrtc.MimeTypePCMU, true
	}
	return "", false
}
