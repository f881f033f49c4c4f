package domain

import (
	"fmt"
	"time"
)

type TrackKind string

const (
	TrackKindScreen TrackKind = "screen"
	TrackKindCamera TrackKind = "camera"
	TrackKindAudio  TrackKind = "audio"
)

func ParseTrackKind(s string) (TrackKind, error) {
	switch k := TrackKind(s); k {
	case TrackKindScreen, TrackKindCamera, TrackKindAudio:
		return k, nil
	}
	return "", fmt.Errorf("unknown track kind %q", s)
}

func (k TrackKind) IsVideo() bool {
	return k == TrackKindScreen || k == TrackKindCamera
}

type Codec string

const (
	CodecH264 Codec = "h264"
	CodecVP8  Codec = "vp8"
	CodecJPEG Codec = "jpeg"
	CodecOpus Codec = "opus"
	CodecPCMU Codec = "pcmu"
)

// Track is one media stream published by an agent.
type Track struct {
	ID           TrackID
	Kind         TrackKind
	OwnerAgentID AgentID
	QualityTier  QualityTier
	Codec        Codec
	PublishedAt  time.Time
}

// NewTrackID derives the track id an agent uses for a kind.
func NewTrackID(agentID AgentID, kind TrackKind) TrackID {
	return TrackID(fmt.Sprintf("%s:%s", agentID, kind))
}
