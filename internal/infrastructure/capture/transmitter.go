package capture

import (
	"context"
	"errors"
	"io"
	"time"

	"mediarelay/internal/core/domain"

	"github.com/pion/webrtc/v3/pkg/media"
)

// EncodedFrame is one transmit unit tagged with its origin.
type EncodedFrame struct {
	AgentID   domain.AgentID
	Kind      domain.TrackKind
	Timestamp time.Time
	Duration  time.Duration
	Codec     domain.Codec
	Key       bool
	Data      []byte
}

// Transmitter sends encoded frames over the active transport.
type Transmitter interface {
	Transmit(ctx context.Context, f EncodedFrame) error
}

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// TrackTransmitter writes frames as samples to a local WebRTC track.
type TrackTransmitter struct {
	track           sampleWriter
	defaultDuration time.Duration
}

// NewTrackTransmitter wraps a track such as *webrtc.TrackLocalStaticSample.
// defaultDuration is used for frames that carry no duration.
func NewTrackTransmitter(track sampleWriter, defaultDuration time.Duration) *TrackTransmitter {
	return &TrackTransmitter{track: track, defaultDuration: defaultDuration}
}

func (t *TrackTransmitter) Transmit(_ context.Context, f EncodedFrame) error {
	d := f.Duration
	if d <= 0 {
		d = t.defaultDuration
	}
	err := t.track.WriteSample(media.Sample{Data: f.Data, Duration: d, Timestamp: f.Timestamp})
	if errors.Is(err, io.ErrClosedPipe) {
		// The connection went away; the pipeline is stopping.
		return nil
	}
	return err
}

// FrameSender delivers a frame as a signaling event.
type FrameSender interface {
	SendFrame(ctx context.Context, f EncodedFrame) error
}

// SignalTransmitter sends frames over the signaling channel. It carries
// codecs that have no RTP mapping, such as JPEG stills.
type SignalTransmitter struct {
	sender FrameSender
}

func NewSignalTransmitter(sender FrameSender) *SignalTransmitter {
	return &SignalTransmitter{sender: sender}
}

func (t *SignalTransmitter) Transmit(ctx context.Context, f EncodedFrame) error {
	return t.sender.SendFrame(ctx, f)
}

// TransmitterFunc adapts a function to Transmitter.
type TransmitterFunc func(ctx context.Context, f EncodedFrame) error

func (fn TransmitterFunc) Transmit(ctx context.Context, f EncodedFrame) error {
	return fn(ctx, f)
}
