package capture

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"mediarelay/internal/core/domain"
)

// Encoder turns a raw sample into a payload for the transmit stage.
type Encoder interface {
	Codec() domain.Codec
	Encode(s RawSample, c Controls) ([]byte, error)
}

// SelectEncoder picks the encoder for a source: already encoded H.264 and
// Opus pass through, other video falls back to JPEG and other audio to
// G.711 mu-law.
func SelectEncoder(src Source) Encoder {
	switch native := src.Native(); {
	case native == domain.CodecH264 && src.Kind().IsVideo():
		return PassthroughEncoder{codec: native}
	case native == domain.CodecOpus && src.Kind() == domain.TrackKindAudio:
		return PassthroughEncoder{codec: native}
	case src.Kind().IsVideo():
		return JPEGEncoder{}
	}
	return PCMUEncoder{}
}

// JPEGEncoder encodes still frames for the signaling fallback path.
type JPEGEncoder struct{}

func (JPEGEncoder) Codec() domain.Codec { return domain.CodecJPEG }

func (JPEGEncoder) Encode(s RawSample, c Controls) ([]byte, error) {
	if s.Image == nil {
		return nil, fmt.Errorf("jpeg: sample has no image")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, s.Image, &jpeg.Options{Quality: jpegQuality(c.Tier)}); err != nil {
		return nil, fmt.Errorf("jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func jpegQuality(tier domain.QualityTier) int {
	switch tier {
	case domain.TierLow:
		return 50
	case domain.TierMedium:
		return 70
	case domain.TierHigh:
		return 85
	}
	return 80
}

// PCMUEncoder encodes 16-bit PCM as G.711 mu-law.
type PCMUEncoder struct{}

func (PCMUEncoder) Codec() domain.Codec { return domain.CodecPCMU }

func (PCMUEncoder) Encode(s RawSample, _ Controls) ([]byte, error) {
	if s.PCM == nil {
		return nil, fmt.Errorf("pcmu: sample has no pcm")
	}
	out := make([]byte, len(s.PCM))
	for i, v := range s.PCM {
		out[i] = linearToULaw(v)
	}
	return out, nil
}

const (
	ulawBias = 0x84
	ulawClip = 32635
)

func linearToULaw(sample int16) byte {
	v := int(sample)
	sign := 0
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exponent := 7
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// PassthroughEncoder forwards samples the source already encoded.
type PassthroughEncoder struct {
	codec domain.Codec
}

func NewPassthroughEncoder(codec domain.Codec) PassthroughEncoder {
	return PassthroughEncoder{codec: codec}
}

func (p PassthroughEncoder) Codec() domain.Codec { return p.codec }

func (p PassthroughEncoder) Encode(s RawSample, _ Controls) ([]byte, error) {
	if s.Encoded == nil || s.Codec != p.codec {
		return nil, fmt.Errorf("passthrough: expected %s sample, got %q", p.codec, s.Codec)
	}
	return s.Encoded, nil
}
