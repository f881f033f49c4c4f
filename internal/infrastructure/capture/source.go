// Package capture runs the per-track capture, encode and transmit stages of
// a publishing agent. Sources are explicit operator-configured generators or
// media files; nothing here reads from screens, cameras or microphones.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"mediarelay/internal/core/domain"

	"github.com/pion/webrtc/v3/pkg/media/h264reader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

// Controls is the runtime state a stage reads on each iteration.
type Controls struct {
	Tier    domain.QualityTier
	Profile domain.TierProfile
	FPS     int
}

// RawSample is one captured unit. Exactly one of Image, PCM or Encoded is
// set.
type RawSample struct {
	Kind      domain.TrackKind
	Timestamp time.Time
	Duration  time.Duration

	Image   image.Image
	PCM     []int16
	Encoded []byte
	Codec   domain.Codec
	Key     bool
}

// Source produces raw samples for one track.
type Source interface {
	Kind() domain.TrackKind
	// Native is the codec of samples the source yields already encoded, or
	// empty for raw sources.
	Native() domain.Codec
	Read(ctx context.Context, c Controls) (RawSample, error)
	Close() error
}

// TestPatternSource draws moving colour bars at the tier resolution.
type TestPatternSource struct {
	kind  domain.TrackKind
	frame int
}

func NewTestPatternSource(kind domain.TrackKind) *TestPatternSource {
	return &TestPatternSource{kind: kind}
}

func (s *TestPatternSource) Kind() domain.TrackKind { return s.kind }
func (s *TestPatternSource) Native() domain.Codec   { return "" }
func (s *TestPatternSource) Close() error           { return nil }

var bars = []color.RGBA{
	{255, 255, 255, 255},
	{255, 255, 0, 255},
	{0, 255, 255, 255},
	{0, 255, 0, 255},
	{255, 0, 255, 255},
	{255, 0, 0, 255},
	{0, 0, 255, 255},
	{16, 16, 16, 255},
}

func (s *TestPatternSource) Read(ctx context.Context, c Controls) (RawSample, error) {
	if err := ctx.Err(); err != nil {
		return RawSample{}, err
	}
	w, h := c.Profile.Width, c.Profile.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	barWidth := w / len(bars)
	if barWidth == 0 {
		barWidth = 1
	}
	shift := (s.frame * 4) % w
	for x := 0; x < w; x++ {
		img.SetRGBA(x, 0, bars[((x+shift)/barWidth)%len(bars)])
	}
	row := img.Pix[:img.Stride]
	for y := 1; y < h; y++ {
		copy(img.Pix[y*img.Stride:], row)
	}
	s.frame++

	return RawSample{Kind: s.kind, Timestamp: time.Now(), Image: img}, nil
}

// ToneSource generates a sine wave in fixed-duration PCM frames.
type ToneSource struct {
	frequency  float64
	sampleRate int
	frame      time.Duration
	phase      float64
}

func NewToneSource(frequency float64, sampleRate int, frame time.Duration) *ToneSource {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	return &ToneSource{frequency: frequency, sampleRate: sampleRate, frame: frame}
}

func (s *ToneSource) Kind() domain.TrackKind { return domain.TrackKindAudio }
func (s *ToneSource) Native() domain.Codec   { return "" }
func (s *ToneSource) Close() error           { return nil }

func (s *ToneSource) Read(ctx context.Context, _ Controls) (RawSample, error) {
	if err := ctx.Err(); err != nil {
		return RawSample{}, err
	}
	n := int(int64(s.sampleRate) * int64(s.frame) / int64(time.Second))
	pcm := make([]int16, n)
	step := 2 * math.Pi * s.frequency / float64(s.sampleRate)
	for i := range pcm {
		pcm[i] = int16(math.Sin(s.phase) * 0.5 * math.MaxInt16)
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return RawSample{
		Kind:      domain.TrackKindAudio,
		Timestamp: time.Now(),
		Duration:  s.frame,
		PCM:       pcm,
	}, nil
}

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// H264FileSource replays an Annex-B H.264 file one access unit at a time,
// looping at the end.
type H264FileSource struct {
	kind domain.TrackKind
	path string

	mu     sync.Mutex
	file   *os.File
	reader *h264reader.H264Reader
}

func NewH264FileSource(kind domain.TrackKind, path string) (*H264FileSource, error) {
	s := &H264FileSource{kind: kind, path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *H264FileSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open h264 file: %w", err)
	}
	r, err := h264reader.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read h264 file: %w", err)
	}
	s.file, s.reader = f, r
	return nil
}

func (s *H264FileSource) Kind() domain.TrackKind { return s.kind }
func (s *H264FileSource) Native() domain.Codec   { return domain.CodecH264 }

func (s *H264FileSource) Read(ctx context.Context, _ Controls) (RawSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		au     []byte
		key    bool
		rewind bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return RawSample{}, err
		}
		nal, err := s.reader.NextNAL()
		if errors.Is(err, io.EOF) {
			if len(au) > 0 {
				break
			}
			if rewind {
				return RawSample{}, fmt.Errorf("h264 file %s has no frames", s.path)
			}
			s.file.Close()
			if err := s.open(); err != nil {
				return RawSample{}, err
			}
			rewind = true
			continue
		}
		if err != nil {
			return RawSample{}, fmt.Errorf("failed to read nal: %w", err)
		}

		au = append(au, annexBStartCode...)
		au = append(au, nal.Data...)
		switch nal.UnitType {
		case h264reader.NalUnitTypeCodedSliceIdr:
			key = true
			return s.sample(au, key), nil
		case h264reader.NalUnitTypeCodedSliceNonIdr:
			return s.sample(au, key), nil
		}
	}
	return s.sample(au, key), nil
}

func (s *H264FileSource) sample(au []byte, key bool) RawSample {
	return RawSample{
		Kind:      s.kind,
		Timestamp: time.Now(),
		Encoded:   au,
		Codec:     domain.CodecH264,
		Key:       key,
	}
}

func (s *H264FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

const opusClockRate = 48000

// OggFileSource replays the Opus pages of an Ogg file, looping at the end.
type OggFileSource struct {
	path string

	mu          sync.Mutex
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func NewOggFileSource(path string) (*OggFileSource, error) {
	s := &OggFileSource{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OggFileSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open ogg file: %w", err)
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read ogg file: %w", err)
	}
	s.file, s.reader, s.lastGranule = f, r, 0
	return nil
}

func (s *OggFileSource) Kind() domain.TrackKind { return domain.TrackKindAudio }
func (s *OggFileSource) Native() domain.Codec   { return domain.CodecOpus }

func (s *OggFileSource) Read(ctx context.Context, _ Controls) (RawSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rewound := false
	for {
		if err := ctx.Err(); err != nil {
			return RawSample{}, err
		}
		page, header, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if rewound {
				return RawSample{}, fmt.Errorf("ogg file %s has no audio pages", s.path)
			}
			s.file.Close()
			if err := s.open(); err != nil {
				return RawSample{}, err
			}
			rewound = true
			continue
		}
		if err != nil {
			return RawSample{}, fmt.Errorf("failed to read ogg page: %w", err)
		}
		if len(page) >= 8 && string(page[:8]) == "OpusTags" {
			continue
		}

		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		return RawSample{
			Kind:      domain.TrackKindAudio,
			Timestamp: time.Now(),
			Duration:  time.Duration(samples) * time.Second / opusClockRate,
			Encoded:   page,
			Codec:     domain.CodecOpus,
		}, nil
	}
}

func (s *OggFileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
