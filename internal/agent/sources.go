package agent

import (
	"fmt"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/infrastructure/capture"
	"mediarelay/pkg/config"
)

const toneFrequency = 440

// SourceSpec is one configured media source.
type SourceSpec struct {
	Kind   domain.TrackKind
	Source capture.Source
}

// BuildSources opens the sources listed in the agent section. Screen video
// plays the H.264 file when one is configured and the test pattern
// otherwise; camera is always the test pattern; audio plays the Ogg file
// or a tone.
func BuildSources(cfg *config.Config) ([]SourceSpec, error) {
	seen := make(map[domain.TrackKind]bool, len(cfg.Agent.Sources))
	specs := make([]SourceSpec, 0, len(cfg.Agent.Sources))

	for _, name := range cfg.Agent.Sources {
		kind, err := domain.ParseTrackKind(name)
		if err != nil {
			closeSources(specs)
			return nil, fmt.Errorf("agent source %q: %w", name, err)
		}
		if seen[kind] {
			closeSources(specs)
			return nil, fmt.Errorf("agent source %q listed twice", name)
		}
		seen[kind] = true

		src, err := openSource(cfg, kind)
		if err != nil {
			closeSources(specs)
			return nil, err
		}
		specs = append(specs, SourceSpec{Kind: kind, Source: src})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("agent has no sources configured")
	}
	return specs, nil
}

func openSource(cfg *config.Config, kind domain.TrackKind) (capture.Source, error) {
	switch kind {
	case domain.TrackKindScreen:
		if cfg.Agent.H264File != "" {
			return capture.NewH264FileSource(kind, cfg.Agent.H264File)
		}
		return capture.NewTestPatternSource(kind), nil
	case domain.TrackKindCamera:
		return capture.NewTestPatternSource(kind), nil
	default:
		if cfg.Agent.OggFile != "" {
			return capture.NewOggFileSource(cfg.Agent.OggFile)
		}
		return capture.NewToneSource(toneFrequency, cfg.Pipeline.AudioSampleRate, cfg.Pipeline.AudioFrame), nil
	}
}

func closeSources(specs []SourceSpec) {
	for _, s := range specs {
		_ = s.Source.Close()
	}
}

// capabilities reports the kinds that specs publish.
func capabilities(specs []SourceSpec) domain.Capabilities {
	var caps domain.Capabilities
	for _, s := range specs {
		switch s.Kind {
		case domain.TrackKindScreen:
			caps.Screen = true
		case domain.TrackKindCamera:
			caps.Camera = true
		case domain.TrackKindAudio:
			caps.Audio = true
		}
	}
	return caps
}
