package services

import (
	"mediarelay/internal/core/domain"
	"mediarelay/pkg/config"
)

func profileFrom(t config.TierConfig) domain.TierProfile {
	return domain.TierProfile{Width: t.Width, Height: t.Height, FPS: t.FPS, BitrateKbps: t.BitrateKbps}
}

// LadderFromConfig builds the tier ladder from the quality section.
func LadderFromConfig(cfg *config.Config) domain.TierLadder {
	q := cfg.Quality
	return domain.TierLadder{
		Low:                 profileFrom(q.Tiers.Low),
		Medium:              profileFrom(q.Tiers.Medium),
		High:                profileFrom(q.Tiers.High),
		AutoMinKbps:         q.AutoMinKbps,
		AutoMaxKbps:         q.AutoMaxKbps,
		HighThresholdKbps:   q.HighThresholdKbps,
		MediumThresholdKbps: q.MediumThresholdKbps,
	}
}

func QualityControllerConfigFrom(cfg *config.Config) QualityControllerConfig {
	q := cfg.Quality
	return QualityControllerConfig{
		Ladder:            LadderFromConfig(cfg),
		HysteresisEnabled: q.HysteresisEnabled,
		DownSamples:       q.DownSamples,
		UpSamples:         q.UpSamples,
		LoadThreshold:     q.LoadThreshold,
		MinFPS:            q.MinFPS,
		ReconnectBackoff:  q.ReconnectBackoff,
	}
}
