package domain

import "fmt"

type QualityTier string

const (
	TierLow    QualityTier = "low"
	TierMedium QualityTier = "medium"
	TierHigh   QualityTier = "high"
	TierAuto   QualityTier = "auto"
)

func ParseQualityTier(s string) (QualityTier, error) {
	switch t := QualityTier(s); t {
	case TierLow, TierMedium, TierHigh, TierAuto:
		return t, nil
	}
	return "", fmt.Errorf("unknown quality tier %q", s)
}

// Rank orders the fixed tiers. Auto has no rank.
func (t QualityTier) Rank() int {
	switch t {
	case TierLow:
		return 1
	case TierMedium:
		return 2
	case TierHigh:
		return 3
	}
	return 0
}

// TierProfile is the encoding target for a tier.
type TierProfile struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	FPS         int `json:"fps"`
	BitrateKbps int `json:"bitrate_kbps"`
}

// TierLadder holds the per-tier profiles and the bandwidth boundaries used
// to pick a tier from an estimate.
type TierLadder struct {
	Low    TierProfile
	Medium TierProfile
	High   TierProfile

	AutoMinKbps int
	AutoMaxKbps int

	HighThresholdKbps   int
	MediumThresholdKbps int
}

func DefaultTierLadder() TierLadder {
	return TierLadder{
		Low:                 TierProfile{Width: 640, Height: 480, FPS: 15, BitrateKbps: 500},
		Medium:              TierProfile{Width: 1280, Height: 720, FPS: 30, BitrateKbps: 2000},
		High:                TierProfile{Width: 1920, Height: 1080, FPS: 30, BitrateKbps: 5000},
		AutoMinKbps:         500,
		AutoMaxKbps:         10000,
		HighThresholdKbps:   5000,
		MediumThresholdKbps: 2000,
	}
}

// Profile returns the profile for tier. Auto uses the high resolution with
// the auto bitrate ceiling.
func (l TierLadder) Profile(tier QualityTier) TierProfile {
	switch tier {
	case TierLow:
		return l.Low
	case TierMedium:
		return l.Medium
	case TierHigh:
		return l.High
	}
	p := l.High
	p.BitrateKbps = l.AutoMaxKbps
	return p
}

// TierFor maps an available bandwidth estimate to a fixed tier.
func (l TierLadder) TierFor(availableKbps float64) QualityTier {
	switch {
	case availableKbps >= float64(l.HighThresholdKbps):
		return TierHigh
	case availableKbps >= float64(l.MediumThresholdKbps):
		return TierMedium
	}
	return TierLow
}

// MinKbps and MaxKbps bound the bandwidth estimate.
func (l TierLadder) MinKbps() float64 {
	return float64(l.Low.BitrateKbps)
}

func (l TierLadder) MaxKbps() float64 {
	return float64(l.High.BitrateKbps)
}

// QualityReport scores a connection from 0 to 100.
type QualityReport struct {
	Score  int      `json:"score"`
	Rating string   `json:"rating"`
	Issues []string `json:"issues"`
}
