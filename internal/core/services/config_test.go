package services

import (
	"testing"

	"mediarelay/internal/core/domain"
	"mediarelay/pkg/config"

	"github.com/stretchr/testify/assert"
)

func TestLadderFromConfig_DefaultsMatchDomain(t *testing.T) {
	assert.Equal(t, domain.DefaultTierLadder(), LadderFromConfig(config.DefaultConfig()))
}

func TestQualityControllerConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Quality.MinFPS = 10
	cfg.Quality.Tiers.Low.FPS = 12

	qc := QualityControllerConfigFrom(cfg)
	assert.Equal(t, 10, qc.MinFPS)
	assert.Equal(t, 12, qc.Ladder.Low.FPS)
	assert.Equal(t, DefaultQualityControllerConfig().LoadThreshold, qc.LoadThreshold)
}
