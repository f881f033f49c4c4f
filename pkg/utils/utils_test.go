package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIDs(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewConnectionHandle(), "conn_"))
	assert.True(t, strings.HasPrefix(NewViewerID(), "viewer_"))
	assert.True(t, strings.HasPrefix(NewAgentID(), "agent_"))
	assert.Len(t, GenerateTraceID(), 32)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.d))
	}
}

func TestIsExpired(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	Now = func() time.Time { return base }
	defer func() { Now = time.Now }()

	assert.True(t, IsExpired(base.Add(-2*time.Minute), time.Minute))
	assert.False(t, IsExpired(base.Add(-30*time.Second), time.Minute))
}

func TestKbps(t *testing.T) {
	assert.InDelta(t, 1000.0, Kbps(125_000, time.Second), 0.001)
	assert.Equal(t, 0.0, Kbps(100, 0))
}
