package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewConnectionHandle returns an opaque handle for a signaling connection
func NewConnectionHandle() string {
	return "conn_" + uuid.NewString()
}

// NewViewerID returns a generated viewer id
func NewViewerID() string {
	return "viewer_" + uuid.NewString()
}

// NewAgentID returns a generated agent id
func NewAgentID() string {
	return "agent_" + uuid.NewString()
}

// GenerateTraceID generates a unique trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
