package domain

import "time"

// TransportStats are cumulative counters for one peer connection.
type TransportStats struct {
	BytesReceived   uint64
	PacketsReceived uint64
	PacketsLost     uint64
	Jitter          time.Duration
	RTT             time.Duration
	Timestamp       time.Time
}

// Measurement is a per-interval observation of a connection.
type Measurement struct {
	BitrateKbps float64
	RTT         time.Duration
	PacketLoss  float64 // fraction in [0, 1]
	Jitter      time.Duration
}

// BandwidthSample is one estimator output.
type BandwidthSample struct {
	ConnectionID       string        `json:"connection_id"`
	CurrentBitrateKbps float64       `json:"current_bitrate_kbps"`
	AvailableKbps      float64       `json:"available_kbps"`
	RTT                time.Duration `json:"rtt"`
	PacketLoss         float64       `json:"packet_loss"`
	Jitter             time.Duration `json:"jitter"`
	Timestamp          time.Time     `json:"timestamp"`
}

// TierChange records a committed tier transition.
type TierChange struct {
	AgentID   AgentID     `json:"agent_id"`
	From      QualityTier `json:"from"`
	To        QualityTier `json:"to"`
	Available float64     `json:"available_kbps"`
	Timestamp time.Time   `json:"timestamp"`
}

// SystemLoad is a normalised host utilisation reading.
type SystemLoad struct {
	CPU       float64 // [0, 1]
	Memory    float64 // [0, 1]
	Timestamp time.Time
}

// Max returns the larger of the CPU and memory readings.
func (l SystemLoad) Max() float64 {
	if l.Memory > l.CPU {
		return l.Memory
	}
	return l.CPU
}
