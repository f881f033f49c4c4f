package webrtc

import (
	"sync"
	"time"
)

// rtpStats accumulates receive-side counters for one incoming track.
type rtpStats struct {
	mu sync.Mutex

	clockRate uint32
	epoch     time.Time

	started  bool
	baseSeq  uint16
	maxSeq   uint16
	cycles   uint32
	received uint64
	bytes    uint64

	lastTimestamp uint32
	lastArrival   uint32
	jitter        uint32 // clock units

	keyframes    uint64
	lastKeyframe time.Time
}

func newRTPStats(clockRate uint32) *rtpStats {
	if clockRate == 0 {
		clockRate = 90000
	}
	return &rtpStats{clockRate: clockRate}
}

// observe records one packet received at now.
func (s *rtpStats) observe(seq uint16, timestamp uint32, size int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.started = true
		s.epoch = now
		s.baseSeq = seq
		s.maxSeq = seq
		s.lastTimestamp = timestamp
		s.lastArrival = s.clock(now)
		s.received = 1
		s.bytes = uint64(size)
		return
	}

	s.received++
	s.bytes += uint64(size)

	if delta := seq - s.maxSeq; delta != 0 && delta < 0x8000 {
		if seq < s.maxSeq {
			s.cycles++
		}
		s.maxSeq = seq
	}

	// RFC 3550 interarrival jitter with a 1/16 gain.
	arrival := s.clock(now)
	d := int32((arrival - s.lastArrival) - (timestamp - s.lastTimestamp))
	if d < 0 {
		d = -d
	}
	s.jitter = (s.jitter*15 + uint32(d)) / 16
	s.lastArrival = arrival
	s.lastTimestamp = timestamp
}

// clock converts now to RTP clock units since epoch, wrapping like RTP
// timestamps do.
func (s *rtpStats) clock(now time.Time) uint32 {
	d := now.Sub(s.epoch)
	secs := uint64(d / time.Second)
	rem := uint64(d % time.Second)
	return uint32(secs*uint64(s.clockRate) + rem*uint64(s.clockRate)/uint64(time.Second))
}

func (s *rtpStats) keyframe(now time.Time) {
	s.mu.Lock()
	s.keyframes++
	s.lastKeyframe = now
	s.mu.Unlock()
}

type trackSnapshot struct {
	Bytes        uint64
	Packets      uint64
	Lost         uint64
	Jitter       time.Duration
	Keyframes    uint64
	LastKeyframe time.Time
}

func (s *rtpStats) snapshot() trackSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := trackSnapshot{
		Bytes:        s.bytes,
		Packets:      s.received,
		Keyframes:    s.keyframes,
		LastKeyframe: s.lastKeyframe,
		Jitter:       time.Duration(s.jitter) * time.Second / time.Duration(s.clockRate),
	}
	if s.started {
		expected := uint64(s.cycles)<<16 + uint64(s.maxSeq) - uint64(s.baseSeq) + 1
		if expected > s.received {
			snap.Lost = expected - s.received
		}
	}
	return snap
}
