package webrtc

import (
	"errors"
	"io"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// keyframeInterval bounds how often viewers may trigger a PLI upstream.
const keyframeInterval = 500 * time.Millisecond

// forwarder copies RTP from one agent track to the local track that every
// subscribed viewer is bound to. Packets are never re-encoded.
type forwarder struct {
	trackID domain.TrackID
	kind    domain.TrackKind
	mime    string
	ssrc    uint32

	remote rtpReader
	local  rtpWriter
	stats  *rtpStats

	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	pliMu   sync.Mutex
	lastPLI time.Time

	done chan struct{}
}

func newForwarder(trackID domain.TrackID, kind domain.TrackKind, mime string, clockRate, ssrc uint32, remote rtpReader, local rtpWriter, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *forwarder {
	return &forwarder{
		trackID: trackID,
		kind:    kind,
		mime:    mime,
		ssrc:    ssrc,
		remote:  remote,
		local:   local,
		stats:   newRTPStats(clockRate),
		metrics: metrics,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// run forwards until the remote track ends.
func (f *forwarder) run() {
	defer close(f.done)

	var forwarded uint64
	for {
		pkt, _, err := f.remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				f.logger.Debugw("track read ended", "track_id", f.trackID, "error", err)
			}
			return
		}

		now := time.Now()
		f.stats.observe(pkt.SequenceNumber, pkt.Timestamp, len(pkt.Payload), now)
		if f.kind.IsVideo() {
			if key, ok := IsKeyframe(f.mime, pkt); ok && key {
				f.stats.keyframe(now)
			}
		}

		if err := f.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			f.logger.Debugw("failed to forward packet", "track_id", f.trackID, "error", err)
			continue
		}
		f.metrics.RTPForwarded(f.kind, len(pkt.Payload))

		forwarded++
		if forwarded%1000 == 0 {
			f.logger.Debugw("forwarding",
				"track_id", f.trackID,
				"packets", forwarded,
				"sequence", pkt.SequenceNumber,
			)
		}
	}
}

// allowPLI reports whether a keyframe request may be sent now.
func (f *forwarder) allowPLI(now time.Time) bool {
	f.pliMu.Lock()
	defer f.pliMu.Unlock()
	if now.Sub(f.lastPLI) < keyframeInterval {
		return false
	}
	f.lastPLI = now
	return true
}

// wait blocks until run returns or timeout elapses.
func (f *forwarder) wait(timeout time.Duration) bool {
	select {
	case <-f.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
