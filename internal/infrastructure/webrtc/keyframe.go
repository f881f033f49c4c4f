package webrtc

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

// IsKeyframe reports whether packet starts a keyframe. The second result is
// false when the payload does not allow a decision.
func IsKeyframe(mime string, packet *rtp.Packet) (bool, bool) {
	if len(packet.Payload) == 0 {
		return false, false
	}
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		var vp8 codecs.VP8Packet
		if _, err := vp8.Unmarshal(packet.Payload); err != nil || len(vp8.Payload) < 1 {
			return false, false
		}
		// Start of partition 0 with the P bit clear.
		return vp8.S != 0 && vp8.PID == 0 && vp8.Payload[0]&0x1 == 0, true
	case strings.EqualFold(mime, webrtc.MimeTypeH264):
		return h264Keyframe(packet.Payload)
	}
	return false, false
}

func isH264KeyNALU(t byte) bool {
	// SPS or IDR slice
	return t == 7 || t == 5
}

func h264Keyframe(payload []byte) (bool, bool) {
	nalu := payload[0] & 0x1F
	switch {
	case nalu == 0:
		return false, false
	case nalu <= 23:
		return isH264KeyNALU(nalu), true
	case nalu == 24:
		// STAP-A: 16-bit size prefixed NAL units.
		i := 1
		for i+2 <= len(payload) {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if size == 0 || i+size > len(payload) {
				return false, false
			}
			if isH264KeyNALU(payload[i] & 0x1F) {
				return true, true
			}
			i += size
		}
		return false, i == len(payload)
	case nalu == 28:
		// FU-A: only the start fragment carries the type.
		if len(payload) < 2 {
			return false, false
		}
		if payload[1]&0x80 == 0 {
			return false, true
		}
		return isH264KeyNALU(payload[1] & 0x1F), true
	}
	return false, false
}
