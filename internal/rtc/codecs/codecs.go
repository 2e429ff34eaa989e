// Package codecs holds the minimal codec payload knowledge the
// forwarding engine needs: whether a mime type can carry key frames
// and whether a given payload is one. No other payload parsing is
// done here.
package codecs

import "strings"

// CanBeKeyFrame reports whether the codec produces key frames the
// engine should wait for when re-syncing an output stream.
func CanBeKeyFrame(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "video/vp8", "video/vp9", "video/h264", "video/h265", "video/av1":
		return true
	default:
		return false
	}
}

// IsKeyFrame inspects the payload of a packet for key frame markers.
// Unknown codecs report false.
func IsKeyFrame(mimeType string, payload []byte) bool {
	switch strings.ToLower(mimeType) {
	case "video/vp8":
		return isVP8KeyFrame(payload)
	case "video/vp9":
		return isVP9KeyFrame(payload)
	case "video/h264":
		return isH264KeyFrame(payload)
	default:
		return false
	}
}

// isVP8KeyFrame walks the VP8 payload descriptor and checks the P bit
// of the first partition payload header.
func isVP8KeyFrame(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	idx := 1
	s := payload[0]&0x10 != 0

	if payload[0]&0x80 != 0 { // X bit
		if len(payload) < idx+1 {
			return false
		}
		ext := payload[idx]
		idx++
		if ext&0x80 != 0 { // I bit
			if len(payload) < idx+1 {
				return false
			}
			if payload[idx]&0x80 != 0 {
				idx++
			}
			idx++
		}
		if ext&0x40 != 0 { // L bit
			idx++
		}
		if ext&0x30 != 0 { // T/K bits
			idx++
		}
	}

	if !s || len(payload) < idx+1 {
		return false
	}

	// P bit of the VP8 payload header: 0 means key frame.
	return payload[idx]&0x01 == 0
}

func isVP9KeyFrame(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	// P bit clear and B bit set marks the start of a key frame.
	return payload[0]&0x40 == 0 && payload[0]&0x08 != 0
}

func isH264KeyFrame(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	nalType := payload[0] & 0x1f
	switch nalType {
	case 5: // IDR
		return true
	case 24: // STAP-A: scan aggregated NAL units.
		idx := 1
		for idx+2 < len(payload) {
			size := int(payload[idx])<<8 | int(payload[idx+1])
			idx += 2
			if idx >= len(payload) {
				break
			}
			if payload[idx]&0x1f == 5 {
				return true
			}
			idx += size
		}
		return false
	case 28: // FU-A: start fragment of an IDR.
		if len(payload) < 2 {
			return false
		}
		return payload[1]&0x80 != 0 && payload[1]&0x1f == 5
	default:
		return false
	}
}
