package domain

import (
	"github.com/pion/webrtc/v3"
)

// CodecFromCapability converts a pion codec capability into codec
// parameters with an assigned payload type.
func CodecFromCapability(capability webrtc.RTPCodecCapability, payloadType uint8) RtpCodecParameters {
	feedback := make([]RtcpFeedback, 0, len(capability.RTCPFeedback))
	for _, fb := range capability.RTCPFeedback {
		feedback = append(feedback, RtcpFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}

	return RtpCodecParameters{
		MimeType:     capability.MimeType,
		PayloadType:  payloadType,
		ClockRate:    capability.ClockRate,
		Channels:     uint8(capability.Channels),
		RtcpFeedback: feedback,
	}
}

// DefaultCodecs returns the codec set assumed when a producer is
// declared without explicit codecs: Opus for audio, VP8 plus its RTX
// pairing for video.
func DefaultCodecs(kind MediaKind) []RtpCodecParameters {
	switch kind {
	case MediaKindAudio:
		return []RtpCodecParameters{
			CodecFromCapability(webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
			}, 111),
		}
	case MediaKindVideo:
		video := CodecFromCapability(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "ccm", Parameter: "fir"},
			},
		}, 96)
		rtx := RtpCodecParameters{
			MimeType:    "video/rtx",
			PayloadType: 97,
			ClockRate:   90000,
			Parameters:  map[string]string{"apt": "96"},
		}
		return []RtpCodecParameters{video, rtx}
	default:
		return nil
	}
}
