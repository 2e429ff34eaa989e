package domain

import (
	"fmt"
	"strings"
)

// RtcpFeedback is a negotiated RTCP feedback mechanism of a codec,
// e.g. {Type: "nack"}, {Type: "nack", Parameter: "pli"} or
// {Type: "ccm", Parameter: "fir"}.
type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecParameters describes one negotiated codec.
type RtpCodecParameters struct {
	MimeType     string            `json:"mimeType"`
	PayloadType  uint8             `json:"payloadType"`
	ClockRate    uint32            `json:"clockRate"`
	Channels     uint8             `json:"channels,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback    `json:"rtcpFeedback,omitempty"`
}

// IsRtxCodec reports whether the codec is an RTX retransmission codec.
func (c RtpCodecParameters) IsRtxCodec() bool {
	return strings.HasSuffix(strings.ToLower(c.MimeType), "/rtx")
}

// IsMediaCodec reports whether the codec carries actual media (as
// opposed to RTX or FEC helper codecs).
func (c RtpCodecParameters) IsMediaCodec() bool {
	mime := strings.ToLower(c.MimeType)
	return !strings.HasSuffix(mime, "/rtx") &&
		!strings.HasSuffix(mime, "/ulpfec") &&
		!strings.HasSuffix(mime, "/flexfec-03") &&
		!strings.HasSuffix(mime, "/red")
}

// RtxParameters carries the RTX ssrc of an encoding.
type RtxParameters struct {
	SSRC uint32 `json:"ssrc"`
}

// RtpEncodingParameters describes one negotiated encoding.
type RtpEncodingParameters struct {
	SSRC        uint32         `json:"ssrc"`
	Rid         string         `json:"rid,omitempty"`
	PayloadType uint8          `json:"codecPayloadType,omitempty"`
	Rtx         *RtxParameters `json:"rtx,omitempty"`
	Dtx         bool           `json:"dtx,omitempty"`
	MaxBitrate  uint32         `json:"maxBitrate,omitempty"`
}

// RtcpParameters carries stream-level RTCP settings.
type RtcpParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

// RtpHeaderExtensionParameters maps a negotiated header extension URI
// to its id.
type RtpHeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  uint8  `json:"id"`
}

// RtpParameters is the full set of negotiated RTP parameters of a
// producer or consumer.
type RtpParameters struct {
	MID              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings"`
	Rtcp             RtcpParameters                 `json:"rtcp,omitempty"`
}

// Validate checks structural invariants that must hold before a
// consumer or stream is built from these parameters.
func (p RtpParameters) Validate() error {
	if len(p.Codecs) == 0 {
		return fmt.Errorf("%w: empty codecs", ErrInvalidRtpParameters)
	}

	if len(p.Encodings) == 0 {
		return fmt.Errorf("%w: empty encodings", ErrInvalidRtpParameters)
	}

	for _, encoding := range p.Encodings {
		if encoding.SSRC == 0 {
			return fmt.Errorf("%w: encoding missing ssrc", ErrInvalidRtpParameters)
		}
		if encoding.Rtx != nil && encoding.Rtx.SSRC == 0 {
			return fmt.Errorf("%w: encoding missing rtx.ssrc", ErrInvalidRtpParameters)
		}
	}

	return nil
}

// CodecForEncoding returns the media codec that the given encoding
// uses. When the encoding does not pin a payload type, the first media
// codec is used.
func (p RtpParameters) CodecForEncoding(encoding RtpEncodingParameters) (RtpCodecParameters, bool) {
	for _, codec := range p.Codecs {
		if !codec.IsMediaCodec() {
			continue
		}
		if encoding.PayloadType == 0 || codec.PayloadType == encoding.PayloadType {
			return codec, true
		}
	}
	return RtpCodecParameters{}, false
}

// RtxCodecForEncoding returns the RTX codec associated with the media
// codec of the given encoding, if any.
func (p RtpParameters) RtxCodecForEncoding(encoding RtpEncodingParameters) (RtpCodecParameters, bool) {
	mediaCodec, ok := p.CodecForEncoding(encoding)
	if !ok {
		return RtpCodecParameters{}, false
	}
	for _, codec := range p.Codecs {
		if codec.IsRtxCodec() && codec.Parameters["apt"] == fmt.Sprintf("%d", mediaCodec.PayloadType) {
			return codec, true
		}
	}
	return RtpCodecParameters{}, false
}

// SupportedPayloadTypes returns the payload types of all media codecs.
func (p RtpParameters) SupportedPayloadTypes() map[uint8]struct{} {
	types := make(map[uint8]struct{})
	for _, codec := range p.Codecs {
		if codec.IsMediaCodec() {
			types[codec.PayloadType] = struct{}{}
		}
	}
	return types
}
