package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vp8WithRtxParameters() RtpParameters {
	return RtpParameters{
		Codecs: []RtpCodecParameters{
			{
				MimeType:    "video/VP8",
				PayloadType: 96,
				ClockRate:   90000,
				RtcpFeedback: []RtcpFeedback{
					{Type: "nack"},
					{Type: "nack", Parameter: "pli"},
				},
			},
			{
				MimeType:    "video/rtx",
				PayloadType: 97,
				ClockRate:   90000,
				Parameters:  map[string]string{"apt": "96"},
			},
		},
		Encodings: []RtpEncodingParameters{
			{SSRC: 1111, Rtx: &RtxParameters{SSRC: 1112}},
		},
		Rtcp: RtcpParameters{CNAME: "relay-test"},
	}
}

func TestRtpParametersValidate(t *testing.T) {
	params := vp8WithRtxParameters()
	require.NoError(t, params.Validate())

	noCodecs := vp8WithRtxParameters()
	noCodecs.Codecs = nil
	assert.ErrorIs(t, noCodecs.Validate(), ErrInvalidRtpParameters)

	noEncodings := vp8WithRtxParameters()
	noEncodings.Encodings = nil
	assert.ErrorIs(t, noEncodings.Validate(), ErrInvalidRtpParameters)

	zeroSsrc := vp8WithRtxParameters()
	zeroSsrc.Encodings[0].SSRC = 0
	assert.ErrorIs(t, zeroSsrc.Validate(), ErrInvalidRtpParameters)

	zeroRtxSsrc := vp8WithRtxParameters()
	zeroRtxSsrc.Encodings[0].Rtx = &RtxParameters{}
	assert.ErrorIs(t, zeroRtxSsrc.Validate(), ErrInvalidRtpParameters)
}

func TestCodecClassification(t *testing.T) {
	assert.True(t, RtpCodecParameters{MimeType: "video/rtx"}.IsRtxCodec())
	assert.False(t, RtpCodecParameters{MimeType: "video/VP8"}.IsRtxCodec())

	assert.True(t, RtpCodecParameters{MimeType: "audio/opus"}.IsMediaCodec())
	assert.False(t, RtpCodecParameters{MimeType: "video/rtx"}.IsMediaCodec())
	assert.False(t, RtpCodecParameters{MimeType: "video/ulpfec"}.IsMediaCodec())
	assert.False(t, RtpCodecParameters{MimeType: "video/flexfec-03"}.IsMediaCodec())
	assert.False(t, RtpCodecParameters{MimeType: "audio/red"}.IsMediaCodec())
}

func TestCodecForEncoding(t *testing.T) {
	params := vp8WithRtxParameters()

	// Unpinned encoding takes the first media codec, skipping RTX.
	codec, ok := params.CodecForEncoding(params.Encodings[0])
	require.True(t, ok)
	assert.Equal(t, uint8(96), codec.PayloadType)

	// Pinned payload type must match.
	codec, ok = params.CodecForEncoding(RtpEncodingParameters{SSRC: 1, PayloadType: 96})
	require.True(t, ok)
	assert.Equal(t, "video/VP8", codec.MimeType)

	_, ok = params.CodecForEncoding(RtpEncodingParameters{SSRC: 1, PayloadType: 50})
	assert.False(t, ok)
}

func TestRtxCodecForEncoding(t *testing.T) {
	params := vp8WithRtxParameters()

	rtx, ok := params.RtxCodecForEncoding(params.Encodings[0])
	require.True(t, ok)
	assert.Equal(t, uint8(97), rtx.PayloadType)

	// No apt pairing, no RTX codec.
	unpaired := vp8WithRtxParameters()
	unpaired.Codecs[1].Parameters = map[string]string{"apt": "100"}
	_, ok = unpaired.RtxCodecForEncoding(unpaired.Encodings[0])
	assert.False(t, ok)
}

func TestSupportedPayloadTypes(t *testing.T) {
	params := vp8WithRtxParameters()

	types := params.SupportedPayloadTypes()
	assert.Contains(t, types, uint8(96))
	assert.NotContains(t, types, uint8(97))
}

func TestDefaultCodecs(t *testing.T) {
	audio := DefaultCodecs(MediaKindAudio)
	require.Len(t, audio, 1)
	assert.Equal(t, "audio/opus", audio[0].MimeType)
	assert.Equal(t, uint8(111), audio[0].PayloadType)
	assert.Equal(t, uint32(48000), audio[0].ClockRate)
	assert.Equal(t, uint8(2), audio[0].Channels)

	video := DefaultCodecs(MediaKindVideo)
	require.Len(t, video, 2)
	assert.Equal(t, "video/VP8", video[0].MimeType)
	assert.True(t, video[1].IsRtxCodec())
	assert.Equal(t, "96", video[1].Parameters["apt"])

	rtx, ok := RtpParameters{Codecs: video, Encodings: []RtpEncodingParameters{{SSRC: 1}}}.
		RtxCodecForEncoding(RtpEncodingParameters{SSRC: 1})
	require.True(t, ok)
	assert.Equal(t, uint8(97), rtx.PayloadType)

	assert.Nil(t, DefaultCodecs(MediaKind("screen")))
}
