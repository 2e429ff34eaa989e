package stream

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaycast/internal/core/domain"
)

type recordingListener struct {
	scores   []uint8
	previous []uint8
	resent   []*rtp.Packet
}

func (l *recordingListener) OnRtpStreamScore(s *RtpStream, score uint8, previousScore uint8) {
	l.scores = append(l.scores, score)
	l.previous = append(l.previous, previousScore)
}

func (l *recordingListener) OnRtpStreamRetransmitRtpPacket(s *RtpStreamSend, packet *rtp.Packet) {
	l.resent = append(l.resent, packet)
}

func videoRecvParams() Params {
	return Params{
		SSRC:        1111,
		PayloadType: 96,
		MimeType:    "video/VP8",
		Kind:        domain.MediaKindVideo,
		ClockRate:   90000,
		UseNack:     true,
		UsePli:      true,
	}
}

func makePacket(ssrc uint32, seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           ssrc,
			SequenceNumber: seq,
			Timestamp:      ts,
			PayloadType:    96,
		},
		Payload: []byte{0x00, 0x01, 0x02, 0x03},
	}
}

func newRecvStream(t *testing.T, params Params, listener Listener) *RtpStreamRecv {
	t.Helper()
	s, err := NewRtpStreamRecv(params, listener, zap.NewNop().Sugar())
	require.NoError(t, err)
	return s
}

func TestRecvParamsValidation(t *testing.T) {
	logger := zap.NewNop().Sugar()

	_, err := NewRtpStreamRecv(Params{ClockRate: 90000}, nil, logger)
	assert.ErrorIs(t, err, domain.ErrMissingSsrc)

	_, err = NewRtpStreamRecv(Params{SSRC: 1}, nil, logger)
	assert.ErrorIs(t, err, domain.ErrInvalidRtpParameters)

	_, err = NewRtpStreamRecv(Params{SSRC: 1, ClockRate: 90000, RtxPayloadType: 97}, nil, logger)
	assert.ErrorIs(t, err, domain.ErrInvalidRtpParameters)
}

func TestRecvReceiverReportNilBeforeFirstPacket(t *testing.T) {
	s := newRecvStream(t, videoRecvParams(), nil)

	assert.Nil(t, s.GetRtcpReceiverReport(time.Now()))
}

func TestRecvReceiverReportNoLoss(t *testing.T) {
	s := newRecvStream(t, videoRecvParams(), nil)
	now := time.Unix(1700000000, 0)

	for i := uint16(100); i < 105; i++ {
		require.True(t, s.ReceivePacket(makePacket(1111, i, uint32(i)*3000), now))
		now = now.Add(20 * time.Millisecond)
	}

	report := s.GetRtcpReceiverReport(now)
	require.NotNil(t, report)
	assert.Equal(t, uint32(1111), report.SSRC)
	assert.Equal(t, uint32(0), report.TotalLost)
	assert.Equal(t, uint8(0), report.FractionLost)
	assert.Equal(t, uint32(104), report.LastSequenceNumber)
}

func TestRecvReceiverReportWithLoss(t *testing.T) {
	s := newRecvStream(t, videoRecvParams(), nil)
	now := time.Unix(1700000000, 0)

	for _, seq := range []uint16{100, 101, 104} {
		s.ReceivePacket(makePacket(1111, seq, uint32(seq)*3000), now)
		now = now.Add(20 * time.Millisecond)
	}

	report := s.GetRtcpReceiverReport(now)
	require.NotNil(t, report)
	// Expected 100..104 = 5 packets, received 3.
	assert.Equal(t, uint32(2), report.TotalLost)
	assert.Equal(t, uint8(102), report.FractionLost)
}

func TestRecvCumulativeLostClampedAtZero(t *testing.T) {
	s := newRecvStream(t, videoRecvParams(), nil)
	now := time.Unix(1700000000, 0)

	// Duplicates push the received total above the expected total.
	s.ReceivePacket(makePacket(1111, 100, 300000), now)
	s.ReceivePacket(makePacket(1111, 100, 300000), now)
	s.ReceivePacket(makePacket(1111, 101, 303000), now)

	report := s.GetRtcpReceiverReport(now)
	require.NotNil(t, report)
	assert.Equal(t, uint32(0), report.TotalLost)
	assert.Equal(t, uint8(0), report.FractionLost)
}

func TestRecvSequenceWraparoundExtendsHighest(t *testing.T) {
	s := newRecvStream(t, videoRecvParams(), nil)
	now := time.Unix(1700000000, 0)

	s.ReceivePacket(makePacket(1111, 65535, 100), now)
	s.ReceivePacket(makePacket(1111, 0, 3100), now.Add(20*time.Millisecond))

	report := s.GetRtcpReceiverReport(now.Add(time.Second))
	require.NotNil(t, report)
	assert.Equal(t, uint32(1)<<16, report.LastSequenceNumber)
	assert.Equal(t, uint32(0), report.TotalLost)
}

func TestRecvSenderReportFeedsDlsr(t *testing.T) {
	s := newRecvStream(t, videoRecvParams(), nil)
	now := time.Unix(1700000000, 0)

	s.ReceivePacket(makePacket(1111, 1, 100), now)

	sr := &rtcp.SenderReport{
		SSRC:    1111,
		NTPTime: 0x1234567890abcdef,
	}
	s.ReceiveRtcpSenderReport(sr, now)

	report := s.GetRtcpReceiverReport(now.Add(500 * time.Millisecond))
	require.NotNil(t, report)
	assert.Equal(t, uint32(0x567890ab), report.LastSenderReport)
	// DLSR in 1/65536 seconds units.
	assert.InDelta(t, 32768, int(report.Delay), 700)
}

func TestRecvPauseDropsPacketsAndResetsScore(t *testing.T) {
	listener := &recordingListener{}
	s := newRecvStream(t, videoRecvParams(), listener)
	now := time.Unix(1700000000, 0)

	for i := uint16(0); i < 10; i++ {
		s.ReceivePacket(makePacket(1111, i, uint32(i)*3000), now)
		now = now.Add(20 * time.Millisecond)
	}
	s.GetRtcpReceiverReport(now)
	require.NotEmpty(t, listener.scores)
	assert.Equal(t, uint8(10), s.GetScore())

	s.Pause()
	assert.False(t, s.ReceivePacket(makePacket(1111, 11, 33000), now))
	assert.Equal(t, uint8(0), s.GetScore())

	s.Resume()
	assert.True(t, s.ReceivePacket(makePacket(1111, 12, 36000), now))
}

func TestRecvScoreReachesTenWhenLossless(t *testing.T) {
	listener := &recordingListener{}
	s := newRecvStream(t, videoRecvParams(), listener)
	now := time.Unix(1700000000, 0)

	for i := uint16(0); i < 50; i++ {
		s.ReceivePacket(makePacket(1111, i, uint32(i)*3000), now)
		now = now.Add(20 * time.Millisecond)
	}
	s.GetRtcpReceiverReport(now)

	assert.Equal(t, uint8(10), s.GetScore())
	require.NotEmpty(t, listener.scores)
	assert.Equal(t, uint8(0), listener.previous[0])
}

func TestRecvKeyFrameRequestPrefersPli(t *testing.T) {
	params := videoRecvParams()
	params.UseFir = true
	s := newRecvStream(t, params, nil)

	s.RequestKeyFrame()
	s.RequestKeyFrame()

	stats := s.GetStats(time.Now())
	assert.Equal(t, uint64(2), stats.PliCount)
	assert.Equal(t, uint64(0), stats.FirCount)
}

func TestRecvStatsSnapshot(t *testing.T) {
	s := newRecvStream(t, videoRecvParams(), nil)
	now := time.Unix(1700000000, 0)

	packet := makePacket(1111, 1, 3000)
	s.ReceivePacket(packet, now)

	stats := s.GetStats(now)
	assert.Equal(t, "inbound-rtp", stats.Type)
	assert.Equal(t, uint32(1111), stats.SSRC)
	assert.Equal(t, domain.MediaKindVideo, stats.Kind)
	assert.Equal(t, uint64(1), stats.PacketCount)
	assert.Equal(t, uint64(packet.MarshalSize()), stats.ByteCount)
}
