package router

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaycast/internal/core/domain"
	"relaycast/internal/rtc/consumer"
	"relaycast/internal/rtc/stream"
)

type sentPacket struct {
	consumerID domain.ConsumerID
	ssrc       uint32
	seq        uint16
}

type keyFrameNeeded struct {
	producerID domain.ProducerID
	ssrc       uint32
}

// routerSink records the egress side of the router so tests can assert
// on forwarded traffic without a transport.
type routerSink struct {
	sent          []sentPacket
	retransmitted []sentPacket
	keyFrames     []keyFrameNeeded
}

func (s *routerSink) OnSendRtpPacket(consumerID domain.ConsumerID, packet *rtp.Packet) {
	s.sent = append(s.sent, sentPacket{
		consumerID: consumerID,
		ssrc:       packet.SSRC,
		seq:        packet.SequenceNumber,
	})
}

func (s *routerSink) OnRetransmitRtpPacket(consumerID domain.ConsumerID, packet *rtp.Packet) {
	s.retransmitted = append(s.retransmitted, sentPacket{
		consumerID: consumerID,
		ssrc:       packet.SSRC,
		seq:        packet.SequenceNumber,
	})
}

func (s *routerSink) OnKeyFrameNeeded(producerID domain.ProducerID, ssrc uint32) {
	s.keyFrames = append(s.keyFrames, keyFrameNeeded{producerID: producerID, ssrc: ssrc})
}

type emitted struct {
	targetID string
	event    string
	data     interface{}
}

type fakeNotifier struct {
	events []emitted
}

func (n *fakeNotifier) Emit(targetID string, event string, data interface{}) {
	n.events = append(n.events, emitted{targetID: targetID, event: event, data: data})
}

func (n *fakeNotifier) count(event string) int {
	var c int
	for _, e := range n.events {
		if e.event == event {
			c++
		}
	}
	return c
}

// detectKeyFrame treats a leading 0xFF byte as a key frame so tests
// control frame boundaries explicitly.
func detectKeyFrame(mimeType string, payload []byte) bool {
	return len(payload) > 0 && payload[0] == 0xFF
}

func newTestRouter(t *testing.T) (*Router, *routerSink, *fakeNotifier) {
	t.Helper()
	sink := &routerSink{}
	notifier := &fakeNotifier{}
	return NewRouter(sink, notifier, zap.NewNop().Sugar()), sink, notifier
}

func videoProducerOptions() ProducerOptions {
	return ProducerOptions{
		ID:   "producer-1",
		Kind: domain.MediaKindVideo,
		RtpParameters: domain.RtpParameters{
			Codecs: []domain.RtpCodecParameters{
				{
					MimeType:    "video/VP8",
					PayloadType: 96,
					ClockRate:   90000,
					RtcpFeedback: []domain.RtcpFeedback{
						{Type: "nack"},
						{Type: "nack", Parameter: "pli"},
					},
				},
			},
			Encodings: []domain.RtpEncodingParameters{{SSRC: 4444}},
			Rtcp:      domain.RtcpParameters{CNAME: "relay-test"},
		},
	}
}

func videoConsumerOptions(id domain.ConsumerID, ssrc uint32) consumer.Options {
	return consumer.Options{
		ID:   id,
		Kind: domain.MediaKindVideo,
		RtpParameters: domain.RtpParameters{
			Codecs: []domain.RtpCodecParameters{
				{
					MimeType:    "video/VP8",
					PayloadType: 96,
					ClockRate:   90000,
					RtcpFeedback: []domain.RtcpFeedback{
						{Type: "nack"},
						{Type: "nack", Parameter: "pli"},
					},
				},
			},
			Encodings: []domain.RtpEncodingParameters{{SSRC: ssrc}},
			Rtcp:      domain.RtcpParameters{CNAME: "relay-test"},
		},
		ConsumableEncodings: []domain.RtpEncodingParameters{{SSRC: 4444}},
		KeyFrameDetector:    detectKeyFrame,
	}
}

func keyFramePacket(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           4444,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			PayloadType:    96,
		},
		Payload: []byte{0xFF, 0x01, 0x02, 0x03},
	}
}

func deltaPacket(seq uint16) *rtp.Packet {
	p := keyFramePacket(seq)
	p.Payload = []byte{0x00, 0x01, 0x02, 0x03}
	return p
}

func TestProduceGeneratesIDWhenEmpty(t *testing.T) {
	r, _, _ := newTestRouter(t)

	opts := videoProducerOptions()
	opts.ID = ""
	p, err := r.Produce(opts)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID())

	got, err := r.GetProducer(p.ID())
	require.NoError(t, err)
	assert.Same(t, p, got)
}

func TestProduceRejectsDuplicateID(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)

	_, err = r.Produce(videoProducerOptions())
	assert.Error(t, err)
}

func TestProduceRejectsInvalidOptions(t *testing.T) {
	r, _, _ := newTestRouter(t)

	opts := videoProducerOptions()
	opts.Kind = "screen"
	_, err := r.Produce(opts)
	assert.ErrorIs(t, err, domain.ErrInvalidMediaKind)
}

func TestCreateProducerDefaultsCodecs(t *testing.T) {
	r, _, _ := newTestRouter(t)

	id, err := r.CreateProducer(domain.MediaKindAudio, domain.RtpParameters{
		Encodings: []domain.RtpEncodingParameters{{SSRC: 4445}},
		Rtcp:      domain.RtcpParameters{CNAME: "relay-test"},
	}, false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	p, err := r.GetProducer(id)
	require.NoError(t, err)
	require.NotEmpty(t, p.RtpParameters().Codecs)
	assert.Equal(t, "audio/opus", p.RtpParameters().Codecs[0].MimeType)
}

func TestConsumeUnknownProducer(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.Consume("nope", videoConsumerOptions("consumer-1", 5555))
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestConsumeGeneratesIDWhenEmpty(t *testing.T) {
	r, _, _ := newTestRouter(t)

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)

	opts := videoConsumerOptions("", 5555)
	c, err := r.Consume(p.ID(), opts)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID())

	got, err := r.GetConsumer(c.ID())
	require.NoError(t, err)
	assert.Equal(t, c.ID(), got.ID())
}

func TestConsumeInheritsProducerAndTransportState(t *testing.T) {
	r, _, notifier := newTestRouter(t)
	r.TransportConnected()

	opts := videoProducerOptions()
	opts.Paused = true
	p, err := r.Produce(opts)
	require.NoError(t, err)

	c, err := r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)

	assert.False(t, c.IsActive())
	assert.True(t, c.IsProducerPaused())
	assert.Equal(t, 1, notifier.count("producerpause"))

	require.NoError(t, r.ResumeProducer(p.ID()))
	assert.True(t, c.IsActive())
	assert.Equal(t, 1, notifier.count("producerresume"))
}

func TestReceiveRtpPacketFansOutToConsumers(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	r.TransportConnected()

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)
	_, err = r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)
	_, err = r.Consume(p.ID(), videoConsumerOptions("consumer-2", 7777))
	require.NoError(t, err)

	packet := keyFramePacket(20)
	require.NoError(t, r.ReceiveRtpPacket(p.ID(), packet, time.Now()))

	require.Len(t, sink.sent, 2)
	ssrcs := []uint32{sink.sent[0].ssrc, sink.sent[1].ssrc}
	assert.ElementsMatch(t, []uint32{5555, 7777}, ssrcs)

	// The router clones per consumer, so the ingress packet keeps its
	// original identity.
	assert.Equal(t, uint32(4444), packet.SSRC)
	assert.Equal(t, uint16(20), packet.SequenceNumber)
}

func TestReceiveRtpPacketUnknownProducer(t *testing.T) {
	r, _, _ := newTestRouter(t)

	err := r.ReceiveRtpPacket("nope", keyFramePacket(1), time.Now())
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestPauseProducerStopsForwarding(t *testing.T) {
	r, sink, notifier := newTestRouter(t)
	r.TransportConnected()

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)
	c, err := r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, r.ReceiveRtpPacket(p.ID(), keyFramePacket(20), now))
	require.Len(t, sink.sent, 1)

	require.NoError(t, r.PauseProducer(p.ID()))
	assert.False(t, c.IsActive())
	assert.Equal(t, 1, notifier.count("producerpause"))

	require.NoError(t, r.ReceiveRtpPacket(p.ID(), deltaPacket(21), now.Add(20*time.Millisecond)))
	assert.Len(t, sink.sent, 1)

	require.NoError(t, r.ResumeProducer(p.ID()))
	assert.True(t, c.IsActive())

	require.NoError(t, r.ReceiveRtpPacket(p.ID(), keyFramePacket(22), now.Add(40*time.Millisecond)))
	assert.Len(t, sink.sent, 2)
}

func TestTransportDisconnectedStopsForwarding(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	r.TransportConnected()

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)
	c, err := r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, r.ReceiveRtpPacket(p.ID(), keyFramePacket(20), now))
	require.Len(t, sink.sent, 1)

	r.TransportDisconnected()
	assert.False(t, c.IsActive())

	require.NoError(t, r.ReceiveRtpPacket(p.ID(), keyFramePacket(21), now.Add(20*time.Millisecond)))
	assert.Len(t, sink.sent, 1)
}

func TestCloseProducerClosesConsumers(t *testing.T) {
	r, _, notifier := newTestRouter(t)
	r.TransportConnected()

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)
	c, err := r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)

	require.NoError(t, r.CloseProducer(p.ID()))

	_, err = r.GetProducer(p.ID())
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
	_, err = r.GetConsumer(c.ID())
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
	assert.Equal(t, 1, notifier.count("producerclose"))

	assert.ErrorIs(t, r.CloseProducer(p.ID()), domain.ErrProducerNotFound)
	err = r.ReceiveRtpPacket(p.ID(), keyFramePacket(1), time.Now())
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestCloseConsumer(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	r.TransportConnected()

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)
	c, err := r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)

	require.NoError(t, r.CloseConsumer(c.ID()))
	assert.ErrorIs(t, r.CloseConsumer(c.ID()), domain.ErrConsumerNotFound)

	// SSRC routing entries are gone with the consumer.
	r.ReceiveNack(&rtcp.TransportLayerNack{MediaSSRC: 5555}, time.Now())
	assert.Empty(t, sink.retransmitted)

	require.NoError(t, r.ReceiveRtpPacket(p.ID(), keyFramePacket(20), time.Now()))
	assert.Empty(t, sink.sent)
}

func TestReceiveNackTriggersRetransmission(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	r.TransportConnected()

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)
	_, err = r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, r.ReceiveRtpPacket(p.ID(), keyFramePacket(20), now))
	require.Len(t, sink.sent, 1)
	outputSeq := sink.sent[0].seq

	r.ReceiveNack(&rtcp.TransportLayerNack{
		MediaSSRC: 5555,
		Nacks:     []rtcp.NackPair{{PacketID: outputSeq}},
	}, now.Add(10*time.Millisecond))

	require.Len(t, sink.retransmitted, 1)
	assert.Equal(t, uint32(5555), sink.retransmitted[0].ssrc)
	assert.Equal(t, outputSeq, sink.retransmitted[0].seq)

	// Unknown media SSRC routes nowhere.
	r.ReceiveNack(&rtcp.TransportLayerNack{
		MediaSSRC: 1,
		Nacks:     []rtcp.NackPair{{PacketID: outputSeq}},
	}, now.Add(20*time.Millisecond))
	assert.Len(t, sink.retransmitted, 1)
}

func TestReceiveKeyFrameRequestForwardsUpstream(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	r.TransportConnected()

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)
	_, err = r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, r.ReceiveRtpPacket(p.ID(), keyFramePacket(20), now))
	sink.keyFrames = nil

	r.ReceiveKeyFrameRequest(stream.KeyFrameRequestPli, 5555)

	require.Len(t, sink.keyFrames, 1)
	assert.Equal(t, p.ID(), sink.keyFrames[0].producerID)
	assert.Equal(t, uint32(4444), sink.keyFrames[0].ssrc)

	stats, err := r.GetProducerStats(p.ID())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.GreaterOrEqual(t, stats[0].PliCount, uint64(1))
}

func TestReceiveRtcpSenderReportRoutesBySSRC(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.TransportConnected()

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, r.ReceiveRtpPacket(p.ID(), keyFramePacket(20), now))

	r.ReceiveRtcpSenderReport(&rtcp.SenderReport{
		SSRC:    4444,
		NTPTime: 0x1234567890abcdef,
	}, now)

	reports := p.GetRtcpReceiverReports(now.Add(100 * time.Millisecond))
	require.Len(t, reports, 1)
	assert.Equal(t, uint32(0x567890ab), reports[0].LastSenderReport)
}

func TestReceiveRtcpReceiverReportRoutesBySSRC(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	r.TransportConnected()

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)
	c, err := r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, r.ReceiveRtpPacket(p.ID(), keyFramePacket(20), now))
	require.Len(t, sink.sent, 1)

	r.ReceiveRtcpReceiverReport(&rtcp.ReceptionReport{
		SSRC:               5555,
		LastSequenceNumber: uint32(sink.sent[0].seq),
	}, 80*time.Millisecond, now.Add(time.Second))

	stats := c.GetStats(now.Add(time.Second))
	require.NotEmpty(t, stats)
	assert.Equal(t, "outbound-rtp", stats[0].Type)
	assert.Equal(t, uint8(10), stats[0].Score)
}

func TestCollectRtcp(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.TransportConnected()

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)
	_, err = r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)

	now := time.Now()
	assert.Empty(t, r.CollectRtcp(now))

	require.NoError(t, r.ReceiveRtpPacket(p.ID(), keyFramePacket(20), now))

	packets := r.CollectRtcp(now.Add(10 * time.Millisecond))
	require.Len(t, packets, 2)
	assert.IsType(t, &rtcp.SenderReport{}, packets[0])
	assert.IsType(t, &rtcp.SourceDescription{}, packets[1])
}

func TestProducerStreamInstalledOnFirstPacket(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.TransportConnected()

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)
	c, err := r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)

	now := time.Now()
	require.Len(t, c.GetStats(now), 1)

	require.NoError(t, r.ReceiveRtpPacket(p.ID(), keyFramePacket(20), now))
	assert.Len(t, c.GetStats(now), 2)
}

func TestConsumerRegistryOperations(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	r.TransportConnected()

	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)
	c, err := r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)

	require.NoError(t, r.PauseConsumer(c.ID()))
	assert.True(t, c.IsPaused())
	require.NoError(t, r.ResumeConsumer(c.ID()))
	assert.False(t, c.IsPaused())

	require.NoError(t, r.EnablePacketEvent(c.ID(), []string{"rtp", "nack"}))
	dump, err := r.DumpConsumer(c.ID())
	require.NoError(t, err)
	assert.Equal(t, c.ID(), dump.ID)
	assert.ElementsMatch(t, []string{"rtp", "nack"}, dump.PacketEventTypes)

	stats, err := r.GetConsumerStats(c.ID())
	require.NoError(t, err)
	assert.NotEmpty(t, stats)

	sink.keyFrames = nil
	require.NoError(t, r.RequestKeyFrame(c.ID()))
	require.Len(t, sink.keyFrames, 1)
	assert.Equal(t, uint32(4444), sink.keyFrames[0].ssrc)
}

func TestRegistryNotFoundErrors(t *testing.T) {
	r, _, _ := newTestRouter(t)

	assert.ErrorIs(t, r.PauseConsumer("nope"), domain.ErrConsumerNotFound)
	assert.ErrorIs(t, r.ResumeConsumer("nope"), domain.ErrConsumerNotFound)
	assert.ErrorIs(t, r.RequestKeyFrame("nope"), domain.ErrConsumerNotFound)
	assert.ErrorIs(t, r.EnablePacketEvent("nope", nil), domain.ErrConsumerNotFound)

	_, err := r.DumpConsumer("nope")
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
	_, err = r.GetConsumerStats("nope")
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
	_, err = r.GetProducerStats("nope")
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	assert.ErrorIs(t, r.PauseProducer("nope"), domain.ErrProducerNotFound)
	assert.ErrorIs(t, r.ResumeProducer("nope"), domain.ErrProducerNotFound)
}

func TestCreateConsumerRegistersAndForwards(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)

	opts := videoConsumerOptions("", 5555)
	id, err := r.CreateConsumer(p.ID(), opts.Kind, opts.RtpParameters, opts.ConsumableEncodings, false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	dump, err := r.DumpConsumer(id)
	require.NoError(t, err)
	assert.Equal(t, id, dump.ID)

	r.TransportConnected()
	require.NoError(t, r.ReceiveRtpPacket(p.ID(), keyFramePacket(10), time.Unix(1700000000, 0)))
	require.Len(t, sink.sent, 1)
	assert.Equal(t, id, sink.sent[0].consumerID)

	_, err = r.CreateConsumer("nope", opts.Kind, opts.RtpParameters, opts.ConsumableEncodings, false)
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestControlPlaneConcurrentWithMediaPath(t *testing.T) {
	r, _, _ := newTestRouter(t)
	p, err := r.Produce(videoProducerOptions())
	require.NoError(t, err)
	c, err := r.Consume(p.ID(), videoConsumerOptions("consumer-1", 5555))
	require.NoError(t, err)
	r.TransportConnected()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		now := time.Unix(1700000000, 0)
		for seq := uint16(10); ; seq++ {
			select {
			case <-done:
				return
			default:
			}
			if err := r.ReceiveRtpPacket(p.ID(), keyFramePacket(seq), now); err != nil {
				t.Error(err)
				return
			}
			now = now.Add(time.Millisecond)
		}
	}()

	for i := 0; i < 200; i++ {
		require.NoError(t, r.PauseConsumer(c.ID()))
		_, err := r.GetConsumerStats(c.ID())
		require.NoError(t, err)
		require.NoError(t, r.ResumeConsumer(c.ID()))
		_, err = r.DumpConsumer(c.ID())
		require.NoError(t, err)
		_, err = r.GetProducerStats(p.ID())
		require.NoError(t, err)
		r.CollectRtcp(time.Now())
	}

	close(done)
	wg.Wait()
}
