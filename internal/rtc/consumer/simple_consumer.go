package consumer

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/internal/rtc/codecs"
	"relaycast/internal/rtc/sequence"
	"relaycast/internal/rtc/stream"
)

// nackBufferSize is the retransmission ring capacity when NACK is
// negotiated.
const nackBufferSize = 600

// SimpleConsumer forwards a single producer encoding to one
// destination. It does not play the bandwidth estimation game: all
// bitrate allocation hooks report zero.
type SimpleConsumer struct {
	*base

	rtpStream      *stream.RtpStreamSend
	producerStream *stream.RtpStreamRecv

	seqManager *sequence.SeqManager

	keyFrameSupported bool
	keyFrameDetector  func(mimeType string, payload []byte) bool
	syncRequired      bool
}

var _ Consumer = (*SimpleConsumer)(nil)
var _ stream.SendListener = (*SimpleConsumer)(nil)

// NewSimpleConsumer builds a simple consumer from negotiated
// parameters. Construction fails on malformed parameters; no partial
// consumer is left usable.
func NewSimpleConsumer(opts Options, listener Listener, notifier ports.Notifier, logger *zap.SugaredLogger) (*SimpleConsumer, error) {
	b, err := newBase(opts, domain.ConsumerTypeSimple, listener, notifier, logger)
	if err != nil {
		return nil, err
	}

	if len(opts.ConsumableEncodings) != 1 {
		return nil, fmt.Errorf("%w: simple consumer requires a single consumable encoding", domain.ErrInvalidRtpParameters)
	}
	if len(opts.RtpParameters.Encodings) != 1 {
		return nil, fmt.Errorf("%w: simple consumer requires a single encoding", domain.ErrInvalidRtpParameters)
	}

	encoding := opts.RtpParameters.Encodings[0]
	mediaCodec, ok := opts.RtpParameters.CodecForEncoding(encoding)
	if !ok {
		return nil, fmt.Errorf("%w: no media codec for encoding", domain.ErrInvalidRtpParameters)
	}

	c := &SimpleConsumer{
		base:              b,
		seqManager:        sequence.NewSeqManager(),
		keyFrameSupported: codecs.CanBeKeyFrame(mediaCodec.MimeType),
		keyFrameDetector:  opts.KeyFrameDetector,
	}
	if c.keyFrameDetector == nil {
		c.keyFrameDetector = codecs.IsKeyFrame
	}
	b.hooks = c

	if err := c.createRtpStream(encoding, mediaCodec); err != nil {
		return nil, err
	}

	return c, nil
}

// createRtpStream builds the outgoing stream from the negotiated
// encoding and codec, mirroring the codec's feedback capabilities.
func (c *SimpleConsumer) createRtpStream(encoding domain.RtpEncodingParameters, mediaCodec domain.RtpCodecParameters) error {
	params := stream.Params{
		SSRC:        encoding.SSRC,
		PayloadType: mediaCodec.PayloadType,
		MimeType:    mediaCodec.MimeType,
		Kind:        c.kind,
		ClockRate:   mediaCodec.ClockRate,
		CNAME:       c.rtpParameters.Rtcp.CNAME,
	}

	if mediaCodec.Parameters["useinbandfec"] == "1" {
		c.logger.Debugw("in band FEC enabled")
		params.UseInBandFec = true
	}
	if mediaCodec.Parameters["usedtx"] == "1" || encoding.Dtx {
		c.logger.Debugw("DTX enabled")
		params.UseDtx = true
	}

	for _, fb := range mediaCodec.RtcpFeedback {
		switch {
		case !params.UseNack && fb.Type == "nack" && fb.Parameter == "":
			params.UseNack = true
		case !params.UsePli && fb.Type == "nack" && fb.Parameter == "pli":
			params.UsePli = true
		case !params.UseFir && fb.Type == "ccm" && fb.Parameter == "fir":
			params.UseFir = true
		}
	}

	if rtxCodec, ok := c.rtpParameters.RtxCodecForEncoding(encoding); ok && encoding.Rtx != nil {
		params.RtxPayloadType = rtxCodec.PayloadType
		params.RtxSSRC = encoding.Rtx.SSRC
	}

	bufferSize := 0
	if params.UseNack {
		bufferSize = nackBufferSize
	}

	rtpStream, err := stream.NewRtpStreamSend(params, c, bufferSize, c.logger)
	if err != nil {
		return err
	}
	c.rtpStream = rtpStream

	if c.IsPaused() || c.IsProducerPaused() {
		c.rtpStream.Pause()
	}

	return nil
}

// RtpStream returns the owned outgoing stream.
func (c *SimpleConsumer) RtpStream() *stream.RtpStreamSend { return c.rtpStream }

// SetProducerRtpStream installs the weak back-reference to the
// producer-side stream this consumer draws from.
func (c *SimpleConsumer) SetProducerRtpStream(s *stream.RtpStreamRecv) {
	c.producerStream = s
	c.emitScore()
}

// ProducerRtpStreamScore reacts to a score change of the producer
// stream.
func (c *SimpleConsumer) ProducerRtpStreamScore(uint8, uint8) {
	c.emitScore()
}

// ProducerClosed is terminal: the registry must remove this consumer
// right after the call returns. The producer stream reference is
// dropped immediately.
func (c *SimpleConsumer) ProducerClosed() {
	if c.producerClosed {
		return
	}

	c.producerClosed = true
	c.producerStream = nil
	c.logger.Debugw("producer closed")

	c.notifier.Emit(string(c.id), "producerclose", nil)
	c.listener.OnConsumerProducerClosed(c)
}

// SendRtpPacket rewrites an admitted packet into the consumer's output
// stream identity and forwards it through the transport listener. On
// rejection the packet is restored untouched.
func (c *SimpleConsumer) SendRtpPacket(packet *rtp.Packet, now time.Time) {
	if !c.IsActive() {
		return
	}

	if _, ok := c.supportedPayloads[packet.PayloadType]; !ok {
		c.logger.Debugw("payload type not supported", "payload_type", packet.PayloadType)
		return
	}

	// If re-sync is pending and the codec supports key frames, wait
	// for one so the output stream restarts on a decodable boundary.
	isKeyFrame := c.keyFrameSupported && c.keyFrameDetector(c.rtpStream.MimeType(), packet.Payload)
	if c.syncRequired && c.keyFrameSupported && !isKeyFrame {
		return
	}

	isSyncPacket := c.syncRequired
	if isSyncPacket {
		if isKeyFrame {
			c.logger.Debugw("sync key frame received")
		}
		c.seqManager.Sync(packet.SequenceNumber - 1)
		c.syncRequired = false
	}

	seq := c.seqManager.Input(packet.SequenceNumber)

	origSsrc := packet.SSRC
	origSeq := packet.SequenceNumber

	packet.SSRC = c.rtpParameters.Encodings[0].SSRC
	packet.SequenceNumber = seq

	if c.rtpStream.ReceivePacket(packet, now) {
		c.listener.OnConsumerSendRtpPacket(c, packet)
		c.emitPacketEventRtp(packet, false, now)
	} else {
		c.logger.Warnw("failed to send packet",
			"ssrc", packet.SSRC,
			"seq", packet.SequenceNumber,
			"orig_seq", origSeq,
		)
	}

	packet.SSRC = origSsrc
	packet.SequenceNumber = origSeq
}

// GetRtcp returns a sender report plus SDES chunk when at least the
// kind-dependent RTCP interval has elapsed; otherwise nil.
func (c *SimpleConsumer) GetRtcp(rtpStream *stream.RtpStreamSend, now time.Time) ([]rtcp.Packet, error) {
	if rtpStream != c.rtpStream {
		return nil, domain.ErrStreamMismatch
	}

	// 15% jitter allowance over the configured interval.
	elapsed := now.Sub(c.lastRtcpSentTime)
	if float64(elapsed)*1.15 < float64(c.maxRtcpInterval) {
		return nil, nil
	}

	report := c.rtpStream.GetRtcpSenderReport(now)
	if report == nil {
		return nil, nil
	}

	c.lastRtcpSentTime = now

	return []rtcp.Packet{
		report,
		&rtcp.SourceDescription{
			Chunks: []rtcp.SourceDescriptionChunk{c.rtpStream.GetRtcpSdesChunk()},
		},
	}, nil
}

// ReceiveNack forwards a NACK to the owned stream.
func (c *SimpleConsumer) ReceiveNack(nack *rtcp.TransportLayerNack, now time.Time) {
	if !c.IsActive() {
		return
	}

	c.emitPacketEventNack(now)
	c.rtpStream.ReceiveNack(nack, now)
}

// ReceiveKeyFrameRequest records a PLI/FIR and asks the producer side
// for a key frame.
func (c *SimpleConsumer) ReceiveKeyFrameRequest(messageType stream.KeyFrameRequestType, ssrc uint32) {
	now := time.Now()
	switch messageType {
	case stream.KeyFrameRequestPli:
		c.emitPacketEventKeyFrameRequest(domain.PacketEventPli, ssrc, now)
	case stream.KeyFrameRequestFir:
		c.emitPacketEventKeyFrameRequest(domain.PacketEventFir, ssrc, now)
	}

	c.rtpStream.ReceiveKeyFrameRequest(messageType)

	if c.IsActive() {
		c.RequestKeyFrame()
	}
}

// ReceiveRtcpReceiverReport forwards a reception report block to the
// owned stream.
func (c *SimpleConsumer) ReceiveRtcpReceiverReport(report *rtcp.ReceptionReport, rtt time.Duration, now time.Time) {
	c.rtpStream.ReceiveRtcpReceiverReport(report, rtt, now)
}

// NeedWorstRemoteFractionLost raises worst to this consumer's remote
// fraction lost if it is higher.
func (c *SimpleConsumer) NeedWorstRemoteFractionLost(_ uint32, worst *uint8) {
	if !c.IsActive() {
		return
	}

	if fractionLost := c.rtpStream.GetFractionLost(); fractionLost > *worst {
		*worst = fractionLost
	}
}

// RequestKeyFrame asks the listener to request a key frame from the
// mapped producer encoding. No-op for audio.
func (c *SimpleConsumer) RequestKeyFrame() {
	if c.kind != domain.MediaKindVideo {
		return
	}

	mappedSsrc := c.consumableEncodings[0].SSRC
	c.listener.OnConsumerKeyFrameRequested(c, mappedSsrc)
}

// Simple consumers do not participate in bandwidth allocation: a
// single-encoding consumer cannot trade layers for bitrate.

func (c *SimpleConsumer) GetBitratePriority() uint16 { return 0 }

func (c *SimpleConsumer) UseAvailableBitrate(uint32, bool) uint32 { return 0 }

func (c *SimpleConsumer) IncreaseLayer(uint32, bool) uint32 { return 0 }

func (c *SimpleConsumer) ApplyLayers() {}

func (c *SimpleConsumer) GetDesiredBitrate() uint32 { return 0 }

// GetTransmissionRate returns the current outgoing bitrate, zero while
// inactive.
func (c *SimpleConsumer) GetTransmissionRate(now time.Time) uint32 {
	if !c.IsActive() {
		return 0
	}
	return c.rtpStream.GetBitrate(now)
}

func (c *SimpleConsumer) GetRtt() time.Duration { return c.rtpStream.GetRtt() }

// Dump returns the consumer's structural state.
func (c *SimpleConsumer) Dump() domain.ConsumerDump { return c.dump() }

// GetStats returns stats of the send stream and, when present, of the
// producer stream it draws from.
func (c *SimpleConsumer) GetStats(now time.Time) []domain.RtpStreamStats {
	stats := []domain.RtpStreamStats{c.rtpStream.GetStats(now)}
	if c.producerStream != nil {
		stats = append(stats, c.producerStream.GetStats(now))
	}
	return stats
}

// GetScore pairs the send-stream score with the producer stream's
// score.
func (c *SimpleConsumer) GetScore() domain.ConsumerScore {
	score := domain.ConsumerScore{Score: c.rtpStream.GetScore()}
	if c.producerStream != nil {
		score.ProducerScore = c.producerStream.GetScore()
	}
	return score
}

func (c *SimpleConsumer) emitScore() {
	c.notifier.Emit(string(c.id), "score", c.GetScore())
}

// OnRtpStreamScore implements stream.Listener.
func (c *SimpleConsumer) OnRtpStreamScore(*stream.RtpStream, uint8, uint8) {
	c.emitScore()
}

// OnRtpStreamRetransmitRtpPacket implements stream.SendListener.
func (c *SimpleConsumer) OnRtpStreamRetransmitRtpPacket(s *stream.RtpStreamSend, packet *rtp.Packet) {
	c.listener.OnConsumerRetransmitRtpPacket(c, packet)
	c.emitPacketEventRtp(packet, s.HasRtx(), time.Now())
}

// Variant hooks.

func (c *SimpleConsumer) userOnTransportConnected() {
	c.syncRequired = true

	if c.IsActive() {
		c.rtpStream.Resume()
		c.RequestKeyFrame()
	}
}

func (c *SimpleConsumer) userOnTransportDisconnected() {
	c.rtpStream.Pause()
}

func (c *SimpleConsumer) userOnPaused() {
	c.rtpStream.Pause()
}

func (c *SimpleConsumer) userOnResumed() {
	c.syncRequired = true
	c.rtpStream.Resume()

	if c.IsActive() {
		c.RequestKeyFrame()
	}
}
