package router

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"relaycast/internal/core/domain"
	"relaycast/internal/rtc/stream"
)

// ProducerOptions carry the construction inputs of a producer.
type ProducerOptions struct {
	ID            domain.ProducerID
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	Paused        bool
}

func (o ProducerOptions) validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", domain.ErrInvalidRtpParameters)
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidMediaKind, o.Kind)
	}
	return o.RtpParameters.Validate()
}

// Producer is the ingest side of a media source: it owns one receive
// stream per announced SSRC and feeds the consumers bound to it
// through the router.
type Producer struct {
	id            domain.ProducerID
	kind          domain.MediaKind
	rtpParameters domain.RtpParameters
	paused        bool
	logger        *zap.SugaredLogger

	streams map[uint32]*stream.RtpStreamRecv

	// Set by the owning router before the producer is used.
	onScore     func(p *Producer, s *stream.RtpStream, score uint8, previousScore uint8)
	onNewStream func(p *Producer, s *stream.RtpStreamRecv)
}

func newProducer(opts ProducerOptions, logger *zap.SugaredLogger) (*Producer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	return &Producer{
		id:            opts.ID,
		kind:          opts.Kind,
		rtpParameters: opts.RtpParameters,
		paused:        opts.Paused,
		logger:        logger.With("producer_id", opts.ID),
		streams:       make(map[uint32]*stream.RtpStreamRecv),
	}, nil
}

func (p *Producer) ID() domain.ProducerID {
	return p.id
}

func (p *Producer) Kind() domain.MediaKind {
	return p.kind
}

func (p *Producer) RtpParameters() domain.RtpParameters {
	return p.rtpParameters
}

func (p *Producer) IsPaused() bool {
	return p.paused
}

// SSRCs returns the announced media SSRCs of the producer.
func (p *Producer) SSRCs() []uint32 {
	ssrcs := make([]uint32, 0, len(p.rtpParameters.Encodings))
	for _, encoding := range p.rtpParameters.Encodings {
		ssrcs = append(ssrcs, encoding.SSRC)
	}
	return ssrcs
}

// OnRtpStreamScore implements stream.Listener.
func (p *Producer) OnRtpStreamScore(s *stream.RtpStream, score uint8, previousScore uint8) {
	if p.onScore != nil {
		p.onScore(p, s, score, previousScore)
	}
}

// ReceiveRtpPacket routes an incoming packet to the matching receive
// stream, creating it on first sight of an announced SSRC. Returns
// false when the packet was not admitted.
func (p *Producer) ReceiveRtpPacket(packet *rtp.Packet, now time.Time) bool {
	if p.paused {
		return false
	}

	s, err := p.streamForSSRC(packet.SSRC)
	if err != nil {
		p.logger.Warnw("packet for unknown ssrc discarded",
			"ssrc", packet.SSRC,
			"error", err,
		)
		return false
	}

	return s.ReceivePacket(packet, now)
}

// streamForSSRC returns the receive stream of the given SSRC,
// building it from the announced encoding if needed.
func (p *Producer) streamForSSRC(ssrc uint32) (*stream.RtpStreamRecv, error) {
	if s, ok := p.streams[ssrc]; ok {
		return s, nil
	}

	var encoding *domain.RtpEncodingParameters
	for i := range p.rtpParameters.Encodings {
		if p.rtpParameters.Encodings[i].SSRC == ssrc {
			encoding = &p.rtpParameters.Encodings[i]
			break
		}
	}
	if encoding == nil {
		return nil, domain.ErrMissingSsrc
	}

	codec, ok := p.rtpParameters.CodecForEncoding(*encoding)
	if !ok {
		return nil, fmt.Errorf("%w: no codec for encoding", domain.ErrInvalidRtpParameters)
	}

	params := stream.Params{
		SSRC:         ssrc,
		PayloadType:  codec.PayloadType,
		MimeType:     codec.MimeType,
		Kind:         p.kind,
		ClockRate:    codec.ClockRate,
		CNAME:        p.rtpParameters.Rtcp.CNAME,
		UseInBandFec: codec.Parameters["useinbandfec"] == "1",
		UseDtx:       codec.Parameters["usedtx"] == "1" || encoding.Dtx,
	}

	for _, fb := range codec.RtcpFeedback {
		switch {
		case fb.Type == "nack" && fb.Parameter == "":
			params.UseNack = true
		case fb.Type == "nack" && fb.Parameter == "pli":
			params.UsePli = true
		case fb.Type == "ccm" && fb.Parameter == "fir":
			params.UseFir = true
		}
	}

	if rtxCodec, ok := p.rtpParameters.RtxCodecForEncoding(*encoding); ok && encoding.Rtx != nil {
		params.RtxPayloadType = rtxCodec.PayloadType
		params.RtxSSRC = encoding.Rtx.SSRC
	}

	s, err := stream.NewRtpStreamRecv(params, p, p.logger)
	if err != nil {
		return nil, err
	}

	p.streams[ssrc] = s
	p.logger.Debugw("receive stream created", "ssrc", ssrc)

	if p.onNewStream != nil {
		p.onNewStream(p, s)
	}

	return s, nil
}

// firstStream returns the receive stream of the first announced
// encoding, or nil when no packet arrived for it yet.
func (p *Producer) firstStream() *stream.RtpStreamRecv {
	if len(p.rtpParameters.Encodings) == 0 {
		return nil
	}
	return p.streams[p.rtpParameters.Encodings[0].SSRC]
}

// Pause stops admitting packets until Resume.
func (p *Producer) Pause() {
	if p.paused {
		return
	}
	p.paused = true
	for _, s := range p.streams {
		s.Pause()
	}
	p.logger.Debugw("producer paused")
}

// Resume re-admits packets.
func (p *Producer) Resume() {
	if !p.paused {
		return
	}
	p.paused = false
	for _, s := range p.streams {
		s.Resume()
	}
	p.logger.Debugw("producer resumed")
}

// RequestKeyFrame accounts a key frame request against the stream of
// the given SSRC.
func (p *Producer) RequestKeyFrame(ssrc uint32) {
	if s, ok := p.streams[ssrc]; ok {
		s.RequestKeyFrame()
	}
}

// ReceiveRtcpSenderReport feeds a sender report to the matching
// stream.
func (p *Producer) ReceiveRtcpSenderReport(sr *rtcp.SenderReport, now time.Time) {
	if s, ok := p.streams[sr.SSRC]; ok {
		s.ReceiveRtcpSenderReport(sr, now)
	}
}

// GetRtcpReceiverReports collects one reception report per started
// stream.
func (p *Producer) GetRtcpReceiverReports(now time.Time) []rtcp.ReceptionReport {
	var reports []rtcp.ReceptionReport
	for _, s := range p.streams {
		if report := s.GetRtcpReceiverReport(now); report != nil {
			reports = append(reports, *report)
		}
	}
	return reports
}

// GetStats returns one stats record per receive stream.
func (p *Producer) GetStats(now time.Time) []domain.RtpStreamStats {
	stats := make([]domain.RtpStreamStats, 0, len(p.streams))
	for _, s := range p.streams {
		stats = append(stats, s.GetStats(now))
	}
	return stats
}
