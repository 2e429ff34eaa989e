// Package consumer implements the Consumer abstraction: it binds one
// producer-side stream to one destination, rewrites admitted packets
// into the consumer's own output numbering space and forwards them
// under the owning transport's bandwidth constraints.
package consumer

import (
	"fmt"
	"sort"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/internal/rtc/stream"
)

// RTCP report cadence ceilings per media kind. Bounded and
// kind-dependent; tunable via config at wiring time.
const (
	MaxAudioRtcpInterval = 2500 * time.Millisecond
	MaxVideoRtcpInterval = 5000 * time.Millisecond
)

// Listener is the transport-side sink of a consumer. The registry
// owning the consumer must remove it right after
// OnConsumerProducerClosed returns.
type Listener interface {
	OnConsumerSendRtpPacket(c Consumer, packet *rtp.Packet)
	OnConsumerRetransmitRtpPacket(c Consumer, packet *rtp.Packet)
	OnConsumerKeyFrameRequested(c Consumer, mappedSsrc uint32)
	OnConsumerNeedBitrateChange(c Consumer)
	OnConsumerProducerClosed(c Consumer)
}

// Consumer is the closed operation set shared by all consumer
// variants. The variant is selected at construction time and never
// re-tagged.
type Consumer interface {
	ID() domain.ConsumerID
	Kind() domain.MediaKind
	Type() domain.ConsumerType
	RtpParameters() domain.RtpParameters
	ConsumableEncodings() []domain.RtpEncodingParameters
	MediaSSRCs() []uint32
	RtxSSRCs() []uint32

	IsActive() bool
	IsPaused() bool
	IsProducerPaused() bool

	TransportConnected()
	TransportDisconnected()
	Pause()
	Resume()
	ProducerPaused()
	ProducerResumed()
	ProducerClosed()
	SetProducerRtpStream(s *stream.RtpStreamRecv)
	ProducerRtpStreamScore(score uint8, previousScore uint8)

	SendRtpPacket(packet *rtp.Packet, now time.Time)
	GetRtcp(rtpStream *stream.RtpStreamSend, now time.Time) ([]rtcp.Packet, error)
	ReceiveNack(nack *rtcp.TransportLayerNack, now time.Time)
	ReceiveKeyFrameRequest(messageType stream.KeyFrameRequestType, ssrc uint32)
	ReceiveRtcpReceiverReport(report *rtcp.ReceptionReport, rtt time.Duration, now time.Time)
	NeedWorstRemoteFractionLost(mappedSsrc uint32, worst *uint8)
	RequestKeyFrame()

	GetBitratePriority() uint16
	UseAvailableBitrate(bitrate uint32, considerLoss bool) uint32
	IncreaseLayer(bitrate uint32, considerLoss bool) uint32
	ApplyLayers()
	GetDesiredBitrate() uint32

	GetTransmissionRate(now time.Time) uint32
	GetRtt() time.Duration
	RtpStream() *stream.RtpStreamSend

	EnablePacketEventTypes(types []string)
	Dump() domain.ConsumerDump
	GetStats(now time.Time) []domain.RtpStreamStats
	GetScore() domain.ConsumerScore
}

// variantHooks are the transition hooks each variant customizes.
type variantHooks interface {
	userOnTransportConnected()
	userOnTransportDisconnected()
	userOnPaused()
	userOnResumed()
}

// Options carry the validated construction inputs of a consumer.
type Options struct {
	ID                  domain.ConsumerID
	Kind                domain.MediaKind
	RtpParameters       domain.RtpParameters
	ConsumableEncodings []domain.RtpEncodingParameters
	Paused              bool

	// KeyFrameDetector overrides payload key frame detection. The
	// default uses the built-in per-codec heuristics.
	KeyFrameDetector func(mimeType string, payload []byte) bool
}

func (o Options) validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", domain.ErrInvalidRtpParameters)
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidMediaKind, o.Kind)
	}
	if err := o.RtpParameters.Validate(); err != nil {
		return err
	}
	if len(o.ConsumableEncodings) == 0 {
		return fmt.Errorf("%w: empty consumableRtpEncodings", domain.ErrInvalidRtpParameters)
	}
	for _, encoding := range o.ConsumableEncodings {
		if encoding.SSRC == 0 {
			return fmt.Errorf("%w: consumable encoding missing ssrc", domain.ErrInvalidRtpParameters)
		}
	}
	return nil
}

// base carries the state shared by all consumer variants.
type base struct {
	id       domain.ConsumerID
	kind     domain.MediaKind
	typ      domain.ConsumerType
	listener Listener
	notifier ports.Notifier
	logger   *zap.SugaredLogger
	hooks    variantHooks

	rtpParameters       domain.RtpParameters
	consumableEncodings []domain.RtpEncodingParameters
	supportedPayloads   map[uint8]struct{}
	mediaSsrcs          []uint32
	rtxSsrcs            []uint32

	maxRtcpInterval  time.Duration
	lastRtcpSentTime time.Time
	packetEventTypes domain.PacketEventTypes

	transportConnected bool
	paused             bool
	producerPaused     bool
	producerClosed     bool
}

func newBase(opts Options, typ domain.ConsumerType, listener Listener, notifier ports.Notifier, logger *zap.SugaredLogger) (*base, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	b := &base{
		id:                  opts.ID,
		kind:                opts.Kind,
		typ:                 typ,
		listener:            listener,
		notifier:            notifier,
		logger:              logger.With("consumer_id", opts.ID),
		rtpParameters:       opts.RtpParameters,
		consumableEncodings: opts.ConsumableEncodings,
		supportedPayloads:   opts.RtpParameters.SupportedPayloadTypes(),
		paused:              opts.Paused,
	}

	for _, encoding := range opts.RtpParameters.Encodings {
		b.mediaSsrcs = append(b.mediaSsrcs, encoding.SSRC)
		if encoding.Rtx != nil {
			b.rtxSsrcs = append(b.rtxSsrcs, encoding.Rtx.SSRC)
		}
	}

	if opts.Kind == domain.MediaKindAudio {
		b.maxRtcpInterval = MaxAudioRtcpInterval
	} else {
		b.maxRtcpInterval = MaxVideoRtcpInterval
	}

	return b, nil
}

func (b *base) ID() domain.ConsumerID { return b.id }

func (b *base) Kind() domain.MediaKind { return b.kind }

func (b *base) Type() domain.ConsumerType { return b.typ }

func (b *base) RtpParameters() domain.RtpParameters { return b.rtpParameters }

func (b *base) ConsumableEncodings() []domain.RtpEncodingParameters { return b.consumableEncodings }

func (b *base) MediaSSRCs() []uint32 { return b.mediaSsrcs }

func (b *base) RtxSSRCs() []uint32 { return b.rtxSsrcs }

func (b *base) IsPaused() bool { return b.paused }

func (b *base) IsProducerPaused() bool { return b.producerPaused }

// IsActive is a pure function of the four lifecycle inputs,
// recomputed on every call.
func (b *base) IsActive() bool {
	return b.transportConnected && !b.paused && !b.producerPaused && !b.producerClosed
}

func (b *base) TransportConnected() {
	b.transportConnected = true
	b.logger.Debugw("transport connected")
	b.hooks.userOnTransportConnected()
}

func (b *base) TransportDisconnected() {
	b.transportConnected = false
	b.logger.Debugw("transport disconnected")
	b.hooks.userOnTransportDisconnected()
}

func (b *base) Pause() {
	if b.paused {
		return
	}

	wasActive := b.IsActive()
	b.paused = true
	b.logger.Debugw("consumer paused")

	if wasActive {
		b.hooks.userOnPaused()
	}
}

func (b *base) Resume() {
	if !b.paused {
		return
	}

	b.paused = false
	b.logger.Debugw("consumer resumed")

	if b.IsActive() {
		b.hooks.userOnResumed()
	}
}

func (b *base) ProducerPaused() {
	if b.producerPaused {
		return
	}

	wasActive := b.IsActive()
	b.producerPaused = true

	if wasActive {
		b.hooks.userOnPaused()
	}

	b.notifier.Emit(string(b.id), "producerpause", nil)
}

func (b *base) ProducerResumed() {
	if !b.producerPaused {
		return
	}

	b.producerPaused = false

	if b.IsActive() {
		b.hooks.userOnResumed()
	}

	b.notifier.Emit(string(b.id), "producerresume", nil)
}

// EnablePacketEventTypes replaces the enabled diagnostic packet event
// set. Unknown names are ignored.
func (b *base) EnablePacketEventTypes(types []string) {
	var enabled domain.PacketEventTypes
	for _, t := range types {
		switch domain.PacketEventType(t) {
		case domain.PacketEventRtp:
			enabled.Rtp = true
		case domain.PacketEventNack:
			enabled.Nack = true
		case domain.PacketEventPli:
			enabled.Pli = true
		case domain.PacketEventFir:
			enabled.Fir = true
		}
	}
	b.packetEventTypes = enabled
}

func (b *base) emitPacketEventRtp(packet *rtp.Packet, isRtx bool, now time.Time) {
	if !b.packetEventTypes.Rtp {
		return
	}

	b.notifier.Emit(string(b.id), "packet", domain.PacketEvent{
		Type:      domain.PacketEventRtp,
		Timestamp: now.UnixMilli(),
		Direction: domain.PacketEventOut,
		Info: domain.RtpPacketInfo{
			SSRC:           packet.SSRC,
			PayloadType:    packet.PayloadType,
			SequenceNumber: packet.SequenceNumber,
			Timestamp:      packet.Timestamp,
			Marker:         packet.Marker,
			Size:           packet.MarshalSize(),
			IsRtx:          isRtx,
		},
	})
}

func (b *base) emitPacketEventNack(now time.Time) {
	if !b.packetEventTypes.Nack {
		return
	}

	b.notifier.Emit(string(b.id), "packet", domain.PacketEvent{
		Type:      domain.PacketEventNack,
		Timestamp: now.UnixMilli(),
		Direction: domain.PacketEventIn,
		Info:      struct{}{},
	})
}

func (b *base) emitPacketEventKeyFrameRequest(eventType domain.PacketEventType, ssrc uint32, now time.Time) {
	if eventType == domain.PacketEventPli && !b.packetEventTypes.Pli {
		return
	}
	if eventType == domain.PacketEventFir && !b.packetEventTypes.Fir {
		return
	}

	b.notifier.Emit(string(b.id), "packet", domain.PacketEvent{
		Type:      eventType,
		Timestamp: now.UnixMilli(),
		Direction: domain.PacketEventIn,
		Info:      domain.SsrcInfo{SSRC: ssrc},
	})
}

func (b *base) dump() domain.ConsumerDump {
	payloadTypes := make([]uint8, 0, len(b.supportedPayloads))
	for pt := range b.supportedPayloads {
		payloadTypes = append(payloadTypes, pt)
	}
	sort.Slice(payloadTypes, func(i, j int) bool { return payloadTypes[i] < payloadTypes[j] })

	var eventTypes []string
	if b.packetEventTypes.Rtp {
		eventTypes = append(eventTypes, string(domain.PacketEventRtp))
	}
	if b.packetEventTypes.Nack {
		eventTypes = append(eventTypes, string(domain.PacketEventNack))
	}
	if b.packetEventTypes.Pli {
		eventTypes = append(eventTypes, string(domain.PacketEventPli))
	}
	if b.packetEventTypes.Fir {
		eventTypes = append(eventTypes, string(domain.PacketEventFir))
	}

	return domain.ConsumerDump{
		ID:                         b.id,
		Kind:                       b.kind,
		Type:                       b.typ,
		RtpParameters:              b.rtpParameters,
		ConsumableEncodings:        b.consumableEncodings,
		SupportedCodecPayloadTypes: payloadTypes,
		Paused:                     b.paused,
		ProducerPaused:             b.producerPaused,
		PacketEventTypes:           eventTypes,
	}
}
