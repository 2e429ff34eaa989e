// Package router owns the producer and consumer registries and the
// relations between them: incoming packets fan out from a producer to
// its consumers, lifecycle transitions fan out the other way, and the
// control API operates on the registry by id.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/internal/rtc/consumer"
	"relaycast/internal/rtc/stream"
)

// PacketSink receives the egress traffic of the router's consumers
// plus upstream key frame requests. Implemented by the transport.
// Callbacks run while the router lock is held and must not call back
// into the router.
type PacketSink interface {
	OnSendRtpPacket(consumerID domain.ConsumerID, packet *rtp.Packet)
	OnRetransmitRtpPacket(consumerID domain.ConsumerID, packet *rtp.Packet)
	OnKeyFrameNeeded(producerID domain.ProducerID, ssrc uint32)
}

// Router is the registry tying producers to consumers. One mutex
// serializes every control and media operation for their full
// duration, so producer, consumer and stream state is never mutated
// concurrently and needs no locking of its own.
type Router struct {
	mu sync.Mutex

	logger   *zap.SugaredLogger
	notifier ports.Notifier
	sink     PacketSink

	transportConnected bool

	producers           map[domain.ProducerID]*Producer
	consumers           map[domain.ConsumerID]consumer.Consumer
	consumersByProducer map[domain.ProducerID]map[domain.ConsumerID]consumer.Consumer
	producerByConsumer  map[domain.ConsumerID]domain.ProducerID

	producerBySSRC map[uint32]*Producer
	consumerBySSRC map[uint32]consumer.Consumer
}

var _ ports.ConsumerRegistry = (*Router)(nil)

var _ ports.ProducerRegistry = (*Router)(nil)

var _ consumer.Listener = (*Router)(nil)

// NewRouter builds an empty router.
func NewRouter(sink PacketSink, notifier ports.Notifier, logger *zap.SugaredLogger) *Router {
	return &Router{
		logger:              logger.With("component", "router"),
		notifier:            notifier,
		sink:                sink,
		producers:           make(map[domain.ProducerID]*Producer),
		consumers:           make(map[domain.ConsumerID]consumer.Consumer),
		consumersByProducer: make(map[domain.ProducerID]map[domain.ConsumerID]consumer.Consumer),
		producerByConsumer:  make(map[domain.ConsumerID]domain.ProducerID),
		producerBySSRC:      make(map[uint32]*Producer),
		consumerBySSRC:      make(map[uint32]consumer.Consumer),
	}
}

// Produce registers a new producer.
func (r *Router) Produce(opts ProducerOptions) (*Producer, error) {
	if opts.ID == "" {
		opts.ID = domain.ProducerID(uuid.NewString())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.producers[opts.ID]; exists {
		return nil, fmt.Errorf("producer %q already exists", opts.ID)
	}

	p, err := newProducer(opts, r.logger)
	if err != nil {
		return nil, err
	}

	p.onScore = r.onProducerScore
	p.onNewStream = r.onProducerNewStream

	r.producers[p.id] = p
	r.consumersByProducer[p.id] = make(map[domain.ConsumerID]consumer.Consumer)
	for _, ssrc := range p.SSRCs() {
		r.producerBySSRC[ssrc] = p
	}

	r.logger.Infow("producer created", "producer_id", p.id, "kind", p.kind)
	return p, nil
}

// Consume registers a consumer bound to an existing producer. The new
// consumer inherits the producer's current stream, pause state and the
// transport state before this returns.
func (r *Router) Consume(producerID domain.ProducerID, opts consumer.Options) (consumer.Consumer, error) {
	if opts.ID == "" {
		opts.ID = domain.ConsumerID(uuid.NewString())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[producerID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProducerNotFound, producerID)
	}
	if _, exists := r.consumers[opts.ID]; exists {
		return nil, fmt.Errorf("consumer %q already exists", opts.ID)
	}

	c, err := consumer.NewSimpleConsumer(opts, r, r.notifier, r.logger)
	if err != nil {
		return nil, err
	}

	r.consumers[c.ID()] = c
	r.consumersByProducer[producerID][c.ID()] = c
	r.producerByConsumer[c.ID()] = producerID
	for _, ssrc := range c.MediaSSRCs() {
		r.consumerBySSRC[ssrc] = c
	}
	for _, ssrc := range c.RtxSSRCs() {
		r.consumerBySSRC[ssrc] = c
	}

	if s := p.firstStream(); s != nil {
		c.SetProducerRtpStream(s)
	}
	if p.IsPaused() {
		c.ProducerPaused()
	}
	if r.transportConnected {
		c.TransportConnected()
	}

	r.logger.Infow("consumer created",
		"consumer_id", c.ID(),
		"producer_id", producerID,
		"kind", c.Kind(),
	)
	return c, nil
}

// CloseProducer removes a producer and closes all its consumers. The
// fan-out is synchronous: when this returns every dependent consumer
// has been notified and removed.
func (r *Router) CloseProducer(id domain.ProducerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[id]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrProducerNotFound, id)
	}

	dependents := make([]consumer.Consumer, 0, len(r.consumersByProducer[id]))
	for _, c := range r.consumersByProducer[id] {
		dependents = append(dependents, c)
	}

	delete(r.producers, id)
	delete(r.consumersByProducer, id)
	for _, ssrc := range p.SSRCs() {
		delete(r.producerBySSRC, ssrc)
	}

	for _, c := range dependents {
		c.ProducerClosed()
	}

	r.logger.Infow("producer closed", "producer_id", id, "consumers_closed", len(dependents))
	return nil
}

// CloseConsumer removes a consumer from the registry.
func (r *Router) CloseConsumer(id domain.ConsumerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.consumers[id]; !ok {
		return fmt.Errorf("%w: %q", domain.ErrConsumerNotFound, id)
	}

	r.removeConsumerLocked(id)
	r.logger.Infow("consumer closed", "consumer_id", id)
	return nil
}

// removeConsumerLocked drops a consumer from every registry index.
// Call with the router lock held.
func (r *Router) removeConsumerLocked(id domain.ConsumerID) {
	c, ok := r.consumers[id]
	if !ok {
		return
	}

	delete(r.consumers, id)
	if producerID, ok := r.producerByConsumer[id]; ok {
		delete(r.producerByConsumer, id)
		if set, ok := r.consumersByProducer[producerID]; ok {
			delete(set, id)
		}
	}
	for _, ssrc := range c.MediaSSRCs() {
		delete(r.consumerBySSRC, ssrc)
	}
	for _, ssrc := range c.RtxSSRCs() {
		delete(r.consumerBySSRC, ssrc)
	}
}

// PauseProducer pauses ingest and fans the pause out to dependent
// consumers.
func (r *Router) PauseProducer(id domain.ProducerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[id]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrProducerNotFound, id)
	}

	p.Pause()
	for _, c := range r.consumersByProducer[id] {
		c.ProducerPaused()
	}
	return nil
}

// ResumeProducer resumes ingest and fans the resume out to dependent
// consumers.
func (r *Router) ResumeProducer(id domain.ProducerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[id]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrProducerNotFound, id)
	}

	p.Resume()
	for _, c := range r.consumersByProducer[id] {
		c.ProducerResumed()
	}
	return nil
}

// TransportConnected fans the transport-up transition out to every
// consumer.
func (r *Router) TransportConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transportConnected = true
	for _, c := range r.consumers {
		c.TransportConnected()
	}
}

// TransportDisconnected fans the transport-down transition out to
// every consumer.
func (r *Router) TransportDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transportConnected = false
	for _, c := range r.consumers {
		c.TransportDisconnected()
	}
}

// ReceiveRtpPacket admits an incoming packet into the producer's
// receive stream and forwards it to every dependent consumer. Each
// consumer rewrites its own copy, so the packet is cloned per
// consumer.
func (r *Router) ReceiveRtpPacket(producerID domain.ProducerID, packet *rtp.Packet, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[producerID]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrProducerNotFound, producerID)
	}

	if !p.ReceiveRtpPacket(packet, now) {
		return nil
	}

	for _, c := range r.consumersByProducer[producerID] {
		clone := packet.Clone()
		c.SendRtpPacket(clone, now)
	}
	return nil
}

// ReceiveRtcpSenderReport routes a sender report to the producer
// owning its SSRC.
func (r *Router) ReceiveRtcpSenderReport(sr *rtcp.SenderReport, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.producerBySSRC[sr.SSRC]; p != nil {
		p.ReceiveRtcpSenderReport(sr, now)
	}
}

// ReceiveNack routes transport-layer NACK feedback to the consumer
// owning the media SSRC.
func (r *Router) ReceiveNack(nack *rtcp.TransportLayerNack, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.consumerBySSRC[nack.MediaSSRC]; c != nil {
		c.ReceiveNack(nack, now)
	}
}

// ReceiveKeyFrameRequest routes a PLI or FIR from a consuming endpoint
// to the consumer owning the SSRC.
func (r *Router) ReceiveKeyFrameRequest(messageType stream.KeyFrameRequestType, ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.consumerBySSRC[ssrc]; c != nil {
		c.ReceiveKeyFrameRequest(messageType, ssrc)
	}
}

// ReceiveRtcpReceiverReport routes a reception report to the consumer
// owning the reported SSRC.
func (r *Router) ReceiveRtcpReceiverReport(report *rtcp.ReceptionReport, rtt time.Duration, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.consumerBySSRC[report.SSRC]; c != nil {
		c.ReceiveRtcpReceiverReport(report, rtt, now)
	}
}

// CollectRtcp gathers the due outgoing RTCP of every consumer.
func (r *Router) CollectRtcp(now time.Time) []rtcp.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()

	var packets []rtcp.Packet
	for _, c := range r.consumers {
		due, err := c.GetRtcp(c.RtpStream(), now)
		if err != nil {
			continue
		}
		packets = append(packets, due...)
	}
	return packets
}

// onProducerScore fans a producer stream score change out to the
// dependent consumers and notifies observers. Runs with the router
// lock held.
func (r *Router) onProducerScore(p *Producer, s *stream.RtpStream, score uint8, previousScore uint8) {
	for _, c := range r.consumersByProducer[p.id] {
		c.ProducerRtpStreamScore(score, previousScore)
	}

	r.notifier.Emit(string(p.id), "score", domain.SsrcInfo{SSRC: s.SSRC()})
}

// onProducerNewStream installs the new receive stream into the
// dependent consumers. Runs with the router lock held.
func (r *Router) onProducerNewStream(p *Producer, s *stream.RtpStreamRecv) {
	if p.firstStream() != s {
		return
	}

	for _, c := range r.consumersByProducer[p.id] {
		c.SetProducerRtpStream(s)
	}
}

// OnConsumerSendRtpPacket implements consumer.Listener.
func (r *Router) OnConsumerSendRtpPacket(c consumer.Consumer, packet *rtp.Packet) {
	r.sink.OnSendRtpPacket(c.ID(), packet)
}

// OnConsumerRetransmitRtpPacket implements consumer.Listener.
func (r *Router) OnConsumerRetransmitRtpPacket(c consumer.Consumer, packet *rtp.Packet) {
	r.sink.OnRetransmitRtpPacket(c.ID(), packet)
}

// OnConsumerKeyFrameRequested implements consumer.Listener: the
// request is accounted against the producer stream and forwarded
// upstream. Runs with the router lock held.
func (r *Router) OnConsumerKeyFrameRequested(c consumer.Consumer, mappedSsrc uint32) {
	producerID, ok := r.producerByConsumer[c.ID()]
	if !ok {
		return
	}
	p := r.producers[producerID]
	if p == nil {
		return
	}

	p.RequestKeyFrame(mappedSsrc)
	r.sink.OnKeyFrameNeeded(producerID, mappedSsrc)
}

// OnConsumerNeedBitrateChange implements consumer.Listener.
func (r *Router) OnConsumerNeedBitrateChange(c consumer.Consumer) {
	r.logger.Debugw("consumer needs bitrate change", "consumer_id", c.ID())
}

// OnConsumerProducerClosed implements consumer.Listener: the consumer
// is removed from the registry right away. Runs with the router lock
// held.
func (r *Router) OnConsumerProducerClosed(c consumer.Consumer) {
	r.removeConsumerLocked(c.ID())
}

// DumpConsumer implements ports.ConsumerRegistry.
func (r *Router) DumpConsumer(id domain.ConsumerID) (*domain.ConsumerDump, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrConsumerNotFound, id)
	}
	dump := c.Dump()
	return &dump, nil
}

// GetConsumerStats implements ports.ConsumerRegistry.
func (r *Router) GetConsumerStats(id domain.ConsumerID) ([]domain.RtpStreamStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrConsumerNotFound, id)
	}
	return c.GetStats(time.Now()), nil
}

// PauseConsumer implements ports.ConsumerRegistry.
func (r *Router) PauseConsumer(id domain.ConsumerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[id]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrConsumerNotFound, id)
	}
	c.Pause()
	return nil
}

// ResumeConsumer implements ports.ConsumerRegistry.
func (r *Router) ResumeConsumer(id domain.ConsumerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[id]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrConsumerNotFound, id)
	}
	c.Resume()
	return nil
}

// EnablePacketEvent implements ports.ConsumerRegistry.
func (r *Router) EnablePacketEvent(id domain.ConsumerID, types []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[id]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrConsumerNotFound, id)
	}
	c.EnablePacketEventTypes(types)
	return nil
}

// RequestKeyFrame implements ports.ConsumerRegistry.
func (r *Router) RequestKeyFrame(id domain.ConsumerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[id]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrConsumerNotFound, id)
	}
	c.RequestKeyFrame()
	return nil
}

// CreateProducer implements ports.ProducerRegistry. Producers declared
// without codecs get the default codec set for their kind.
func (r *Router) CreateProducer(kind domain.MediaKind, params domain.RtpParameters, paused bool) (domain.ProducerID, error) {
	if len(params.Codecs) == 0 {
		params.Codecs = domain.DefaultCodecs(kind)
	}

	p, err := r.Produce(ProducerOptions{
		Kind:          kind,
		RtpParameters: params,
		Paused:        paused,
	})
	if err != nil {
		return "", err
	}
	return p.ID(), nil
}

// CreateConsumer implements ports.ConsumerRegistry.
func (r *Router) CreateConsumer(producerID domain.ProducerID, kind domain.MediaKind, params domain.RtpParameters, encodings []domain.RtpEncodingParameters, paused bool) (domain.ConsumerID, error) {
	c, err := r.Consume(producerID, consumer.Options{
		Kind:                kind,
		RtpParameters:       params,
		ConsumableEncodings: encodings,
		Paused:              paused,
	})
	if err != nil {
		return "", err
	}
	return c.ID(), nil
}

// GetProducerStats implements ports.ProducerRegistry.
func (r *Router) GetProducerStats(id domain.ProducerID) ([]domain.RtpStreamStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProducerNotFound, id)
	}
	return p.GetStats(time.Now()), nil
}

// GetConsumer returns the consumer with the given id. The caller must
// not invoke methods on it concurrently with router operations.
func (r *Router) GetConsumer(id domain.ConsumerID) (consumer.Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrConsumerNotFound, id)
	}
	return c, nil
}

// GetProducer returns the producer with the given id. The caller must
// not invoke methods on it concurrently with router operations.
func (r *Router) GetProducer(id domain.ProducerID) (*Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProducerNotFound, id)
	}
	return p, nil
}
