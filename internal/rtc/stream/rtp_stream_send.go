package stream

import (
	"encoding/binary"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"relaycast/internal/core/domain"
)

// defaultRtt bounds the retransmission guard before the first RTT
// measurement arrives.
const defaultRtt = 100 * time.Millisecond

// SendListener receives score and retransmission callbacks from an
// outgoing stream.
type SendListener interface {
	Listener
	OnRtpStreamRetransmitRtpPacket(s *RtpStreamSend, packet *rtp.Packet)
}

type storedPacket struct {
	seq      uint16
	packet   *rtp.Packet
	storedAt time.Time
	resentAt time.Time
}

// RtpStreamSend is the outgoing specialization: it accounts packets
// being sent to a remote endpoint, buffers them for NACK
// retransmission and produces RTCP sender reports.
type RtpStreamSend struct {
	*RtpStream

	sendListener SendListener

	// Retransmission ring keyed by output sequence number, sized only
	// when NACK was negotiated.
	buffer []storedPacket

	rtxSeq uint16

	maxPacketTs uint32
	maxPacketAt time.Time

	// Payload octets sent, kept apart from the transmission counter:
	// the sender report octet count excludes headers and padding.
	payloadBytesSent uint64

	packetsAtLastReport uint64
	sentAtLastScore     uint64
	lostAtLastScore     uint64
}

// NewRtpStreamSend builds a send stream. bufferSize is the
// retransmission ring capacity; pass 0 to disable buffering.
func NewRtpStreamSend(params Params, listener SendListener, bufferSize int, logger *zap.SugaredLogger) (*RtpStreamSend, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s := &RtpStreamSend{
		RtpStream:    newRtpStream(params, listener, logger),
		sendListener: listener,
	}
	if bufferSize > 0 {
		s.buffer = make([]storedPacket, bufferSize)
	}

	return s, nil
}

// ReceivePacket admits a packet about to be sent into the stream's
// accounting. It returns false while the stream is paused; the caller
// must not forward the packet in that case.
func (s *RtpStreamSend) ReceivePacket(packet *rtp.Packet, now time.Time) bool {
	if s.paused {
		return false
	}

	s.transmission.Update(packet.MarshalSize(), now)
	s.payloadBytesSent += uint64(len(packet.Payload))

	s.maxPacketTs = packet.Timestamp
	s.maxPacketAt = now

	if len(s.buffer) > 0 {
		s.storePacket(packet, now)
	}

	return true
}

// storePacket keeps a copy of the packet for later NACK
// retransmission. Entries are evicted by ring position.
func (s *RtpStreamSend) storePacket(packet *rtp.Packet, now time.Time) {
	idx := int(packet.SequenceNumber) % len(s.buffer)
	s.buffer[idx] = storedPacket{
		seq:      packet.SequenceNumber,
		packet:   packet.Clone(),
		storedAt: now,
	}
}

// Pause freezes the stream. The retransmission ring is cleared so it
// cannot grow or serve stale packets while paused.
func (s *RtpStreamSend) Pause() {
	if s.paused {
		return
	}

	s.paused = true
	for i := range s.buffer {
		s.buffer[i] = storedPacket{}
	}
	s.resetScore(0, true)
}

// Resume unfreezes the stream.
func (s *RtpStreamSend) Resume() {
	s.paused = false
}

// ReceiveNack retransmits every requested sequence number still held
// in the ring through the listener. Misses are silently ignored: NACK
// loss is expected and non-fatal.
func (s *RtpStreamSend) ReceiveNack(nack *rtcp.TransportLayerNack, now time.Time) {
	if s.paused {
		return
	}

	s.nackCount++

	for _, pair := range nack.Nacks {
		for _, seq := range pair.PacketList() {
			s.nackPacketCount++
			s.retransmitPacket(seq, now)
		}
	}
}

func (s *RtpStreamSend) retransmitPacket(seq uint16, now time.Time) {
	if len(s.buffer) == 0 {
		return
	}

	entry := &s.buffer[int(seq)%len(s.buffer)]
	if entry.packet == nil || entry.seq != seq {
		s.logger.Debugw("nack miss, packet not in buffer", "seq", seq)
		return
	}

	// Do not resend the same packet more than once per round trip.
	guard := s.rtt
	if guard == 0 {
		guard = defaultRtt
	}
	if !entry.resentAt.IsZero() && now.Sub(entry.resentAt) < guard {
		return
	}
	entry.resentAt = now

	packet := entry.packet
	if s.HasRtx() {
		packet = s.rtxEncode(entry.packet)
	}

	s.packetsRetransmitted++
	s.sendListener.OnRtpStreamRetransmitRtpPacket(s, packet)
}

// rtxEncode wraps a media packet into the negotiated RTX stream: the
// original sequence number is prepended to the payload and ssrc,
// payload type and sequence number are replaced.
func (s *RtpStreamSend) rtxEncode(packet *rtp.Packet) *rtp.Packet {
	rtxPacket := packet.Clone()

	payload := make([]byte, 2+len(packet.Payload))
	binary.BigEndian.PutUint16(payload, packet.SequenceNumber)
	copy(payload[2:], packet.Payload)

	rtxPacket.Payload = payload
	rtxPacket.SSRC = s.params.RtxSSRC
	rtxPacket.PayloadType = s.params.RtxPayloadType
	rtxPacket.SequenceNumber = s.rtxSeq
	s.rtxSeq++

	return rtxPacket
}

// ReceiveKeyFrameRequest records an incoming PLI/FIR. The owning
// consumer is responsible for asking the producer side for an actual
// key frame.
func (s *RtpStreamSend) ReceiveKeyFrameRequest(messageType KeyFrameRequestType) {
	switch messageType {
	case KeyFrameRequestPli:
		s.pliCount++
	case KeyFrameRequestFir:
		s.firCount++
	}
}

// ReceiveRtcpReceiverReport ingests a reception report block for this
// stream and recomputes loss state, RTT and the health score.
func (s *RtpStreamSend) ReceiveRtcpReceiverReport(report *rtcp.ReceptionReport, rtt time.Duration, now time.Time) {
	s.fractionLost = report.FractionLost
	s.packetsLost = uint64(report.TotalLost)
	if rtt > 0 {
		s.rtt = rtt
	}
	s.jitter = report.Jitter

	s.updateScoreFromReport()
}

// updateScoreFromReport derives an instantaneous 0-10 score from the
// loss observed since the previous report: score decreases with
// sustained loss and recovers within a bounded number of report
// intervals once loss clears.
func (s *RtpStreamSend) updateScoreFromReport() {
	totalSent := s.transmission.Packets()
	sentDelta := totalSent - s.sentAtLastScore
	s.sentAtLastScore = totalSent

	var lostDelta uint64
	if s.packetsLost > s.lostAtLastScore {
		lostDelta = s.packetsLost - s.lostAtLastScore
	}
	s.lostAtLastScore = s.packetsLost

	if sentDelta == 0 {
		return
	}
	if lostDelta > sentDelta {
		lostDelta = sentDelta
	}

	deliveredRatio := float64(sentDelta-lostDelta) / float64(sentDelta)
	instant := uint8(deliveredRatio * deliveredRatio * deliveredRatio * deliveredRatio * 10)

	s.updateScore(instant)
}

// GetRtcpSenderReport returns a sender report, or nil when no packet
// was sent since the previous report.
func (s *RtpStreamSend) GetRtcpSenderReport(now time.Time) *rtcp.SenderReport {
	packets := s.transmission.Packets()
	if packets == s.packetsAtLastReport {
		return nil
	}
	s.packetsAtLastReport = packets

	// Extrapolate the RTP timestamp from the last sent packet.
	elapsed := now.Sub(s.maxPacketAt)
	rtpTs := s.maxPacketTs + uint32(elapsed.Seconds()*float64(s.params.ClockRate))

	return &rtcp.SenderReport{
		SSRC:        s.params.SSRC,
		NTPTime:     ntpTime(now),
		RTPTime:     rtpTs,
		PacketCount: uint32(packets),
		OctetCount:  uint32(s.payloadBytesSent),
	}
}

// GetRtcpSdesChunk returns the SDES chunk carrying this stream's
// CNAME.
func (s *RtpStreamSend) GetRtcpSdesChunk() rtcp.SourceDescriptionChunk {
	return rtcp.SourceDescriptionChunk{
		Source: s.params.SSRC,
		Items: []rtcp.SourceDescriptionItem{
			{Type: rtcp.SDESCNAME, Text: s.params.CNAME},
		},
	}
}

// GetStats returns a send-side stats snapshot.
func (s *RtpStreamSend) GetStats(now time.Time) domain.RtpStreamStats {
	return s.baseStats("outbound-rtp", now)
}

var ntpEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// ntpTime converts a wall clock time into the 64-bit NTP format used
// by RTCP sender reports.
func ntpTime(t time.Time) uint64 {
	d := t.Sub(ntpEpoch)
	sec := uint64(d / time.Second)
	frac := uint64(d%time.Second) << 32 / uint64(time.Second)
	return sec<<32 | frac
}
