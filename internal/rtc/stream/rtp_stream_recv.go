package stream

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"relaycast/internal/core/domain"
)

// RtpStreamRecv is the incoming specialization: it tracks the extended
// highest sequence number, expected-vs-received loss, interarrival
// jitter and produces RTCP receiver report blocks.
type RtpStreamRecv struct {
	*RtpStream

	started bool
	baseSeq uint32
	maxSeq  uint16
	cycles  uint32

	// Interarrival jitter state per RFC 3550 A.8.
	transit     int64
	jitterAccum float64

	expectedPrior uint64
	receivedPrior uint64

	lastSrNTP      uint32
	lastSrReceived time.Time
}

// NewRtpStreamRecv builds a receive stream for a producer-side SSRC.
func NewRtpStreamRecv(params Params, listener Listener, logger *zap.SugaredLogger) (*RtpStreamRecv, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	return &RtpStreamRecv{
		RtpStream: newRtpStream(params, listener, logger),
	}, nil
}

// ReceivePacket admits a received packet into the stream's
// accounting. Returns false while paused.
func (s *RtpStreamRecv) ReceivePacket(packet *rtp.Packet, now time.Time) bool {
	if s.paused {
		return false
	}

	if !s.started {
		s.started = true
		s.maxSeq = packet.SequenceNumber
		s.baseSeq = uint32(packet.SequenceNumber)
	} else {
		s.updateSeq(packet.SequenceNumber)
	}

	s.transmission.Update(packet.MarshalSize(), now)
	s.updateJitter(packet.Timestamp, now)

	return true
}

// updateSeq advances the extended highest sequence number, detecting
// 16-bit wraparound.
func (s *RtpStreamRecv) updateSeq(seq uint16) {
	delta := seq - s.maxSeq
	if delta < 1<<15 {
		if seq < s.maxSeq {
			s.cycles++
		}
		s.maxSeq = seq
	}
	// Packets half a range behind the highest are reordered or
	// duplicated; they only count toward the received total.
}

// updateJitter maintains the RFC 3550 interarrival jitter estimate.
func (s *RtpStreamRecv) updateJitter(rtpTs uint32, now time.Time) {
	arrival := int64(float64(now.UnixNano()) / float64(time.Second) * float64(s.params.ClockRate))
	transit := arrival - int64(rtpTs)

	if s.transit != 0 {
		d := transit - s.transit
		if d < 0 {
			d = -d
		}
		s.jitterAccum += (float64(d) - s.jitterAccum) / 16
		s.jitter = uint32(s.jitterAccum)
	}
	s.transit = transit
}

// Pause freezes the stream.
func (s *RtpStreamRecv) Pause() {
	if s.paused {
		return
	}
	s.paused = true
	s.resetScore(0, true)
}

// Resume unfreezes the stream.
func (s *RtpStreamRecv) Resume() {
	s.paused = false
}

// extendedHighest returns the extended highest received sequence
// number (cycles << 16 | max seq).
func (s *RtpStreamRecv) extendedHighest() uint32 {
	return s.cycles<<16 | uint32(s.maxSeq)
}

// expected returns the number of packets expected so far.
func (s *RtpStreamRecv) expected() uint64 {
	return uint64(s.extendedHighest()-s.baseSeq) + 1
}

// GetRtcpReceiverReport returns a reception report block for this
// stream, or nil if no packet has been received yet.
func (s *RtpStreamRecv) GetRtcpReceiverReport(now time.Time) *rtcp.ReceptionReport {
	if !s.started {
		return nil
	}

	expected := s.expected()
	received := s.transmission.Packets()

	// Cumulative lost. Clamped at zero: duplicates and
	// retransmissions can push received above expected.
	var totalLost uint32
	if expected > received {
		totalLost = uint32(expected - received)
	}
	s.packetsLost = uint64(totalLost)

	// Fraction lost since the previous report.
	expectedDelta := expected - s.expectedPrior
	receivedDelta := received - s.receivedPrior
	s.expectedPrior = expected
	s.receivedPrior = received

	var fraction uint8
	if expectedDelta > receivedDelta && expectedDelta > 0 {
		fraction = uint8((expectedDelta - receivedDelta) << 8 / expectedDelta)
	}
	s.fractionLost = fraction

	report := &rtcp.ReceptionReport{
		SSRC:               s.params.SSRC,
		FractionLost:       fraction,
		TotalLost:          totalLost,
		LastSequenceNumber: s.extendedHighest(),
		Jitter:             s.jitter,
		LastSenderReport:   s.lastSrNTP,
	}
	if !s.lastSrReceived.IsZero() {
		report.Delay = uint32(now.Sub(s.lastSrReceived).Seconds() * 65536)
	}

	s.updateScoreFromDeltas(expectedDelta, receivedDelta)

	return report
}

// ReceiveRtcpSenderReport records the middle 32 bits of the sender
// report NTP timestamp for later DLSR math.
func (s *RtpStreamRecv) ReceiveRtcpSenderReport(sr *rtcp.SenderReport, now time.Time) {
	s.lastSrNTP = uint32(sr.NTPTime >> 16)
	s.lastSrReceived = now
}

// RequestKeyFrame records an upstream key frame request on this
// stream using the strongest negotiated mechanism.
func (s *RtpStreamRecv) RequestKeyFrame() {
	switch {
	case s.params.UsePli:
		s.pliCount++
	case s.params.UseFir:
		s.firCount++
	}
}

// updateScoreFromDeltas derives an instantaneous score from loss in
// the report interval, discounted by the jitter trend.
func (s *RtpStreamRecv) updateScoreFromDeltas(expectedDelta, receivedDelta uint64) {
	if expectedDelta == 0 {
		return
	}

	lostDelta := uint64(0)
	if expectedDelta > receivedDelta {
		lostDelta = expectedDelta - receivedDelta
	}

	deliveredRatio := float64(expectedDelta-lostDelta) / float64(expectedDelta)
	instant := deliveredRatio * deliveredRatio * deliveredRatio * deliveredRatio * 10

	// Sustained jitter above 10% of the clock tick window degrades
	// the score further.
	jitterMs := float64(s.jitter) / float64(s.params.ClockRate) * 1000
	if jitterMs > 100 {
		instant *= 0.7
	} else if jitterMs > 50 {
		instant *= 0.9
	}

	s.updateScore(uint8(instant))
}

// GetStats returns a receive-side stats snapshot.
func (s *RtpStreamRecv) GetStats(now time.Time) domain.RtpStreamStats {
	return s.baseStats("inbound-rtp", now)
}
