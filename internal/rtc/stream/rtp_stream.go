// Package stream implements the per-SSRC RTP delivery state machines:
// a shared base tracking counters, loss, jitter and a 0-10 health
// score, with send and receive specializations.
package stream

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"relaycast/internal/core/domain"
)

// KeyFrameRequestType distinguishes PLI from FIR key frame requests.
type KeyFrameRequestType uint8

const (
	KeyFrameRequestPli KeyFrameRequestType = iota
	KeyFrameRequestFir
)

const scoreHistorySize = 8

// Params are the validated construction parameters of an RTP stream.
type Params struct {
	SSRC           uint32
	PayloadType    uint8
	MimeType       string
	Kind           domain.MediaKind
	ClockRate      uint32
	CNAME          string
	UseNack        bool
	UsePli         bool
	UseFir         bool
	UseInBandFec   bool
	UseDtx         bool
	RtxPayloadType uint8
	RtxSSRC        uint32
}

// Validate fails construction for parameters that cannot form a
// working stream.
func (p Params) Validate() error {
	if p.SSRC == 0 {
		return domain.ErrMissingSsrc
	}
	if p.ClockRate == 0 {
		return fmt.Errorf("%w: zero clock rate", domain.ErrInvalidRtpParameters)
	}
	if p.RtxPayloadType != 0 && p.RtxSSRC == 0 {
		return fmt.Errorf("%w: rtx declared without ssrc", domain.ErrInvalidRtpParameters)
	}
	return nil
}

// Listener receives score change notifications from a stream.
type Listener interface {
	OnRtpStreamScore(s *RtpStream, score uint8, previousScore uint8)
}

// RtpStream is the shared delivery state of a single SSRC.
type RtpStream struct {
	logger   *zap.SugaredLogger
	params   Params
	listener Listener

	paused bool

	transmission rateCounter

	packetsLost          uint64
	fractionLost         uint8
	packetsDiscarded     uint64
	packetsRetransmitted uint64
	packetsRepaired      uint64
	nackCount            uint64
	nackPacketCount      uint64
	pliCount             uint64
	firCount             uint64

	rtt    time.Duration
	jitter uint32

	score   uint8
	history []uint8
}

func newRtpStream(params Params, listener Listener, logger *zap.SugaredLogger) *RtpStream {
	return &RtpStream{
		logger:   logger.With("ssrc", params.SSRC),
		params:   params,
		listener: listener,
	}
}

func (s *RtpStream) SSRC() uint32 { return s.params.SSRC }

func (s *RtpStream) PayloadType() uint8 { return s.params.PayloadType }

func (s *RtpStream) MimeType() string { return s.params.MimeType }

func (s *RtpStream) ClockRate() uint32 { return s.params.ClockRate }

func (s *RtpStream) CNAME() string { return s.params.CNAME }

func (s *RtpStream) Kind() domain.MediaKind { return s.params.Kind }

func (s *RtpStream) HasRtx() bool { return s.params.RtxSSRC != 0 }

func (s *RtpStream) RtxSSRC() uint32 { return s.params.RtxSSRC }

func (s *RtpStream) IsPaused() bool { return s.paused }

func (s *RtpStream) GetFractionLost() uint8 { return s.fractionLost }

func (s *RtpStream) GetRtt() time.Duration { return s.rtt }

func (s *RtpStream) GetScore() uint8 { return s.score }

// GetBitrate returns the stream bitrate in bits per second over the
// sliding window ending at now.
func (s *RtpStream) GetBitrate(now time.Time) uint32 {
	return s.transmission.Bitrate(now)
}

// updateScore pushes a new instantaneous score into the bounded
// history and recomputes the composite score as a weighted average
// where recent entries weigh more. Notifies the listener on change.
func (s *RtpStream) updateScore(score uint8) {
	if len(s.history) == scoreHistorySize {
		copy(s.history, s.history[1:])
		s.history = s.history[:scoreHistorySize-1]
	}
	s.history = append(s.history, score)

	var sum, weights int
	for i, v := range s.history {
		w := i + 1
		sum += int(v) * w
		weights += w
	}

	previous := s.score
	s.score = uint8((sum + weights/2) / weights)

	if s.score != previous && s.listener != nil {
		s.listener.OnRtpStreamScore(s, s.score, previous)
	}
}

// resetScore clears the score history, e.g. after a long pause.
func (s *RtpStream) resetScore(score uint8, notify bool) {
	previous := s.score
	s.history = s.history[:0]
	s.score = score

	if notify && s.score != previous && s.listener != nil {
		s.listener.OnRtpStreamScore(s, s.score, previous)
	}
}

func (s *RtpStream) baseStats(kind string, now time.Time) domain.RtpStreamStats {
	return domain.RtpStreamStats{
		Type:                 kind,
		Timestamp:            now.UnixMilli(),
		SSRC:                 s.params.SSRC,
		RtxSSRC:              s.params.RtxSSRC,
		Kind:                 s.params.Kind,
		MimeType:             s.params.MimeType,
		PacketCount:          s.transmission.Packets(),
		ByteCount:            s.transmission.Bytes(),
		Bitrate:              s.transmission.Bitrate(now),
		PacketsLost:          s.packetsLost,
		FractionLost:         s.fractionLost,
		PacketsDiscarded:     s.packetsDiscarded,
		PacketsRetransmitted: s.packetsRetransmitted,
		PacketsRepaired:      s.packetsRepaired,
		NackCount:            s.nackCount,
		NackPacketCount:      s.nackPacketCount,
		PliCount:             s.pliCount,
		FirCount:             s.firCount,
		Jitter:               s.jitter,
		RoundTripTime:        s.rtt.Seconds() * 1000,
		Score:                s.score,
	}
}
