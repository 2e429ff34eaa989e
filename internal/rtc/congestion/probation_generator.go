package congestion

import (
	"time"

	"github.com/pion/rtp"
	"golang.org/x/time/rate"
)

const (
	// ProbationSSRC is the dedicated SSRC of synthesized probation
	// packets so receivers can identify and discard them.
	ProbationSSRC = uint32(1234)
	// ProbationPayloadType is a payload type outside every negotiated
	// codec set.
	ProbationPayloadType = uint8(127)

	// Probation generation is capped so a misbehaving estimator
	// cannot flood the transport with padding.
	maxProbationBytesPerSecond = 2_500_000 / 8 * 4 // 4x a 2.5 Mbps probe

	minProbationSize = 12                    // RTP header only
	maxProbationSize = minProbationSize + 255 // bounded by the padding length octet
)

// ProbationGenerator synthesizes padding-only RTP packets used to
// probe for spare bandwidth when real media is below the probe
// target.
type ProbationGenerator struct {
	limiter *rate.Limiter

	sequenceNumber uint16
	timestamp      uint32
}

// NewProbationGenerator returns a generator with the default budget.
func NewProbationGenerator() *ProbationGenerator {
	return &ProbationGenerator{
		limiter: rate.NewLimiter(rate.Limit(maxProbationBytesPerSecond), maxProbationBytesPerSecond/10),
	}
}

// GetNextPacket returns a probation packet close to the requested
// size, or nil when the probation budget for this instant is already
// spent.
func (g *ProbationGenerator) GetNextPacket(size int, now time.Time) *rtp.Packet {
	if size < minProbationSize {
		size = minProbationSize
	}
	if size > maxProbationSize {
		size = maxProbationSize
	}

	if !g.limiter.AllowN(now, size) {
		return nil
	}

	g.sequenceNumber++
	// Advance the timestamp as a 90 kHz clock would.
	g.timestamp += 90 * 20

	padding := size - minProbationSize
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Padding:        padding > 0,
			PayloadType:    ProbationPayloadType,
			SequenceNumber: g.sequenceNumber,
			Timestamp:      g.timestamp,
			SSRC:           ProbationSSRC,
		},
		PaddingSize: byte(padding),
	}

	return packet
}
