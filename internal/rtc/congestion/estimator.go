package congestion

import (
	"time"

	"github.com/pion/rtcp"

	"relaycast/internal/core/domain"
)

// ProbeClusterIDNone marks pacing info that is not part of a probe
// cluster.
const ProbeClusterIDNone = -1

// SentPacketInfo registers a packet with the estimator before and
// after transmission.
type SentPacketInfo struct {
	SSRC                        uint32
	SequenceNumber              uint16
	TransportWideSequenceNumber uint16
	HasTransportWideSequence    bool
	Size                        int
	IsProbation                 bool
	SendTime                    time.Time
}

// PacedPacketInfo describes the probe cluster a paced send belongs
// to.
type PacedPacketInfo struct {
	ProbeClusterID int
	SendBitrate    uint32
	MinProbes      int
	MinBytes       int
}

// Estimator is the pluggable bandwidth estimation strategy driven by
// the congestion control client. Implementations must monotonically
// react to increasing loss/delay by decreasing the target and probe
// upward when stable.
type Estimator interface {
	Type() domain.BweType
	OnPacketSent(info SentPacketInfo)
	OnTransportFeedback(feedback *rtcp.TransportLayerCC, now time.Time)
	OnReceiverReport(fractionLost uint8, rtt time.Duration, now time.Time)
	OnRemoteEstimate(bitrate uint32, now time.Time)
	SetMaxBitrate(bitrate uint32, force bool)
	Process(now time.Time)
	TargetBitrate() uint32
	PacingInfo() PacedPacketInfo
}

// NewEstimator builds the estimator for the given algorithm variant.
// onTarget is invoked whenever the target transfer rate changes.
func NewEstimator(bweType domain.BweType, initialBitrate uint32, onTarget func(uint32)) Estimator {
	switch bweType {
	case domain.BweRemb:
		return newRembEstimator(initialBitrate, onTarget)
	default:
		return newDelayEstimator(initialBitrate, onTarget)
	}
}

// rembEstimator relays receiver-side REMB estimates.
type rembEstimator struct {
	onTarget func(uint32)

	initial uint32
	target  uint32
	max     uint32
}

func newRembEstimator(initialBitrate uint32, onTarget func(uint32)) *rembEstimator {
	return &rembEstimator{
		onTarget: onTarget,
		initial:  initialBitrate,
		target:   initialBitrate,
	}
}

func (e *rembEstimator) Type() domain.BweType { return domain.BweRemb }

func (e *rembEstimator) OnPacketSent(SentPacketInfo) {}

func (e *rembEstimator) OnTransportFeedback(*rtcp.TransportLayerCC, time.Time) {}

func (e *rembEstimator) OnReceiverReport(uint8, time.Duration, time.Time) {}

func (e *rembEstimator) OnRemoteEstimate(bitrate uint32, _ time.Time) {
	if e.max > 0 && bitrate > e.max {
		bitrate = e.max
	}
	if bitrate == e.target {
		return
	}
	e.target = bitrate
	e.onTarget(bitrate)
}

func (e *rembEstimator) SetMaxBitrate(bitrate uint32, force bool) {
	e.max = bitrate
	if force && bitrate > 0 && e.target > bitrate {
		e.target = bitrate
		e.onTarget(e.target)
	}
}

func (e *rembEstimator) Process(time.Time) {}

func (e *rembEstimator) TargetBitrate() uint32 { return e.target }

func (e *rembEstimator) PacingInfo() PacedPacketInfo {
	return PacedPacketInfo{ProbeClusterID: ProbeClusterIDNone, SendBitrate: e.target}
}

// bandwidthUsage is the delay-based detector state.
type bandwidthUsage int

const (
	bwNormal bandwidthUsage = iota
	bwUnderusing
	bwOverusing
)

const (
	overuseThresholdMs  = 10.0
	underuseThresholdMs = -5.0

	decreaseFactor     = 0.85
	lossDecreaseFactor = 0.5
	increaseFactor     = 1.05
	increaseFloorBps   = 8_000

	increaseInterval = time.Second
	probeInterval    = 5 * time.Second

	highLossThreshold = 0.10
	lowLossThreshold  = 0.02

	maxInFlightAge = 2 * time.Second
)

type sentRecord struct {
	sendTime time.Time
	size     int
}

// delayEstimator is the sender-side controller: it correlates
// per-packet send records with transport-wide feedback, detects
// overuse from the delay gradient and reacts to loss, probing upward
// while stable. It is a replaceable strategy, not a bit-exact goog-cc
// port.
type delayEstimator struct {
	onTarget func(uint32)

	initial uint32
	min     uint32
	max     uint32
	target  uint32

	inFlight map[uint16]sentRecord

	lastSendTime    time.Time
	lastArrival     time.Duration
	haveLastArrival bool

	delayAccum float64
	state      bandwidthUsage

	lastIncreaseAt time.Time
	lastFeedbackAt time.Time

	probeClusterID int
	probing        bool
}

func newDelayEstimator(initialBitrate uint32, onTarget func(uint32)) *delayEstimator {
	return &delayEstimator{
		onTarget: onTarget,
		initial:  initialBitrate,
		min:      30_000,
		target:   initialBitrate,
		inFlight: make(map[uint16]sentRecord),
	}
}

func (e *delayEstimator) Type() domain.BweType { return domain.BweTransportCC }

func (e *delayEstimator) OnPacketSent(info SentPacketInfo) {
	if !info.HasTransportWideSequence {
		return
	}
	e.inFlight[info.TransportWideSequenceNumber] = sentRecord{
		sendTime: info.SendTime,
		size:     info.Size,
	}
}

// OnTransportFeedback walks the receive deltas of a transport-wide
// feedback packet, updates the delay gradient detector and applies the
// rate decision. Deltas are paired with consecutive sequence numbers
// from the base; packets never registered are skipped.
func (e *delayEstimator) OnTransportFeedback(feedback *rtcp.TransportLayerCC, now time.Time) {
	e.lastFeedbackAt = now

	arrival := time.Duration(feedback.ReferenceTime) * 64 * time.Millisecond
	seq := feedback.BaseSequenceNumber
	received := 0

	var lastSend time.Time
	var lastArrival time.Duration
	havePrev := false

	for _, delta := range feedback.RecvDeltas {
		arrival += time.Duration(delta.Delta) * time.Microsecond

		record, ok := e.inFlight[seq]
		seq++
		if !ok {
			continue
		}
		delete(e.inFlight, seq-1)
		received++

		if havePrev {
			sendDelta := record.sendTime.Sub(lastSend)
			arrivalDelta := arrival - lastArrival
			gradientMs := (arrivalDelta - sendDelta).Seconds() * 1000
			e.delayAccum = e.delayAccum*0.9 + gradientMs*0.1
		}
		lastSend = record.sendTime
		lastArrival = arrival
		havePrev = true
	}

	switch {
	case e.delayAccum > overuseThresholdMs:
		e.state = bwOverusing
	case e.delayAccum < underuseThresholdMs:
		e.state = bwUnderusing
	default:
		e.state = bwNormal
	}

	var lossRatio float64
	if count := int(feedback.PacketStatusCount); count > 0 && received < count {
		lossRatio = float64(count-received) / float64(count)
	}

	e.applyRateDecision(lossRatio, now)
	e.dropStaleInFlight(now)
}

func (e *delayEstimator) OnReceiverReport(fractionLost uint8, rtt time.Duration, now time.Time) {
	e.lastFeedbackAt = now
	e.applyRateDecision(float64(fractionLost)/256, now)
}

func (e *delayEstimator) OnRemoteEstimate(bitrate uint32, now time.Time) {
	// A remote estimate acts as an upper bound on the sender-side
	// decision.
	if bitrate > 0 && e.target > bitrate {
		e.setTarget(bitrate)
	}
}

// applyRateDecision fuses the delay detector state and the observed
// loss ratio into one target adjustment.
func (e *delayEstimator) applyRateDecision(lossRatio float64, now time.Time) {
	target := e.target

	switch {
	case e.state == bwOverusing:
		target = uint32(float64(target) * decreaseFactor)
		e.probing = false
	case lossRatio > highLossThreshold:
		target = uint32(float64(target) * (1 - lossDecreaseFactor*lossRatio))
		e.probing = false
	case lossRatio < lowLossThreshold && e.state == bwNormal:
		if now.Sub(e.lastIncreaseAt) >= increaseInterval {
			increased := uint32(float64(target) * increaseFactor)
			if increased < target+increaseFloorBps {
				increased = target + increaseFloorBps
			}
			target = increased
			e.lastIncreaseAt = now
			e.probing = true
			e.probeClusterID++
		}
	}

	e.setTarget(target)
}

func (e *delayEstimator) setTarget(target uint32) {
	if target < e.min {
		target = e.min
	}
	if e.max > 0 && target > e.max {
		target = e.max
	}
	if target == e.target {
		return
	}
	e.target = target
	e.onTarget(target)
}

func (e *delayEstimator) dropStaleInFlight(now time.Time) {
	for seq, record := range e.inFlight {
		if now.Sub(record.sendTime) > maxInFlightAge {
			delete(e.inFlight, seq)
		}
	}
}

func (e *delayEstimator) SetMaxBitrate(bitrate uint32, force bool) {
	e.max = bitrate
	if force && bitrate > 0 && e.target > bitrate {
		e.setTarget(bitrate)
	}
}

// Process advances smoothing state on the periodic tick, even with no
// new packets or feedback.
func (e *delayEstimator) Process(now time.Time) {
	// Without feedback the gradient detector goes stale; bleed the
	// accumulated delay back toward zero so a recovered network is
	// not held at the last overuse verdict.
	if !e.lastFeedbackAt.IsZero() && now.Sub(e.lastFeedbackAt) > probeInterval {
		e.delayAccum *= 0.5
		if e.delayAccum < overuseThresholdMs {
			e.state = bwNormal
		}
	}
	e.dropStaleInFlight(now)
}

func (e *delayEstimator) TargetBitrate() uint32 { return e.target }

func (e *delayEstimator) PacingInfo() PacedPacketInfo {
	if !e.probing {
		return PacedPacketInfo{ProbeClusterID: ProbeClusterIDNone, SendBitrate: e.target}
	}
	return PacedPacketInfo{
		ProbeClusterID: e.probeClusterID,
		SendBitrate:    e.target,
		MinProbes:      5,
		MinBytes:       1000,
	}
}
