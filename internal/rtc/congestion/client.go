// Package congestion implements the per-transport congestion control
// client: it drives a pluggable bandwidth estimator from packet send
// metadata and RTCP feedback, emits hysteresis-filtered available
// bitrate events and generates probation padding when probing.
package congestion

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"relaycast/internal/core/domain"
)

const (
	defaultHysteresisFactor = 0.15
	defaultMinEventInterval = 2 * time.Second
	defaultProcessInterval  = 200 * time.Millisecond
)

// Listener is the transport-side sink of a congestion control client.
// Callbacks are invoked synchronously; listeners must not call back
// into the client from them.
type Listener interface {
	OnTccClientAvailableBitrate(client *Client, availableBitrate uint32, previousAvailableBitrate uint32)
	OnTccClientSendRtpPacket(client *Client, packet *rtp.Packet, pacingInfo PacedPacketInfo)
}

// Options configure a client.
type Options struct {
	BweType                 domain.BweType
	InitialAvailableBitrate uint32

	// HysteresisFactor is the fractional change of the available
	// bitrate that triggers an immediate event.
	HysteresisFactor float64
	// MinEventInterval is the shortest spacing between regular
	// available bitrate events.
	MinEventInterval time.Duration
	// ProcessInterval is the periodic estimator tick.
	ProcessInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.HysteresisFactor <= 0 {
		o.HysteresisFactor = defaultHysteresisFactor
	}
	if o.MinEventInterval <= 0 {
		o.MinEventInterval = defaultMinEventInterval
	}
	if o.ProcessInterval <= 0 {
		o.ProcessInterval = defaultProcessInterval
	}
}

// sendRateWindow tracks the outgoing media bitrate over a one second
// sliding window.
type sendRateWindow struct {
	bucketBytes [10]uint64
	bucketStart [10]int64
}

func (w *sendRateWindow) update(size int, now time.Time) {
	nowMs := now.UnixMilli()
	idx := (nowMs / 100) % 10
	start := nowMs - nowMs%100

	if w.bucketStart[idx] != start {
		w.bucketStart[idx] = start
		w.bucketBytes[idx] = 0
	}
	w.bucketBytes[idx] += uint64(size)
}

func (w *sendRateWindow) bitrate(now time.Time) uint32 {
	nowMs := now.UnixMilli()
	var total uint64
	for i := range w.bucketBytes {
		if nowMs-w.bucketStart[i] < 1000 {
			total += w.bucketBytes[i]
		}
	}
	return uint32(total * 8)
}

// Client is the transport-wide congestion control client. One per
// transport.
type Client struct {
	mu sync.Mutex

	listener Listener
	logger   *zap.SugaredLogger
	opts     Options

	estimator Estimator
	probation *ProbationGenerator

	desiredBitrateTrend *TrendCalculator
	desiredBitrate      uint32

	transportConnected bool

	initialAvailableBitrate uint32
	availableBitrate        uint32
	lastEmittedBitrate      uint32

	availableBitrateEventCalled bool
	lastAvailableBitrateEventAt time.Time

	pending  map[uint16]SentPacketInfo
	sendRate sendRateWindow

	stopTimer chan struct{}
	timerDone chan struct{}
}

// NewClient builds a congestion control client for a transport.
func NewClient(opts Options, listener Listener, logger *zap.SugaredLogger) *Client {
	opts.applyDefaults()

	c := &Client{
		listener:                listener,
		logger:                  logger.With("component", "tcc_client"),
		opts:                    opts,
		probation:               NewProbationGenerator(),
		desiredBitrateTrend:     NewTrendCalculator(0),
		initialAvailableBitrate: opts.InitialAvailableBitrate,
		availableBitrate:        opts.InitialAvailableBitrate,
		pending:                 make(map[uint16]SentPacketInfo),
	}
	c.estimator = NewEstimator(opts.BweType, opts.InitialAvailableBitrate, c.onTargetTransferRate)

	return c
}

// BweType returns the configured algorithm variant.
func (c *Client) BweType() domain.BweType {
	return c.estimator.Type()
}

// Start launches the periodic process timer. Close must be called
// before the owning transport is torn down.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopTimer != nil {
		return
	}
	c.stopTimer = make(chan struct{})
	c.timerDone = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.opts.ProcessInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				c.OnTimer(now)
			}
		}
	}(c.stopTimer, c.timerDone)
}

// Close stops the process timer. No callback fires after Close
// returns.
func (c *Client) Close() {
	c.mu.Lock()
	stop, done := c.stopTimer, c.timerDone
	c.stopTimer, c.timerDone = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// TransportConnected enables estimation and pacing.
func (c *Client) TransportConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transportConnected = true
	c.mayEmitAvailableBitrateEvent(c.availableBitrate, time.Now())
}

// TransportDisconnected gates estimation off. Estimator state is kept
// so reconnection resumes from the last known estimate.
func (c *Client) TransportDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transportConnected = false
}

// InsertPacket registers a packet about to be sent so later feedback
// can be correlated with its send-time metadata.
func (c *Client) InsertPacket(info SentPacketInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.transportConnected || !info.HasTransportWideSequence {
		return
	}
	c.pending[info.TransportWideSequenceNumber] = info
}

// GetPacingInfo returns the probe cluster budget for the next send
// opportunity.
func (c *Client) GetPacingInfo() PacedPacketInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.estimator.PacingInfo()
}

// PacketSent confirms actual transmission of a previously inserted
// packet.
func (c *Client) PacketSent(info SentPacketInfo, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.transportConnected {
		return
	}

	info.SendTime = now
	if info.HasTransportWideSequence {
		delete(c.pending, info.TransportWideSequenceNumber)
	}
	if !info.IsProbation {
		c.sendRate.update(info.Size, now)
	}
	c.estimator.OnPacketSent(info)
}

// ReceiveEstimatedBitrate feeds a remote (REMB) estimate.
func (c *Client) ReceiveEstimatedBitrate(bitrate uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.estimator.OnRemoteEstimate(bitrate, time.Now())
}

// ReceiveRtcpReceiverReport feeds a classic receiver report block.
func (c *Client) ReceiveRtcpReceiverReport(report *rtcp.ReceptionReport, rtt time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.estimator.OnReceiverReport(report.FractionLost, rtt, now)
}

// ReceiveRtcpTransportFeedback feeds a transport-wide feedback packet.
func (c *Client) ReceiveRtcpTransportFeedback(feedback *rtcp.TransportLayerCC) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.estimator.OnTransportFeedback(feedback, time.Now())
}

// SetDesiredBitrate hints the controller toward a target. The value
// is routed through the trend calculator so only a sustained change
// reconfigures the estimator.
func (c *Client) SetDesiredBitrate(desiredBitrate uint32, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if force {
		c.desiredBitrateTrend.ForceUpdate(desiredBitrate, now)
	} else {
		c.desiredBitrateTrend.Update(desiredBitrate, now)
	}
	c.desiredBitrate = desiredBitrate

	effective := c.desiredBitrateTrend.Value()
	if effective < c.initialAvailableBitrate {
		effective = c.initialAvailableBitrate
	}
	c.estimator.SetMaxBitrate(effective, force)
}

// GetAvailableBitrate returns the current available bitrate estimate.
func (c *Client) GetAvailableBitrate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.availableBitrate
}

// RescheduleNextAvailableBitrateEvent postpones the next regular
// event by a full interval.
func (c *Client) RescheduleNextAvailableBitrateEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastAvailableBitrateEventAt = time.Now()
}

// GetStats returns a stats snapshot.
func (c *Client) GetStats(now time.Time) domain.CongestionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return domain.CongestionStats{
		Timestamp:        now.UnixMilli(),
		BweType:          c.estimator.Type(),
		AvailableBitrate: c.availableBitrate,
		DesiredBitrate:   c.desiredBitrate,
		PacketsInFlight:  len(c.pending),
	}
}

// SendPacket forwards a paced packet to the transport listener.
func (c *Client) SendPacket(packet *rtp.Packet, pacingInfo PacedPacketInfo) {
	c.listener.OnTccClientSendRtpPacket(c, packet, pacingInfo)
}

// GeneratePadding synthesizes probation packets totalling roughly the
// requested size and sends them through the transport listener.
// Returns the number of bytes generated.
func (c *Client) GeneratePadding(size int) int {
	now := time.Now()

	c.mu.Lock()
	pacingInfo := c.estimator.PacingInfo()

	var packets []*rtp.Packet
	generated := 0
	for generated < size {
		chunk := size - generated
		if chunk > maxProbationSize {
			chunk = maxProbationSize
		}

		packet := c.probation.GetNextPacket(chunk, now)
		if packet == nil {
			break
		}

		generated += packet.MarshalSize()
		c.estimator.OnPacketSent(SentPacketInfo{
			SSRC:        ProbationSSRC,
			Size:        packet.MarshalSize(),
			IsProbation: true,
			SendTime:    now,
		})
		packets = append(packets, packet)
	}
	c.mu.Unlock()

	// The listener runs unlocked: the transport may call back into the
	// client from its send path.
	for _, packet := range packets {
		c.listener.OnTccClientSendRtpPacket(c, packet, pacingInfo)
	}
	return generated
}

// OnTimer ticks the controller's process loop: estimator smoothing
// windows advance and, while probing, padding fills the gap between
// the probe target and the actual media rate.
func (c *Client) OnTimer(now time.Time) {
	c.mu.Lock()

	if !c.transportConnected {
		c.mu.Unlock()
		return
	}

	c.estimator.Process(now)

	pacingInfo := c.estimator.PacingInfo()
	target := c.estimator.TargetBitrate()
	mediaRate := c.sendRate.bitrate(now)

	var paddingBytes int
	if pacingInfo.ProbeClusterID != ProbeClusterIDNone && mediaRate < target {
		gapBps := target - mediaRate
		paddingBytes = int(uint64(gapBps) / 8 * uint64(c.opts.ProcessInterval.Milliseconds()) / 1000)
	}

	c.mu.Unlock()

	if paddingBytes > 0 {
		c.GeneratePadding(paddingBytes)
	}
}

// onTargetTransferRate is invoked by the estimator whenever its
// target transfer rate changes. Runs with the client lock held.
func (c *Client) onTargetTransferRate(rate uint32) {
	previous := c.availableBitrate
	c.availableBitrate = rate
	c.mayEmitAvailableBitrateEvent(previous, time.Now())
}

// mayEmitAvailableBitrateEvent applies the hysteresis policy: the
// listener fires when the value deviates from the last emitted one by
// more than the hysteresis fraction (immediately on decrease), or
// when the minimum interval elapsed and the value changed.
func (c *Client) mayEmitAvailableBitrateEvent(previous uint32, now time.Time) {
	emit := false

	switch {
	case !c.availableBitrateEventCalled:
		emit = true
	case c.availableBitrate == c.lastEmittedBitrate:
		// No change since the last event.
	case now.Sub(c.lastAvailableBitrateEventAt) >= c.opts.MinEventInterval:
		emit = true
	default:
		var delta uint32
		if c.availableBitrate > c.lastEmittedBitrate {
			delta = c.availableBitrate - c.lastEmittedBitrate
		} else {
			delta = c.lastEmittedBitrate - c.availableBitrate
		}
		emit = float64(delta) > float64(c.lastEmittedBitrate)*c.opts.HysteresisFactor
	}

	if !emit {
		return
	}

	c.availableBitrateEventCalled = true
	c.lastAvailableBitrateEventAt = now
	c.lastEmittedBitrate = c.availableBitrate

	c.logger.Debugw("available bitrate event",
		"available_bitrate", c.availableBitrate,
		"previous", previous,
	)
	c.listener.OnTccClientAvailableBitrate(c, c.availableBitrate, previous)
}
