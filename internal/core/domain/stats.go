package domain

// RtpStreamStats is a stats snapshot of a single RTP stream.
type RtpStreamStats struct {
	Type                 string    `json:"type"`
	Timestamp            int64     `json:"timestamp"`
	SSRC                 uint32    `json:"ssrc"`
	RtxSSRC              uint32    `json:"rtxSsrc,omitempty"`
	Kind                 MediaKind `json:"kind"`
	MimeType             string    `json:"mimeType"`
	PacketCount          uint64    `json:"packetCount"`
	ByteCount            uint64    `json:"byteCount"`
	Bitrate              uint32    `json:"bitrate"`
	PacketsLost          uint64    `json:"packetsLost"`
	FractionLost         uint8     `json:"fractionLost"`
	PacketsDiscarded     uint64    `json:"packetsDiscarded"`
	PacketsRetransmitted uint64    `json:"packetsRetransmitted"`
	PacketsRepaired      uint64    `json:"packetsRepaired"`
	NackCount            uint64    `json:"nackCount"`
	NackPacketCount      uint64    `json:"nackPacketCount"`
	PliCount             uint64    `json:"pliCount"`
	FirCount             uint64    `json:"firCount"`
	Jitter               uint32    `json:"jitter,omitempty"`
	RoundTripTime        float64   `json:"roundTripTime,omitempty"`
	Score                uint8     `json:"score"`
}

// ConsumerDump is the full structural state of a consumer, returned by
// the dump control request.
type ConsumerDump struct {
	ID                         ConsumerID    `json:"id"`
	Kind                       MediaKind     `json:"kind"`
	Type                       ConsumerType  `json:"type"`
	RtpParameters              RtpParameters `json:"rtpParameters"`
	ConsumableEncodings        []RtpEncodingParameters `json:"consumableRtpEncodings"`
	SupportedCodecPayloadTypes []uint8       `json:"supportedCodecPayloadTypes"`
	Paused                     bool          `json:"paused"`
	ProducerPaused             bool          `json:"producerPaused"`
	PacketEventTypes           []string      `json:"packetEventTypes"`
}

// ConsumerScore pairs the consumer's own send-stream score with the
// score of the producer stream it draws from.
type ConsumerScore struct {
	Score         uint8 `json:"score"`
	ProducerScore uint8 `json:"producerScore"`
}

// CongestionStats is a stats snapshot of a transport's congestion
// control client.
type CongestionStats struct {
	Timestamp        int64   `json:"timestamp"`
	BweType          BweType `json:"bweType"`
	AvailableBitrate uint32  `json:"availableBitrate"`
	DesiredBitrate   uint32  `json:"desiredBitrate"`
	PacketsInFlight  int     `json:"packetsInFlight"`
}
