package domain

// PacketEventType is a diagnostic packet event category. Emission of
// each category is opt-in per consumer.
type PacketEventType string

const (
	PacketEventRtp  PacketEventType = "rtp"
	PacketEventNack PacketEventType = "nack"
	PacketEventPli  PacketEventType = "pli"
	PacketEventFir  PacketEventType = "fir"
)

// PacketEventDirection tells whether the event describes an incoming
// or outgoing packet.
type PacketEventDirection string

const (
	PacketEventIn  PacketEventDirection = "in"
	PacketEventOut PacketEventDirection = "out"
)

// PacketEventTypes is the set of enabled packet event categories.
type PacketEventTypes struct {
	Rtp  bool
	Nack bool
	Pli  bool
	Fir  bool
}

// RtpPacketInfo is the type-specific payload of an 'rtp' packet event.
type RtpPacketInfo struct {
	SSRC           uint32 `json:"ssrc"`
	PayloadType    uint8  `json:"payloadType"`
	SequenceNumber uint16 `json:"sequenceNumber"`
	Timestamp      uint32 `json:"timestamp"`
	Marker         bool   `json:"marker"`
	Size           int    `json:"size"`
	IsRtx          bool   `json:"isRtx,omitempty"`
}

// SsrcInfo is the type-specific payload of 'pli' and 'fir' events.
type SsrcInfo struct {
	SSRC uint32 `json:"ssrc"`
}

// PacketEvent is an ephemeral diagnostic record emitted to the
// notifier. It is never stored.
type PacketEvent struct {
	Type      PacketEventType      `json:"type"`
	Timestamp int64                `json:"timestamp"`
	Direction PacketEventDirection `json:"direction"`
	Info      interface{}          `json:"info"`
}
