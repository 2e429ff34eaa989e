package domain

// MediaKind is the media type carried by a stream.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether the kind is one of the known media kinds.
func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// ConsumerType selects the forwarding strategy of a consumer. The set is
// closed: the type is chosen at construction time and never re-tagged.
type ConsumerType string

const (
	ConsumerTypeSimple    ConsumerType = "simple"
	ConsumerTypeSimulcast ConsumerType = "simulcast"
	ConsumerTypeSVC       ConsumerType = "svc"
)

// BweType selects the bandwidth estimation algorithm run by the
// congestion control client.
type BweType string

const (
	// BweTransportCC is the sender-side controller driven by
	// transport-wide congestion control feedback.
	BweTransportCC BweType = "transport-cc"
	// BweRemb relays receiver-side REMB estimates.
	BweRemb BweType = "remb"
)

// ConsumerID identifies a consumer within a router.
type ConsumerID string

// ProducerID identifies a producer within a router.
type ProducerID string
