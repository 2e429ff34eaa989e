package ports

import (
	"relaycast/internal/core/domain"
)

// Notifier is the sink for engine notifications (score changes,
// producer lifecycle, diagnostic packet events). Payloads are fixed
// structured records keyed by entity id.
type Notifier interface {
	Emit(targetID string, event string, data interface{})
}

// ConsumerRegistry is the control-plane view of the consumers owned by
// a router. The HTTP control API is implemented against it.
type ConsumerRegistry interface {
	CreateConsumer(producerID domain.ProducerID, kind domain.MediaKind, params domain.RtpParameters, encodings []domain.RtpEncodingParameters, paused bool) (domain.ConsumerID, error)
	DumpConsumer(id domain.ConsumerID) (*domain.ConsumerDump, error)
	GetConsumerStats(id domain.ConsumerID) ([]domain.RtpStreamStats, error)
	PauseConsumer(id domain.ConsumerID) error
	ResumeConsumer(id domain.ConsumerID) error
	EnablePacketEvent(id domain.ConsumerID, types []string) error
	RequestKeyFrame(id domain.ConsumerID) error
}

// ProducerRegistry is the control-plane view of the producers owned by
// a router.
type ProducerRegistry interface {
	CreateProducer(kind domain.MediaKind, params domain.RtpParameters, paused bool) (domain.ProducerID, error)
	GetProducerStats(id domain.ProducerID) ([]domain.RtpStreamStats, error)
	PauseProducer(id domain.ProducerID) error
	ResumeProducer(id domain.ProducerID) error
	CloseProducer(id domain.ProducerID) error
}
