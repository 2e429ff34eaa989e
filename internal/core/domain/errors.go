package domain

import "errors"

var (
	ErrInvalidRtpParameters = errors.New("invalid rtp parameters")
	ErrInvalidMediaKind     = errors.New("invalid media kind")
	ErrMissingSsrc          = errors.New("missing ssrc")
	ErrConsumerNotFound     = errors.New("consumer not found")
	ErrProducerNotFound     = errors.New("producer not found")
	ErrConsumerClosed       = errors.New("consumer closed")
	ErrStreamMismatch       = errors.New("rtp stream does not match")
	ErrUnknownMethod        = errors.New("unknown method")
)
