package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"relaycast/pkg/circuitbreaker"
	"relaycast/pkg/retry"
)

// envelope is the wire form published to the redis channel. The
// instance id lets subscribers on other nodes skip their own events.
type envelope struct {
	InstanceID string    `json:"instance_id"`
	TargetID   string    `json:"target_id"`
	Event      string    `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    []byte    `json:"payload,omitempty"`
}

// RedisSink publishes notifications to a redis pub/sub channel so
// observers on other nodes can follow this relay's media objects.
// Publishing is decoupled from the media path through a bounded
// buffer; when the buffer is full notifications are dropped. A circuit
// breaker around the publish keeps a dead redis from burning a retry
// cycle per notification.
type RedisSink struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	retryCfg   retry.Config
	breaker    *circuitbreaker.CircuitBreaker

	buffer chan Notification
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisSink(client *redis.Client, instanceID, channel string, logger *zap.SugaredLogger) *RedisSink {
	ctx, cancel := context.WithCancel(context.Background())

	s := &RedisSink{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger.With("component", "redis_sink"),
		retryCfg:   retry.DefaultConfig(),
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		buffer:     make(chan Notification, 256),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	s.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		s.logger.Warnw("redis publish circuit state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	go s.run(ctx)
	return s
}

func (s *RedisSink) Deliver(n Notification) {
	select {
	case s.buffer <- n:
	default:
		s.logger.Warnw("notification buffer full, dropping",
			"target_id", n.TargetID,
			"event", n.Event,
		)
	}
}

func (s *RedisSink) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.buffer:
			if err := s.publish(ctx, n); err != nil {
				s.logger.Warnw("failed to publish notification",
					"target_id", n.TargetID,
					"event", n.Event,
					"error", err,
				)
			}
		}
	}
}

func (s *RedisSink) publish(ctx context.Context, n Notification) error {
	var payload []byte
	if n.Data != nil {
		var err error
		payload, err = json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal notification data: %w", err)
		}
	}

	data, err := json.Marshal(envelope{
		InstanceID: s.instanceID,
		TargetID:   n.TargetID,
		Event:      n.Event,
		Timestamp:  n.Timestamp,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return s.breaker.Execute(func() error {
		return retry.Retry(ctx, s.retryCfg, func() error {
			return s.client.Publish(ctx, s.channel, data).Err()
		})
	})
}

// Close stops the publish loop. Buffered notifications are discarded.
func (s *RedisSink) Close() error {
	s.cancel()
	<-s.done
	return nil
}
