package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddCongestionCheck adds a health check over the congestion controller.
// A zero available bitrate after startup means the estimator starved.
func (h *HealthChecker) AddCongestionCheck(availableBitrate func() uint32, interval, timeout time.Duration) {
	h.AddCheck("congestion", func(ctx context.Context) (bool, error) {
		if availableBitrate() == 0 {
			return false, errors.New("available bitrate is zero")
		}
		return true, nil
	}, interval, timeout)
}

// AddReadinessCheck creates a readiness check that verifies all dependencies
func (h *HealthChecker) AddReadinessCheck(
	redisClient *redis.Client,
	interval, timeout time.Duration,
) {
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		// Check Redis
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return false, err
			}
		}

		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}

