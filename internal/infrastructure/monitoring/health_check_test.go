package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAllHealthy(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("congestion", func(ctx context.Context) (bool, error) {
		return true, nil
	}, time.Minute, time.Second)

	status := h.CheckAll(context.Background())

	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["congestion"])
	assert.False(t, status.Timestamp.IsZero())
}

func TestCheckAllReportsFailures(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		return false, errors.New("connection refused")
	}, time.Minute, time.Second)
	h.AddCheck("congestion", func(ctx context.Context) (bool, error) {
		return false, nil
	}, time.Minute, time.Second)
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		return true, nil
	}, time.Minute, time.Second)

	status := h.CheckAll(context.Background())

	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "connection refused", status.Checks["redis"])
	assert.Equal(t, "check failed", status.Checks["congestion"])
	assert.Equal(t, "healthy", status.Checks["readiness"])
}

func TestAddCheckReplacesByName(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		return false, errors.New("old check")
	}, time.Minute, time.Second)
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		return true, nil
	}, time.Minute, time.Second)

	status := h.CheckAll(context.Background())

	require.Len(t, status.Checks, 1)
	assert.Equal(t, "healthy", status.Status)
}

func TestCheckTimeoutPropagates(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Second):
			return true, nil
		}
	}, time.Minute, 10*time.Millisecond)

	status := h.CheckAll(context.Background())

	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestStartBackgroundChecksRunsUntilCancel(t *testing.T) {
	h := NewHealthChecker()
	runs := make(chan struct{}, 16)
	h.AddCheck("ticker", func(ctx context.Context) (bool, error) {
		runs <- struct{}{}
		return true, nil
	}, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	h.StartBackgroundChecks(ctx)

	select {
	case <-runs:
	case <-time.After(time.Second):
		t.Fatal("background check never ran")
	}
	cancel()
}

func TestIsReady(t *testing.T) {
	h := NewHealthChecker()
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		return false, errors.New("down")
	}, time.Minute, time.Second)
	assert.False(t, h.IsReady(context.Background()))
}
