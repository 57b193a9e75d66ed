package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Throttle(t *testing.T) {
	rl := NewRateLimiter(4, 10)

	rl.Throttle()
	assert.InDelta(t, 2.0, rl.Limit(), 1e-9)

	for i := 0; i < 10; i++ {
		rl.Throttle()
	}
	assert.InDelta(t, minThrottledRPS, rl.Limit(), 1e-9)
}

func TestRateLimiter_UpdateLimits(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.UpdateLimits(50, 5)
	assert.InDelta(t, 50.0, rl.Limit(), 1e-9)
}

func TestRateLimiter_WaitHonorsContext(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	require.NoError(t, rl.Wait(context.Background())) // consumes the single token

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}
