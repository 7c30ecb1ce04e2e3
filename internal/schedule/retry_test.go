package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicy_FixedDelay(t *testing.T) {
	p := Policy{Mode: BackoffFixed, Delay: 2 * time.Minute}

	for retryCount := 0; retryCount < 3; retryCount++ {
		d := p.Decide(retryCount, 3)
		require.True(t, d.Retry, "retry %d of 3 should be allowed", retryCount)
		require.Equal(t, 2*time.Minute, d.Delay)
	}

	d := p.Decide(3, 3)
	require.False(t, d.Retry, "budget spent, policy must report exhausted")
}

func TestPolicy_ExponentialBackoff(t *testing.T) {
	p := Policy{Mode: BackoffExponential, Delay: time.Minute, MaxDelay: 5 * time.Minute}

	require.Equal(t, time.Minute, p.Decide(0, 10).Delay)
	require.Equal(t, 2*time.Minute, p.Decide(1, 10).Delay)
	require.Equal(t, 4*time.Minute, p.Decide(2, 10).Delay)
	require.Equal(t, 5*time.Minute, p.Decide(3, 10).Delay, "capped at MaxDelay")
	require.Equal(t, 5*time.Minute, p.Decide(8, 10).Delay)
}

func TestPolicy_ZeroBudgetNeverRetries(t *testing.T) {
	d := DefaultPolicy().Decide(0, 0)
	require.False(t, d.Retry)
}

func TestPolicy_ZeroDelayFallsBack(t *testing.T) {
	p := Policy{Mode: BackoffFixed}
	d := p.Decide(0, 1)
	require.True(t, d.Retry)
	require.Equal(t, 2*time.Minute, d.Delay)
}
