package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_DelayStaysInsideJitterBand(t *testing.T) {
	b := NewBackoff(time.Second, 2.0, time.Minute)

	for attempt := 0; attempt < 6; attempt++ {
		raw := float64(time.Second) * pow2(attempt)
		if raw > float64(time.Minute) {
			raw = float64(time.Minute)
		}
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			require.GreaterOrEqual(t, float64(d), raw*jitterMin, "attempt %d", attempt)
			require.LessOrEqual(t, float64(d), raw*jitterMax, "attempt %d", attempt)
		}
	}
}

func TestBackoff_CapBoundsLargeAttempts(t *testing.T) {
	b := NewBackoff(500*time.Millisecond, 2.0, 30*time.Second)

	for _, attempt := range []int{20, 100, 1000} {
		d := b.Delay(attempt)
		require.LessOrEqual(t, d, time.Duration(float64(30*time.Second)*jitterMax))
		require.GreaterOrEqual(t, d, time.Duration(float64(30*time.Second)*jitterMin))
	}
}

func TestBackoff_NegativeAttemptTreatedAsZero(t *testing.T) {
	b := NewBackoff(time.Second, 2.0, time.Minute)

	d := b.Delay(-5)
	require.GreaterOrEqual(t, float64(d), float64(time.Second)*jitterMin)
	require.LessOrEqual(t, float64(d), float64(time.Second)*jitterMax)
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}
