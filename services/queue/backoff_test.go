package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Minute, Max: 30 * time.Minute}

	require.Equal(t, time.Minute, b.Delay(0))
	require.Equal(t, time.Minute, b.Delay(1))
	require.Equal(t, 2*time.Minute, b.Delay(2))
	require.Equal(t, 4*time.Minute, b.Delay(3))
	require.Equal(t, 16*time.Minute, b.Delay(5))
	require.Equal(t, 30*time.Minute, b.Delay(6))
	require.Equal(t, 30*time.Minute, b.Delay(500))
}

func TestBackoffMonotonic(t *testing.T) {
	b := Backoff{Base: 7 * time.Second, Max: 10 * time.Minute}

	prev := time.Duration(0)
	for attempt := 1; attempt < 100; attempt++ {
		d := b.Delay(attempt)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, b.Max)
		prev = d
	}
}
