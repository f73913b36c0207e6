package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextBackoffGrowsAndCaps(t *testing.T) {
	max := 10 * time.Second
	cur := 1 * time.Second

	cur = NextBackoff(cur, max)
	require.Equal(t, 2*time.Second, cur)

	for i := 0; i < 10; i++ {
		cur = NextBackoff(cur, max)
	}
	require.Equal(t, max, cur)
}

func TestJitterStaysWithinBound(t *testing.T) {
	d := 1 * time.Second
	for i := 0; i < 50; i++ {
		j := Jitter(d)
		require.InDelta(t, float64(d), float64(j), float64(d)*jitterFraction+1)
	}
}
