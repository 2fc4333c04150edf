package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOutOfStockIsAlwaysMax(t *testing.T) {
	for _, reorder := range []int{0, 1, 10, 1000} {
		for _, since := range []time.Duration{0, time.Hour, 25 * time.Hour, 30 * 24 * time.Hour} {
			require.Equal(t, Max, Compute(0, reorder, since))
		}
	}
}

func TestBaseBands(t *testing.T) {
	require.Equal(t, 9, Compute(3, 5, 0), "at or below reorder point")
	require.Equal(t, 9, Compute(5, 5, 0))
	require.Equal(t, 7, Compute(8, 5, 0), "within twice the reorder point")
	require.Equal(t, 7, Compute(10, 5, 0))
	require.Equal(t, 5, Compute(11, 5, 0), "healthy stock")
}

func TestStalenessBoost(t *testing.T) {
	require.Equal(t, 5, Compute(100, 5, 6*time.Hour), "boost starts strictly past 6h")
	require.Equal(t, 6, Compute(100, 5, 7*time.Hour))
	require.Equal(t, 7, Compute(100, 5, 25*time.Hour))
}

func TestMonotoneInStalenessAndSaturating(t *testing.T) {
	stalenesses := []time.Duration{0, time.Hour, 7 * time.Hour, 12 * time.Hour, 25 * time.Hour, 100 * time.Hour}
	for _, stock := range []int{0, 2, 5, 8, 50} {
		prev := -1
		for _, since := range stalenesses {
			p := Compute(stock, 5, since)
			require.GreaterOrEqual(t, p, prev, "priority must not decrease as staleness grows")
			require.LessOrEqual(t, p, Max)
			prev = p
		}
	}

	// 9 and 10 bases saturate rather than exceed 10.
	require.Equal(t, Max, Compute(5, 5, 48*time.Hour))
	require.Equal(t, Max, Compute(0, 5, 48*time.Hour))
}

func TestStockTransitionToZero(t *testing.T) {
	before := Compute(5, 10, time.Hour)
	require.NotEqual(t, Max, before)
	require.Equal(t, Max, Compute(0, 10, time.Hour), "recompute on write must surface the new stockout")
}
