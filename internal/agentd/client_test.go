// ABOUTME: Tests for the reconnect delay series
// ABOUTME: Exponential growth within jitter bounds, capped at the ceiling

package agentd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackOff_SeriesShape(t *testing.T) {
	base := 2 * time.Second
	cap := 2 * time.Minute
	b := NewBackOff(base, cap)

	// Expected centers double each step: 2s, 4s, 8s, ... capped at 2m.
	// Jitter keeps each delay within ±25% of its center.
	center := base
	for i := 0; i < 10; i++ {
		d := b.NextBackOff()
		require.NotEqual(t, time.Duration(-1), d, "series must never stop")

		lo := time.Duration(float64(center) * 0.75)
		hi := time.Duration(float64(center) * 1.25)
		assert.GreaterOrEqual(t, d, lo, "step %d", i)
		assert.LessOrEqual(t, d, hi, "step %d", i)

		center *= 2
		if center > cap {
			center = cap
		}
	}
}

func TestNewBackOff_ResetRestartsSeries(t *testing.T) {
	b := NewBackOff(time.Second, time.Minute)
	for i := 0; i < 5; i++ {
		b.NextBackOff()
	}
	b.Reset()

	d := b.NextBackOff()
	assert.GreaterOrEqual(t, d, 750*time.Millisecond)
	assert.LessOrEqual(t, d, 1250*time.Millisecond)
}
