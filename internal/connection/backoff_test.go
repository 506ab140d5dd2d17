package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffBase(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Base(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, time.Second, b.Base(0))
}

func TestBackoffDelayBounds(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)

	for _, r := range []float64{0, 0.5, 0.999} {
		b.random = func() float64 { return r }
		for attempt := 1; attempt <= 10; attempt++ {
			base := b.Base(attempt)
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, base+base/5)
		}
	}
}

func TestBackoffMonotonic(t *testing.T) {
	b := NewBackoff(500*time.Millisecond, 10*time.Second)
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		cur := b.Base(attempt)
		assert.GreaterOrEqual(t, cur, prev)
		assert.LessOrEqual(t, cur, 10*time.Second)
		prev = cur
	}
}
