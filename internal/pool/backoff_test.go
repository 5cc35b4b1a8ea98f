package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffClampsBaseToMinimum(t *testing.T) {
	b := newBackoff(10*time.Millisecond, false)
	assert.Equal(t, MinRetryInterval, b.delay())
}

func TestBackoffJitterStaysWithinWindow(t *testing.T) {
	b := newBackoff(4*time.Second, false)
	for i := 0; i < 50; i++ {
		d := b.next()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
	// Without adjustment the curve never advances.
	assert.Equal(t, 4*time.Second, b.delay())
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := newBackoff(2*time.Second, true)

	expected := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	for _, want := range expected {
		assert.Equal(t, want*time.Second, b.delay())
		b.next()
	}
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff(2*time.Second, true)
	b.next()
	b.next()
	assert.Equal(t, 8*time.Second, b.delay())

	b.reset()
	assert.Equal(t, 2*time.Second, b.delay())
}
