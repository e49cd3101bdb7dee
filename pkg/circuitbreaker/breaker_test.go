package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	assert.True(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow(), "still closed below threshold")

	b.RecordFailure()
	assert.False(t, b.Allow())

	open, failures := b.State()
	assert.True(t, open)
	assert.Equal(t, 3, failures)
}

func TestBreakerClosesAfterCooldown(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure()
	assert.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow(), "cooldown elapsed")

	open, failures := b.State()
	assert.False(t, open)
	assert.Zero(t, failures)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := New(3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow(), "count restarts after a success")
}

func TestBreakerDefaults(t *testing.T) {
	b := New(0, 0)
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.True(t, b.Allow(), "default threshold is 5")
	b.RecordFailure()
	assert.False(t, b.Allow())
}
