package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversToSubscriber(t *testing.T) {
	b := NewMemory()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 1)
	go func() {
		_ = b.Subscribe(ctx, func(e Event) { got <- e })
	}()

	want := Event{Type: EventTypeAccount, Key: "alice"}
	// Subscription registration races with the first publish, so retry until
	// the event arrives.
	require.Eventually(t, func() bool {
		require.NoError(t, b.Publish(ctx, want))
		select {
		case e := <-got:
			assert.Equal(t, want, e)
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryBusSubscribeStopsOnCancel(t *testing.T) {
	b := NewMemory()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, func(Event) {})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after cancellation")
	}
}

func TestMemoryBusPublishWithoutSubscribers(t *testing.T) {
	b := NewMemory()
	assert.NoError(t, b.Publish(context.Background(), Event{Type: EventTypeAPIKey, Key: "k"}))
}
