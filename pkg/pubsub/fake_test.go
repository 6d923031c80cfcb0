package pubsub_test

import (
	"context"
	"testing"
	"time"

	"github.com/qeo-project/realm-security/pkg/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeBusDeliversToSubscriber(t *testing.T) {
	bus := pubsub.NewFakeBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader, err := bus.Reader("topic1")
	require.NoError(t, err)

	received := make(chan any, 1)
	require.NoError(t, reader.Subscribe(ctx, func(sample any) { received <- sample }))

	pub, err := bus.Publisher("topic1")
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), "hello"))

	select {
	case v := <-received:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestFakeBusTopicsAreIsolated(t *testing.T) {
	bus := pubsub.NewFakeBus()
	ctx := context.Background()

	reader, err := bus.Reader("topicA")
	require.NoError(t, err)

	received := make(chan any, 1)
	require.NoError(t, reader.Subscribe(ctx, func(sample any) { received <- sample }))

	pubB, err := bus.Publisher("topicB")
	require.NoError(t, err)
	require.NoError(t, pubB.Publish(ctx, "irrelevant"))

	select {
	case <-received:
		t.Fatal("should not receive cross-topic samples")
	case <-time.After(50 * time.Millisecond):
	}
}
