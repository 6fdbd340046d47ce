package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(8)

	var got []*Message
	b.Subscribe(TopicNormalized, func(ctx context.Context, msg *Message) error {
		got = append(got, msg)
		return nil
	})

	require.NoError(t, b.Publish(ctx, TopicNormalized, "BTCUSDT", []byte("one")))
	require.NoError(t, b.Publish(ctx, TopicNormalized, "BTCUSDT", []byte("two")))

	require.Len(t, got, 2)
	assert.Equal(t, "one", string(got[0].Payload))
	assert.Equal(t, "two", string(got[1].Payload))
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestMemoryBus_SubscriberErrorDoesNotStopDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(8)

	calls := 0
	b.Subscribe(TopicNormalized, func(ctx context.Context, msg *Message) error {
		return errors.New("sink down")
	})
	b.Subscribe(TopicNormalized, func(ctx context.Context, msg *Message) error {
		calls++
		return nil
	})

	require.NoError(t, b.Publish(ctx, TopicNormalized, "BTCUSDT", []byte("x")))
	assert.Equal(t, 1, calls)
}

func TestMemoryBus_ReplayWindow(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(3)

	for _, p := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Publish(ctx, TopicNormalized, "BTCUSDT", []byte(p)))
	}
	require.NoError(t, b.Publish(ctx, TopicNormalized, "ETHUSDT", []byte("other")))

	msgs := b.Replay(TopicNormalized, "BTCUSDT", 0)
	require.Len(t, msgs, 3, "ring bounded per partition")
	assert.Equal(t, "b", string(msgs[0].Payload))
	assert.Equal(t, "d", string(msgs[2].Payload))

	limited := b.Replay(TopicNormalized, "BTCUSDT", 1)
	require.Len(t, limited, 1)
	assert.Equal(t, "d", string(limited[0].Payload))

	assert.Len(t, b.Replay(TopicNormalized, "ETHUSDT", 0), 1)
	assert.Empty(t, b.Replay(TopicNormalized, "XRPUSDT", 0))
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryBus(8)
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), TopicNormalized, "BTCUSDT", []byte("x")))
}
