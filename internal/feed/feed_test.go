package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestMemorySubscribeStartsWithResync(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Subscribe(ctx, MessagesTopic("c1"))
	require.NoError(t, err)
	assert.True(t, recv(t, ch).Resync)

	require.NoError(t, m.Publish(ctx, MessagesTopic("c1")))
	assert.False(t, recv(t, ch).Resync)

	m.Resync(MessagesTopic("c1"))
	assert.True(t, recv(t, ch).Resync)
}

func TestMemoryCoalescesAndIsolatesTopics(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Subscribe(ctx, ConversationTopic("a"))
	require.NoError(t, err)
	recv(t, ch)

	for i := 0; i < 5; i++ {
		m.Publish(ctx, ConversationTopic("a"))
	}
	m.Publish(ctx, ConversationTopic("b"))
	recv(t, ch)

	select {
	case <-ch:
		t.Fatal("expected coalesced notifications")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryUnsubscribeOnCancel(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.Subscribe(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Subscribers("t"))

	cancel()
	assert.Eventually(t, func() bool { return m.Subscribers("t") == 0 }, time.Second, 5*time.Millisecond)

	recv(t, ch) // initial resync still buffered
	_, ok := <-ch
	assert.False(t, ok)
}
