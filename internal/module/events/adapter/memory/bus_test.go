package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getsafe360/cockpit/internal/module/events/domain"
)

func TestPublishFanOut(t *testing.T) {
	bus := NewSiteEventBus()

	sub1, err := bus.Subscribe("site-1")
	require.NoError(t, err)
	sub2, err := bus.Subscribe("site-1")
	require.NoError(t, err)
	other, err := bus.Subscribe("site-2")
	require.NoError(t, err)

	event := domain.Event{Type: domain.TypeStatus, State: domain.StateRunning, SiteID: "site-1"}
	require.NoError(t, bus.Publish("site-1", event))

	assert.Equal(t, event, <-sub1.C)
	assert.Equal(t, event, <-sub2.C)

	// 別サイトの購読者には届かない
	select {
	case ev := <-other.C:
		t.Fatalf("unexpected event for site-2: %+v", ev)
	default:
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	bus := NewSiteEventBus()

	sub, err := bus.Subscribe("site-1")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish("site-1", domain.Event{
			Type:     domain.TypeProgress,
			SiteID:   "site-1",
			Revision: int64(i + 1),
		}))
	}

	for i := 0; i < 10; i++ {
		ev := <-sub.C
		assert.Equal(t, int64(i+1), ev.Revision)
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewSiteEventBus(WithBufferSize(4))

	sub, err := bus.Subscribe("site-1")
	require.NoError(t, err)

	// バッファ長を大きく超えて発行してもPublishは返ってくる
	for i := 0; i < 100; i++ {
		require.NoError(t, bus.Publish("site-1", domain.Event{
			Type:     domain.TypeProgress,
			SiteID:   "site-1",
			Revision: int64(i + 1),
		}))
	}

	// 最古が捨てられ、最新側のイベントが残っている
	received := make([]int64, 0, 4)
	for i := 0; i < 4; i++ {
		ev := <-sub.C
		received = append(received, ev.Revision)
	}
	assert.Equal(t, int64(100), received[len(received)-1])
	for i := 1; i < len(received); i++ {
		assert.Greater(t, received[i], received[i-1])
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewSiteEventBus()

	// 購読者ゼロへの発行はエラーにならない
	err := bus.Publish("site-1", domain.Event{Type: domain.TypeStatus, SiteID: "site-1"})
	assert.NoError(t, err)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewSiteEventBus()

	sub, err := bus.Subscribe("site-1")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount("site-1"))

	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount("site-1"))

	_, open := <-sub.C
	assert.False(t, open)

	// 多重解除とnil解除は安全
	bus.Unsubscribe(sub)
	bus.Unsubscribe(nil)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := NewSiteEventBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = bus.Publish(fmt.Sprintf("site-%d", i%5), domain.Event{
				Type:     domain.TypeProgress,
				Revision: int64(i),
			})
		}
	}()

	for i := 0; i < 20; i++ {
		sub, err := bus.Subscribe(fmt.Sprintf("site-%d", i%5))
		require.NoError(t, err)
		bus.Unsubscribe(sub)
	}
	<-done
}
