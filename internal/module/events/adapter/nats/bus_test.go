package nats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/getsafe360/cockpit/internal/module/events/domain"
)

func TestSubscriptionDeliverAfterClose(t *testing.T) {
	sub := &subscription{ch: make(chan domain.Event, 2)}

	assert.True(t, sub.deliver(domain.Event{Revision: 1}))
	sub.close()

	// クローズ後の配信はパニックせずに破棄される
	assert.False(t, sub.deliver(domain.Event{Revision: 2}))

	ev, open := <-sub.ch
	assert.True(t, open)
	assert.Equal(t, int64(1), ev.Revision)
	_, open = <-sub.ch
	assert.False(t, open)
}

func TestSubscriptionDeliverDropsOnFullBuffer(t *testing.T) {
	sub := &subscription{ch: make(chan domain.Event, 1)}

	assert.True(t, sub.deliver(domain.Event{Revision: 1}))
	assert.False(t, sub.deliver(domain.Event{Revision: 2}))
}

func TestSubscriptionConcurrentDeliverAndClose(t *testing.T) {
	sub := &subscription{ch: make(chan domain.Event, 4)}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sub.deliver(domain.Event{Revision: int64(j)})
			}
		}()
	}
	sub.close()
	wg.Wait()

	// 多重クローズは安全
	sub.close()
}
