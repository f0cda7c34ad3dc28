package memory

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/getsafe360/cockpit/internal/module/events/domain"
)

// DefaultBufferSize は購読者ごとのチャネルバッファ長のデフォルト値
const DefaultBufferSize = 64

// SiteEventBus はプロセス内のサイト別pub/subブローカーです。
// 購読者ごとに有界バッファを持ち、溢れた場合は最古のイベントを
// 捨ててから送信します。Publishが低速な購読者で停止することはありません。
type SiteEventBus struct {
	mu         sync.RWMutex
	sites      map[string]map[uuid.UUID]chan domain.Event
	bufferSize int
	logger     *slog.Logger
}

// Option はSiteEventBusのオプションです
type Option func(*SiteEventBus)

// WithBufferSize は購読者ごとのバッファ長を設定します
func WithBufferSize(n int) Option {
	return func(b *SiteEventBus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger はロガーを設定します
func WithLogger(logger *slog.Logger) Option {
	return func(b *SiteEventBus) {
		b.logger = logger
	}
}

// NewSiteEventBus は新しいSiteEventBusを作成します
func NewSiteEventBus(opts ...Option) *SiteEventBus {
	bus := &SiteEventBus{
		sites:      make(map[string]map[uuid.UUID]chan domain.Event),
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

var _ domain.Bus = (*SiteEventBus)(nil)

// Subscribe はsiteIDのイベントストリームを開始します
func (b *SiteEventBus) Subscribe(siteID string) (*domain.Subscription, error) {
	ch := make(chan domain.Event, b.bufferSize)
	sub := &domain.Subscription{
		ID:     uuid.New(),
		SiteID: siteID,
		C:      ch,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sites[siteID] == nil {
		b.sites[siteID] = make(map[uuid.UUID]chan domain.Event)
	}
	b.sites[siteID][sub.ID] = ch

	return sub, nil
}

// Publish は接続中の全購読者へイベントを配信します
func (b *SiteEventBus) Publish(siteID string, event domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.sites[siteID] {
		select {
		case ch <- event:
		default:
			// バッファ満杯: 最古を捨てて再送。それでも入らなければ諦める。
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
				b.logger.Debug("event dropped for slow subscriber",
					"siteId", siteID, "subscriberId", subID, "type", event.Type)
			}
		}
	}
	return nil
}

// Unsubscribe は購読を解除します。多重呼び出しは安全です。
func (b *SiteEventBus) Unsubscribe(sub *domain.Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.sites[sub.SiteID]
	if !ok {
		return
	}
	ch, ok := subs[sub.ID]
	if !ok {
		return
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(b.sites, sub.SiteID)
	}
	close(ch)
}

// SubscriberCount はsiteIDの現在の購読者数を返します
func (b *SiteEventBus) SubscriberCount(siteID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sites[siteID])
}
