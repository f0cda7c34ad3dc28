package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/getsafe360/cockpit/internal/module/events/domain"
)

const subjectPrefix = "cockpit.site."

// Bus はNATSをバックエンドとするイベントバス実装です。
// 複数プロセスで同じサイトの購読者へ配信する場合に
// インメモリ実装と差し替えて使います。
type Bus struct {
	nc         *nats.Conn
	bufferSize int
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]*subscription
}

type subscription struct {
	natsSub *nats.Subscription

	mu     sync.Mutex
	ch     chan domain.Event
	closed bool
}

// deliver はチャネルへの配信を試みます。バッファ満杯なら捨てます。
// クローズ後の配信はNATSハンドラが実行中でも安全に破棄されます。
func (s *subscription) deliver(event domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// close はチャネルを閉じます。多重クローズは安全です。
func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Option はBusのオプションです
type Option func(*Bus)

// WithBufferSize は購読者ごとのバッファ長を設定します
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger はロガーを設定します
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New はNATSサーバへ接続し、新しいBusを作成します
func New(url string, opts ...Option) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("cockpit-events"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus := &Bus{
		nc:         nc,
		bufferSize: 64,
		logger:     slog.Default(),
		subs:       make(map[uuid.UUID]*subscription),
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus, nil
}

var _ domain.Bus = (*Bus)(nil)

// Subscribe はsiteIDのイベントストリームを開始します
func (b *Bus) Subscribe(siteID string) (*domain.Subscription, error) {
	sub := &subscription{ch: make(chan domain.Event, b.bufferSize)}
	id := uuid.New()

	natsSub, err := b.nc.Subscribe(subjectPrefix+siteID, func(msg *nats.Msg) {
		var event domain.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("failed to decode event", "siteId", siteID, "error", err)
			return
		}
		if !sub.deliver(event) {
			b.logger.Debug("event dropped", "siteId", siteID, "subscriberId", id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to site events: %w", err)
	}
	sub.natsSub = natsSub

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return &domain.Subscription{ID: id, SiteID: siteID, C: sub.ch}, nil
}

// Publish はサイトのサブジェクトへイベントを発行します
func (b *Bus) Publish(siteID string, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.nc.Publish(subjectPrefix+siteID, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Unsubscribe は購読を解除します。多重呼び出しは安全です。
func (b *Bus) Unsubscribe(sub *domain.Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	entry, ok := b.subs[sub.ID]
	if ok {
		delete(b.subs, sub.ID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := entry.natsSub.Unsubscribe(); err != nil {
		b.logger.Warn("failed to unsubscribe", "subscriberId", sub.ID, "error", err)
	}
	// Unsubscribe後もNATSのハンドラが実行中のことがある。
	// deliverとcloseが排他するので、送信先のクローズと競合しない。
	entry.close()
}

// Close は全購読を解除し、NATS接続を閉じます
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uuid.UUID]*subscription)
	b.mu.Unlock()

	for _, entry := range subs {
		_ = entry.natsSub.Unsubscribe()
		entry.close()
	}
	b.nc.Close()
}
