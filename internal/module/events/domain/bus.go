package domain

import (
	"github.com/google/uuid"
)

// Subscription はサイト単位のイベント購読を表します。
// プロセスローカルかつ揮発性で、切断とともに破棄されます。
type Subscription struct {
	ID     uuid.UUID
	SiteID string
	C      <-chan Event
}

// Bus はサイトIDをキーとするpub/subブローカーのポートです。
// 配信保証は「接続中のみ」のベストエフォートで、永続化や再送は行いません。
type Bus interface {
	// Subscribe はsiteIDのイベントストリームを開始します
	Subscribe(siteID string) (*Subscription, error)

	// Publish は接続中の全購読者へイベントを配信します。
	// 低速な購読者によってブロックされてはなりません。
	Publish(siteID string, event Event) error

	// Unsubscribe は購読を解除します。多重呼び出しは安全です。
	Unsubscribe(sub *Subscription)
}
