package cockpit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	eventsdomain "github.com/getsafe360/cockpit/internal/module/events/domain"
)

// StatusSnapshot はRESTフォールバックが返す権威あるジョブ状態です
type StatusSnapshot struct {
	JobID        string
	Status       string
	Revision     int64
	ErrorMessage string
	ResultRef    string
}

// StatusFetcher はストリーム断絶時の再同期に使うRESTポートです
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) (*StatusSnapshot, error)
}

// cursor はエンティティごとの重複排除カーソルです
type cursor struct {
	revision int64
	hash     string
	// strict は再同期後のモード。revisionが厳密に大きいイベント以外を
	// すべて破棄する（再接続をまたぐ順序保証がないため）。
	strict bool
}

// Reconciler は順序保証のない重複しうるイベントストリームと
// RESTフォールバックを、冪等に単一のビューモデルへマージします。
// ストリーム配信とポーリング配信は同じApplyへ流れ込み、
// (revision, hash) の重複排除キーが両者の併用を安全にします。
type Reconciler struct {
	mu      sync.Mutex
	state   State
	cursors map[string]cursor // jobID -> cursor
	fetcher StatusFetcher
	logger  *slog.Logger
}

// NewReconciler は新しいReconcilerを作成します
func NewReconciler(fetcher StatusFetcher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cursors: make(map[string]cursor),
		fetcher: fetcher,
		logger:  logger,
	}
}

// Snapshot は現在のビューモデルのコピーを返します
func (r *Reconciler) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := r.state
	copied.Categories = append([]Category(nil), r.state.Categories...)
	copied.RepairLog = append([]string(nil), r.state.RepairLog...)
	if r.state.Savings != nil {
		savings := *r.state.Savings
		copied.Savings = &savings
	}
	return copied
}

// SetWorking は楽観的UI状態を設定します。サーバ状態には影響しません。
func (r *Reconciler) SetWorking(working bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Working = working
}

// Apply はイベントをビューモデルへマージします。
// 重複・陳腐化したイベントは破棄し、falseを返します。
func (r *Reconciler) Apply(event eventsdomain.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.cursors[event.JobID]

	if cur.strict && event.Revision <= cur.revision {
		// 再同期直後: RESTスナップショットより新しいものだけ通す
		return false
	}
	if event.Revision <= cur.revision && event.Hash == cur.hash {
		// 重複（同一revision+hash）
		return false
	}

	switch event.Type {
	case eventsdomain.TypeStatus:
		r.state.JobState = event.State
		if event.Message != "" {
			r.state.Message = event.Message
		}
		// サーバが状態を確定したら楽観フラグは降ろす
		r.state.Working = false
	case eventsdomain.TypeProgress:
		r.state.Progress = event.Progress
	case eventsdomain.TypeCategory:
		r.state.upsertCategory(event.Category, event.Issues)
	case eventsdomain.TypeSavings:
		if event.Savings != nil {
			savings := *event.Savings
			r.state.Savings = &savings
		}
	case eventsdomain.TypeRepair:
		line := event.Message
		if line == "" {
			line = event.State
		}
		r.state.RepairLog = append(r.state.RepairLog, line)
		if event.State != "" {
			r.state.JobState = event.State
		}
	case eventsdomain.TypeError:
		r.state.JobState = eventsdomain.StateError
		r.state.Message = event.Message
	default:
		r.logger.Debug("unknown event type ignored", "type", event.Type)
		return false
	}

	r.cursors[event.JobID] = cursor{revision: event.Revision, hash: event.Hash}
	return true
}

// Resync はRESTフォールバックから権威ある状態を取得し、
// カーソルを再設定します。イベントバスはリプレイを提供しないため、
// ストリーム断絶後は必ずこれを呼んでから購読を再開します。
func (r *Reconciler) Resync(ctx context.Context, jobID string) error {
	if r.fetcher == nil {
		return fmt.Errorf("no status fetcher configured")
	}

	snapshot, err := r.fetcher.FetchStatus(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.JobState = snapshot.Status
	if snapshot.ErrorMessage != "" {
		r.state.Message = snapshot.ErrorMessage
	}
	r.cursors[jobID] = cursor{revision: snapshot.Revision, strict: true}

	r.logger.Debug("reconciler resynced", "jobId", jobID, "revision", snapshot.Revision)
	return nil
}

// Run はストリームを消費し、チャネルが閉じるかctxが終わるまで
// イベントを適用し続けます。ストリーム喪失時はjobIDの再同期を試みます。
func (r *Reconciler) Run(ctx context.Context, stream <-chan eventsdomain.Event, jobID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-stream:
			if !ok {
				// 切断。RESTフォールバックで追いつく。
				if err := r.Resync(ctx, jobID); err != nil {
					return err
				}
				return nil
			}
			r.Apply(event)
		}
	}
}
