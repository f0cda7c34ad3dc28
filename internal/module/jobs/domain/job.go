package domain

import (
	"time"

	"github.com/google/uuid"
)

// Kind はジョブの種別です
type Kind string

const (
	KindScan Kind = "scan"
	KindFix  Kind = "fix"
)

// Status はジョブの状態です
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
	// フィックスジョブのみ: doneからの確定・取り消し
	StatusAccepted Status = "accepted"
	StatusCanceled Status = "canceled"
)

// 遷移表。scan/fix共通の骨格に、fixのみdoneから先の2状態を持ちます。
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusError},
	StatusRunning: {StatusDone, StatusError},
	StatusDone:    {StatusAccepted, StatusCanceled},
}

// CanTransition はfromからtoへの遷移が許可されているかを返します
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IssueRef はフィックスジョブが対象とするイシューの参照です
type IssueRef struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Severity  string `json:"severity,omitempty"`
	EstTokens int64  `json:"estTokens"`
}

// Job は1件の非同期作業（スキャンまたはフィックス）を表します。
// Orchestratorのみが作成・更新し、終了後も履歴として保持されます。
type Job struct {
	ID       uuid.UUID
	Kind     Kind
	TeamID   uuid.UUID
	SiteID   string
	Issues   []IssueRef
	Status   Status

	// フィックスジョブのみ。予約は {queued, running, done} の間だけ
	// 非ゼロで、終端状態では必ずゼロに戻ります。
	ReservedTokens int64
	ActualTokens   int64
	ReservationID  uuid.UUID

	// Revision は状態変化のたびに単調増加します
	Revision int64

	ResultRef    string
	ErrorMessage string

	LastProgressAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal はジョブが終端状態かどうかを返します。
// scanはdoneで終端、fixはdoneが暫定（accept/cancel待ち）です。
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusError, StatusAccepted, StatusCanceled:
		return true
	case StatusDone:
		return j.Kind == KindScan
	default:
		return false
	}
}

// Active は終端でない（まだ動きうる）状態かどうかを返します
func (j *Job) Active() bool {
	return !j.Terminal()
}

// TransitionTo は状態遷移を適用し、revisionを進めます
func (j *Job) TransitionTo(status Status, now time.Time) error {
	if !CanTransition(j.Status, status) {
		return &InvalidTransitionError{From: j.Status, To: status}
	}
	j.Status = status
	j.Revision++
	j.UpdatedAt = now
	return nil
}

// TouchProgress は進捗報告を記録し、ストール検出のタイマーをリセットします
func (j *Job) TouchProgress(now time.Time) {
	j.LastProgressAt = now
	j.Revision++
	j.UpdatedAt = now
}

// EstimatedTokens は対象イシューの見積り合計を返します
func EstimatedTokens(issues []IssueRef) int64 {
	var total int64
	for _, issue := range issues {
		total += issue.EstTokens
	}
	return total
}
