package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Type はイベントの種別です
type Type string

const (
	TypeStatus   Type = "status"
	TypeProgress Type = "progress"
	TypeCategory Type = "category"
	TypeRepair   Type = "repair"
	TypeSavings  Type = "savings"
	TypeError    Type = "error"
)

// 状態イベントで使われる状態値。ジョブの状態に加えて
// 修復フロー固有の値を持ちます。
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateDone      = "done"
	StateError     = "error"
	StateAccepted  = "accepted"
	StateCanceled  = "canceled"
	StateRepairing = "repairing"
	StateRepaired  = "repaired"
)

// CategoryIssue はカテゴリイベントに含まれる個別イシューです
type CategoryIssue struct {
	ID        string `json:"id"`
	Severity  string `json:"severity,omitempty"`
	Title     string `json:"title,omitempty"`
	EstTokens int64  `json:"estTokens,omitempty"`
}

// Savings は修復による改善サマリです
type Savings struct {
	ScoreBefore int    `json:"score_before"`
	ScoreAfter  int    `json:"score_after"`
	TimeSaved   string `json:"time_saved,omitempty"`
	CostSaved   string `json:"cost_saved,omitempty"`
	TokensUsed  int64  `json:"tokens_used,omitempty"`
}

// Event はサイト単位で配信される状態変化通知です。
// 発行後は不変で、同一エンティティのより大きなrevisionを持つ
// イベントによってのみ置き換えられます。
type Event struct {
	Type      Type            `json:"type"`
	State     string          `json:"state,omitempty"`
	SiteID    string          `json:"siteId"`
	JobID     string          `json:"jobId,omitempty"`
	Revision  int64           `json:"revision"`
	Hash      string          `json:"hash,omitempty"`
	Category  string          `json:"category,omitempty"`
	Progress  float64         `json:"progress,omitempty"`
	Issues    []CategoryIssue `json:"issues,omitempty"`
	Savings   *Savings        `json:"savings,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
}

// hashPayload はハッシュ対象となるペイロード部分です。
// revision/hash/timestampは含めません。
type hashPayload struct {
	Type     Type            `json:"type"`
	State    string          `json:"state,omitempty"`
	JobID    string          `json:"jobId,omitempty"`
	Category string          `json:"category,omitempty"`
	Progress float64         `json:"progress,omitempty"`
	Issues   []CategoryIssue `json:"issues,omitempty"`
	Savings  *Savings        `json:"savings,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// ComputeHash はペイロードの内容フィンガープリントを計算します。
// (revision, hash) の組がリコンサイラの重複排除キーになります。
func (e Event) ComputeHash() string {
	payload := hashPayload{
		Type:     e.Type,
		State:    e.State,
		JobID:    e.JobID,
		Category: e.Category,
		Progress: e.Progress,
		Issues:   e.Issues,
		Savings:  e.Savings,
		Message:  e.Message,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// 構造体のみのmarshalは失敗しない
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Fingerprint はHashとTimestampを設定したコピーを返します
func (e Event) Fingerprint(now time.Time) Event {
	e.Hash = e.ComputeHash()
	e.Timestamp = now.UTC()
	return e
}
