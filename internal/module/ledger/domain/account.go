package domain

import (
	"time"

	"github.com/google/uuid"
)

// 使用量アラートの閾値
const (
	UsageWarningThreshold  = 0.8
	UsageCriticalThreshold = 1.0
)

// TokenAccount はチームごとのトークン残高を表す集約です。
// カウンタの更新はすべてLedgerService経由で行われます。
type TokenAccount struct {
	TeamID               uuid.UUID
	TokensIncluded       int64 // 月次プラン付与分
	TokensPurchased      int64 // 買い切りパック分（失効しない）
	TokensUsedThisMonth  int64 // 当月の使用量
	TokensReserved       int64 // 実行中のフィックスジョブが保持する予約分
	NotifiedAt80Percent  bool
	NotifiedAt100Percent bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Available は予約分を差し引いた利用可能トークン数を返します
func (a *TokenAccount) Available() int64 {
	return a.TokensIncluded + a.TokensPurchased - a.TokensUsedThisMonth - a.TokensReserved
}

// UsagePercentage は付与トークンに対する使用率を返します（0〜1超）
func (a *TokenAccount) UsagePercentage() float64 {
	total := a.TokensIncluded + a.TokensPurchased
	if total <= 0 {
		return 0
	}
	return float64(a.TokensUsedThisMonth) / float64(total)
}

// NeedsAlert は未通知の使用量閾値を超えているかどうかを返します
func (a *TokenAccount) NeedsAlert() bool {
	pct := a.UsagePercentage()
	if pct >= UsageCriticalThreshold && !a.NotifiedAt100Percent {
		return true
	}
	if pct >= UsageWarningThreshold && !a.NotifiedAt80Percent {
		return true
	}
	return false
}

// TokenBalance は残高のスナップショットです
type TokenBalance struct {
	TeamID              uuid.UUID `json:"teamId"`
	TokensIncluded      int64     `json:"tokensIncluded"`
	TokensPurchased     int64     `json:"tokensPurchased"`
	TokensUsedThisMonth int64     `json:"tokensUsedThisMonth"`
	TokensReserved      int64     `json:"tokensReserved"`
	TokensAvailable     int64     `json:"tokensAvailable"`
	UsagePercentage     float64   `json:"usagePercentage"`
	NeedsAlert          bool      `json:"needsAlert"`
}

// Snapshot は現在の残高スナップショットを作成します
func (a *TokenAccount) Snapshot() *TokenBalance {
	return &TokenBalance{
		TeamID:              a.TeamID,
		TokensIncluded:      a.TokensIncluded,
		TokensPurchased:     a.TokensPurchased,
		TokensUsedThisMonth: a.TokensUsedThisMonth,
		TokensReserved:      a.TokensReserved,
		TokensAvailable:     a.Available(),
		UsagePercentage:     a.UsagePercentage(),
		NeedsAlert:          a.NeedsAlert(),
	}
}
