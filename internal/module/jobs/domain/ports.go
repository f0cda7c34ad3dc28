package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository はジョブの永続化ポートです。Orchestratorのみが書き込みます。
type Repository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	Update(ctx context.Context, job *Job) error

	// FindActiveFix は同一サイト+イシューの非終端フィックスジョブを探します。
	// 見つからない場合は (nil, nil) を返します。
	FindActiveFix(ctx context.Context, siteID, issueID string) (*Job, error)

	ListBySite(ctx context.Context, siteID string) ([]*Job, error)

	// ListStalled は進捗がolderThanより古いrunning状態のジョブを返します
	ListStalled(ctx context.Context, olderThan time.Time) ([]*Job, error)
}

// ProgressFunc は実行中ジョブの進捗率（0〜100）を報告します
type ProgressFunc func(percent float64)

// CategoryFinding は解析が検出したカテゴリ別のイシュー群です
type CategoryFinding struct {
	Category string
	Issues   []IssueRef
}

// SavingsEstimate は修復による改善見込みのサマリです
type SavingsEstimate struct {
	ScoreBefore int
	ScoreAfter  int
	TimeSaved   string
	CostSaved   string
}

// AnalysisResult は解析完了時の成果物一式です
type AnalysisResult struct {
	ResultRef string
	Findings  []CategoryFinding
	Savings   *SavingsEstimate
}

// AnalysisRunner はサイト解析を実行する外部コラボレータのポートです
type AnalysisRunner interface {
	// Run は解析を実行し、結果参照とカテゴリ別の検出内容を返します
	Run(ctx context.Context, siteID string, progress ProgressFunc) (*AnalysisResult, error)
}

// RemediationResult は修復実行の結果です
type RemediationResult struct {
	ResultRef    string
	ActualTokens int64
}

// RemediationRunner はイシュー修復を実行する外部コラボレータのポートです
type RemediationRunner interface {
	Apply(ctx context.Context, siteID string, issues []IssueRef) (RemediationResult, error)
}

// TokenLedger はOrchestratorが利用するトークン台帳のポートです
type TokenLedger interface {
	Reserve(ctx context.Context, teamID uuid.UUID, amount int64) (reservationID uuid.UUID, err error)
	Commit(ctx context.Context, teamID, reservationID uuid.UUID, actualAmount int64) error
	Release(ctx context.Context, teamID, reservationID uuid.UUID) error
	Balance(ctx context.Context, teamID uuid.UUID) (available int64, err error)
}

// TokenEstimator は見積りを持たないイシューのトークン数を推定します
type TokenEstimator interface {
	Estimate(text string) int
}
