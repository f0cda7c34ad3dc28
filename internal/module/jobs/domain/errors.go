package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound はジョブが存在しない場合のエラー
	ErrJobNotFound = errors.New("job not found")

	// ErrResultNotReady はジョブ完了前に結果を要求した場合のエラー
	ErrResultNotReady = errors.New("job result not ready")

	// ErrRevisionConflict は読み取り後に別の書き込みが先行した場合の
	// 楽観ロック競合エラー。呼び出し側は上書きせずに再読み取りします。
	ErrRevisionConflict = errors.New("job revision conflict")
)

// DuplicateJobError は同一サイト+イシューに対して実行中の
// フィックスジョブが既に存在する場合の想定内エラーです。
type DuplicateJobError struct {
	SiteID  string
	IssueID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("active fix job already exists for site %s issue %s", e.SiteID, e.IssueID)
}

// IsDuplicateJob はerrが重複ジョブエラーかどうかを判定します
func IsDuplicateJob(err error) bool {
	var target *DuplicateJobError
	return errors.As(err, &target)
}

// InvalidTransitionError は許可されていない状態遷移を表します
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job transition: %s -> %s", e.From, e.To)
}

// CollaboratorError は解析・修復ランナーからの失敗をラップします
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
