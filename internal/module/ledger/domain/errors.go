package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrAccountNotFound はトークンアカウントが存在しない場合のエラー
	ErrAccountNotFound = errors.New("token account not found")

	// ErrReservationNotFound は予約が存在しない場合のエラー
	ErrReservationNotFound = errors.New("token reservation not found")

	// ErrInvalidAmount は0以下の金額が指定された場合のエラー
	ErrInvalidAmount = errors.New("token amount must be positive")
)

// InsufficientTokensError は残高不足を表します。
// 想定内のビジネス結果であり、インフラ障害とは区別して扱います。
type InsufficientTokensError struct {
	TeamID uuid.UUID
	Have   int64
	Need   int64
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens for team %s: have %d, need %d", e.TeamID, e.Have, e.Need)
}

// IsInsufficientTokens はerrが残高不足エラーかどうかを判定します
func IsInsufficientTokens(err error) bool {
	var target *InsufficientTokensError
	return errors.As(err, &target)
}
