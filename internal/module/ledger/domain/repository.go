package domain

import (
	"context"

	"github.com/google/uuid"
)

// Repository はトークンアカウントと予約の永続化ポートです。
// プロセス内の直列化はLedgerServiceのチーム単位ミューテックス、
// プロセス間の直列化はGetAccountForUpdateの行ロックが担います。
type Repository interface {
	GetAccount(ctx context.Context, teamID uuid.UUID) (*TokenAccount, error)

	// GetAccountForUpdate は更新目的でアカウントを取得します。
	// トランザクション内ではコミットまで行ロックを保持します。
	GetAccountForUpdate(ctx context.Context, teamID uuid.UUID) (*TokenAccount, error)

	CreateAccount(ctx context.Context, account *TokenAccount) error
	UpdateAccount(ctx context.Context, account *TokenAccount) error

	CreateReservation(ctx context.Context, reservation *Reservation) error
	GetReservation(ctx context.Context, teamID, reservationID uuid.UUID) (*Reservation, error)
	UpdateReservation(ctx context.Context, reservation *Reservation) error
}
