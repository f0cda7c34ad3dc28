package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus は予約の状態を表します
type ReservationStatus string

const (
	// ReservationHeld は保持中（ジョブ実行中〜done）の予約
	ReservationHeld ReservationStatus = "held"
	// ReservationCommitted は確定済み（使用量へ計上済み）の予約
	ReservationCommitted ReservationStatus = "committed"
	// ReservationReleased は解放済み（課金なし）の予約
	ReservationReleased ReservationStatus = "released"
)

// Reservation はトークンの仮押さえを表します。
// ジョブ開始前に作成され、commitまたはreleaseで必ず解決されます。
type Reservation struct {
	ID         uuid.UUID
	TeamID     uuid.UUID
	Amount     int64
	Status     ReservationStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Resolved は予約が解決済み（committed/released）かどうかを返します
func (r *Reservation) Resolved() bool {
	return r.Status != ReservationHeld
}
