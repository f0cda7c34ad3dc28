package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/getsafe360/cockpit/internal/module/ledger/domain"
)

// Repository はテストおよび開発モード向けのインメモリ実装です
type Repository struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]domain.TokenAccount
	reservations map[uuid.UUID]domain.Reservation
}

// NewRepository は新しいインメモリリポジトリを作成します
func NewRepository() *Repository {
	return &Repository{
		accounts:     make(map[uuid.UUID]domain.TokenAccount),
		reservations: make(map[uuid.UUID]domain.Reservation),
	}
}

var _ domain.Repository = (*Repository)(nil)

func (r *Repository) GetAccount(_ context.Context, teamID uuid.UUID) (*domain.TokenAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[teamID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	// 呼び出し側の変更が共有状態へ漏れないようコピーを返す
	copied := account
	return &copied, nil
}

// GetAccountForUpdate はGetAccountと同じです。プロセス内の直列化は
// LedgerServiceのチーム単位ミューテックスが担います。
func (r *Repository) GetAccountForUpdate(ctx context.Context, teamID uuid.UUID) (*domain.TokenAccount, error) {
	return r.GetAccount(ctx, teamID)
}

func (r *Repository) CreateAccount(_ context.Context, account *domain.TokenAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.accounts[account.TeamID] = *account
	return nil
}

func (r *Repository) UpdateAccount(_ context.Context, account *domain.TokenAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[account.TeamID]; !ok {
		return domain.ErrAccountNotFound
	}
	r.accounts[account.TeamID] = *account
	return nil
}

func (r *Repository) CreateReservation(_ context.Context, reservation *domain.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reservations[reservation.ID] = *reservation
	return nil
}

func (r *Repository) GetReservation(_ context.Context, teamID, reservationID uuid.UUID) (*domain.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reservation, ok := r.reservations[reservationID]
	if !ok || reservation.TeamID != teamID {
		return nil, domain.ErrReservationNotFound
	}
	copied := reservation
	return &copied, nil
}

func (r *Repository) UpdateReservation(_ context.Context, reservation *domain.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reservations[reservation.ID]; !ok {
		return domain.ErrReservationNotFound
	}
	r.reservations[reservation.ID] = *reservation
	return nil
}
