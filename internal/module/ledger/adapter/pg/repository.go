package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/getsafe360/cockpit/internal/module/ledger/domain"
)

// DBTX はプールとトランザクションの両方で利用できる最小インターフェースです
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository はトークン台帳のPostgreSQL永続化アダプターです
type Repository struct {
	db DBTX
}

// NewRepository は新しいRepositoryを作成します
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

var _ domain.Repository = (*Repository)(nil)

const accountQuery = `
	SELECT team_id, tokens_included, tokens_purchased, tokens_used_this_month,
	       tokens_reserved, notified_at_80_percent, notified_at_100_percent,
	       created_at, updated_at
	FROM token_accounts
	WHERE team_id = $1`

func (r *Repository) GetAccount(ctx context.Context, teamID uuid.UUID) (*domain.TokenAccount, error) {
	return r.queryAccount(ctx, teamID, accountQuery)
}

// GetAccountForUpdate はチーム行のロックを取得します。
// Transact内で呼ぶことで、別プロセスのReserve/Commit/Releaseと直列化されます。
func (r *Repository) GetAccountForUpdate(ctx context.Context, teamID uuid.UUID) (*domain.TokenAccount, error) {
	return r.queryAccount(ctx, teamID, accountQuery+` FOR UPDATE`)
}

func (r *Repository) queryAccount(ctx context.Context, teamID uuid.UUID, query string) (*domain.TokenAccount, error) {
	var account domain.TokenAccount
	err := r.db.QueryRow(ctx, query, teamID).Scan(
		&account.TeamID,
		&account.TokensIncluded,
		&account.TokensPurchased,
		&account.TokensUsedThisMonth,
		&account.TokensReserved,
		&account.NotifiedAt80Percent,
		&account.NotifiedAt100Percent,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get token account: %w", err)
	}

	return &account, nil
}

func (r *Repository) CreateAccount(ctx context.Context, account *domain.TokenAccount) error {
	const query = `
		INSERT INTO token_accounts (
			team_id, tokens_included, tokens_purchased, tokens_used_this_month,
			tokens_reserved, notified_at_80_percent, notified_at_100_percent,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		account.TeamID,
		account.TokensIncluded,
		account.TokensPurchased,
		account.TokensUsedThisMonth,
		account.TokensReserved,
		account.NotifiedAt80Percent,
		account.NotifiedAt100Percent,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create token account: %w", err)
	}
	return nil
}

func (r *Repository) UpdateAccount(ctx context.Context, account *domain.TokenAccount) error {
	const query = `
		UPDATE token_accounts
		SET tokens_included = $2,
		    tokens_purchased = $3,
		    tokens_used_this_month = $4,
		    tokens_reserved = $5,
		    notified_at_80_percent = $6,
		    notified_at_100_percent = $7,
		    updated_at = $8
		WHERE team_id = $1`

	tag, err := r.db.Exec(ctx, query,
		account.TeamID,
		account.TokensIncluded,
		account.TokensPurchased,
		account.TokensUsedThisMonth,
		account.TokensReserved,
		account.NotifiedAt80Percent,
		account.NotifiedAt100Percent,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update token account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *Repository) CreateReservation(ctx context.Context, reservation *domain.Reservation) error {
	const query = `
		INSERT INTO token_reservations (id, team_id, amount, status, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		reservation.ID,
		reservation.TeamID,
		reservation.Amount,
		string(reservation.Status),
		reservation.CreatedAt,
		reservation.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	return nil
}

func (r *Repository) GetReservation(ctx context.Context, teamID, reservationID uuid.UUID) (*domain.Reservation, error) {
	const query = `
		SELECT id, team_id, amount, status, created_at, resolved_at
		FROM token_reservations
		WHERE id = $1 AND team_id = $2`

	var reservation domain.Reservation
	var status string
	err := r.db.QueryRow(ctx, query, reservationID, teamID).Scan(
		&reservation.ID,
		&reservation.TeamID,
		&reservation.Amount,
		&status,
		&reservation.CreatedAt,
		&reservation.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	reservation.Status = domain.ReservationStatus(status)

	return &reservation, nil
}

func (r *Repository) UpdateReservation(ctx context.Context, reservation *domain.Reservation) error {
	const query = `
		UPDATE token_reservations
		SET status = $2, resolved_at = $3
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		reservation.ID,
		string(reservation.Status),
		reservation.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}
