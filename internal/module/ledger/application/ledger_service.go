package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getsafe360/cockpit/internal/module/ledger/domain"
	"github.com/getsafe360/cockpit/internal/platform/database"
)

// LedgerService はトークン残高の唯一の更新経路です。
// Reserve/Commit/Release はチーム単位で直列化され、
// 利用可能残高が負になることはありません。
type LedgerService struct {
	repo       domain.Repository
	txProvider *database.TransactionProvider
	logger     *slog.Logger

	// チームごとのミューテックス。並行するReserveが同時に
	// 同じ残高を見て両方成功することを防ぐ。
	locks sync.Map // uuid.UUID -> *sync.Mutex
}

// Option はLedgerServiceのオプションです
type Option func(*LedgerService)

// WithTransactionProvider はPostgreSQLトランザクション内で
// 台帳更新を実行するプロバイダを設定します
func WithTransactionProvider(p *database.TransactionProvider) Option {
	return func(s *LedgerService) {
		s.txProvider = p
	}
}

// NewLedgerService は新しいLedgerServiceを作成します
func NewLedgerService(repo domain.Repository, logger *slog.Logger, opts ...Option) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LedgerService{
		repo:   repo,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LedgerService) lockTeam(teamID uuid.UUID) func() {
	v, _ := s.locks.LoadOrStore(teamID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// inRepo はトランザクションプロバイダが設定されていれば
// トランザクション内のリポジトリでfnを実行します
func inRepo[T any](ctx context.Context, s *LedgerService, fn func(domain.Repository) (T, error)) (T, error) {
	if s.txProvider != nil {
		return database.Transact(ctx, s.txProvider, func(a *database.Adapter) (T, error) {
			return fn(a.Ledger)
		})
	}
	return fn(s.repo)
}

// CreateAccount はチーム作成時にトークンアカウントを初期化します
func (s *LedgerService) CreateAccount(ctx context.Context, teamID uuid.UUID, included int64) (*domain.TokenAccount, error) {
	if included < 0 {
		return nil, domain.ErrInvalidAmount
	}

	account, err := inRepo(ctx, s, func(repo domain.Repository) (*domain.TokenAccount, error) {
		now := time.Now().UTC()
		account := &domain.TokenAccount{
			TeamID:         teamID,
			TokensIncluded: included,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := repo.CreateAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("failed to create token account: %w", err)
		}
		return account, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("token account created", "teamId", teamID, "tokensIncluded", included)
	return account, nil
}

// GetBalance は残高スナップショットを返します
func (s *LedgerService) GetBalance(ctx context.Context, teamID uuid.UUID) (*domain.TokenBalance, error) {
	account, err := inRepo(ctx, s, func(repo domain.Repository) (*domain.TokenAccount, error) {
		return repo.GetAccount(ctx, teamID)
	})
	if err != nil {
		return nil, err
	}
	return account.Snapshot(), nil
}

// Reserve はトークンの仮押さえを行います。
// 残高が不足している場合はInsufficientTokensErrorを返し、副作用はありません。
func (s *LedgerService) Reserve(ctx context.Context, teamID uuid.UUID, amount int64) (*domain.Reservation, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	unlock := s.lockTeam(teamID)
	defer unlock()

	reservation, err := inRepo(ctx, s, func(repo domain.Repository) (*domain.Reservation, error) {
		account, err := repo.GetAccountForUpdate(ctx, teamID)
		if err != nil {
			return nil, err
		}

		if account.Available() < amount {
			return nil, &domain.InsufficientTokensError{
				TeamID: teamID,
				Have:   account.Available(),
				Need:   amount,
			}
		}

		account.TokensReserved += amount
		account.UpdatedAt = time.Now().UTC()
		if err := repo.UpdateAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("failed to update account: %w", err)
		}

		reservation := &domain.Reservation{
			ID:        uuid.New(),
			TeamID:    teamID,
			Amount:    amount,
			Status:    domain.ReservationHeld,
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.CreateReservation(ctx, reservation); err != nil {
			return nil, fmt.Errorf("failed to create reservation: %w", err)
		}
		return reservation, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("tokens reserved",
		"teamId", teamID,
		"reservationId", reservation.ID,
		"amount", amount,
	)
	return reservation, nil
}

// Commit は予約を確定し、実際の使用量を当月使用分へ計上します。
// 使用量は予約額でクランプされます。超過分は一度きりの台帳補正として
// 吸収され、追加課金は行いません。二重コミットはno-opです。
func (s *LedgerService) Commit(ctx context.Context, teamID, reservationID uuid.UUID, actualAmount int64) error {
	if actualAmount < 0 {
		return domain.ErrInvalidAmount
	}

	unlock := s.lockTeam(teamID)
	defer unlock()

	charged, err := inRepo(ctx, s, func(repo domain.Repository) (int64, error) {
		// 行ロックを先に取り、予約の解決判定を他プロセスと直列化する
		account, err := repo.GetAccountForUpdate(ctx, teamID)
		if err != nil {
			return 0, err
		}

		reservation, err := repo.GetReservation(ctx, teamID, reservationID)
		if err != nil {
			return 0, err
		}
		if reservation.Resolved() {
			// 二重コミットはno-op
			return -1, nil
		}

		charge := actualAmount
		if charge > reservation.Amount {
			s.logger.Warn("actual usage exceeded reservation, clamping",
				"teamId", teamID,
				"reservationId", reservationID,
				"reserved", reservation.Amount,
				"actual", actualAmount,
			)
			charge = reservation.Amount
		}

		account.TokensReserved -= reservation.Amount
		account.TokensUsedThisMonth += charge
		account.UpdatedAt = time.Now().UTC()
		if err := repo.UpdateAccount(ctx, account); err != nil {
			return 0, fmt.Errorf("failed to update account: %w", err)
		}

		now := time.Now().UTC()
		reservation.Status = domain.ReservationCommitted
		reservation.ResolvedAt = &now
		if err := repo.UpdateReservation(ctx, reservation); err != nil {
			return 0, fmt.Errorf("failed to update reservation: %w", err)
		}
		return charge, nil
	})
	if err != nil {
		return err
	}
	if charged < 0 {
		s.logger.Debug("commit ignored: reservation already resolved",
			"teamId", teamID, "reservationId", reservationID)
		return nil
	}

	s.logger.Info("reservation committed",
		"teamId", teamID,
		"reservationId", reservationID,
		"charged", charged,
	)
	return nil
}

// Release は予約を解放します。課金は発生しません。二重解放はno-opです。
func (s *LedgerService) Release(ctx context.Context, teamID, reservationID uuid.UUID) error {
	unlock := s.lockTeam(teamID)
	defer unlock()

	released, err := inRepo(ctx, s, func(repo domain.Repository) (int64, error) {
		// 行ロックを先に取り、予約の解決判定を他プロセスと直列化する
		account, err := repo.GetAccountForUpdate(ctx, teamID)
		if err != nil {
			return 0, err
		}

		reservation, err := repo.GetReservation(ctx, teamID, reservationID)
		if err != nil {
			return 0, err
		}
		if reservation.Resolved() {
			// 二重解放はno-op
			return -1, nil
		}

		account.TokensReserved -= reservation.Amount
		account.UpdatedAt = time.Now().UTC()
		if err := repo.UpdateAccount(ctx, account); err != nil {
			return 0, fmt.Errorf("failed to update account: %w", err)
		}

		now := time.Now().UTC()
		reservation.Status = domain.ReservationReleased
		reservation.ResolvedAt = &now
		if err := repo.UpdateReservation(ctx, reservation); err != nil {
			return 0, fmt.Errorf("failed to update reservation: %w", err)
		}
		return reservation.Amount, nil
	})
	if err != nil {
		return err
	}
	if released < 0 {
		s.logger.Debug("release ignored: reservation already resolved",
			"teamId", teamID, "reservationId", reservationID)
		return nil
	}

	s.logger.Info("reservation released",
		"teamId", teamID,
		"reservationId", reservationID,
		"amount", released,
	)
	return nil
}

// AddPurchasedTokens は購入完了後に課金コラボレータから呼ばれます
func (s *LedgerService) AddPurchasedTokens(ctx context.Context, teamID uuid.UUID, amount int64) (*domain.TokenBalance, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	unlock := s.lockTeam(teamID)
	defer unlock()

	account, err := inRepo(ctx, s, func(repo domain.Repository) (*domain.TokenAccount, error) {
		account, err := repo.GetAccountForUpdate(ctx, teamID)
		if err != nil {
			return nil, err
		}

		account.TokensPurchased += amount
		account.UpdatedAt = time.Now().UTC()
		if err := repo.UpdateAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("failed to update account: %w", err)
		}
		return account, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("purchased tokens added", "teamId", teamID, "amount", amount)
	return account.Snapshot(), nil
}

// RolloverBillingCycle は請求サイクル更新時に当月使用量と通知フラグをリセットします
func (s *LedgerService) RolloverBillingCycle(ctx context.Context, teamID uuid.UUID) error {
	unlock := s.lockTeam(teamID)
	defer unlock()

	_, err := inRepo(ctx, s, func(repo domain.Repository) (struct{}, error) {
		account, err := repo.GetAccountForUpdate(ctx, teamID)
		if err != nil {
			return struct{}{}, err
		}

		account.TokensUsedThisMonth = 0
		account.NotifiedAt80Percent = false
		account.NotifiedAt100Percent = false
		account.UpdatedAt = time.Now().UTC()
		if err := repo.UpdateAccount(ctx, account); err != nil {
			return struct{}{}, fmt.Errorf("failed to update account: %w", err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("billing cycle rolled over", "teamId", teamID)
	return nil
}
