package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	eventsmemory "github.com/getsafe360/cockpit/internal/module/events/adapter/memory"
	eventsnats "github.com/getsafe360/cockpit/internal/module/events/adapter/nats"
	eventsdomain "github.com/getsafe360/cockpit/internal/module/events/domain"
	"github.com/getsafe360/cockpit/internal/module/jobs/adapter/crewapi"
	jobsmemory "github.com/getsafe360/cockpit/internal/module/jobs/adapter/memory"
	jobsopenai "github.com/getsafe360/cockpit/internal/module/jobs/adapter/openai"
	jobspg "github.com/getsafe360/cockpit/internal/module/jobs/adapter/pg"
	"github.com/getsafe360/cockpit/internal/module/jobs/adapter/tiktoken"
	jobsapp "github.com/getsafe360/cockpit/internal/module/jobs/application"
	jobsdomain "github.com/getsafe360/cockpit/internal/module/jobs/domain"
	ledgermemory "github.com/getsafe360/cockpit/internal/module/ledger/adapter/memory"
	ledgerpg "github.com/getsafe360/cockpit/internal/module/ledger/adapter/pg"
	ledgerapp "github.com/getsafe360/cockpit/internal/module/ledger/application"
	"github.com/getsafe360/cockpit/internal/platform/config"
	"github.com/getsafe360/cockpit/internal/platform/database"
	"github.com/getsafe360/cockpit/internal/platform/logger"
)

// Container はアプリケーションの依存関係を束ねます。
// サーバコマンドとCLIコマンドの両方がここからサービスを取り出します。
type Container struct {
	Config       *config.Config
	Ledger       *ledgerapp.LedgerService
	Orchestrator *jobsapp.Orchestrator
	Bus          eventsdomain.Bus

	logger   *slog.Logger
	database *database.Database // メモリモードではnil
}

type containerOptions struct {
	logger      *slog.Logger
	bus         eventsdomain.Bus
	analysis    jobsdomain.AnalysisRunner
	remediation jobsdomain.RemediationRunner
	estimator   jobsdomain.TokenEstimator
	memoryStore bool
}

// Option はContainer構築時のオプションです
type Option func(*containerOptions)

// WithLogger はロガーを差し替えます
func WithLogger(l *slog.Logger) Option {
	return func(opts *containerOptions) {
		opts.logger = l
	}
}

// WithBus はイベントバスを差し替えます
func WithBus(bus eventsdomain.Bus) Option {
	return func(opts *containerOptions) {
		opts.bus = bus
	}
}

// WithAnalysisRunner は解析ランナーを差し替えます
func WithAnalysisRunner(r jobsdomain.AnalysisRunner) Option {
	return func(opts *containerOptions) {
		opts.analysis = r
	}
}

// WithRemediationRunner は修復ランナーを差し替えます
func WithRemediationRunner(r jobsdomain.RemediationRunner) Option {
	return func(opts *containerOptions) {
		opts.remediation = r
	}
}

// WithTokenEstimator はトークン見積り器を差し替えます
func WithTokenEstimator(e jobsdomain.TokenEstimator) Option {
	return func(opts *containerOptions) {
		opts.estimator = e
	}
}

// WithMemoryStore はPostgreSQLの代わりにインメモリストレージを使います。
// ローカル実行やテスト用です。
func WithMemoryStore() Option {
	return func(opts *containerOptions) {
		opts.memoryStore = true
	}
}

// New は設定からコンテナを生成します
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Container, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	// イベントバス
	bus := options.bus
	if bus == nil {
		var err error
		bus, err = newBus(cfg, options.logger)
		if err != nil {
			return nil, err
		}
	}

	// ストレージと台帳サービス
	var (
		db         *database.Database
		ledgerSvc  *ledgerapp.LedgerService
		jobsRepo   jobsdomain.Repository
		ledgerBase = logger.ForComponent(options.logger, "ledger")
	)
	if options.memoryStore {
		ledgerSvc = ledgerapp.NewLedgerService(ledgermemory.NewRepository(), ledgerBase)
		jobsRepo = jobsmemory.NewRepository()
	} else {
		var err error
		db, err = database.New(ctx, database.ConnectionParams{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}

		txProvider := database.NewTransactionProvider(db.Pool)
		ledgerSvc = ledgerapp.NewLedgerService(
			ledgerpg.NewRepository(db.Pool),
			ledgerBase,
			ledgerapp.WithTransactionProvider(txProvider),
		)
		jobsRepo = jobspg.NewRepository(db.Pool)
	}

	// 解析ランナー (crew service)
	analysis := options.analysis
	if analysis == nil {
		analysis = crewapi.NewAnalysisRunner(cfg.Crew.BaseURL, cfg.Crew.Timeout)
	}

	// 修復ランナー (OpenAI)
	remediation := options.remediation
	if remediation == nil {
		runner, err := jobsopenai.NewRemediationRunner(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
		if err != nil {
			closeOnError(db, bus)
			return nil, fmt.Errorf("failed to initialize remediation runner: %w", err)
		}
		remediation = runner
	}

	// トークン見積り器 (tiktoken)
	estimator := options.estimator
	if estimator == nil {
		est, err := tiktoken.NewEstimator()
		if err != nil {
			closeOnError(db, bus)
			return nil, fmt.Errorf("failed to initialize token estimator: %w", err)
		}
		estimator = est
	}

	orchestrator := jobsapp.NewOrchestrator(
		jobsRepo,
		&ledgerBridge{svc: ledgerSvc},
		analysis,
		remediation,
		estimator,
		bus,
		jobsapp.Config{
			StallTimeout:       cfg.Jobs.StallTimeout,
			WatchdogInterval:   cfg.Jobs.WatchdogInterval,
			DefaultIssueTokens: int64(cfg.Jobs.DefaultIssueTokens),
		},
		logger.ForComponent(options.logger, "orchestrator"),
	)

	return &Container{
		Config:       cfg,
		Ledger:       ledgerSvc,
		Orchestrator: orchestrator,
		Bus:          bus,
		logger:       options.logger,
		database:     db,
	}, nil
}

func newBus(cfg *config.Config, l *slog.Logger) (eventsdomain.Bus, error) {
	busLogger := logger.ForComponent(l, "events")
	switch cfg.Events.Backend {
	case "nats":
		bus, err := eventsnats.New(
			cfg.Events.NATSURL,
			eventsnats.WithBufferSize(cfg.Events.BufferSize),
			eventsnats.WithLogger(busLogger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return bus, nil
	default:
		return eventsmemory.NewSiteEventBus(
			eventsmemory.WithBufferSize(cfg.Events.BufferSize),
			eventsmemory.WithLogger(busLogger),
		), nil
	}
}

func closeOnError(db *database.Database, bus eventsdomain.Bus) {
	if db != nil {
		db.Close()
	}
	if closer, ok := bus.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Close は内部リソースを解放します
func (c *Container) Close() {
	if c == nil {
		return
	}
	if closer, ok := c.Bus.(interface{ Close() }); ok {
		closer.Close()
	}
	if c.database != nil {
		c.database.Close()
	}
}

// Logger はロガーを返します
func (c *Container) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Database はデータベースを返します。メモリモードではnilです。
func (c *Container) Database() *database.Database {
	if c == nil {
		return nil
	}
	return c.database
}

// ledgerBridge はLedgerServiceをOrchestratorの台帳ポートに適合させます
type ledgerBridge struct {
	svc *ledgerapp.LedgerService
}

var _ jobsdomain.TokenLedger = (*ledgerBridge)(nil)

func (b *ledgerBridge) Reserve(ctx context.Context, teamID uuid.UUID, amount int64) (uuid.UUID, error) {
	reservation, err := b.svc.Reserve(ctx, teamID, amount)
	if err != nil {
		return uuid.Nil, err
	}
	return reservation.ID, nil
}

func (b *ledgerBridge) Commit(ctx context.Context, teamID, reservationID uuid.UUID, actualAmount int64) error {
	return b.svc.Commit(ctx, teamID, reservationID, actualAmount)
}

func (b *ledgerBridge) Release(ctx context.Context, teamID, reservationID uuid.UUID) error {
	return b.svc.Release(ctx, teamID, reservationID)
}

func (b *ledgerBridge) Balance(ctx context.Context, teamID uuid.UUID) (int64, error) {
	balance, err := b.svc.GetBalance(ctx, teamID)
	if err != nil {
		return 0, err
	}
	return balance.TokensAvailable, nil
}
