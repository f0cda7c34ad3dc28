package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getsafe360/cockpit/internal/platform/config"
	"github.com/getsafe360/cockpit/internal/platform/container"
	"github.com/getsafe360/cockpit/internal/platform/logger"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持します
type AppContext struct {
	Config    *config.Config
	Container *container.Container
}

// NewAppContext は設定を読み込み、コンテナを初期化してAppContextを作成します
func NewAppContext(ctx context.Context, envFile string, opts ...container.Option) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	appLogger := logger.New(logger.DefaultConfig())

	opts = append([]container.Option{container.WithLogger(appLogger)}, opts...)
	cont, err := container.New(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{
		Config:    cfg,
		Container: cont,
	}, nil
}

// Close はAppContextが保持するリソースをクリーンアップします
func (ac *AppContext) Close() {
	if ac.Container != nil {
		ac.Container.Close()
	}
}

// Logger はAppContextのロガーを返します
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger()
	}
	return slog.Default()
}
