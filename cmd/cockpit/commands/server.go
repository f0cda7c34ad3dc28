package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/getsafe360/cockpit/internal/interface/httpapi"
	"github.com/getsafe360/cockpit/internal/platform/container"
)

// ServerStartAction はHTTPサーバを起動するコマンドのアクション
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	port := cmd.Int("port")
	migrate := cmd.Bool("migrate")
	memory := cmd.Bool("memory")

	var opts []container.Option
	if memory {
		opts = append(opts, container.WithMemoryStore())
	}

	appCtx, err := NewAppContext(ctx, envFile, opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if migrate {
		db := appCtx.Container.Database()
		if db == nil {
			return fmt.Errorf("--migrate はインメモリモードでは使用できません")
		}
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("マイグレーションに失敗: %w", err)
		}
		appCtx.Logger().Info("migrations applied")
	}

	if port <= 0 {
		port = appCtx.Config.Server.Port
	}

	appCtx.Container.Orchestrator.StartWatchdog()

	server := httpapi.NewServer(
		appCtx.Container.Orchestrator,
		appCtx.Container.Ledger,
		appCtx.Container.Bus,
		appCtx.Config.Server.APIToken,
		appCtx.Logger(),
	)
	if err := server.Run(ctx, port); err != nil {
		return err
	}

	// 実行中ジョブの完了を待ってから終了する
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := appCtx.Container.Orchestrator.Shutdown(shutdownCtx); err != nil {
		appCtx.Logger().Warn("orchestrator shutdown timed out", "error", err)
	}
	return nil
}
