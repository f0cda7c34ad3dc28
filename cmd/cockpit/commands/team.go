package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v3"
)

// TeamCreateAction はトークンアカウント付きのチームを作成するコマンドのアクション
func TeamCreateAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	included := cmd.Int("tokens")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	teamID := uuid.New()
	account, err := appCtx.Container.Ledger.CreateAccount(ctx, teamID, int64(included))
	if err != nil {
		return fmt.Errorf("チーム作成に失敗: %w", err)
	}

	fmt.Printf("Team ID:         %s\n", account.TeamID)
	fmt.Printf("Tokens included: %d\n", account.TokensIncluded)
	return nil
}

// TeamTokensAction はチームのトークン残高を表示するコマンドのアクション
func TeamTokensAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	teamID, err := uuid.Parse(cmd.String("team-id"))
	if err != nil {
		return fmt.Errorf("無効なチームID: %w", err)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	balance, err := appCtx.Container.Ledger.GetBalance(ctx, teamID)
	if err != nil {
		return fmt.Errorf("残高取得に失敗: %w", err)
	}

	fmt.Printf("Team ID:          %s\n", balance.TeamID)
	fmt.Printf("Included:         %d\n", balance.TokensIncluded)
	fmt.Printf("Purchased:        %d\n", balance.TokensPurchased)
	fmt.Printf("Used this month:  %d\n", balance.TokensUsedThisMonth)
	fmt.Printf("Reserved:         %d\n", balance.TokensReserved)
	fmt.Printf("Available:        %d\n", balance.TokensAvailable)
	fmt.Printf("Usage:            %.1f%%\n", balance.UsagePercentage*100)
	return nil
}

// TeamGrantAction は購入トークンを付与するコマンドのアクション
func TeamGrantAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	amount := cmd.Int("amount")
	teamID, err := uuid.Parse(cmd.String("team-id"))
	if err != nil {
		return fmt.Errorf("無効なチームID: %w", err)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	balance, err := appCtx.Container.Ledger.AddPurchasedTokens(ctx, teamID, int64(amount))
	if err != nil {
		return fmt.Errorf("トークン付与に失敗: %w", err)
	}

	fmt.Printf("Granted %d tokens. Available: %d\n", amount, balance.TokensAvailable)
	return nil
}

// TeamRolloverAction は請求サイクルの更新を実行するコマンドのアクション。
// --schedule を指定するとcron式でスケジュール実行します。
func TeamRolloverAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	schedule := cmd.String("schedule")
	teamID, err := uuid.Parse(cmd.String("team-id"))
	if err != nil {
		return fmt.Errorf("無効なチームID: %w", err)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	rollover := func() error {
		if err := appCtx.Container.Ledger.RolloverBillingCycle(ctx, teamID); err != nil {
			return fmt.Errorf("請求サイクル更新に失敗: %w", err)
		}
		return nil
	}

	if schedule == "" {
		if err := rollover(); err != nil {
			return err
		}
		fmt.Println("Billing cycle rolled over.")
		return nil
	}

	scheduler := cron.New()
	_, err = scheduler.AddFunc(schedule, func() {
		if err := rollover(); err != nil {
			appCtx.Logger().Error("scheduled rollover failed", "teamId", teamID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("無効なcron式: %w", err)
	}

	scheduler.Start()
	appCtx.Logger().Info("rollover scheduled", "teamId", teamID, "cron", schedule)

	<-ctx.Done()
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	return nil
}
