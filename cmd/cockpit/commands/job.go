package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

// JobShowAction はジョブの詳細を表示するコマンドのアクション
func JobShowAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	jobID, err := uuid.Parse(cmd.String("job-id"))
	if err != nil {
		return fmt.Errorf("無効なジョブID: %w", err)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	job, err := appCtx.Container.Orchestrator.Status(ctx, jobID)
	if err != nil {
		return fmt.Errorf("ジョブ取得に失敗: %w", err)
	}

	fmt.Printf("Job ID:     %s\n", job.ID)
	fmt.Printf("Kind:       %s\n", job.Kind)
	fmt.Printf("Site:       %s\n", job.SiteID)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("Revision:   %d\n", job.Revision)
	if job.Kind == "fix" {
		fmt.Printf("Reserved:   %d tokens\n", job.ReservedTokens)
		fmt.Printf("Actual:     %d tokens\n", job.ActualTokens)
	}
	if job.ResultRef != "" {
		fmt.Printf("Result:     %s\n", job.ResultRef)
	}
	if job.ErrorMessage != "" {
		fmt.Printf("Error:      %s\n", job.ErrorMessage)
	}
	return nil
}

// JobListAction はサイトのジョブ履歴を表示するコマンドのアクション
func JobListAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	siteID := cmd.String("site-id")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	jobs, err := appCtx.Container.Orchestrator.ListBySite(ctx, siteID)
	if err != nil {
		return fmt.Errorf("ジョブ一覧取得に失敗: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("ジョブが見つかりません")
		return nil
	}

	for _, job := range jobs {
		fmt.Printf("%s  %-4s  %-8s  rev=%d  %s\n",
			job.ID, job.Kind, job.Status, job.Revision, job.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
