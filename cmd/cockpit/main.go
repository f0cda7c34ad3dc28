package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/getsafe360/cockpit/cmd/cockpit/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 構造化ログの設定
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	app := &cli.Command{
		Name:  "cockpit",
		Usage: "サイト診断・修復ジョブとトークン台帳を管理するバックエンド",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "サーバ関連コマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "HTTPサーバを起動",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.IntFlag{
								Name:  "port",
								Usage: "HTTPポート（省略時は環境変数またはデフォルトの8080）",
							},
							&cli.BoolFlag{
								Name:  "migrate",
								Usage: "起動前にスキーママイグレーションを適用",
							},
							&cli.BoolFlag{
								Name:  "memory",
								Usage: "PostgreSQLの代わりにインメモリストレージを使用",
							},
						},
						Action: commands.ServerStartAction,
					},
				},
			},
			{
				Name:  "team",
				Usage: "チームとトークン台帳の管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "create",
						Usage: "トークンアカウント付きのチームを作成",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.IntFlag{
								Name:  "tokens",
								Usage: "月次プランの付与トークン数",
								Value: 50000,
							},
						},
						Action: commands.TeamCreateAction,
					},
					{
						Name:  "tokens",
						Usage: "チームのトークン残高を表示",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "team-id",
								Usage:    "チームID",
								Required: true,
							},
						},
						Action: commands.TeamTokensAction,
					},
					{
						Name:  "grant",
						Usage: "購入トークンを付与",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "team-id",
								Usage:    "チームID",
								Required: true,
							},
							&cli.IntFlag{
								Name:     "amount",
								Usage:    "付与するトークン数",
								Required: true,
							},
						},
						Action: commands.TeamGrantAction,
					},
					{
						Name:  "rollover",
						Usage: "請求サイクルを更新（当月使用量をリセット）",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "team-id",
								Usage:    "チームID",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "schedule",
								Usage: "Cron形式のスケジュール (例: 0 0 1 * * = 毎月1日0:00)",
							},
						},
						Action: commands.TeamRolloverAction,
					},
				},
			},
			{
				Name:  "job",
				Usage: "ジョブ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "show",
						Usage: "ジョブ詳細を表示",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "job-id",
								Usage:    "ジョブID",
								Required: true,
							},
						},
						Action: commands.JobShowAction,
					},
					{
						Name:  "list",
						Usage: "サイトのジョブ履歴を表示",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "site-id",
								Usage:    "サイトID",
								Required: true,
							},
						},
						Action: commands.JobListAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
