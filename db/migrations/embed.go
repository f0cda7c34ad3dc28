package migrations

import "embed"

// Files はファイル名の昇順で適用されるSQLマイグレーションを保持します
//
//go:embed *.sql
var Files embed.FS
