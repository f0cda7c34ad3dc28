package cockpit

import (
	eventsdomain "github.com/getsafe360/cockpit/internal/module/events/domain"
)

// Category はビューモデル上の検査カテゴリです（category idでupsert）
type Category struct {
	ID     string
	Issues []eventsdomain.CategoryIssue
}

// State はストリームとRESTフォールバックをマージした
// クライアント側の単一ビューモデルです。
type State struct {
	// サーバ由来の権威ある状態
	JobState   string
	Progress   float64
	Message    string
	Categories []Category
	Savings    *eventsdomain.Savings
	RepairLog  []string

	// Working はサーバ確認前の楽観的UI状態。Job状態とは別レイヤで
	// 保持し、永続化もイベント化もされない。
	Working bool
}

// Category はidでカテゴリを探します。見つからない場合はnilを返します。
func (s *State) Category(id string) *Category {
	for i := range s.Categories {
		if s.Categories[i].ID == id {
			return &s.Categories[i]
		}
	}
	return nil
}

func (s *State) upsertCategory(id string, issues []eventsdomain.CategoryIssue) {
	if existing := s.Category(id); existing != nil {
		existing.Issues = issues
		return
	}
	s.Categories = append(s.Categories, Category{ID: id, Issues: issues})
}
