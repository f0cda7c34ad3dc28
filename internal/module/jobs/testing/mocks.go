package testing

import (
	"context"
	"sync"

	"github.com/google/uuid"

	eventsdomain "github.com/getsafe360/cockpit/internal/module/events/domain"
	"github.com/getsafe360/cockpit/internal/module/jobs/domain"
)

// MockLedger はテスト用のモックTokenLedgerです
type MockLedger struct {
	ReserveFunc func(ctx context.Context, teamID uuid.UUID, amount int64) (uuid.UUID, error)
	CommitFunc  func(ctx context.Context, teamID, reservationID uuid.UUID, actualAmount int64) error
	ReleaseFunc func(ctx context.Context, teamID, reservationID uuid.UUID) error
	BalanceFunc func(ctx context.Context, teamID uuid.UUID) (int64, error)
}

func (m *MockLedger) Reserve(ctx context.Context, teamID uuid.UUID, amount int64) (uuid.UUID, error) {
	if m.ReserveFunc != nil {
		return m.ReserveFunc(ctx, teamID, amount)
	}
	return uuid.New(), nil
}

func (m *MockLedger) Commit(ctx context.Context, teamID, reservationID uuid.UUID, actualAmount int64) error {
	if m.CommitFunc != nil {
		return m.CommitFunc(ctx, teamID, reservationID, actualAmount)
	}
	return nil
}

func (m *MockLedger) Release(ctx context.Context, teamID, reservationID uuid.UUID) error {
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(ctx, teamID, reservationID)
	}
	return nil
}

func (m *MockLedger) Balance(ctx context.Context, teamID uuid.UUID) (int64, error) {
	if m.BalanceFunc != nil {
		return m.BalanceFunc(ctx, teamID)
	}
	return 0, nil
}

// MockAnalysisRunner はテスト用のモックAnalysisRunnerです
type MockAnalysisRunner struct {
	RunFunc func(ctx context.Context, siteID string, progress domain.ProgressFunc) (*domain.AnalysisResult, error)
}

func (m *MockAnalysisRunner) Run(ctx context.Context, siteID string, progress domain.ProgressFunc) (*domain.AnalysisResult, error) {
	if m.RunFunc != nil {
		return m.RunFunc(ctx, siteID, progress)
	}
	return &domain.AnalysisResult{ResultRef: "scan-results/test.json"}, nil
}

// MockRemediationRunner はテスト用のモックRemediationRunnerです
type MockRemediationRunner struct {
	ApplyFunc func(ctx context.Context, siteID string, issues []domain.IssueRef) (domain.RemediationResult, error)
}

func (m *MockRemediationRunner) Apply(ctx context.Context, siteID string, issues []domain.IssueRef) (domain.RemediationResult, error) {
	if m.ApplyFunc != nil {
		return m.ApplyFunc(ctx, siteID, issues)
	}
	return domain.RemediationResult{ResultRef: "fix-results/test.json"}, nil
}

// MockEstimator はテスト用のモックTokenEstimatorです
type MockEstimator struct {
	EstimateFunc func(text string) int
}

func (m *MockEstimator) Estimate(text string) int {
	if m.EstimateFunc != nil {
		return m.EstimateFunc(text)
	}
	return 0
}

// CapturingBus は発行されたイベントを記録するテスト用バスです
type CapturingBus struct {
	mu     sync.Mutex
	events []eventsdomain.Event
}

func (b *CapturingBus) Subscribe(siteID string) (*eventsdomain.Subscription, error) {
	ch := make(chan eventsdomain.Event)
	close(ch)
	return &eventsdomain.Subscription{ID: uuid.New(), SiteID: siteID, C: ch}, nil
}

func (b *CapturingBus) Publish(_ string, event eventsdomain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *CapturingBus) Unsubscribe(*eventsdomain.Subscription) {}

// Events は記録されたイベントのコピーを返します
func (b *CapturingBus) Events() []eventsdomain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]eventsdomain.Event(nil), b.events...)
}

// EventsOfType は指定typeのイベントのみ返します
func (b *CapturingBus) EventsOfType(t eventsdomain.Type) []eventsdomain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []eventsdomain.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
