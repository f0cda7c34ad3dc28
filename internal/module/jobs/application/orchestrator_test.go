package application

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventsdomain "github.com/getsafe360/cockpit/internal/module/events/domain"
	"github.com/getsafe360/cockpit/internal/module/jobs/adapter/memory"
	"github.com/getsafe360/cockpit/internal/module/jobs/domain"
	jobstesting "github.com/getsafe360/cockpit/internal/module/jobs/testing"
	ledgerdomain "github.com/getsafe360/cockpit/internal/module/ledger/domain"
)

type testFixture struct {
	orchestrator *Orchestrator
	repo         *memory.Repository
	ledger       *jobstesting.MockLedger
	analysis     *jobstesting.MockAnalysisRunner
	remediation  *jobstesting.MockRemediationRunner
	bus          *jobstesting.CapturingBus
}

func newTestFixture(t *testing.T, cfg Config) *testFixture {
	t.Helper()

	f := &testFixture{
		repo:        memory.NewRepository(),
		ledger:      &jobstesting.MockLedger{},
		analysis:    &jobstesting.MockAnalysisRunner{},
		remediation: &jobstesting.MockRemediationRunner{},
		bus:         &jobstesting.CapturingBus{},
	}
	f.orchestrator = NewOrchestrator(
		f.repo,
		f.ledger,
		f.analysis,
		f.remediation,
		&jobstesting.MockEstimator{},
		f.bus,
		cfg,
		nil,
	)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.orchestrator.Shutdown(ctx)
	})
	return f
}

func statusErrorEvents(bus *jobstesting.CapturingBus) []eventsdomain.Event {
	var out []eventsdomain.Event
	for _, ev := range bus.EventsOfType(eventsdomain.TypeStatus) {
		if ev.State == eventsdomain.StateError {
			out = append(out, ev)
		}
	}
	return out
}

func (f *testFixture) waitForStatus(t *testing.T, jobID uuid.UUID, status domain.Status) *domain.Job {
	t.Helper()

	var job *domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = f.repo.Get(context.Background(), jobID)
		return err == nil && job.Status == status
	}, 5*time.Second, 10*time.Millisecond, "job did not reach status %s", status)
	return job
}

func TestSubmitScanRunsToCompletion(t *testing.T) {
	f := newTestFixture(t, DefaultConfig())

	f.analysis.RunFunc = func(_ context.Context, siteID string, progress domain.ProgressFunc) (*domain.AnalysisResult, error) {
		progress(50)
		return &domain.AnalysisResult{ResultRef: "scan-results/" + siteID + ".json"}, nil
	}

	job, err := f.orchestrator.SubmitScan(context.Background(), "site-1")
	require.NoError(t, err)
	assert.Equal(t, domain.KindScan, job.Kind)
	assert.Equal(t, domain.StatusQueued, job.Status)

	done := f.waitForStatus(t, job.ID, domain.StatusDone)
	assert.Equal(t, "scan-results/site-1.json", done.ResultRef)
	assert.True(t, done.Terminal())

	resultRef, err := f.orchestrator.Result(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "scan-results/site-1.json", resultRef)

	// queued -> running -> done のステータスイベントと進捗イベント。
	// 終端ステータスの発行は永続化の直後なので少しだけ待つ。
	require.Eventually(t, func() bool {
		return len(f.bus.EventsOfType(eventsdomain.TypeStatus)) == 3
	}, time.Second, 10*time.Millisecond)
	statuses := f.bus.EventsOfType(eventsdomain.TypeStatus)
	assert.Equal(t, eventsdomain.StateQueued, statuses[0].State)
	assert.Equal(t, eventsdomain.StateRunning, statuses[1].State)
	assert.Equal(t, eventsdomain.StateDone, statuses[2].State)

	progress := f.bus.EventsOfType(eventsdomain.TypeProgress)
	require.Len(t, progress, 1)
	assert.Equal(t, float64(50), progress[0].Progress)

	// 全イベントにrevisionとhashが付与されている
	for _, ev := range f.bus.Events() {
		assert.Equal(t, "site-1", ev.SiteID)
		assert.NotZero(t, ev.Revision)
		assert.NotEmpty(t, ev.Hash)
	}
}

func TestSubmitScanFailurePublishesSingleErrorEvent(t *testing.T) {
	f := newTestFixture(t, DefaultConfig())

	f.analysis.RunFunc = func(context.Context, string, domain.ProgressFunc) (*domain.AnalysisResult, error) {
		return nil, fmt.Errorf("crawler unreachable")
	}

	job, err := f.orchestrator.SubmitScan(context.Background(), "site-1")
	require.NoError(t, err)

	failed := f.waitForStatus(t, job.ID, domain.StatusError)
	assert.Contains(t, failed.ErrorMessage, "crawler unreachable")

	require.Eventually(t, func() bool {
		return len(statusErrorEvents(f.bus)) == 1
	}, time.Second, 10*time.Millisecond)
	errorEvents := statusErrorEvents(f.bus)
	require.Len(t, errorEvents, 1)
	assert.Contains(t, errorEvents[0].Message, "crawler unreachable")

	_, err = f.orchestrator.Result(context.Background(), job.ID)
	assert.ErrorIs(t, err, domain.ErrResultNotReady)
}

func TestScanPublishesCategoryAndSavingsEvents(t *testing.T) {
	f := newTestFixture(t, DefaultConfig())

	f.analysis.RunFunc = func(context.Context, string, domain.ProgressFunc) (*domain.AnalysisResult, error) {
		return &domain.AnalysisResult{
			ResultRef: "scan-results/site-1.json",
			Findings: []domain.CategoryFinding{
				{Category: "seo", Issues: []domain.IssueRef{{ID: "iss-1", Severity: "high", EstTokens: 800}}},
				{Category: "security", Issues: []domain.IssueRef{{ID: "iss-2", Severity: "low"}}},
			},
			Savings: &domain.SavingsEstimate{ScoreBefore: 55, ScoreAfter: 88},
		}, nil
	}

	job, err := f.orchestrator.SubmitScan(context.Background(), "site-1")
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, domain.StatusDone)

	require.Eventually(t, func() bool {
		return len(f.bus.EventsOfType(eventsdomain.TypeCategory)) == 2 &&
			len(f.bus.EventsOfType(eventsdomain.TypeSavings)) == 1
	}, time.Second, 10*time.Millisecond)

	categories := f.bus.EventsOfType(eventsdomain.TypeCategory)
	assert.Equal(t, "seo", categories[0].Category)
	require.Len(t, categories[0].Issues, 1)
	assert.Equal(t, "iss-1", categories[0].Issues[0].ID)
	assert.Equal(t, int64(800), categories[0].Issues[0].EstTokens)
	assert.Equal(t, "security", categories[1].Category)

	savings := f.bus.EventsOfType(eventsdomain.TypeSavings)[0]
	require.NotNil(t, savings.Savings)
	assert.Equal(t, 88, savings.Savings.ScoreAfter)
	assert.NotEmpty(t, savings.Hash)
	assert.Equal(t, "site-1", savings.SiteID)
}

func TestSubmitFixReservesBeforeCreate(t *testing.T) {
	f := newTestFixture(t, DefaultConfig())
	teamID := uuid.New()
	reservationID := uuid.New()

	var reservedAmount int64
	f.ledger.ReserveFunc = func(_ context.Context, _ uuid.UUID, amount int64) (uuid.UUID, error) {
		reservedAmount = amount
		return reservationID, nil
	}
	block := make(chan struct{})
	f.remediation.ApplyFunc = func(ctx context.Context, _ string, _ []domain.IssueRef) (domain.RemediationResult, error) {
		<-block
		return domain.RemediationResult{}, ctx.Err()
	}
	defer close(block)

	issues := []domain.IssueRef{
		{ID: "iss-1", EstTokens: 800},
		{ID: "iss-2", EstTokens: 1200},
	}
	job, err := f.orchestrator.SubmitFix(context.Background(), teamID, "site-1", issues)
	require.NoError(t, err)

	assert.Equal(t, int64(2000), reservedAmount)
	assert.Equal(t, int64(2000), job.ReservedTokens)
	assert.Equal(t, reservationID, job.ReservationID)
	assert.Equal(t, teamID, job.TeamID)
}

func TestSubmitFixInsufficientTokensCreatesNoJob(t *testing.T) {
	f := newTestFixture(t, DefaultConfig())
	teamID := uuid.New()

	f.ledger.ReserveFunc = func(_ context.Context, _ uuid.UUID, amount int64) (uuid.UUID, error) {
		return uuid.Nil, &ledgerdomain.InsufficientTokensError{TeamID: teamID, Have: 100, Need: amount}
	}

	_, err := f.orchestrator.SubmitFix(context.Background(), teamID, "site-1",
		[]domain.IssueRef{{ID: "iss-1", EstTokens: 800}})
	require.Error(t, err)
	assert.True(t, ledgerdomain.IsInsufficientTokens(err))

	jobs, err := f.orchestrator.ListBySite(context.Background(), "site-1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, f.bus.Events())
}

func TestSubmitFixRejectsDuplicateIssue(t *testing.T) {
	f := newTestFixture(t, DefaultConfig())
	teamID := uuid.New()

	block := make(chan struct{})
	f.remediation.ApplyFunc = func(ctx context.Context, _ string, _ []domain.IssueRef) (domain.RemediationResult, error) {
		<-block
		return domain.RemediationResult{}, ctx.Err()
	}
	defer close(block)

	issues := []domain.IssueRef{{ID: "iss-1", EstTokens: 800}}
	_, err := f.orchestrator.SubmitFix(context.Background(), teamID, "site-1", issues)
	require.NoError(t, err)

	var reserveCalls atomic.Int32
	f.ledger.ReserveFunc = func(_ context.Context, _ uuid.UUID, _ int64) (uuid.UUID, error) {
		reserveCalls.Add(1)
		return uuid.New(), nil
	}

	_, err = f.orchestrator.SubmitFix(context.Background(), teamID, "site-1", issues)
	require.Error(t, err)
	assert.True(t, domain.IsDuplicateJob(err))

	// 重複チェックは予約より先。トークンは動かない。
	assert.Equal(t, int32(0), reserveCalls.Load())
}

func TestSubmitFixUsesEstimatorFallback(t *testing.T) {
	f := newTestFixture(t, DefaultConfig())

	var reservedAmount int64
	f.ledger.ReserveFunc = func(_ context.Context, _ uuid.UUID, amount int64) (uuid.UUID, error) {
		reservedAmount = amount
		return uuid.New(), nil
	}

	// 見積りなし・タイトルなしのイシューはデフォルト値
	_, err := f.orchestrator.SubmitFix(context.Background(), uuid.New(), "site-1",
		[]domain.IssueRef{{ID: "iss-1"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().DefaultIssueTokens, reservedAmount)
}

func TestAcceptFixCommitsActualUsage(t *testing.T) {
	f := newTestFixture(t, DefaultConfig())
	teamID := uuid.New()
	reservationID := uuid.New()

	f.ledger.ReserveFunc = func(context.Context, uuid.UUID, int64) (uuid.UUID, error) {
		return reservationID, nil
	}
	var committedAmount int64
	var committedReservation uuid.UUID
	f.ledger.CommitFunc = func(_ context.Context, _ uuid.UUID, rid uuid.UUID, actual int64) error {
		committedReservation = rid
		committedAmount = actual
		return nil
	}
	f.ledger.BalanceFunc = func(context.Context, uuid.UUID) (int64, error) {
		return 3200, nil
	}
	f.remediation.ApplyFunc = func(context.Context, string, []domain.IssueRef) (domain.RemediationResult, error) {
		return domain.RemediationResult{ResultRef: "fix-results/site-1.json", ActualTokens: 1800}, nil
	}

	job, err := f.orchestrator.SubmitFix(context.Background(), teamID, "site-1",
		[]domain.IssueRef{{ID: "iss-1", EstTokens: 2000}})
	require.NoError(t, err)

	f.waitForStatus(t, job.ID, domain.StatusDone)

	remaining, err := f.orchestrator.AcceptFix(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3200), remaining)
	assert.Equal(t, reservationID, committedReservation)
	assert.Equal(t, int64(1800), committedAmount)

	accepted, err := f.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, accepted.Status)
	assert.Equal(t, int64(0), accepted.ReservedTokens)

	repairs := f.bus.EventsOfType(eventsdomain.TypeRepair)
	require.Len(t, repairs, 1)
	assert.Equal(t, eventsdomain.StateRepaired, repairs[0].State)
}

func TestAcceptFixRequiresDoneState(t *testing.T) {
	f := newTestFixture(t, DefaultConfig())

	block := make(chan struct{})
	f.remediation.ApplyFunc = func(ctx context.Context, _ string, _ []domain.IssueRef) (domain.RemediationResult, error) {
		<-block
		return domain.RemediationResult{}, ctx.Err()
	}
	defer close(block)

	job, err := f.orchestrator.SubmitFix(context.Background(), uuid.New(), "site-1",
		[]domain.IssueRef{{ID: "iss-1", EstTokens: 800}})
	require.NoError(t, err)

	_, err = f.orchestrator.AcceptFix(context.Background(), job.ID)
	require.Error(t, err)

	var invalid *domain.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestCancelFixReleasesReservation(t *testing.T) {
	f := newTestFixture(t, DefaultConfig())
	reservationID := uuid.New()

	f.ledger.ReserveFunc = func(context.Context, uuid.UUID, int64) (uuid.UUID, error) {
		return reservationID, nil
	}
	var releasedReservation uuid.UUID
	f.ledger.ReleaseFunc = func(_ context.Context, _ uuid.UUID, rid uuid.UUID) error {
		releasedReservation = rid
		return nil
	}
	f.remediation.ApplyFunc = func(context.Context, string, []domain.IssueRef) (domain.RemediationResult, error) {
		return domain.RemediationResult{ResultRef: "fix-results/site-1.json", ActualTokens: 1800}, nil
	}

	job, err := f.orchestrator.SubmitFix(context.Background(), uuid.New(), "site-1",
		[]domain.IssueRef{{ID: "iss-1", EstTokens: 2000}})
	require.NoError(t, err)

	f.waitForStatus(t, job.ID, domain.StatusDone)

	require.NoError(t, f.orchestrator.CancelFix(context.Background(), job.ID))
	assert.Equal(t, reservationID, releasedReservation)

	canceled, err := f.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, canceled.Status)
	assert.Equal(t, int64(0), canceled.ReservedTokens)
}

func TestFixFailureReleasesReservation(t *testing.T) {
	f := newTestFixture(t, DefaultConfig())
	reservationID := uuid.New()

	f.ledger.ReserveFunc = func(context.Context, uuid.UUID, int64) (uuid.UUID, error) {
		return reservationID, nil
	}
	var releasedReservation uuid.UUID
	f.ledger.ReleaseFunc = func(_ context.Context, _ uuid.UUID, rid uuid.UUID) error {
		releasedReservation = rid
		return nil
	}
	f.remediation.ApplyFunc = func(context.Context, string, []domain.IssueRef) (domain.RemediationResult, error) {
		return domain.RemediationResult{}, fmt.Errorf("model quota exceeded")
	}

	job, err := f.orchestrator.SubmitFix(context.Background(), uuid.New(), "site-1",
		[]domain.IssueRef{{ID: "iss-1", EstTokens: 2000}})
	require.NoError(t, err)

	failed := f.waitForStatus(t, job.ID, domain.StatusError)
	assert.Equal(t, int64(0), failed.ReservedTokens)
	assert.Contains(t, failed.ErrorMessage, "model quota exceeded")

	// 解放はerror遷移の確定後。イベント配信を待ってから検証する。
	require.Eventually(t, func() bool {
		return len(statusErrorEvents(f.bus)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, reservationID, releasedReservation)
}

func TestWatchdogReapsStalledJob(t *testing.T) {
	f := newTestFixture(t, Config{
		StallTimeout:       50 * time.Millisecond,
		WatchdogInterval:   10 * time.Millisecond,
		DefaultIssueTokens: 500,
	})

	block := make(chan struct{})
	f.analysis.RunFunc = func(ctx context.Context, _ string, _ domain.ProgressFunc) (*domain.AnalysisResult, error) {
		// 進捗を一切報告しないままハングする
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}
	defer close(block)

	job, err := f.orchestrator.SubmitScan(context.Background(), "site-1")
	require.NoError(t, err)

	f.orchestrator.StartWatchdog()

	failed := f.waitForStatus(t, job.ID, domain.StatusError)
	assert.Contains(t, failed.ErrorMessage, "stalled")

	// ウォッチドッグが複数回発火してもエラーイベントは1つだけ
	require.Eventually(t, func() bool {
		return len(statusErrorEvents(f.bus)) >= 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	errorEvents := statusErrorEvents(f.bus)
	require.Len(t, errorEvents, 1)
	assert.Contains(t, errorEvents[0].Message, "stalled")
}

// hookedRepo はUpdateの直前にフックを差し込むテスト用デコレータです
type hookedRepo struct {
	domain.Repository
	beforeUpdate func(job *domain.Job)
}

func (r *hookedRepo) Update(ctx context.Context, job *domain.Job) error {
	if r.beforeUpdate != nil {
		r.beforeUpdate(job)
	}
	return r.Repository.Update(ctx, job)
}

func TestStallErrorIsNotOverwrittenByLateCompletion(t *testing.T) {
	repo := memory.NewRepository()
	hooked := &hookedRepo{Repository: repo}
	ledger := &jobstesting.MockLedger{}
	remediation := &jobstesting.MockRemediationRunner{}
	bus := &jobstesting.CapturingBus{}

	var released, committed atomic.Int32
	ledger.ReleaseFunc = func(context.Context, uuid.UUID, uuid.UUID) error {
		released.Add(1)
		return nil
	}
	ledger.CommitFunc = func(context.Context, uuid.UUID, uuid.UUID, int64) error {
		committed.Add(1)
		return nil
	}
	remediation.ApplyFunc = func(context.Context, string, []domain.IssueRef) (domain.RemediationResult, error) {
		return domain.RemediationResult{ResultRef: "fix-results/late.json", ActualTokens: 1800}, nil
	}

	orchestrator := NewOrchestrator(hooked, ledger, &jobstesting.MockAnalysisRunner{},
		remediation, &jobstesting.MockEstimator{}, bus, DefaultConfig(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orchestrator.Shutdown(ctx)
	})

	// 完了の読み取りと書き込みの間にストール強制エラーを割り込ませる
	var interrupted atomic.Bool
	hooked.beforeUpdate = func(job *domain.Job) {
		if job.Status == domain.StatusDone && interrupted.CompareAndSwap(false, true) {
			orchestrator.failJob(context.Background(), job.ID,
				fmt.Errorf("job stalled: no progress for %s", DefaultConfig().StallTimeout))
		}
	}

	job, err := orchestrator.SubmitFix(context.Background(), uuid.New(), "site-1",
		[]domain.IssueRef{{ID: "iss-1", EstTokens: 2000}})
	require.NoError(t, err)

	// 完了ゴルーチンが競合に負けて終わるまで待つ
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, orchestrator.Shutdown(ctx))

	// 遅れてきた完了はerror状態を上書きできない
	final, err := repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, final.Status)
	assert.Equal(t, int64(0), final.ReservedTokens)
	assert.Empty(t, final.ResultRef)
	assert.Contains(t, final.ErrorMessage, "stalled")
	assert.Equal(t, int32(1), released.Load())

	// doneステータスは配信されず、エラーは1回だけ
	for _, ev := range bus.EventsOfType(eventsdomain.TypeStatus) {
		assert.NotEqual(t, eventsdomain.StateDone, ev.State)
	}
	require.Len(t, statusErrorEvents(bus), 1)

	// 解放済みジョブのacceptは拒否され、課金は発生しない
	_, err = orchestrator.AcceptFix(context.Background(), job.ID)
	var invalid *domain.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, int32(0), committed.Load())
}

func TestProgressKeepsJobAlive(t *testing.T) {
	f := newTestFixture(t, Config{
		StallTimeout:       150 * time.Millisecond,
		WatchdogInterval:   10 * time.Millisecond,
		DefaultIssueTokens: 500,
	})

	f.analysis.RunFunc = func(ctx context.Context, _ string, progress domain.ProgressFunc) (*domain.AnalysisResult, error) {
		// ストールタイムアウトより短い間隔で進捗を報告し続ける
		for i := 0; i < 6; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
				progress(float64((i + 1) * 15))
			}
		}
		return &domain.AnalysisResult{ResultRef: "scan-results/slow.json"}, nil
	}

	job, err := f.orchestrator.SubmitScan(context.Background(), "site-1")
	require.NoError(t, err)

	f.orchestrator.StartWatchdog()

	done := f.waitForStatus(t, job.ID, domain.StatusDone)
	assert.Equal(t, "scan-results/slow.json", done.ResultRef)
}

func TestStatusUnknownJob(t *testing.T) {
	f := newTestFixture(t, DefaultConfig())

	_, err := f.orchestrator.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
