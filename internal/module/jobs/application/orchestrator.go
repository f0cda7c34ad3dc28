package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	eventsdomain "github.com/getsafe360/cockpit/internal/module/events/domain"
	"github.com/getsafe360/cockpit/internal/module/jobs/domain"
)

// Config はOrchestratorの実行設定です
type Config struct {
	// StallTimeout は進捗報告が途絶えたrunningジョブを
	// 強制エラーにするまでの時間
	StallTimeout time.Duration

	// WatchdogInterval はストール検出の実行間隔
	WatchdogInterval time.Duration

	// DefaultIssueTokens は見積り不能なイシューに割り当てるトークン数
	DefaultIssueTokens int64
}

// DefaultConfig はデフォルトの実行設定を返します
func DefaultConfig() Config {
	return Config{
		StallTimeout:       3 * time.Minute,
		WatchdogInterval:   15 * time.Second,
		DefaultIssueTokens: 500,
	}
}

// Orchestrator はジョブのライフサイクルを駆動します。
// 状態遷移・台帳操作・イベント発行はすべてここを通ります。
type Orchestrator struct {
	repo        domain.Repository
	ledger      domain.TokenLedger
	analysis    domain.AnalysisRunner
	remediation domain.RemediationRunner
	estimator   domain.TokenEstimator
	bus         eventsdomain.Bus
	cfg         Config
	logger      *slog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	watchdogOnce sync.Once
	watchdogDone chan struct{}
}

// NewOrchestrator は新しいOrchestratorを作成します
func NewOrchestrator(
	repo domain.Repository,
	ledger domain.TokenLedger,
	analysis domain.AnalysisRunner,
	remediation domain.RemediationRunner,
	estimator domain.TokenEstimator,
	bus eventsdomain.Bus,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultConfig().StallTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultConfig().WatchdogInterval
	}
	if cfg.DefaultIssueTokens <= 0 {
		cfg.DefaultIssueTokens = DefaultConfig().DefaultIssueTokens
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		repo:         repo,
		ledger:       ledger,
		analysis:     analysis,
		remediation:  remediation,
		estimator:    estimator,
		bus:          bus,
		cfg:          cfg,
		logger:       logger,
		runCtx:       runCtx,
		cancelRun:    cancel,
		watchdogDone: make(chan struct{}),
	}
}

// SubmitScan はスキャンジョブを作成し、非同期に実行を開始します
func (o *Orchestrator) SubmitScan(ctx context.Context, siteID string) (*domain.Job, error) {
	now := time.Now().UTC()
	job := &domain.Job{
		ID:             uuid.New(),
		Kind:           domain.KindScan,
		SiteID:         siteID,
		Status:         domain.StatusQueued,
		Revision:       1,
		LastProgressAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := o.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create scan job: %w", err)
	}

	o.publishStatus(job)
	o.dispatch(job.ID, o.runScan)

	o.logger.Info("scan job submitted", "jobId", job.ID, "siteId", siteID)
	return job, nil
}

// SubmitFix はフィックスジョブを作成し、非同期に実行を開始します。
// トークンの予約が通らない場合、ジョブは一切作成されません。
func (o *Orchestrator) SubmitFix(ctx context.Context, teamID uuid.UUID, siteID string, issues []domain.IssueRef) (*domain.Job, error) {
	if len(issues) == 0 {
		return nil, fmt.Errorf("at least one issue is required")
	}

	// 同一サイト+イシューに対する実行中ジョブは1つまで
	for _, issue := range issues {
		existing, err := o.repo.FindActiveFix(ctx, siteID, issue.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check active fix jobs: %w", err)
		}
		if existing != nil {
			return nil, &domain.DuplicateJobError{SiteID: siteID, IssueID: issue.ID}
		}
	}

	estimated := o.estimateIssues(issues)
	total := domain.EstimatedTokens(estimated)

	reservationID, err := o.ledger.Reserve(ctx, teamID, total)
	if err != nil {
		// 残高不足は呼び出し元へそのまま返す（ジョブは作らない）
		return nil, err
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:             uuid.New(),
		Kind:           domain.KindFix,
		TeamID:         teamID,
		SiteID:         siteID,
		Issues:         estimated,
		Status:         domain.StatusQueued,
		ReservedTokens: total,
		ReservationID:  reservationID,
		Revision:       1,
		LastProgressAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := o.repo.Create(ctx, job); err != nil {
		// ジョブが作れなかった予約は残してはいけない
		if relErr := o.ledger.Release(ctx, teamID, reservationID); relErr != nil {
			o.logger.Error("failed to release reservation after create failure",
				"teamId", teamID, "reservationId", reservationID, "error", relErr)
		}
		return nil, fmt.Errorf("failed to create fix job: %w", err)
	}

	o.publishStatus(job)
	o.dispatch(job.ID, o.runFix)

	o.logger.Info("fix job submitted",
		"jobId", job.ID, "siteId", siteID, "issues", len(estimated), "reservedTokens", total)
	return job, nil
}

// AcceptFix は完了したフィックスを確定し、実使用量を課金します
func (o *Orchestrator) AcceptFix(ctx context.Context, jobID uuid.UUID) (int64, error) {
	job, err := o.repo.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Kind != domain.KindFix {
		return 0, fmt.Errorf("job %s is not a fix job", jobID)
	}

	now := time.Now().UTC()
	if err := job.TransitionTo(domain.StatusAccepted, now); err != nil {
		return 0, err
	}

	// 先にCASで遷移を確定させる。競合に負けたら課金しない。
	job.ReservedTokens = 0
	if err := o.repo.Update(ctx, job); err != nil {
		if errors.Is(err, domain.ErrRevisionConflict) {
			return 0, fmt.Errorf("job %s was updated concurrently: %w", jobID, err)
		}
		return 0, fmt.Errorf("failed to update job: %w", err)
	}

	if err := o.ledger.Commit(ctx, job.TeamID, job.ReservationID, job.ActualTokens); err != nil {
		return 0, fmt.Errorf("failed to commit reservation: %w", err)
	}

	o.publish(job, eventsdomain.Event{
		Type:    eventsdomain.TypeRepair,
		State:   eventsdomain.StateRepaired,
		Message: fmt.Sprintf("%d fixes applied", len(job.Issues)),
	})

	available, err := o.ledger.Balance(ctx, job.TeamID)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}

	o.logger.Info("fix job accepted", "jobId", jobID, "chargedTokens", job.ActualTokens)
	return available, nil
}

// CancelFix は完了したフィックスを取り消し、予約を解放します
func (o *Orchestrator) CancelFix(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Kind != domain.KindFix {
		return fmt.Errorf("job %s is not a fix job", jobID)
	}

	now := time.Now().UTC()
	if err := job.TransitionTo(domain.StatusCanceled, now); err != nil {
		return err
	}

	// 先にCASで遷移を確定させる。競合に負けたら解放しない。
	job.ReservedTokens = 0
	if err := o.repo.Update(ctx, job); err != nil {
		if errors.Is(err, domain.ErrRevisionConflict) {
			return fmt.Errorf("job %s was updated concurrently: %w", jobID, err)
		}
		return fmt.Errorf("failed to update job: %w", err)
	}

	if err := o.ledger.Release(ctx, job.TeamID, job.ReservationID); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}

	o.publishStatus(job)

	o.logger.Info("fix job canceled", "jobId", jobID)
	return nil
}

// Status はジョブの現在状態を返します（RESTフォールバック用）
func (o *Orchestrator) Status(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	return o.repo.Get(ctx, jobID)
}

// Result はジョブの結果参照を返します。完了前はErrResultNotReadyです。
func (o *Orchestrator) Result(ctx context.Context, jobID uuid.UUID) (string, error) {
	job, err := o.repo.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.ResultRef == "" {
		return "", domain.ErrResultNotReady
	}
	return job.ResultRef, nil
}

// ListBySite はサイトのジョブ履歴を返します
func (o *Orchestrator) ListBySite(ctx context.Context, siteID string) ([]*domain.Job, error) {
	return o.repo.ListBySite(ctx, siteID)
}

// StartWatchdog はストール検出ループを起動します
func (o *Orchestrator) StartWatchdog() {
	o.watchdogOnce.Do(func() {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer close(o.watchdogDone)

			ticker := time.NewTicker(o.cfg.WatchdogInterval)
			defer ticker.Stop()

			for {
				select {
				case <-o.runCtx.Done():
					return
				case <-ticker.C:
					o.reapStalled()
				}
			}
		}()
	})
}

// Shutdown は新規実行を止め、実行中のジョブの完了を待ちます
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancelRun()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- 内部実装 ---

func (o *Orchestrator) estimateIssues(issues []domain.IssueRef) []domain.IssueRef {
	out := make([]domain.IssueRef, len(issues))
	for i, issue := range issues {
		if issue.EstTokens <= 0 {
			issue.EstTokens = o.cfg.DefaultIssueTokens
			if o.estimator != nil && issue.Title != "" {
				if est := o.estimator.Estimate(issue.Title); est > 0 {
					// タイトルのトークン数から修復コストを粗く見積もる
					issue.EstTokens = int64(est) * 25
				}
			}
		}
		out[i] = issue
	}
	return out
}

func (o *Orchestrator) dispatch(jobID uuid.UUID, run func(context.Context, uuid.UUID)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		run(o.runCtx, jobID)
	}()
}

func (o *Orchestrator) runScan(ctx context.Context, jobID uuid.UUID) {
	job, ok := o.moveToRunning(ctx, jobID)
	if !ok {
		return
	}

	result, err := o.analysis.Run(ctx, job.SiteID, func(percent float64) {
		o.reportProgress(ctx, jobID, percent)
	})
	if err != nil {
		o.failJob(ctx, jobID, &domain.CollaboratorError{Op: "analysis", Err: err})
		return
	}

	done, ok := o.completeJob(ctx, jobID, result.ResultRef, 0)
	if !ok {
		return
	}
	o.publishFindings(done, result)
}

func (o *Orchestrator) runFix(ctx context.Context, jobID uuid.UUID) {
	job, ok := o.moveToRunning(ctx, jobID)
	if !ok {
		return
	}

	result, err := o.remediation.Apply(ctx, job.SiteID, job.Issues)
	if err != nil {
		o.failJob(ctx, jobID, &domain.CollaboratorError{Op: "remediation", Err: err})
		return
	}

	o.completeJob(ctx, jobID, result.ResultRef, result.ActualTokens)
}

func (o *Orchestrator) moveToRunning(ctx context.Context, jobID uuid.UUID) (*domain.Job, bool) {
	job, err := o.repo.Get(ctx, jobID)
	if err != nil {
		o.logger.Error("failed to load job for dispatch", "jobId", jobID, "error", err)
		return nil, false
	}
	if job.Status != domain.StatusQueued {
		// ウォッチドッグ等で既に終端化されている
		return nil, false
	}

	now := time.Now().UTC()
	if err := job.TransitionTo(domain.StatusRunning, now); err != nil {
		o.logger.Error("failed to transition job to running", "jobId", jobID, "error", err)
		return nil, false
	}
	job.LastProgressAt = now
	if err := o.repo.Update(ctx, job); err != nil {
		if errors.Is(err, domain.ErrRevisionConflict) {
			o.logger.Debug("dispatch skipped: job updated concurrently", "jobId", jobID)
			return nil, false
		}
		o.logger.Error("failed to persist running transition", "jobId", jobID, "error", err)
		return nil, false
	}

	o.publishStatus(job)
	return job, true
}

func (o *Orchestrator) reportProgress(ctx context.Context, jobID uuid.UUID, percent float64) {
	job, err := o.repo.Get(ctx, jobID)
	if err != nil || job.Status != domain.StatusRunning {
		return
	}

	job.TouchProgress(time.Now().UTC())
	if err := o.repo.Update(ctx, job); err != nil {
		// 直前に終端化されたジョブを進捗でrunningに戻してはいけない
		if errors.Is(err, domain.ErrRevisionConflict) {
			return
		}
		o.logger.Warn("failed to persist progress", "jobId", jobID, "error", err)
		return
	}

	o.publish(job, eventsdomain.Event{
		Type:     eventsdomain.TypeProgress,
		State:    eventsdomain.StateRunning,
		Progress: percent,
	})
}

// completeJob はrunning→doneの遷移を適用します。
// フィックスジョブの予約はaccept/cancelまで保持されたままです。
func (o *Orchestrator) completeJob(ctx context.Context, jobID uuid.UUID, resultRef string, actualTokens int64) (*domain.Job, bool) {
	job, err := o.repo.Get(ctx, jobID)
	if err != nil {
		o.logger.Error("failed to load job for completion", "jobId", jobID, "error", err)
		return nil, false
	}
	if job.Status != domain.StatusRunning {
		// ストール強制エラーと競合した場合、結果は破棄する
		o.logger.Warn("completion ignored: job no longer running",
			"jobId", jobID, "status", job.Status)
		return nil, false
	}

	now := time.Now().UTC()
	if err := job.TransitionTo(domain.StatusDone, now); err != nil {
		o.logger.Error("failed to transition job to done", "jobId", jobID, "error", err)
		return nil, false
	}
	job.ResultRef = resultRef
	job.ActualTokens = actualTokens
	if err := o.repo.Update(ctx, job); err != nil {
		if errors.Is(err, domain.ErrRevisionConflict) {
			// 読み取り後にストール強制エラーが先行した。結果は破棄する。
			o.logger.Warn("completion discarded: job updated concurrently", "jobId", jobID)
			return nil, false
		}
		o.logger.Error("failed to persist done transition", "jobId", jobID, "error", err)
		return nil, false
	}

	o.publishStatus(job)
	o.logger.Info("job completed", "jobId", jobID, "kind", job.Kind, "resultRef", resultRef)
	return job, true
}

// failJob はrunning/queued→errorの遷移を適用し、
// フィックスジョブの予約を必ず解放します。
func (o *Orchestrator) failJob(ctx context.Context, jobID uuid.UUID, cause error) {
	job, err := o.repo.Get(ctx, jobID)
	if err != nil {
		o.logger.Error("failed to load job for failure", "jobId", jobID, "error", err)
		return
	}
	if job.Terminal() {
		return
	}

	now := time.Now().UTC()
	if err := job.TransitionTo(domain.StatusError, now); err != nil {
		o.logger.Error("failed to transition job to error", "jobId", jobID, "error", err)
		return
	}
	job.ErrorMessage = cause.Error()

	releaseReservation := job.Kind == domain.KindFix && job.ReservationID != uuid.Nil
	if releaseReservation {
		job.ReservedTokens = 0
	}

	// 先にCASで終端化を確定させる。競合に負けたら別の書き込みが
	// 先行しているので、解放もイベント発行もしない。
	if err := o.repo.Update(ctx, job); err != nil {
		if errors.Is(err, domain.ErrRevisionConflict) {
			o.logger.Debug("failure skipped: job updated concurrently", "jobId", jobID)
			return
		}
		o.logger.Error("failed to persist error transition", "jobId", jobID, "error", err)
		return
	}

	if releaseReservation {
		if err := o.ledger.Release(ctx, job.TeamID, job.ReservationID); err != nil {
			o.logger.Error("failed to release reservation for failed job",
				"jobId", jobID, "reservationId", job.ReservationID, "error", err)
		}
	}

	o.publish(job, eventsdomain.Event{
		Type:    eventsdomain.TypeStatus,
		State:   eventsdomain.StateError,
		Message: job.ErrorMessage,
	})

	o.logger.Warn("job failed", "jobId", jobID, "kind", job.Kind, "error", cause)
}

func (o *Orchestrator) reapStalled() {
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-o.cfg.StallTimeout)

	stalled, err := o.repo.ListStalled(ctx, cutoff)
	if err != nil {
		o.logger.Error("stall detection failed", "error", err)
		return
	}

	for _, job := range stalled {
		o.failJob(ctx, job.ID, fmt.Errorf("job stalled: no progress for %s", o.cfg.StallTimeout))
	}
}

// publishFindings は解析結果のカテゴリ別イシューと改善サマリを配信します
func (o *Orchestrator) publishFindings(job *domain.Job, result *domain.AnalysisResult) {
	for _, finding := range result.Findings {
		issues := make([]eventsdomain.CategoryIssue, len(finding.Issues))
		for i, issue := range finding.Issues {
			issues[i] = eventsdomain.CategoryIssue{
				ID:        issue.ID,
				Severity:  issue.Severity,
				Title:     issue.Title,
				EstTokens: issue.EstTokens,
			}
		}
		o.publish(job, eventsdomain.Event{
			Type:     eventsdomain.TypeCategory,
			Category: finding.Category,
			Issues:   issues,
		})
	}

	if result.Savings != nil {
		o.publish(job, eventsdomain.Event{
			Type: eventsdomain.TypeSavings,
			Savings: &eventsdomain.Savings{
				ScoreBefore: result.Savings.ScoreBefore,
				ScoreAfter:  result.Savings.ScoreAfter,
				TimeSaved:   result.Savings.TimeSaved,
				CostSaved:   result.Savings.CostSaved,
			},
		})
	}
}

func (o *Orchestrator) publishStatus(job *domain.Job) {
	o.publish(job, eventsdomain.Event{
		Type:  eventsdomain.TypeStatus,
		State: string(job.Status),
	})
}

func (o *Orchestrator) publish(job *domain.Job, event eventsdomain.Event) {
	event.SiteID = job.SiteID
	event.JobID = job.ID.String()
	event.Revision = job.Revision
	event = event.Fingerprint(time.Now())

	if err := o.bus.Publish(job.SiteID, event); err != nil {
		// イベント配信はベストエフォート。失敗してもジョブは進める。
		o.logger.Debug("event publish failed", "siteId", job.SiteID, "type", event.Type, "error", err)
	}
}
