package crewapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getsafe360/cockpit/internal/module/jobs/domain"
)

const (
	// DefaultTimeout は解析全体のデフォルトタイムアウト
	DefaultTimeout = 10 * time.Minute

	// pollInterval はステータスポーリングの間隔
	pollInterval = 2 * time.Second
)

// AnalysisRunner はサイト解析サービス（crew service）へのHTTPクライアントです。
// 解析をキックし、完了までステータスをポーリングして進捗を報告します。
type AnalysisRunner struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewAnalysisRunner は新しいAnalysisRunnerを作成します
func NewAnalysisRunner(baseURL string, timeout time.Duration) *AnalysisRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &AnalysisRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		timeout: timeout,
	}
}

type kickoffResponse struct {
	RunID string `json:"run_id"`
}

type statusIssue struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Severity  string `json:"severity"`
	EstTokens int64  `json:"est_tokens"`
}

type statusCategory struct {
	Category string        `json:"category"`
	Issues   []statusIssue `json:"issues"`
}

type statusSavings struct {
	ScoreBefore int    `json:"score_before"`
	ScoreAfter  int    `json:"score_after"`
	TimeSaved   string `json:"time_saved"`
	CostSaved   string `json:"cost_saved"`
}

type statusResponse struct {
	State      string           `json:"state"`
	Progress   float64          `json:"progress"`
	ResultRef  string           `json:"result_ref"`
	Categories []statusCategory `json:"categories"`
	Savings    *statusSavings   `json:"savings"`
	Error      string           `json:"error"`
}

var _ domain.AnalysisRunner = (*AnalysisRunner)(nil)

// Run は解析をキックし、完了まで待ちます
func (r *AnalysisRunner) Run(ctx context.Context, siteID string, progress domain.ProgressFunc) (*domain.AnalysisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	runID, err := r.kickoff(ctx, siteID)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastProgress := -1.0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		status, err := r.fetchStatus(ctx, runID)
		if err != nil {
			return nil, err
		}

		if status.Progress > lastProgress && progress != nil {
			lastProgress = status.Progress
			progress(status.Progress)
		}

		switch status.State {
		case "completed":
			return toResult(status), nil
		case "failed":
			return nil, fmt.Errorf("analysis run failed: %s", status.Error)
		}
	}
}

func toResult(status *statusResponse) *domain.AnalysisResult {
	result := &domain.AnalysisResult{ResultRef: status.ResultRef}
	for _, category := range status.Categories {
		finding := domain.CategoryFinding{Category: category.Category}
		for _, issue := range category.Issues {
			finding.Issues = append(finding.Issues, domain.IssueRef{
				ID:        issue.ID,
				Title:     issue.Title,
				Severity:  issue.Severity,
				EstTokens: issue.EstTokens,
			})
		}
		result.Findings = append(result.Findings, finding)
	}
	if status.Savings != nil {
		result.Savings = &domain.SavingsEstimate{
			ScoreBefore: status.Savings.ScoreBefore,
			ScoreAfter:  status.Savings.ScoreAfter,
			TimeSaved:   status.Savings.TimeSaved,
			CostSaved:   status.Savings.CostSaved,
		}
	}
	return result
}

func (r *AnalysisRunner) kickoff(ctx context.Context, siteID string) (string, error) {
	body := strings.NewReader(fmt.Sprintf(`{"site_id":%q}`, siteID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/kickoff", body)
	if err != nil {
		return "", fmt.Errorf("failed to build kickoff request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kickoff request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("kickoff returned status %d", resp.StatusCode)
	}

	var kr kickoffResponse
	if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
		return "", fmt.Errorf("failed to decode kickoff response: %w", err)
	}
	if kr.RunID == "" {
		return "", fmt.Errorf("kickoff response missing run_id")
	}
	return kr.RunID, nil
}

func (r *AnalysisRunner) fetchStatus(ctx context.Context, runID string) (*statusResponse, error) {
	endpoint := r.baseURL + "/api/status/" + url.PathEscape(runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status returned %d", resp.StatusCode)
	}

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &sr, nil
}
