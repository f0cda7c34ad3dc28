package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/getsafe360/cockpit/internal/module/jobs/domain"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 120 * time.Second
)

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set")

// RemediationRunner はOpenAI APIでフィックス内容を生成する修復ランナーです。
// 実トークン使用量はAPIレスポンスのusageから報告します。
type RemediationRunner struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewRemediationRunner は新しいRemediationRunnerを作成します
func NewRemediationRunner(apiKey, model string) (*RemediationRunner, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if model == "" {
		model = DefaultModel
	}

	return &RemediationRunner{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: DefaultTimeout,
	}, nil
}

// SetTimeout はAPIコールのタイムアウトを設定する
func (r *RemediationRunner) SetTimeout(timeout time.Duration) {
	r.timeout = timeout
}

var _ domain.RemediationRunner = (*RemediationRunner)(nil)

// Apply はイシューごとの修正内容を生成し、結果参照と実使用トークン数を返します
func (r *RemediationRunner) Apply(ctx context.Context, siteID string, issues []domain.IssueRef) (domain.RemediationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prompt := buildPrompt(siteID, issues)

	completion, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	})
	if err != nil {
		return domain.RemediationResult{}, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return domain.RemediationResult{}, fmt.Errorf("no completion choices returned")
	}

	content := completion.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return domain.RemediationResult{}, fmt.Errorf("remediation response is not valid JSON")
	}

	return domain.RemediationResult{
		// 結果本体は外部のBLOBストアに置かれる想定。ここでは参照キーを返す。
		ResultRef:    fmt.Sprintf("fix-results/%s/%d.json", siteID, time.Now().UnixNano()),
		ActualTokens: completion.Usage.TotalTokens,
	}, nil
}

func buildPrompt(siteID string, issues []domain.IssueRef) string {
	var sb strings.Builder
	sb.WriteString("Generate remediation patches for the following website issues. ")
	sb.WriteString("Respond with a JSON object mapping issue id to the suggested fix.\n")
	fmt.Fprintf(&sb, "Site: %s\n", siteID)
	for _, issue := range issues {
		fmt.Fprintf(&sb, "- [%s] %s (%s)\n", issue.ID, issue.Title, issue.Severity)
	}
	return sb.String()
}
