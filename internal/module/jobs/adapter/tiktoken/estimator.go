package tiktoken

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/getsafe360/cockpit/internal/module/jobs/domain"
)

// Estimator はtiktokenのcl100k_baseエンコーディングで
// テキストのトークン数を推定します。
type Estimator struct {
	encoding *tiktoken.Tiktoken
}

// NewEstimator は新しいEstimatorを作成します
func NewEstimator() (*Estimator, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}
	return &Estimator{encoding: encoding}, nil
}

var _ domain.TokenEstimator = (*Estimator)(nil)

// Estimate はテキストのトークン数を返します
func (e *Estimator) Estimate(text string) int {
	if e.encoding == nil {
		return 0
	}
	return len(e.encoding.Encode(text, nil, nil))
}
