// Package producer はオートパイロットが使うコンテンツ供給源のインターフェースと
// 外部呼び出しの再試行ポリシーを定義する。
package producer

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/hitoshi/postpilot/internal/model"
)

// Discoverer はニッチに沿った元コンテンツの候補を返す。
type Discoverer interface {
	// Discover はエンゲージメントがminEngagement以上の候補を最大maxResults件、
	// エンゲージメントの高い順に返す。
	Discover(ctx context.Context, niche string, minEngagement, maxResults int) ([]model.SourceItem, error)
}

// Rewriter は元コンテンツをボイスプロファイルに合わせて書き換える。
type Rewriter interface {
	Rewrite(ctx context.Context, sourceText string, profile *model.VoiceProfile, aiModel model.AIModel) (string, error)
}

// RetryConfig は外部呼び出しの再試行設定。
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig はディスカバリとリライトで共通の再試行設定。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// Retry はretryableがtrueを返すエラーの間、fnを指数バックオフで再試行する。
// コンテキストのキャンセルとタイムアウトは再試行しない。
func Retry[T any](ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func() (T, error)) (T, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}

	policy := retrypolicy.NewBuilder[T]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool {
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			return retryable(err)
		}).
		ReturnLastFailure().
		Build()

	return failsafe.With[T](policy).WithContext(ctx).Get(fn)
}
