package dispatch

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/postpilot/internal/model"
)

// maxJitterRatio はバックオフ遅延に加えるジッターの上限割合。
const maxJitterRatio = 0.1

// CalculateBackoff は試行回数に基づいて指数バックオフ遅延を計算する。
// 初回はbase、以降2倍ずつ増加し、limitで頭打ちになる。
func CalculateBackoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// randomJitter は[0, d*maxJitterRatio)の範囲のジッターを返す。
func randomJitter(d time.Duration) time.Duration {
	n := int64(float64(d) * maxJitterRatio)
	if n <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(n))
}

// classifyPublishError は公開エラーをOutcomeに分類する。
// ErrPermanentPublish以外はすべて一時的失敗として扱う。
func classifyPublishError(err error, retryAt time.Time) model.Outcome {
	if errors.Is(err, model.ErrPermanentPublish) {
		return model.PermanentFailure{Reason: err.Error()}
	}
	return model.TransientFailure{Reason: err.Error(), RetryAt: retryAt}
}
