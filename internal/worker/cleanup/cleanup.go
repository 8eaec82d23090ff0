// Package cleanup は日次のメンテナンスジョブを提供する。
// 期限切れセッションを削除し、クラッシュしたワーカーが残したリース切れのクレームを解放する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/postpilot/internal/clock"
)

// SessionPurger は期限切れセッションの削除を抽象化するインターフェース。
type SessionPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ClaimReleaser はリース切れクレームの解放を抽象化するインターフェース。
type ClaimReleaser interface {
	ReleaseStaleClaims(ctx context.Context, leaseCutoff time.Time) (int64, error)
}

// AttemptPruner はウィンドウ外のレート制限試行ログの削除を抽象化するインターフェース。
type AttemptPruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Result は1回のクリーンアップの実行結果。
type Result struct {
	DeletedSessions int64 `json:"deleted_sessions"`
	ReleasedClaims  int64 `json:"released_claims"`
	PrunedAttempts  int64 `json:"pruned_attempts"`
}

// CleanupJob は期限切れデータのクリーンアップジョブ。
// 冪等であり、対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions   SessionPurger
	claims     ClaimReleaser
	clock      clock.Clock
	logger     *slog.Logger
	ClaimLease time.Duration // これより古いクレームを解放する（デフォルト: 10分）
	Attempts   AttemptPruner // nilの場合は試行ログを削除しない
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions SessionPurger, claims ClaimReleaser, clk clock.Clock, logger *slog.Logger) *CleanupJob {
	if clk == nil {
		clk = clock.Real{}
	}
	return &CleanupJob{
		sessions:   sessions,
		claims:     claims,
		clock:      clk,
		logger:     logger,
		ClaimLease: 10 * time.Minute,
	}
}

// Run はクリーンアップを1回実行する。
// セッション削除が失敗してもクレーム解放は実行し、最初のエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	now := j.clock.Now()
	result := &Result{}
	var firstErr error

	deleted, err := j.sessions.DeleteExpired(ctx, now)
	if err != nil {
		j.logger.Error("期限切れセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		firstErr = fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	} else {
		result.DeletedSessions = deleted
	}

	released, err := j.claims.ReleaseStaleClaims(ctx, now.Add(-j.ClaimLease))
	if err != nil {
		j.logger.Error("リース切れクレームの解放に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("claim_lease", j.ClaimLease),
		)
		if firstErr == nil {
			firstErr = fmt.Errorf("クレーム解放の実行に失敗: %w", err)
		}
	} else {
		result.ReleasedClaims = released
	}

	if j.Attempts != nil {
		pruned, err := j.Attempts.Prune(ctx)
		if err != nil {
			j.logger.Error("レート制限の試行ログの削除に失敗しました",
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("試行ログ削除の実行に失敗: %w", err)
			}
		} else {
			result.PrunedAttempts = pruned
		}
	}

	if firstErr != nil {
		return result, firstErr
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", result.DeletedSessions),
		slog.Int64("released_claims", result.ReleasedClaims),
		slog.Int64("pruned_attempts", result.PrunedAttempts),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, nil
}

// Start は起動直後に1回実行し、以降intervalごとに実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	j.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			j.runAndLog(ctx)
		}
	}
}

func (j *CleanupJob) runAndLog(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
