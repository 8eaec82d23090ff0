// Package analytics は投稿済み予約投稿のエンゲージメント取得と集計を提供する。
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/metrics"
	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/repository"
)

// maxIDsPerRequest は1回のメトリクス取得で指定できる投稿IDの上限。
const maxIDsPerRequest = 100

// MetricsLookup は外部投稿IDから公開メトリクスを取得するインターフェース。
// テスト時にモックに差し替え可能。
type MetricsLookup interface {
	LookupMetrics(ctx context.Context, ids []string) (map[string]model.EngagementMetrics, error)
}

// BatchConfig はバッチジョブの設定パラメータ。
type BatchConfig struct {
	// Interval はバッチジョブの実行間隔（デフォルト: 30分）。
	Interval time.Duration
	// APIInterval はAPI呼び出しの最低間隔（デフォルト: 1秒）。
	APIInterval time.Duration
	// MaxCallsPerCycle は1サイクルあたりの最大API呼び出し回数（デフォルト: 10）。
	MaxCallsPerCycle int
	// TTL はメトリクスの再取得間隔（デフォルト: 6時間）。
	TTL time.Duration
	// Lookback はこれより前に投稿されたものを対象外にする期間（デフォルト: 30日）。
	Lookback time.Duration
}

// DefaultBatchConfig はデフォルトのバッチジョブ設定を返す。
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Interval:         30 * time.Minute,
		APIInterval:      time.Second,
		MaxCallsPerCycle: 10,
		TTL:              6 * time.Hour,
		Lookback:         30 * 24 * time.Hour,
	}
}

// BatchJob は投稿済み予約投稿のエンゲージメントを定期的に更新する。
// metrics_fetched_atが未設定またはTTLを過ぎたものを対象に、
// 100件単位で公開メトリクスを取得する。
type BatchJob struct {
	repo              repository.ScheduledPostRepository
	client            MetricsLookup
	clock             clock.Clock
	metrics           metrics.MetricsCollector
	logger            *slog.Logger
	config            BatchConfig
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewBatchJob はBatchJobの新しいインスタンスを生成する。
func NewBatchJob(
	repo repository.ScheduledPostRepository,
	client MetricsLookup,
	clk clock.Clock,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config BatchConfig,
) *BatchJob {
	if clk == nil {
		clk = clock.Real{}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &BatchJob{
		repo:    repo,
		client:  client,
		clock:   clk,
		metrics: collector,
		logger:  logger,
		config:  config,
	}
}

// Start はバッチジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (b *BatchJob) Start(ctx context.Context) {
	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	b.logger.Info("エンゲージメント取得バッチジョブを開始しました",
		slog.Duration("interval", b.config.Interval),
		slog.Int("max_calls_per_cycle", b.config.MaxCallsPerCycle),
	)

	b.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("エンゲージメント取得バッチジョブを停止しました")
			return
		case <-ticker.C:
			b.runAndLog(ctx)
		}
	}
}

func (b *BatchJob) runAndLog(ctx context.Context) {
	if err := b.RunOnce(ctx); err != nil && ctx.Err() == nil {
		b.logger.Error("エンゲージメント取得バッチサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は1回のバッチサイクルを実行する。
func (b *BatchJob) RunOnce(ctx context.Context) error {
	start := time.Now()
	now := b.clock.Now()

	// バックオフ中の場合はスキップ
	if !b.backoffUntil.IsZero() && now.Before(b.backoffUntil) {
		b.logger.Info("エンゲージメント取得バッチジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", b.backoffUntil),
		)
		return nil
	}

	fetchLimit := b.config.MaxCallsPerCycle * maxIDsPerRequest
	posts, err := b.repo.ListPostedForMetrics(ctx, now.Add(-b.config.TTL), now.Add(-b.config.Lookback), fetchLimit)
	if err != nil {
		return fmt.Errorf("エンゲージメント取得対象の取得に失敗しました: %w", err)
	}
	if len(posts) == 0 {
		b.logger.Debug("エンゲージメント取得対象の投稿はありません")
		return nil
	}

	// 外部ID → 予約投稿IDのマッピング
	externalToIDs := make(map[string][]string)
	var externalIDs []string
	for _, sp := range posts {
		if sp.ExternalID == "" {
			continue
		}
		if _, ok := externalToIDs[sp.ExternalID]; !ok {
			externalIDs = append(externalIDs, sp.ExternalID)
		}
		externalToIDs[sp.ExternalID] = append(externalToIDs[sp.ExternalID], sp.ID)
	}

	b.logger.Info("エンゲージメント取得バッチサイクルを開始します",
		slog.Int("target_posts", len(externalIDs)),
	)

	var apiCallCount, updatedCount int
	var hadError bool

	for i := 0; i < len(externalIDs); i += maxIDsPerRequest {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apiCallCount >= b.config.MaxCallsPerCycle {
			b.logger.Info("1サイクルあたりの最大API呼び出し回数に達しました",
				slog.Int("api_call_count", apiCallCount),
			)
			break
		}

		// API呼び出しインターバル（初回は待たない）
		if apiCallCount > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.config.APIInterval):
			}
		}

		chunk := externalIDs[i:min(i+maxIDsPerRequest, len(externalIDs))]
		apiCallCount++

		found, err := b.client.LookupMetrics(ctx, chunk)
		if err != nil {
			b.logger.Error("メトリクス取得APIの呼び出しに失敗しました",
				slog.String("error", err.Error()),
				slog.Int("chunk_size", len(chunk)),
			)
			hadError = true
			b.consecutiveErrors++
			if backoff := calculateErrorBackoff(b.consecutiveErrors); backoff > 0 {
				b.backoffUntil = b.clock.Now().Add(backoff)
				b.logger.Warn("連続エラーによりバックオフを適用します",
					slog.Int("consecutive_errors", b.consecutiveErrors),
					slog.Duration("backoff_duration", backoff),
				)
				break
			}
			continue
		}

		// レスポンスに含まれない投稿（削除済みなど）は0件として記録し、TTLまで再取得しない
		fetchedAt := b.clock.Now()
		for _, externalID := range chunk {
			m := found[externalID]
			for _, id := range externalToIDs[externalID] {
				if err := b.repo.UpdateMetrics(ctx, id, m, fetchedAt); err != nil {
					b.logger.Error("エンゲージメントの更新に失敗しました",
						slog.String("scheduled_post_id", id),
						slog.String("external_id", externalID),
						slog.String("error", err.Error()),
					)
					continue
				}
				updatedCount++
			}
		}
	}

	if !hadError {
		b.consecutiveErrors = 0
		b.backoffUntil = time.Time{}
	}

	b.metrics.RecordMetricsRefreshed(updatedCount)
	b.logger.Info("エンゲージメント取得バッチサイクルが完了しました",
		slog.Int("api_call_count", apiCallCount),
		slog.Int("updated_posts", updatedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
