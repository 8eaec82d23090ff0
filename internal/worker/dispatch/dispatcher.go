// Package dispatch は予約投稿の配信処理を提供する。
// 一定間隔で配信対象をクレームし、認証情報とレート制限を確認して公開し、
// 結果を予約投稿に書き戻す。
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/credential"
	"github.com/hitoshi/postpilot/internal/metrics"
	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/publisher"
	"github.com/hitoshi/postpilot/internal/ratelimit"
	"github.com/hitoshi/postpilot/internal/repository"
)

// writeBackTimeout は結果の書き戻しに使うタイムアウト。
// スキャンのコンテキストがキャンセルされても書き戻しは行う。
const writeBackTimeout = 10 * time.Second

// CredentialSource は配信時に認証情報を取得するインターフェース。
// 存在しない場合はmodel.ErrNotFoundを返す。
type CredentialSource interface {
	Get(ctx context.Context, accountID string) (*model.Credential, error)
}

// Publisher は投稿を外部サービスに公開するインターフェース。
// エラーはmodel.ErrTransientPublishかmodel.ErrPermanentPublishをラップする。
type Publisher interface {
	Publish(ctx context.Context, token model.Secret, content string) (*publisher.PublishResult, error)
}

// Config はDispatcherの設定を保持する。
type Config struct {
	Interval       time.Duration // スキャン間隔
	MaxConcurrency int           // 同時に処理する予約投稿の最大数
	BatchSize      int           // 1回のスキャンでクレームする最大件数
	ClaimLease     time.Duration // この時間を過ぎたクレームは放棄されたものとみなす
	PublishTimeout time.Duration // 公開呼び出しのタイムアウト
	MaxAttempts    int           // 一時的失敗を含めた試行回数の上限
	BackoffBase    time.Duration // リトライ遅延の初期値
	BackoffMax     time.Duration // リトライ遅延の上限
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:       60 * time.Second,
		MaxConcurrency: 10,
		BatchSize:      500,
		ClaimLease:     10 * time.Minute,
		PublishTimeout: 30 * time.Second,
		MaxAttempts:    3,
		BackoffBase:    time.Minute,
		BackoffMax:     30 * time.Minute,
	}
}

// withDefaults は0以下の項目をデフォルト値で補う。
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = def.ClaimLease
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	return c
}

// claimLimit は1回のスキャンでクレームする件数を返す。
// 最後の1件がリース期限内に処理を開始できる件数までBatchSizeを絞る。
func (c Config) claimLimit() int {
	waves := int(c.ClaimLease / (c.PublishTimeout + writeBackTimeout))
	if waves < 1 {
		waves = 1
	}
	limit := waves * c.MaxConcurrency
	if limit > c.BatchSize {
		return c.BatchSize
	}
	return limit
}

// ScanResult は1回のスキャンの集計結果。
type ScanResult struct {
	Claimed   int `json:"claimed"`
	Posted    int `json:"posted"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Deferred  int `json:"deferred"`
	ClaimLost int `json:"claim_lost"`
}

func (r *ScanResult) add(label string) {
	switch label {
	case metrics.OutcomePosted:
		r.Posted++
	case metrics.OutcomeFailed, metrics.OutcomeCredentialUnavailable:
		r.Failed++
	case metrics.OutcomeRetried:
		r.Retried++
	case metrics.OutcomeDeferred:
		r.Deferred++
	case metrics.OutcomeClaimLost:
		r.ClaimLost++
	}
}

// Dispatcher は予約投稿の配信を行う。
// 複数インスタンスで同時に動作しても、クレームにより同じ予約投稿を二重に公開しない。
type Dispatcher struct {
	repo      repository.ScheduledPostRepository
	creds     CredentialSource
	limiter   ratelimit.Limiter
	publisher Publisher
	clock     clock.Clock
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config
	jitter    func(time.Duration) time.Duration
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
func NewDispatcher(
	repo repository.ScheduledPostRepository,
	creds CredentialSource,
	limiter ratelimit.Limiter,
	pub Publisher,
	clk clock.Clock,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Dispatcher{
		repo:      repo,
		creds:     creds,
		limiter:   limiter,
		publisher: pub,
		clock:     clk,
		metrics:   collector,
		logger:    logger,
		tracer:    otel.Tracer("postpilot/dispatch"),
		cfg:       cfg.withDefaults(),
		jitter:    randomJitter,
	}
}

// Start はcfg.Interval間隔のティッカーで配信スキャンを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("配信スケジューラを開始しました",
		slog.Duration("interval", d.cfg.Interval),
		slog.Int("max_concurrency", d.cfg.MaxConcurrency),
	)

	// 起動直後に1回実行
	d.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("配信スケジューラを停止しました")
			return
		case <-ticker.C:
			d.runAndLog(ctx)
		}
	}
}

func (d *Dispatcher) runAndLog(ctx context.Context) {
	if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("配信スキャンの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は配信対象の予約投稿を1回クレームし、並列で配信する。
// semaphoreパターンで最大並列数を制御する。
func (d *Dispatcher) RunOnce(ctx context.Context) (*ScanResult, error) {
	start := time.Now()
	now := d.clock.Now()

	posts, err := d.repo.ClaimDue(ctx, repository.ClaimRequest{
		Now:         now,
		Token:       uuid.NewString(),
		LeaseCutoff: now.Add(-d.cfg.ClaimLease),
		Limit:       d.cfg.claimLimit(),
	})
	if err != nil {
		return nil, err
	}

	result := &ScanResult{Claimed: len(posts)}
	if len(posts) == 0 {
		d.logger.Debug("配信対象の予約投稿はありません")
		d.metrics.RecordDispatchScan(0, time.Since(start))
		return result, nil
	}

	d.logger.Info("配信スキャンを開始します",
		slog.Int("claimed", len(posts)),
	)

	labels := make([]string, len(posts))
	sem := make(chan struct{}, d.cfg.MaxConcurrency)
	var wg sync.WaitGroup

	for i, sp := range posts {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, sp *model.ScheduledPost) {
			defer wg.Done()
			defer func() { <-sem }()
			labels[i] = d.dispatchOne(ctx, sp)
		}(i, sp)
	}

	wg.Wait()

	for _, label := range labels {
		result.add(label)
		d.metrics.RecordDispatchOutcome(label)
	}

	duration := time.Since(start)
	d.metrics.RecordDispatchScan(len(posts), duration)
	d.logger.Info("配信スキャンが完了しました",
		slog.Int("claimed", result.Claimed),
		slog.Int("posted", result.Posted),
		slog.Int("failed", result.Failed),
		slog.Int("retried", result.Retried),
		slog.Int("deferred", result.Deferred),
		slog.Int("claim_lost", result.ClaimLost),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return result, nil
}

// dispatchOne はクレーム済みの予約投稿1件を処理し、結果ラベルを返す。
func (d *Dispatcher) dispatchOne(ctx context.Context, sp *model.ScheduledPost) string {
	ctx, span := d.tracer.Start(ctx, "dispatch.publish",
		trace.WithAttributes(
			attribute.String("scheduled_post_id", sp.ID),
			attribute.String("account_id", sp.AccountID),
			attribute.Int("attempt_count", sp.AttemptCount),
		))
	defer span.End()

	outcome, err := d.decide(ctx, sp)
	if errors.Is(err, model.ErrClaimLost) {
		d.logger.Warn("クレームが失効していたため公開しませんでした",
			slog.String("scheduled_post_id", sp.ID),
			slog.String("account_id", sp.AccountID),
		)
		span.SetStatus(codes.Error, err.Error())
		return metrics.OutcomeClaimLost
	}

	tr, err := sp.Next(outcome, d.cfg.MaxAttempts)
	if err != nil {
		// ClaimDueはpendingのみを返すため通常は到達しない
		d.logger.Error("予約投稿の状態遷移を決定できません",
			slog.String("scheduled_post_id", sp.ID),
			slog.String("error", err.Error()),
		)
		span.SetStatus(codes.Error, err.Error())
		return metrics.OutcomeClaimLost
	}

	// 公開済みの結果は必ず書き戻す
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
	defer cancel()

	if err := d.repo.Complete(wctx, sp.ID, sp.ClaimToken, tr, d.clock.Now()); err != nil {
		if errors.Is(err, model.ErrClaimLost) {
			d.logger.Warn("クレームが失われたため結果を書き戻しませんでした",
				slog.String("scheduled_post_id", sp.ID),
				slog.String("status", string(tr.Status)),
			)
		} else {
			d.logger.Error("配信結果の書き戻しに失敗しました",
				slog.String("scheduled_post_id", sp.ID),
				slog.String("status", string(tr.Status)),
				slog.String("error", err.Error()),
			)
		}
		span.SetStatus(codes.Error, err.Error())
		return metrics.OutcomeClaimLost
	}

	label := outcomeLabel(outcome, tr)
	span.SetAttributes(attribute.String("outcome", label))
	d.logTransition(sp, tr, label)
	if tr.Status == model.StatusFailed {
		span.SetStatus(codes.Error, tr.LastError)
	}
	return label
}

// decide は認証情報とレート制限を確認し、許可された場合は公開してOutcomeを返す。
// 公開前にクレームが失効していた場合はmodel.ErrClaimLostを返す。
func (d *Dispatcher) decide(ctx context.Context, sp *model.ScheduledPost) (model.Outcome, error) {
	if ctx.Err() != nil {
		return model.Deferred{Reason: "dispatcher shutting down"}, nil
	}

	cred, err := d.creds.Get(ctx, sp.AccountID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return model.CredentialUnavailable{}, nil
	case errors.Is(err, credential.ErrInvalidCiphertext):
		// 鍵の設定ミスでも発生する。終端にはせず次回スキャンに回す
		d.logger.Error("認証情報を復号できないため次回スキャンに延期します",
			slog.String("scheduled_post_id", sp.ID),
			slog.String("account_id", sp.AccountID),
			slog.String("error", err.Error()),
		)
		return model.Deferred{Reason: "credential undecryptable"}, nil
	case err != nil:
		d.logger.Warn("認証情報の取得に失敗したため次回スキャンに延期します",
			slog.String("scheduled_post_id", sp.ID),
			slog.String("account_id", sp.AccountID),
			slog.String("error", err.Error()),
		)
		return model.Deferred{Reason: "credential store error"}, nil
	case !cred.IsUsable(d.clock.Now()):
		return model.CredentialUnavailable{}, nil
	}

	// 待機中にリースが切れて別のワーカーが再クレームしていないことを確認する
	now := d.clock.Now()
	if err := d.repo.RenewClaim(ctx, sp.ID, sp.ClaimToken, now, now.Add(-d.cfg.ClaimLease)); err != nil {
		if errors.Is(err, model.ErrClaimLost) {
			return nil, err
		}
		d.logger.Warn("クレームの確認に失敗したため次回スキャンに延期します",
			slog.String("scheduled_post_id", sp.ID),
			slog.String("error", err.Error()),
		)
		return model.Deferred{Reason: "claim renewal failed"}, nil
	}

	if !d.limiter.TryAcquire(ctx, sp.AccountID) {
		return model.Deferred{Reason: "rate limited"}, nil
	}

	pctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	start := time.Now()
	res, err := d.publisher.Publish(pctx, cred.AccessToken, sp.Content)
	cancel()
	d.metrics.RecordPublishLatency(time.Since(start))

	if err != nil {
		attempt := sp.AttemptCount + 1
		delay := CalculateBackoff(d.cfg.BackoffBase, d.cfg.BackoffMax, attempt)
		retryAt := d.clock.Now().Add(delay + d.jitter(delay))
		return classifyPublishError(err, retryAt), nil
	}

	publishedAt := res.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = d.clock.Now()
	}
	return model.Published{ExternalID: res.ExternalID, PublishedAt: publishedAt}, nil
}

// outcomeLabel はOutcomeと遷移結果からメトリクス用のラベルを返す。
func outcomeLabel(o model.Outcome, tr model.Transition) string {
	switch o.(type) {
	case model.Published:
		return metrics.OutcomePosted
	case model.Deferred:
		return metrics.OutcomeDeferred
	case model.CredentialUnavailable:
		return metrics.OutcomeCredentialUnavailable
	case model.TransientFailure:
		if tr.Status == model.StatusFailed {
			return metrics.OutcomeFailed
		}
		return metrics.OutcomeRetried
	case model.PermanentFailure:
		return metrics.OutcomeFailed
	default:
		return metrics.OutcomeFailed
	}
}

func (d *Dispatcher) logTransition(sp *model.ScheduledPost, tr model.Transition, label string) {
	attrs := []any{
		slog.String("scheduled_post_id", sp.ID),
		slog.String("account_id", sp.AccountID),
		slog.String("outcome", label),
		slog.Int("attempt_count", tr.AttemptCount),
	}
	switch label {
	case metrics.OutcomePosted:
		d.logger.Info("予約投稿を公開しました", append(attrs, slog.String("external_id", tr.ExternalID))...)
	case metrics.OutcomeDeferred:
		d.logger.Debug("予約投稿の配信を延期しました", attrs...)
	case metrics.OutcomeRetried:
		d.logger.Warn("予約投稿の公開に失敗したため再試行します",
			append(attrs,
				slog.String("error", tr.LastError),
				slog.Time("next_attempt_at", tr.NextAttemptAt),
			)...)
	default:
		d.logger.Error("予約投稿の公開に失敗しました", append(attrs, slog.String("error", tr.LastError))...)
	}
}

// Stats は予約投稿の状態別件数を返す。
func (d *Dispatcher) Stats(ctx context.Context) (*model.DispatchStats, error) {
	now := d.clock.Now()
	return d.repo.Stats(ctx, now, now.Add(-d.cfg.ClaimLease))
}

// Failures は失敗した予約投稿を新しい順に返す。
func (d *Dispatcher) Failures(ctx context.Context, limit int) ([]*model.ScheduledPost, error) {
	return d.repo.ListFailures(ctx, limit)
}

// ClaimLease はクレームの有効期間を返す。
func (d *Dispatcher) ClaimLease() time.Duration {
	return d.cfg.ClaimLease
}
