// Package autopilot はオートパイロットの定期処理を提供する。
// 有効なアカウントごとにディスカバリ、リライト、投稿作成、予約を無人で実行する。
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/metrics"
	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/producer"
	"github.com/hitoshi/postpilot/internal/repository"
)

// defaultPostsPerDay はアカウントに1日の投稿数が設定されていない場合の値。
const defaultPostsPerDay = 3

var (
	// ErrNoSlot は計画期間内に空き枠がないことを示す。
	ErrNoSlot = errors.New("no free slot within the planning horizon")

	// ErrLocked は他のインスタンスがアカウントを処理中であることを示す。
	ErrLocked = errors.New("account is being processed by another instance")
)

// Config はOrchestratorの設定を保持する。
type Config struct {
	Schedule       string        // cron式（例: @hourly）
	MinSpacing     time.Duration // 自動投稿同士の最小間隔
	Horizon        time.Duration // 予約を作成する計画期間
	MinEngagement  int           // ディスカバリの最小エンゲージメント
	MaxResults     int           // ディスカバリの最大取得件数
	MaxConcurrency int           // 同時に処理するアカウント数
	AccountTimeout time.Duration // アカウント1件の処理時間の上限
	LockTTL        time.Duration // アカウントロックの有効期間
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Schedule:       "@hourly",
		MinSpacing:     6 * time.Hour,
		Horizon:        24 * time.Hour,
		MinEngagement:  100,
		MaxResults:     20,
		MaxConcurrency: 4,
		AccountTimeout: 5 * time.Minute,
		LockTTL:        10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Schedule == "" {
		c.Schedule = def.Schedule
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = def.MinSpacing
	}
	if c.Horizon <= 0 {
		c.Horizon = def.Horizon
	}
	if c.MaxResults <= 0 {
		c.MaxResults = def.MaxResults
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.AccountTimeout <= 0 {
		c.AccountTimeout = def.AccountTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	return c
}

// AccountResult はアカウント1件の処理結果。
type AccountResult struct {
	AccountID       string     `json:"account_id"`
	Result          string     `json:"result"`
	Reason          string     `json:"reason,omitempty"`
	ScheduledPostID string     `json:"scheduled_post_id,omitempty"`
	ScheduledFor    *time.Time `json:"scheduled_for,omitempty"`
}

// RunResult は1サイクルの集計結果。
type RunResult struct {
	Accounts  int             `json:"accounts"`
	Scheduled int             `json:"scheduled"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Results   []AccountResult `json:"results"`
}

// Orchestrator はオートパイロットの1サイクルを実行する。
type Orchestrator struct {
	accounts   repository.AccountRepository
	posts      repository.PostRepository
	scheduled  repository.ScheduledPostRepository
	discoverer producer.Discoverer
	rewriter   producer.Rewriter
	locker     Locker
	clock      clock.Clock
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	cfg        Config
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
func NewOrchestrator(
	accounts repository.AccountRepository,
	posts repository.PostRepository,
	scheduled repository.ScheduledPostRepository,
	discoverer producer.Discoverer,
	rewriter producer.Rewriter,
	locker Locker,
	clk clock.Clock,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Orchestrator {
	if clk == nil {
		clk = clock.Real{}
	}
	if locker == nil {
		locker = NewLocalLocker(clk)
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Orchestrator{
		accounts:   accounts,
		posts:      posts,
		scheduled:  scheduled,
		discoverer: discoverer,
		rewriter:   rewriter,
		locker:     locker,
		clock:      clk,
		metrics:    collector,
		logger:     logger,
		cfg:        cfg.withDefaults(),
	}
}

// NextSlot は次の自動投稿の予約日時を返す。
// 最後の予約からspacing以上空け、now以前にはしない。
// spacingはminSpacingと1日をpostsPerDayで割った間隔の大きい方。
func NextSlot(now, last time.Time, hasLast bool, postsPerDay int, minSpacing time.Duration) time.Time {
	if !hasLast {
		return now
	}
	if postsPerDay <= 0 {
		postsPerDay = defaultPostsPerDay
	}
	spacing := max(minSpacing, 24*time.Hour/time.Duration(postsPerDay))
	slot := last.Add(spacing)
	if slot.Before(now) {
		return now
	}
	return slot
}

// SelectCandidate は未使用の候補のうちエンゲージメントが最も高いものを返す。
// 同点の場合は先に現れた候補を選ぶ。候補がない場合はfalseを返す。
func SelectCandidate(candidates []model.SourceItem, used map[string]bool) (model.SourceItem, bool) {
	var best model.SourceItem
	found := false
	for _, c := range candidates {
		if used[c.SourceID] {
			continue
		}
		if !found || c.Metrics.Score() > best.Metrics.Score() {
			best = c
			found = true
		}
	}
	return best, found
}

// RunOnce はオートパイロットが有効な全アカウントを1回処理する。
// アカウントごとの失敗は他のアカウントに影響しない。
func (o *Orchestrator) RunOnce(ctx context.Context) (*RunResult, error) {
	start := time.Now()

	accounts, err := o.accounts.ListAutopilotEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("オートパイロット対象アカウントの取得に失敗しました: %w", err)
	}

	result := &RunResult{Accounts: len(accounts), Results: make([]AccountResult, len(accounts))}
	if len(accounts) == 0 {
		o.logger.Info("オートパイロット対象のアカウントはありません")
		return result, nil
	}

	o.logger.Info("オートパイロットサイクルを開始します",
		slog.Int("account_count", len(accounts)),
	)

	sem := make(chan struct{}, o.cfg.MaxConcurrency)
	var wg sync.WaitGroup

	for i, account := range accounts {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, a *model.Account) {
			defer wg.Done()
			defer func() { <-sem }()
			result.Results[i] = o.processAccount(ctx, a)
		}(i, account)
	}

	wg.Wait()

	for _, r := range result.Results {
		switch r.Result {
		case metrics.AutopilotScheduled:
			result.Scheduled++
		case metrics.AutopilotSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
		o.metrics.RecordAutopilotResult(r.Result)
	}

	o.logger.Info("オートパイロットサイクルが完了しました",
		slog.Int("account_count", result.Accounts),
		slog.Int("scheduled", result.Scheduled),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, nil
}

// processAccount はロックを取得してアカウント1件を処理し、結果を分類する。
func (o *Orchestrator) processAccount(ctx context.Context, account *model.Account) AccountResult {
	res := AccountResult{AccountID: account.ID}

	sp, err := o.runLocked(ctx, account)
	switch {
	case err == nil:
		res.Result = metrics.AutopilotScheduled
		res.ScheduledPostID = sp.ID
		scheduledFor := sp.ScheduledFor
		res.ScheduledFor = &scheduledFor
		o.logger.Info("オートパイロットで予約投稿を作成しました",
			slog.String("account_id", account.ID),
			slog.String("scheduled_post_id", sp.ID),
			slog.Time("scheduled_for", sp.ScheduledFor),
		)
	case isSkip(err):
		res.Result = metrics.AutopilotSkipped
		res.Reason = err.Error()
		o.logger.Info("オートパイロットの処理をスキップしました",
			slog.String("account_id", account.ID),
			slog.String("reason", err.Error()),
		)
	default:
		res.Result = metrics.AutopilotFailed
		res.Reason = err.Error()
		o.logger.Error("オートパイロットの処理に失敗しました",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()),
		)
	}
	return res
}

func isSkip(err error) bool {
	return errors.Is(err, model.ErrUpstreamContentUnavailable) ||
		errors.Is(err, ErrNoSlot) ||
		errors.Is(err, ErrLocked)
}

func (o *Orchestrator) runLocked(ctx context.Context, account *model.Account) (*model.ScheduledPost, error) {
	unlock, acquired, err := o.locker.TryLock(ctx, "autopilot:"+account.ID, o.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLocked
	}
	defer unlock()

	actx, cancel := context.WithTimeout(ctx, o.cfg.AccountTimeout)
	defer cancel()
	return o.RunAccount(actx, account)
}

// RunAccount はアカウント1件に対してディスカバリ、リライト、投稿作成、予約を実行する。
// いずれかの段階で失敗した場合は予約を作成しない。
// 予約の作成に失敗した場合は投稿だけが残るが、未予約の投稿として扱われる。
func (o *Orchestrator) RunAccount(ctx context.Context, account *model.Account) (*model.ScheduledPost, error) {
	profile := account.VoiceProfile
	if profile.IsZero() {
		return nil, model.ErrVoiceProfileMissing
	}

	now := o.clock.Now()
	last, hasLast, err := o.scheduled.LastScheduledFor(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("最終予約日時の取得に失敗しました: %w", err)
	}
	slot := NextSlot(now, last, hasLast, account.PostsPerDay, o.cfg.MinSpacing)
	if slot.After(now.Add(o.cfg.Horizon)) {
		return nil, ErrNoSlot
	}

	candidate, err := o.pickCandidate(ctx, account)
	if err != nil {
		return nil, err
	}

	text, err := o.rewriter.Rewrite(ctx, candidate.Text, profile, account.PreferredModel)
	if err != nil {
		if errors.Is(err, model.ErrRewriteFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrRewriteFailed, err)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: empty output", model.ErrRewriteFailed)
	}
	text = model.TruncateContent(text)

	aiModel := account.PreferredModel
	if aiModel == "" {
		aiModel = model.DefaultAIModel
	}

	created := o.clock.Now()
	post := &model.Post{
		ID:               uuid.NewString(),
		AccountID:        account.ID,
		Content:          text,
		SourceID:         candidate.SourceID,
		SourceAuthor:     candidate.AuthorHandle,
		SourceEngagement: candidate.Metrics.Score(),
		AIModel:          string(aiModel),
		Version:          1,
		CreatedAt:        created,
	}
	if err := o.posts.Create(ctx, post); err != nil {
		return nil, fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}

	sp := &model.ScheduledPost{
		ID:           uuid.NewString(),
		AccountID:    account.ID,
		PostID:       post.ID,
		Content:      post.Content,
		ScheduledFor: slot,
		Status:       model.StatusPending,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	if err := o.scheduled.Create(ctx, sp); err != nil {
		return nil, fmt.Errorf("予約投稿の作成に失敗しました（投稿%sは未予約のまま残ります）: %w", post.ID, err)
	}
	return sp, nil
}

// pickCandidate はディスカバリを実行し、アカウントで未使用の最良候補を返す。
func (o *Orchestrator) pickCandidate(ctx context.Context, account *model.Account) (model.SourceItem, error) {
	niche := account.DiscoveryNiche()
	candidates, err := o.discoverer.Discover(ctx, niche, o.cfg.MinEngagement, o.cfg.MaxResults)
	if err != nil {
		return model.SourceItem{}, fmt.Errorf("%w: %v", model.ErrUpstreamContentUnavailable, err)
	}
	if len(candidates) == 0 {
		return model.SourceItem{}, fmt.Errorf("%w: no candidates for niche %q", model.ErrUpstreamContentUnavailable, niche)
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.SourceID)
	}
	used, err := o.posts.UsedSourceIDs(ctx, account.ID, ids)
	if err != nil {
		return model.SourceItem{}, fmt.Errorf("使用済み候補の取得に失敗しました: %w", err)
	}

	candidate, ok := SelectCandidate(candidates, used)
	if !ok {
		return model.SourceItem{}, fmt.Errorf("%w: all candidates already used", model.ErrUpstreamContentUnavailable)
	}
	return candidate, nil
}
