// Package studio は利用者が手動で行うコンテンツ作成の操作を提供する。
// 自分の投稿からの文体分析、ニッチの元コンテンツ検索、元コンテンツのリミックスを含む。
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/producer"
	"github.com/hitoshi/postpilot/internal/repository"
)

const (
	// analyzedPostCount は文体分析のために取得する自分の投稿数。
	analyzedPostCount = 100
	// fallbackNiche はニッチが未設定のアカウントで検索に使うニッチ。
	fallbackNiche = "trending"
	// maxDiscoverResults は検索結果の上限。
	maxDiscoverResults = 100
)

// CredentialSource はアカウントの認証情報を取得するインターフェース。
type CredentialSource interface {
	Get(ctx context.Context, accountID string) (*model.Credential, error)
}

// PostFetcher はアクセストークンの持ち主の最近の投稿を取得するインターフェース。
type PostFetcher interface {
	OwnPosts(ctx context.Context, token model.Secret, maxResults int) ([]string, error)
}

// VoiceAnalyzer は投稿からボイスプロファイルを推定するインターフェース。
type VoiceAnalyzer interface {
	AnalyzeVoice(ctx context.Context, posts []string, aiModel model.AIModel) (*model.VoiceProfile, error)
}

// Defaults は検索条件を省略した場合の値。
type Defaults struct {
	MinEngagement int
	MaxResults    int
}

// Service はコンテンツ作成のサービス層。
type Service struct {
	accounts   repository.AccountRepository
	posts      repository.PostRepository
	creds      CredentialSource
	fetcher    PostFetcher
	analyzer   VoiceAnalyzer
	discoverer producer.Discoverer
	rewriter   producer.Rewriter
	clock      clock.Clock
	logger     *slog.Logger
	defaults   Defaults
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	accounts repository.AccountRepository,
	posts repository.PostRepository,
	creds CredentialSource,
	fetcher PostFetcher,
	analyzer VoiceAnalyzer,
	discoverer producer.Discoverer,
	rewriter producer.Rewriter,
	clk clock.Clock,
	logger *slog.Logger,
	defaults Defaults,
) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		accounts:   accounts,
		posts:      posts,
		creds:      creds,
		fetcher:    fetcher,
		analyzer:   analyzer,
		discoverer: discoverer,
		rewriter:   rewriter,
		clock:      clk,
		logger:     logger,
		defaults:   defaults,
	}
}

func (s *Service) account(ctx context.Context, accountID string) (*model.Account, error) {
	acc, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if acc == nil {
		return nil, model.NewAccountNotFoundError()
	}
	return acc, nil
}

// AnalyzeVoice はアカウントの最近の投稿から文体を分析し、
// ボイスプロファイルと検出済みニッチを保存する。
func (s *Service) AnalyzeVoice(ctx context.Context, accountID string) (*model.Account, error) {
	acc, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}

	cred, err := s.creds.Get(ctx, accountID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && !cred.IsUsable(s.clock.Now())) {
		return nil, model.NewCredentialRequiredError()
	}
	if err != nil {
		return nil, fmt.Errorf("認証情報の取得に失敗しました: %w", err)
	}

	texts, err := s.fetcher.OwnPosts(ctx, cred.AccessToken, analyzedPostCount)
	if err != nil {
		s.logger.Warn("分析対象の投稿の取得に失敗しました",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamUnavailableError("x")
	}
	if len(texts) == 0 {
		return nil, model.NewInvalidRequestError("no posts to analyze")
	}

	profile, err := s.analyzer.AnalyzeVoice(ctx, texts, acc.PreferredModel)
	if err != nil {
		s.logger.Warn("文体分析に失敗しました",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamUnavailableError(string(acc.PreferredModel))
	}

	niche := strings.Join(profile.Niche, ", ")
	if err := s.accounts.UpdateVoiceAnalysis(ctx, accountID, profile, niche); err != nil {
		return nil, fmt.Errorf("文体分析結果の保存に失敗しました: %w", err)
	}

	s.logger.Info("文体分析の結果を保存しました",
		slog.String("account_id", accountID),
		slog.Int("post_count", len(texts)),
		slog.String("detected_niche", niche),
	)
	acc.VoiceProfile = profile
	acc.DetectedNiche = niche
	return acc, nil
}

// DiscoverQuery は元コンテンツ検索の条件。0値の項目はデフォルトを使う。
type DiscoverQuery struct {
	Niche         string
	MinEngagement int
	MaxResults    int
}

// DiscoverResult は元コンテンツ検索の結果。
type DiscoverResult struct {
	Niche string
	Items []model.SourceItem
}

// Discover はニッチの元コンテンツをエンゲージメントの高い順に返す。
// ニッチを省略した場合はアカウントのニッチ、それもなければfallbackNicheを使う。
func (s *Service) Discover(ctx context.Context, accountID string, q DiscoverQuery) (*DiscoverResult, error) {
	acc, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}

	niche := strings.TrimSpace(q.Niche)
	if niche == "" {
		niche = acc.DiscoveryNiche()
	}
	if niche == "" {
		niche = fallbackNiche
	}
	if q.MinEngagement <= 0 {
		q.MinEngagement = s.defaults.MinEngagement
	}
	if q.MaxResults <= 0 {
		q.MaxResults = s.defaults.MaxResults
	}
	q.MaxResults = min(q.MaxResults, maxDiscoverResults)

	items, err := s.discoverer.Discover(ctx, niche, q.MinEngagement, q.MaxResults)
	if err != nil {
		s.logger.Warn("元コンテンツの検索に失敗しました",
			slog.String("account_id", accountID),
			slog.String("niche", niche),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamUnavailableError("discovery")
	}
	return &DiscoverResult{Niche: niche, Items: items}, nil
}

// RemixRequest はリミックスの入力。
type RemixRequest struct {
	SourceID     string
	SourceText   string
	SourceAuthor string
	AIModel      string
}

// Remix は元コンテンツをアカウントの文体に書き換え、新しい投稿として保存する。
// 予約は行わない。
func (s *Service) Remix(ctx context.Context, accountID string, req RemixRequest) (*model.Post, error) {
	req.SourceText = strings.TrimSpace(req.SourceText)
	if req.SourceText == "" {
		return nil, model.NewInvalidRequestError("source_text is required")
	}

	acc, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.VoiceProfile.IsZero() {
		return nil, model.NewVoiceProfileRequiredError()
	}

	aiModel := acc.PreferredModel
	if req.AIModel != "" {
		if aiModel, err = model.ParseAIModel(req.AIModel); err != nil {
			return nil, model.NewInvalidAIModelError(req.AIModel)
		}
	}
	if aiModel == "" {
		aiModel = model.DefaultAIModel
	}

	text, err := s.rewriter.Rewrite(ctx, req.SourceText, acc.VoiceProfile, aiModel)
	if err != nil {
		s.logger.Warn("リミックスに失敗しました",
			slog.String("account_id", accountID),
			slog.String("ai_model", string(aiModel)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamUnavailableError(string(aiModel))
	}

	post := &model.Post{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Content:      model.TruncateContent(text),
		SourceID:     strings.TrimSpace(req.SourceID),
		SourceAuthor: strings.TrimSpace(req.SourceAuthor),
		AIModel:      string(aiModel),
		Version:      1,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.posts.Create(ctx, post); err != nil {
		return nil, fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}
	return post, nil
}
