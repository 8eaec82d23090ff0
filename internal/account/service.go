// Package account はアカウント設定の管理ロジックを提供する。
package account

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/repository"
)

// maxPostsPerDay は1日あたりの自動投稿数の上限。
// 外部APIのレート上限と最小投稿間隔を考慮した値。
const maxPostsPerDay = 24

// CredentialWriter は認証情報の保存インターフェース。
type CredentialWriter interface {
	Put(ctx context.Context, accountID string, cred model.Credential) error
}

// AutopilotSettings はオートパイロット設定の更新内容。
type AutopilotSettings struct {
	Enabled     bool
	PostsPerDay int
	AIModel     string
}

// Service はアカウント設定のサービス層。
type Service struct {
	accounts    repository.AccountRepository
	credentials CredentialWriter
	logger      *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(accounts repository.AccountRepository, credentials CredentialWriter, logger *slog.Logger) *Service {
	return &Service{
		accounts:    accounts,
		credentials: credentials,
		logger:      logger,
	}
}

// Get はアカウントを取得する。
func (s *Service) Get(ctx context.Context, accountID string) (*model.Account, error) {
	acc, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if acc == nil {
		return nil, model.NewAccountNotFoundError()
	}
	return acc, nil
}

// UpdateAutopilot はオートパイロット設定を更新する。
// 有効化する場合はボイスプロファイルが設定済みでなければならない。
func (s *Service) UpdateAutopilot(ctx context.Context, accountID string, settings AutopilotSettings) (*model.Account, error) {
	if settings.PostsPerDay < 1 || settings.PostsPerDay > maxPostsPerDay {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("posts_per_day must be between 1 and %d", maxPostsPerDay))
	}
	aiModel, err := model.ParseAIModel(settings.AIModel)
	if err != nil {
		return nil, model.NewInvalidAIModelError(settings.AIModel)
	}

	acc, err := s.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if settings.Enabled && acc.VoiceProfile.IsZero() {
		return nil, model.NewInvalidRequestError("voice profile is required to enable autopilot")
	}

	if err := s.accounts.UpdateAutopilot(ctx, accountID, settings.Enabled, settings.PostsPerDay, aiModel); err != nil {
		return nil, fmt.Errorf("オートパイロット設定の更新に失敗しました: %w", err)
	}

	s.logger.Info("オートパイロット設定を更新しました",
		slog.String("account_id", accountID),
		slog.Bool("enabled", settings.Enabled),
		slog.Int("posts_per_day", settings.PostsPerDay),
		slog.String("ai_model", string(aiModel)),
	)

	acc.AutopilotEnabled = settings.Enabled
	acc.PostsPerDay = settings.PostsPerDay
	acc.PreferredModel = aiModel
	return acc, nil
}

// UpdateVoiceProfile はボイスプロファイルを更新する。ニッチは1つ以上必要。
func (s *Service) UpdateVoiceProfile(ctx context.Context, accountID string, profile model.VoiceProfile) (*model.Account, error) {
	profile.Niche = compact(profile.Niche)
	profile.Topics = compact(profile.Topics)
	profile.BestContent = compact(profile.BestContent)
	profile.Tone = strings.TrimSpace(profile.Tone)
	if len(profile.Niche) == 0 {
		return nil, model.NewInvalidRequestError("niche is required")
	}

	acc, err := s.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.UpdateVoiceProfile(ctx, accountID, &profile); err != nil {
		return nil, fmt.Errorf("ボイスプロファイルの更新に失敗しました: %w", err)
	}
	acc.VoiceProfile = &profile
	return acc, nil
}

// PutCredential はアカウントのアクセストークンを保存する。expiresAtがnilの場合は無期限。
// トークンの取得（OAuth連携）は外部アプリケーションが行う。
func (s *Service) PutCredential(ctx context.Context, accountID string, accessToken, refreshToken model.Secret, expiresAt *time.Time) error {
	if strings.TrimSpace(accessToken.Reveal()) == "" {
		return model.NewInvalidRequestError("access_token is required")
	}
	if _, err := s.Get(ctx, accountID); err != nil {
		return err
	}

	cred := model.Credential{
		AccountID:    accountID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}
	if err := s.credentials.Put(ctx, accountID, cred); err != nil {
		return fmt.Errorf("認証情報の保存に失敗しました: %w", err)
	}

	s.logger.Info("認証情報を更新しました",
		slog.String("account_id", accountID),
		slog.Bool("has_expiry", expiresAt != nil),
	)
	return nil
}

// compact は前後の空白を除去し、空要素を取り除く。
func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
