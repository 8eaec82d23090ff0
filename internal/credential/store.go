package credential

import (
	"context"
	"fmt"

	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/repository"
)

// Store は暗号化された認証情報の読み書きを行う。
// 期限の確認は呼び出し側（Dispatcher）の責務で、Storeはトークンを更新しない。
type Store struct {
	repo   repository.CredentialRepository
	cipher *Cipher
	clock  clock.Clock
}

// NewStore はStoreを生成する。
func NewStore(repo repository.CredentialRepository, cipher *Cipher, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{repo: repo, cipher: cipher, clock: clk}
}

// Get はアカウントの認証情報を復号して返す。存在しない場合はmodel.ErrNotFoundを返す。
func (s *Store) Get(ctx context.Context, accountID string) (*model.Credential, error) {
	enc, err := s.repo.FindByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, model.ErrNotFound
	}

	access, err := s.cipher.Decrypt(accountID, enc.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの復号に失敗しました: %w", err)
	}
	refresh, err := s.cipher.Decrypt(accountID, enc.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("リフレッシュトークンの復号に失敗しました: %w", err)
	}

	return &model.Credential{
		AccountID:    accountID,
		AccessToken:  model.Secret(access),
		RefreshToken: model.Secret(refresh),
		ExpiresAt:    enc.ExpiresAt,
		UpdatedAt:    enc.UpdatedAt,
	}, nil
}

// Put は認証情報を暗号化して保存する。既存の値は置き換えられる。
func (s *Store) Put(ctx context.Context, accountID string, cred model.Credential) error {
	access, err := s.cipher.Encrypt(accountID, cred.AccessToken.Reveal())
	if err != nil {
		return fmt.Errorf("アクセストークンの暗号化に失敗しました: %w", err)
	}
	refresh, err := s.cipher.Encrypt(accountID, cred.RefreshToken.Reveal())
	if err != nil {
		return fmt.Errorf("リフレッシュトークンの暗号化に失敗しました: %w", err)
	}

	return s.repo.Upsert(ctx, &model.EncryptedCredential{
		AccountID:    accountID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    cred.ExpiresAt,
		UpdatedAt:    s.clock.Now(),
	})
}
