package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/postpilot/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した認証情報リポジトリ。
// 保存される値はすべて暗号文である。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// FindByAccountID はアカウントの認証情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByAccountID(ctx context.Context, accountID string) (*model.EncryptedCredential, error) {
	cred := &model.EncryptedCredential{}
	var expiresAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT account_id, access_token, refresh_token, expires_at, updated_at
		 FROM credentials WHERE account_id = $1`,
		accountID,
	).Scan(&cred.AccountID, &cred.AccessToken, &cred.RefreshToken, &expiresAt, &cred.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("認証情報の取得に失敗しました: %w", err)
	}

	cred.ExpiresAt = nullTimePtr(expiresAt)
	return cred, nil
}

// Upsert は認証情報を作成または置き換える。
func (r *PostgresCredentialRepo) Upsert(ctx context.Context, cred *model.EncryptedCredential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (account_id, access_token, refresh_token, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (account_id) DO UPDATE SET
		    access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = EXCLUDED.updated_at`,
		cred.AccountID, cred.AccessToken, cred.RefreshToken,
		timePtrValue(cred.ExpiresAt), cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("認証情報の保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
