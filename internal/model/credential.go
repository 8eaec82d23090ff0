package model

import (
	"log/slog"
	"time"
)

// Secret は復号済みの秘密値。ログやfmt出力では伏せ字になる。
type Secret string

// String はfmt出力用に伏せ字を返す。
func (Secret) String() string { return "[REDACTED]" }

// LogValue はslog出力用に伏せ字を返す。
func (Secret) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// Reveal は秘密値そのものを返す。外部APIへ渡す直前にのみ使用する。
func (s Secret) Reveal() string { return string(s) }

// Credential はアカウントの投稿用認証情報を表す。
type Credential struct {
	AccountID    string
	AccessToken  Secret
	RefreshToken Secret
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// IsUsable はnow時点でアクセストークンが利用可能かどうかを返す。
// 期限が未設定の場合は無期限とみなす。
func (c *Credential) IsUsable(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// EncryptedCredential はデータベースに保存される暗号化済みの認証情報。
type EncryptedCredential struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}
