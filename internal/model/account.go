package model

import (
	"fmt"
	"time"
)

// Account は投稿先のSNSアカウントと自動投稿設定を表す。
type Account struct {
	ID               string
	Handle           string
	AutopilotEnabled bool
	PostsPerDay      int
	PreferredModel   AIModel
	VoiceProfile     *VoiceProfile
	DetectedNiche    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// VoiceProfile はリライト時に使う文体プロファイル。
type VoiceProfile struct {
	Niche       []string `json:"niche"`
	Tone        string   `json:"tone"`
	Topics      []string `json:"topics"`
	BestContent []string `json:"best_content,omitempty"`
}

// IsZero はプロファイルがリライトに使えない（ニッチ未設定）かどうかを返す。
func (p *VoiceProfile) IsZero() bool {
	return p == nil || len(p.Niche) == 0
}

// DiscoveryNiche はディスカバリに使うニッチを返す。
// プロファイルの先頭のニッチを優先し、なければ検出済みニッチを使う。
func (a *Account) DiscoveryNiche() string {
	if !a.VoiceProfile.IsZero() {
		return a.VoiceProfile.Niche[0]
	}
	return a.DetectedNiche
}

// AIModel はリライトに使うAIモデルの種別を表す。
type AIModel string

const (
	// AIModelClaude はAnthropic Claude。
	AIModelClaude AIModel = "claude"
	// AIModelMistral はMistral。
	AIModelMistral AIModel = "mistral"
	// AIModelGrok はxAI Grok。
	AIModelGrok AIModel = "grok"
)

// DefaultAIModel はアカウントにモデル指定がない場合に使うモデル。
const DefaultAIModel = AIModelClaude

// ParseAIModel は文字列をAIModelに変換する。空文字列はDefaultAIModelになる。
func ParseAIModel(s string) (AIModel, error) {
	switch AIModel(s) {
	case "":
		return DefaultAIModel, nil
	case AIModelClaude, AIModelMistral, AIModelGrok:
		return AIModel(s), nil
	default:
		return "", fmt.Errorf("unknown ai model: %q", s)
	}
}

// Session はユーザーのログインセッションを表す。
// ログイン処理自体は外部アプリケーションが行い、本サービスは参照のみ行う。
type Session struct {
	ID        string
	AccountID string
	ExpiresAt time.Time
	CreatedAt time.Time
}
