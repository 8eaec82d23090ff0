// Package rewrite は元コンテンツをアカウントのボイスプロファイルに合わせて書き換える。
// モデルごとのバックエンド（Claude、Mistral、Grok）をRouterで切り替える。
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/producer"
)

// Backend は単一のAIモデルへの補完呼び出し。
type Backend interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// BackendError はバックエンドの呼び出し失敗。StatusCodeが0の場合はネットワークエラー。
type BackendError struct {
	Backend    string
	StatusCode int
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *BackendError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Backend, e.StatusCode, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *BackendError) Unwrap() error { return e.Err }

// Temporary は再試行で成功し得るかを返す。ネットワークエラー、429、5xxが該当する。
func (e *BackendError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func isTemporary(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Temporary()
}

const systemPrompt = "You rewrite social media posts. Reply with the rewritten post text only, without quotes or commentary."

// BuildPrompt はリライト指示を組み立てる。
func BuildPrompt(sourceText string, profile *model.VoiceProfile) string {
	var b strings.Builder
	b.WriteString("Rewrite this viral post in the following writing style.\n\n")
	fmt.Fprintf(&b, "Original post: %s\n\n", sourceText)
	b.WriteString("Target voice profile:\n")
	if profile != nil {
		fmt.Fprintf(&b, "- Niche: %s\n", strings.Join(profile.Niche, ", "))
		if profile.Tone != "" {
			fmt.Fprintf(&b, "- Tone: %s\n", profile.Tone)
		}
		if len(profile.Topics) > 0 {
			fmt.Fprintf(&b, "- Topics: %s\n", strings.Join(profile.Topics, ", "))
		}
		for i, example := range profile.BestContent {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "- Example of their best post: %s\n", example)
		}
	}
	fmt.Fprintf(&b, "\nRequirements:\n1. Keep the core message\n2. Match the target voice\n3. At most %d characters\n4. Sound authentic, not robotic\n", model.MaxContentLength)
	b.WriteString("\nReturn only the rewritten post text.")
	return b.String()
}

// Finalize はモデルの出力を整形する。前後の空白と引用符を除き、
// 上限を超える場合は末尾を"..."にして切り詰める。空の場合はエラーを返す。
func Finalize(output string) (string, error) {
	text := strings.TrimSpace(output)
	if len(text) >= 2 {
		if (text[0] == '"' && text[len(text)-1] == '"') || (text[0] == '\'' && text[len(text)-1] == '\'') {
			text = strings.TrimSpace(text[1 : len(text)-1])
		}
	}
	if text == "" {
		return "", errors.New("モデルが空の本文を返しました")
	}
	return model.TruncateContent(text), nil
}

// Router はアカウントの優先モデルに応じてバックエンドを選ぶRewriter。
type Router struct {
	backends map[model.AIModel]Backend
	retry    producer.RetryConfig
	timeout  time.Duration
	logger   *slog.Logger
}

var _ producer.Rewriter = (*Router)(nil)

// NewRouter はRouterを生成する。APIキー未設定などで使えないモデルはbackendsに含めない。
// timeoutは再試行を含む1回のリライト全体の上限で、0以下の場合は制限しない。
func NewRouter(backends map[model.AIModel]Backend, retry producer.RetryConfig, timeout time.Duration, logger *slog.Logger) *Router {
	return &Router{backends: backends, retry: retry, timeout: timeout, logger: logger}
}

// Rewrite はsourceTextをprofileの文体に書き換える。
// 失敗した場合はmodel.ErrRewriteFailedをラップしたエラーを返す。
func (r *Router) Rewrite(ctx context.Context, sourceText string, profile *model.VoiceProfile, aiModel model.AIModel) (string, error) {
	if aiModel == "" {
		aiModel = model.DefaultAIModel
	}
	backend, ok := r.backends[aiModel]
	if !ok {
		return "", fmt.Errorf("%w: モデル %q は利用できません", model.ErrRewriteFailed, aiModel)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	prompt := BuildPrompt(sourceText, profile)
	output, err := producer.Retry(ctx, r.retry, isTemporary, func() (string, error) {
		return backend.Complete(ctx, systemPrompt, prompt)
	})
	if err != nil {
		r.logger.Warn("リライトに失敗しました",
			slog.String("ai_model", string(aiModel)),
			slog.String("error", err.Error()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return "", fmt.Errorf("%w: %w", model.ErrRewriteFailed, err)
	}

	text, err := Finalize(output)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrRewriteFailed, err)
	}

	r.logger.Debug("リライトが完了しました",
		slog.String("ai_model", string(aiModel)),
		slog.Int("content_length", model.ContentLength(text)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return text, nil
}
