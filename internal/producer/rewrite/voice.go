package rewrite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/producer"
)

// maxAnalyzedPosts は文体分析のプロンプトに含める投稿数の上限。
const maxAnalyzedPosts = 50

const voiceSystemPrompt = "You analyze the writing style of social media authors. Reply with a JSON object only."

// BuildVoicePrompt は文体分析の指示を組み立てる。
func BuildVoicePrompt(posts []string) string {
	if len(posts) > maxAnalyzedPosts {
		posts = posts[:maxAnalyzedPosts]
	}

	var b strings.Builder
	b.WriteString("Analyze these posts and identify the author's niche, voice, and content strategy.\n\nPosts:\n")
	for _, p := range posts {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString(`
Return a JSON object with this exact structure:
{
  "niche": ["primary niche", "secondary niche"],
  "tone": "description of tone (e.g., technical, casual, motivational)",
  "topics": ["common topic 1", "common topic 2", "common topic 3"],
  "best_content": ["content type 1", "content type 2"]
}`)
	return b.String()
}

// ParseVoiceProfile はモデルの出力からボイスプロファイルを取り出す。
// コードブロックで囲まれた出力も受け付ける。ニッチが空の場合はエラーを返す。
func ParseVoiceProfile(output string) (*model.VoiceProfile, error) {
	text := strings.TrimSpace(output)
	if _, rest, ok := strings.Cut(text, "```"); ok {
		rest = strings.TrimPrefix(rest, "json")
		text, _, _ = strings.Cut(rest, "```")
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		text = text[i : j+1]
	}

	var profile model.VoiceProfile
	if err := json.Unmarshal([]byte(text), &profile); err != nil {
		return nil, fmt.Errorf("プロファイルJSONのパースに失敗しました: %w", err)
	}
	if profile.IsZero() {
		return nil, errors.New("モデルがニッチを返しませんでした")
	}
	return &profile, nil
}

// AnalyzeVoice はアカウントの投稿からボイスプロファイルを推定する。
// 失敗した場合はmodel.ErrRewriteFailedをラップしたエラーを返す。
func (r *Router) AnalyzeVoice(ctx context.Context, posts []string, aiModel model.AIModel) (*model.VoiceProfile, error) {
	if len(posts) == 0 {
		return nil, fmt.Errorf("%w: 分析する投稿がありません", model.ErrRewriteFailed)
	}
	if aiModel == "" {
		aiModel = model.DefaultAIModel
	}
	backend, ok := r.backends[aiModel]
	if !ok {
		return nil, fmt.Errorf("%w: モデル %q は利用できません", model.ErrRewriteFailed, aiModel)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	prompt := BuildVoicePrompt(posts)
	output, err := producer.Retry(ctx, r.retry, isTemporary, func() (string, error) {
		return backend.Complete(ctx, voiceSystemPrompt, prompt)
	})
	if err != nil {
		r.logger.Warn("文体分析に失敗しました",
			slog.String("ai_model", string(aiModel)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", model.ErrRewriteFailed, err)
	}

	profile, err := ParseVoiceProfile(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrRewriteFailed, err)
	}

	r.logger.Info("文体分析が完了しました",
		slog.String("ai_model", string(aiModel)),
		slog.Int("post_count", len(posts)),
		slog.String("niche", strings.Join(profile.Niche, ", ")),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return profile, nil
}
