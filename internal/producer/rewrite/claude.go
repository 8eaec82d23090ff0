package rewrite

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// DefaultClaudeModel はClaudeバックエンドの既定モデル。
	DefaultClaudeModel = "claude-sonnet-4-20250514"
	claudeMaxTokens    = 300
)

// Claude はAnthropic Messages APIを使うBackend。
type Claude struct {
	client anthropic.Client
	model  string
}

var _ Backend = (*Claude)(nil)

// NewClaude はClaudeを生成する。baseURLはテスト用で、空の場合はSDKの既定値を使う。
// 再試行はRouterが行うため、SDK側の再試行は無効にする。
func NewClaude(apiKey, modelName, baseURL string) *Claude {
	if modelName == "" {
		modelName = DefaultClaudeModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Claude{client: anthropic.NewClient(opts...), model: modelName}
}

// Complete はsystemとpromptで1回のメッセージ生成を行い、テキストブロックを連結して返す。
func (c *Claude) Complete(ctx context.Context, system, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: claudeMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &BackendError{Backend: "claude", StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", &BackendError{Backend: "claude", Err: err}
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
