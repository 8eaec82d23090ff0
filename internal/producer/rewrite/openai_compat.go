package rewrite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// MistralBaseURL はMistralのOpenAI互換APIのベースURL。
	MistralBaseURL = "https://api.mistral.ai/v1"
	// MistralModel はMistralバックエンドのモデル。
	MistralModel = "mistral-small-latest"
	// GrokBaseURL はxAIのOpenAI互換APIのベースURL。
	GrokBaseURL = "https://api.x.ai/v1"
	// GrokModel はGrokバックエンドのモデル。
	GrokModel = "grok-beta"
)

// ChatCompletions はOpenAI互換のchat completions APIを使うBackend。
// MistralとGrokはこの形式で呼び出す。
type ChatCompletions struct {
	name       string
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

var _ Backend = (*ChatCompletions)(nil)

// NewChatCompletions はChatCompletionsを生成する。nameはログとエラーに使う識別子。
func NewChatCompletions(name string, httpClient *http.Client, baseURL, apiKey, modelName string) *ChatCompletions {
	return &ChatCompletions{
		name:       name,
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      modelName,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete はsystemとpromptで1回の補完を行い、最初の候補の本文を返す。
func (c *ChatCompletions) Complete(ctx context.Context, system, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		MaxTokens: claudeMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%s: リクエストのエンコードに失敗しました: %w", c.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%s: HTTPリクエストの作成に失敗しました: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &BackendError{Backend: c.name, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &BackendError{Backend: c.name, Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &BackendError{
			Backend:    c.name,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%s: レスポンスJSONのパースに失敗しました: %w", c.name, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%s: 候補が返されませんでした", c.name)
	}
	return out.Choices[0].Message.Content, nil
}
