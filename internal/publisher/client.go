// Package publisher はX API v2との連携機能を提供する。
// 投稿の公開、ニッチ検索、公開済み投稿のメトリクス取得を含む。
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/model"
)

const (
	// DefaultBaseURL はX APIのベースURL。
	DefaultBaseURL = "https://api.x.com"
	// maxIDsPerLookup は1回のメトリクス取得で指定できる最大ID数。
	maxIDsPerLookup = 100
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 1 << 20
	userAgent       = "Postpilot/1.0"
)

// PublishResult は公開に成功した投稿の情報。
type PublishResult struct {
	ExternalID  string
	PublishedAt time.Time
}

// Client はX API v2のクライアント。
// 投稿はユーザーのアクセストークン、検索とメトリクス取得はアプリのベアラートークンを使う。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	clock      clock.Clock
	baseURL    string
	appToken   model.Secret
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLが空の場合はDefaultBaseURLを使用する。
func NewClient(httpClient *http.Client, baseURL string, appToken model.Secret, clk clock.Clock, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		clock:      clk,
		baseURL:    strings.TrimRight(baseURL, "/"),
		appToken:   appToken,
	}
}

type createTweetRequest struct {
	Text string `json:"text"`
}

type createTweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// apiErrorBody はX APIのエラーレスポンス。problem形式と旧来のerrors配列の両方を受け付ける。
type apiErrorBody struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (b apiErrorBody) message() string {
	if b.Detail != "" {
		return b.Detail
	}
	if b.Title != "" {
		return b.Title
	}
	if len(b.Errors) > 0 {
		return b.Errors[0].Message
	}
	return ""
}

// Publish はアクセストークンの持ち主として本文を公開する。
// 返すエラーはmodel.ErrTransientPublishかmodel.ErrPermanentPublishのいずれかをラップする。
func (c *Client) Publish(ctx context.Context, token model.Secret, content string) (*PublishResult, error) {
	if n := model.ContentLength(content); n > model.MaxContentLength {
		return nil, fmt.Errorf("%w: 本文が%d文字を超えています（%d文字）", model.ErrPermanentPublish, model.MaxContentLength, n)
	}

	payload, err := json.Marshal(createTweetRequest{Text: content})
	if err != nil {
		return nil, fmt.Errorf("%w: リクエストのエンコードに失敗しました: %v", model.ErrPermanentPublish, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/tweets", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: HTTPリクエストの作成に失敗しました: %v", model.ErrPermanentPublish, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, token)

	body, status, err := c.do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, classifyStatus(status, body)
	}

	var resp createTweetResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Data.ID == "" {
		// 公開済みの可能性があるため再試行すると二重投稿になり得る
		return nil, fmt.Errorf("%w: 公開レスポンスから投稿IDを取得できません", model.ErrPermanentPublish)
	}

	return &PublishResult{
		ExternalID:  resp.Data.ID,
		PublishedAt: c.clock.Now(),
	}, nil
}

type publicMetrics struct {
	LikeCount       int `json:"like_count"`
	RetweetCount    int `json:"retweet_count"`
	ReplyCount      int `json:"reply_count"`
	ImpressionCount int `json:"impression_count"`
}

func (m publicMetrics) toModel() model.EngagementMetrics {
	return model.EngagementMetrics{
		Likes:       m.LikeCount,
		Reposts:     m.RetweetCount,
		Replies:     m.ReplyCount,
		Impressions: m.ImpressionCount,
	}
}

type tweet struct {
	ID            string        `json:"id"`
	Text          string        `json:"text"`
	AuthorID      string        `json:"author_id"`
	PublicMetrics publicMetrics `json:"public_metrics"`
}

type tweetsResponse struct {
	Data     []tweet `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
}

// SearchRecent は直近の投稿を検索し、公開メトリクス付きの候補として返す。
// maxResultsはX APIの制約に合わせて10〜100に丸める。
func (c *Client) SearchRecent(ctx context.Context, query string, maxResults int) ([]model.SourceItem, error) {
	maxResults = min(max(maxResults, 10), 100)

	q := url.Values{}
	q.Set("query", query)
	q.Set("max_results", strconv.Itoa(maxResults))
	q.Set("tweet.fields", "created_at,public_metrics,author_id")
	q.Set("expansions", "author_id")
	q.Set("user.fields", "username")

	var resp tweetsResponse
	if err := c.getJSON(ctx, "/2/tweets/search/recent", q, &resp); err != nil {
		return nil, err
	}

	usernames := make(map[string]string, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		usernames[u.ID] = u.Username
	}

	items := make([]model.SourceItem, 0, len(resp.Data))
	for _, t := range resp.Data {
		handle := usernames[t.AuthorID]
		if handle == "" {
			handle = "unknown"
		}
		items = append(items, model.SourceItem{
			SourceID:     "x:" + t.ID,
			Text:         t.Text,
			AuthorHandle: handle,
			URL:          fmt.Sprintf("https://x.com/%s/status/%s", handle, t.ID),
			Metrics:      t.PublicMetrics.toModel(),
		})
	}
	return items, nil
}

// LookupMetrics は公開済み投稿の公開メトリクスを一括取得する。
// IDは最大100件まで。削除済みなどでレスポンスに含まれない投稿は結果に含めない。
func (c *Client) LookupMetrics(ctx context.Context, ids []string) (map[string]model.EngagementMetrics, error) {
	if len(ids) == 0 {
		return make(map[string]model.EngagementMetrics), nil
	}
	if len(ids) > maxIDsPerLookup {
		return nil, fmt.Errorf("IDの数が上限を超えています: %d > %d", len(ids), maxIDsPerLookup)
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("tweet.fields", "public_metrics")

	var resp tweetsResponse
	if err := c.getJSON(ctx, "/2/tweets", q, &resp); err != nil {
		return nil, err
	}

	metrics := make(map[string]model.EngagementMetrics, len(resp.Data))
	for _, t := range resp.Data {
		metrics[t.ID] = t.PublicMetrics.toModel()
	}
	return metrics, nil
}

type meResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// OwnPosts はアクセストークンの持ち主の最近の投稿本文を新しい順に返す。
// リポストとリプライは含めない。maxResultsはX APIの制約に合わせて5〜100に丸める。
func (c *Client) OwnPosts(ctx context.Context, token model.Secret, maxResults int) ([]string, error) {
	maxResults = min(max(maxResults, 5), 100)

	var me meResponse
	if err := c.getJSONAs(ctx, token, "/2/users/me", url.Values{}, &me); err != nil {
		return nil, err
	}
	if me.Data.ID == "" {
		return nil, errors.New("ユーザーIDを取得できません")
	}

	q := url.Values{}
	q.Set("max_results", strconv.Itoa(maxResults))
	q.Set("exclude", "retweets,replies")
	q.Set("tweet.fields", "created_at")

	var resp tweetsResponse
	if err := c.getJSONAs(ctx, token, "/2/users/"+url.PathEscape(me.Data.ID)+"/tweets", q, &resp); err != nil {
		return nil, err
	}

	texts := make([]string, 0, len(resp.Data))
	for _, t := range resp.Data {
		if text := strings.TrimSpace(t.Text); text != "" {
			texts = append(texts, text)
		}
	}
	return texts, nil
}

// getJSON はアプリのベアラートークンでGETし、レスポンスをoutにデコードする。
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.getJSONAs(ctx, c.appToken, path, query, out)
}

// getJSONAs はtokenでGETし、レスポンスをoutにデコードする。
func (c *Client) getJSONAs(ctx context.Context, token model.Secret, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	c.authorize(req, token)

	body, status, err := c.do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	if status != http.StatusOK {
		return classifyStatus(status, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request, token model.Secret) {
	req.Header.Set("Authorization", "Bearer "+token.Reveal())
	req.Header.Set("User-Agent", userAgent)
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("X APIの呼び出しに失敗しました",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()),
		)
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, 0, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	c.logger.Debug("X APIを呼び出しました",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("http_status", resp.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return body, resp.StatusCode, nil
}

// classifyStatus はHTTPステータスを再試行可否で分類したエラーに変換する。
// 429と5xxは一時的、それ以外の4xxは恒久的な失敗として扱う。
func classifyStatus(status int, body []byte) error {
	var apiErr apiErrorBody
	_ = json.Unmarshal(body, &apiErr)
	detail := apiErr.message()
	if detail == "" {
		detail = http.StatusText(status)
	}

	kind := model.ErrPermanentPublish
	if status == http.StatusTooManyRequests || status >= 500 {
		kind = model.ErrTransientPublish
	}
	return &StatusError{StatusCode: status, Detail: detail, kind: kind}
}

// classifyTransportError はネットワークエラーとタイムアウトを一時的な失敗に分類する。
func classifyTransportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: タイムアウトしました: %v", model.ErrTransientPublish, err)
	case errors.As(err, &netErr):
		return fmt.Errorf("%w: ネットワークエラー: %v", model.ErrTransientPublish, err)
	default:
		return fmt.Errorf("%w: %v", model.ErrTransientPublish, err)
	}
}

// StatusError はX APIが成功以外のステータスを返したことを示す。
type StatusError struct {
	StatusCode int
	Detail     string
	kind       error
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: X APIがステータス %d を返しました: %s", e.kind, e.StatusCode, e.Detail)
}

// Unwrap は分類（model.ErrTransientPublish / model.ErrPermanentPublish）を返す。
func (e *StatusError) Unwrap() error { return e.kind }
