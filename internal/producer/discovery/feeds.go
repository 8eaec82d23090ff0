package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/producer"
	"github.com/hitoshi/postpilot/internal/security"
)

const (
	// AnyNiche は全ニッチに共通のフィードを登録するキー。
	AnyNiche = "*"
	// maxSourceTextLength はリライトに渡す本文の最大文字数。
	maxSourceTextLength = 1000
	// maxFeedBodySize はフィード本文の読み取り上限。
	maxFeedBodySize = 5 << 20
)

// Feeds はニッチごとに設定されたRSS/Atomフィードを候補にする。
// フィードには公開メトリクスがないため、記事はエンゲージメント0の候補として扱い、
// minEngagementによる絞り込みは行わない。
type Feeds struct {
	httpClient *http.Client
	feeds      map[string][]string
	extractor  *security.TextExtractor
	retry      producer.RetryConfig
	logger     *slog.Logger
}

var _ producer.Discoverer = (*Feeds)(nil)

// NewFeeds はFeedsを生成する。httpClientにはsecurity.NewOutboundClientを渡す。
// feedsのキーはニッチ（小文字）で、AnyNicheのフィードは全ニッチで使われる。
func NewFeeds(httpClient *http.Client, feeds map[string][]string, retry producer.RetryConfig, logger *slog.Logger) *Feeds {
	normalized := make(map[string][]string, len(feeds))
	for niche, urls := range feeds {
		key := strings.ToLower(strings.TrimSpace(niche))
		normalized[key] = append(normalized[key], urls...)
	}

	return &Feeds{
		httpClient: httpClient,
		feeds:      normalized,
		extractor:  security.NewTextExtractor(),
		retry:      retry,
		logger:     logger,
	}
}

// Discover はニッチのフィードを順に取得し、記事を最大maxResults件返す。
// 個々のフィードの失敗はログに記録して次へ進む。全フィードが失敗した場合はエラーを返す。
func (f *Feeds) Discover(ctx context.Context, niche string, _ int, maxResults int) ([]model.SourceItem, error) {
	urls := f.urlsFor(niche)
	if len(urls) == 0 {
		return nil, nil
	}

	var (
		items    []model.SourceItem
		failures int
		lastErr  error
	)
	for _, u := range urls {
		feed, err := producer.Retry(ctx, f.retry, isRetryableFetch, func() (*gofeed.Feed, error) {
			return f.fetch(ctx, u)
		})
		if err != nil {
			failures++
			lastErr = err
			f.logger.Warn("フィードの取得に失敗しました",
				slog.String("feed_url", u),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, it := range feed.Items {
			item, ok := f.toSourceItem(u, it)
			if !ok {
				continue
			}
			items = append(items, item)
			if maxResults > 0 && len(items) >= maxResults {
				return items, nil
			}
		}
	}

	if failures == len(urls) {
		return nil, fmt.Errorf("フィードの取得に全て失敗しました: %w", lastErr)
	}
	return items, nil
}

// fetch はフィードを取得してパースする。
func (f *Feeds) fetch(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Postpilot/1.0")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &fetchStatusError{statusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	// gofeed.Parserは内部状態を持つため呼び出しごとに生成する
	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &parseError{err: err}
	}
	return feed, nil
}

type fetchStatusError struct {
	statusCode int
}

func (e *fetchStatusError) Error() string {
	return fmt.Sprintf("フィードがステータス %d を返しました", e.statusCode)
}

type parseError struct {
	err error
}

func (e *parseError) Error() string { return "フィードのパースに失敗しました: " + e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// isRetryableFetch は429と5xx、ネットワークエラーを再試行対象とする。
// それ以外のステータスとパース失敗は再試行しても変わらない。
func isRetryableFetch(err error) bool {
	var statusErr *fetchStatusError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= 500
	}
	var pe *parseError
	return !errors.As(err, &pe)
}

func (f *Feeds) urlsFor(niche string) []string {
	key := strings.ToLower(strings.TrimSpace(niche))
	urls := append([]string{}, f.feeds[key]...)
	if key != AnyNiche {
		urls = append(urls, f.feeds[AnyNiche]...)
	}
	return urls
}

func (f *Feeds) toSourceItem(feedURL string, it *gofeed.Item) (model.SourceItem, bool) {
	id := it.GUID
	if id == "" {
		id = it.Link
	}
	if id == "" {
		return model.SourceItem{}, false
	}

	title := f.extractor.PlainText(it.Title)
	body := f.extractor.PlainText(it.Description)
	if body == "" {
		body = f.extractor.PlainText(it.Content)
	}

	text := title
	if body != "" && body != title {
		if text != "" {
			text += ": "
		}
		text += body
	}
	if text == "" {
		return model.SourceItem{}, false
	}
	if runes := []rune(text); len(runes) > maxSourceTextLength {
		text = string(runes[:maxSourceTextLength])
	}

	author := ""
	if it.Author != nil {
		author = it.Author.Name
	} else if len(it.Authors) > 0 && it.Authors[0] != nil {
		author = it.Authors[0].Name
	}
	if author == "" {
		author = feedURL
	}

	return model.SourceItem{
		SourceID:     "rss:" + id,
		Text:         text,
		AuthorHandle: author,
		URL:          it.Link,
	}, true
}
