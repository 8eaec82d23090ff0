package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/producer"
)

// Searcher は直近の投稿を検索する。publisher.Clientが実装する。
type Searcher interface {
	SearchRecent(ctx context.Context, query string, maxResults int) ([]model.SourceItem, error)
}

// XSearch はX APIの検索結果から拡散している投稿を候補にする。
type XSearch struct {
	searcher Searcher
	retry    producer.RetryConfig
}

var _ producer.Discoverer = (*XSearch)(nil)

// NewXSearch はXSearchを生成する。
func NewXSearch(searcher Searcher, retry producer.RetryConfig) *XSearch {
	return &XSearch{searcher: searcher, retry: retry}
}

// SearchQuery はニッチから検索クエリを組み立てる。リポストと返信は除外する。
func SearchQuery(niche string) string {
	return fmt.Sprintf("%s -is:retweet -is:reply lang:en", niche)
}

// Discover はニッチで検索し、エンゲージメントがminEngagement以上の投稿を返す。
// 検索件数は閾値で絞り込まれることを見越してmaxResultsより多めに取得する。
func (s *XSearch) Discover(ctx context.Context, niche string, minEngagement, maxResults int) ([]model.SourceItem, error) {
	if niche == "" {
		return nil, nil
	}

	items, err := producer.Retry(ctx, s.retry, isTransient, func() ([]model.SourceItem, error) {
		return s.searcher.SearchRecent(ctx, SearchQuery(niche), maxResults*2)
	})
	if err != nil {
		return nil, fmt.Errorf("X検索に失敗しました: %w", err)
	}

	viral := make([]model.SourceItem, 0, len(items))
	for _, item := range items {
		if item.Metrics.Score() >= minEngagement {
			viral = append(viral, item)
		}
	}
	SortByEngagement(viral)
	if maxResults > 0 && len(viral) > maxResults {
		viral = viral[:maxResults]
	}
	return viral, nil
}

// isTransient は恒久的と分類されたAPIエラー以外を再試行対象とする。
func isTransient(err error) bool {
	return !errors.Is(err, model.ErrPermanentPublish)
}
