// Package discovery はオートパイロット用の元コンテンツ候補を外部から集める。
package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/producer"
)

// Composite は複数の供給源から候補を集め、エンゲージメントの高い順にまとめる。
// 一部の供給源が失敗しても他の結果を返す。全供給源が失敗した場合のみエラーを返す。
type Composite struct {
	sources []producer.Discoverer
	logger  *slog.Logger
}

var _ producer.Discoverer = (*Composite)(nil)

// NewComposite はCompositeを生成する。
func NewComposite(logger *slog.Logger, sources ...producer.Discoverer) *Composite {
	return &Composite{sources: sources, logger: logger}
}

// Discover は全供給源を並行に呼び出し、SourceIDで重複を除いて上位maxResults件を返す。
func (c *Composite) Discover(ctx context.Context, niche string, minEngagement, maxResults int) ([]model.SourceItem, error) {
	if len(c.sources) == 0 {
		return nil, nil
	}

	type result struct {
		items []model.SourceItem
		err   error
	}
	results := make([]result, len(c.sources))

	var wg sync.WaitGroup
	for i, src := range c.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := src.Discover(ctx, niche, minEngagement, maxResults)
			results[i] = result{items: items, err: err}
		}()
	}
	wg.Wait()

	var (
		merged []model.SourceItem
		errs   []error
		seen   = make(map[string]bool)
	)
	for i, r := range results {
		if r.err != nil {
			c.logger.Warn("ディスカバリの供給源が失敗しました",
				slog.Int("source_index", i),
				slog.String("niche", niche),
				slog.String("error", r.err.Error()),
			)
			errs = append(errs, r.err)
			continue
		}
		for _, item := range r.items {
			if seen[item.SourceID] {
				continue
			}
			seen[item.SourceID] = true
			merged = append(merged, item)
		}
	}

	if len(errs) == len(c.sources) {
		return nil, fmt.Errorf("全てのディスカバリ供給源が失敗しました: %w", errors.Join(errs...))
	}

	SortByEngagement(merged)
	if maxResults > 0 && len(merged) > maxResults {
		merged = merged[:maxResults]
	}
	return merged, nil
}

// SortByEngagement は候補をエンゲージメントの高い順に並べる。同点は元の順序を保つ。
func SortByEngagement(items []model.SourceItem) {
	slices.SortStableFunc(items, func(a, b model.SourceItem) int {
		return cmp.Compare(b.Metrics.Score(), a.Metrics.Score())
	})
}
