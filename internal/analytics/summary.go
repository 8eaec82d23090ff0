package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/repository"
)

// topPostsLimit は集計結果に含める上位投稿の件数。
const topPostsLimit = 5

// PostMetrics は投稿済み予約投稿1件のエンゲージメント。
type PostMetrics struct {
	ScheduledPostID string                  `json:"scheduled_post_id"`
	ExternalID      string                  `json:"external_id"`
	Content         string                  `json:"content"`
	PostedAt        time.Time               `json:"posted_at"`
	Metrics         model.EngagementMetrics `json:"metrics"`
	FetchedAt       *time.Time              `json:"metrics_fetched_at,omitempty"`
}

// Summary はアカウントのエンゲージメント集計。
type Summary struct {
	PostedCount int                     `json:"posted_count"`
	FailedCount int                     `json:"failed_count"`
	Totals      model.EngagementMetrics `json:"totals"`
	TopPosts    []PostMetrics           `json:"top_posts"`
}

// Service はエンゲージメント集計を提供する。
type Service struct {
	repo repository.ScheduledPostRepository
}

// NewService はServiceを生成する。
func NewService(repo repository.ScheduledPostRepository) *Service {
	return &Service{repo: repo}
}

// Summary はアカウントの投稿済み予約投稿のエンゲージメントを集計する。
// 上位投稿はスコア（いいね＋リポスト）の高い順。
func (s *Service) Summary(ctx context.Context, accountID string) (*Summary, error) {
	posted := model.StatusPosted
	posts, err := s.repo.ListByAccount(ctx, accountID, &posted)
	if err != nil {
		return nil, fmt.Errorf("投稿済み予約投稿の取得に失敗しました: %w", err)
	}
	failed := model.StatusFailed
	failures, err := s.repo.ListByAccount(ctx, accountID, &failed)
	if err != nil {
		return nil, fmt.Errorf("失敗した予約投稿の取得に失敗しました: %w", err)
	}

	summary := &Summary{
		PostedCount: len(posts),
		FailedCount: len(failures),
		TopPosts:    []PostMetrics{},
	}

	var withMetrics []PostMetrics
	for _, sp := range posts {
		if sp.Metrics == nil {
			continue
		}
		summary.Totals.Likes += sp.Metrics.Likes
		summary.Totals.Reposts += sp.Metrics.Reposts
		summary.Totals.Replies += sp.Metrics.Replies
		summary.Totals.Impressions += sp.Metrics.Impressions

		pm := PostMetrics{
			ScheduledPostID: sp.ID,
			ExternalID:      sp.ExternalID,
			Content:         sp.Content,
			Metrics:         *sp.Metrics,
			FetchedAt:       sp.MetricsFetchedAt,
		}
		if sp.PostedAt != nil {
			pm.PostedAt = *sp.PostedAt
		}
		withMetrics = append(withMetrics, pm)
	}

	sort.SliceStable(withMetrics, func(i, j int) bool {
		return withMetrics[i].Metrics.Score() > withMetrics[j].Metrics.Score()
	})
	if len(withMetrics) > topPostsLimit {
		withMetrics = withMetrics[:topPostsLimit]
	}
	summary.TopPosts = append(summary.TopPosts, withMetrics...)
	return summary, nil
}
