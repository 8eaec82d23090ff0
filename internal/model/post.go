package model

import (
	"time"
	"unicode/utf8"
)

// MaxContentLength は1投稿の最大文字数。
const MaxContentLength = 280

// Post は公開対象の本文を表す。作成後は不変で、編集は新しいバージョンの作成になる。
type Post struct {
	ID               string
	AccountID        string
	Content          string
	SourceID         string
	SourceAuthor     string
	SourceEngagement int
	AIModel          string
	ParentID         string
	Version          int
	CreatedAt        time.Time
}

// ContentLength は本文の文字数（rune数）を返す。
func ContentLength(content string) int {
	return utf8.RuneCountInString(content)
}

// TruncateContent は本文をMaxContentLength以内に収める。
// 超過する場合は末尾を"..."に置き換える。
func TruncateContent(content string) string {
	if ContentLength(content) <= MaxContentLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:MaxContentLength-3]) + "..."
}

// SourceItem はディスカバリが返す元コンテンツの候補。
type SourceItem struct {
	SourceID     string
	Text         string
	AuthorHandle string
	URL          string
	Metrics      EngagementMetrics
}

// EngagementMetrics は投稿の公開メトリクス。
type EngagementMetrics struct {
	Likes       int `json:"likes"`
	Reposts     int `json:"reposts"`
	Replies     int `json:"replies"`
	Impressions int `json:"impressions"`
}

// Score は候補選択に使うエンゲージメントスコア（いいね＋リポスト）を返す。
func (m EngagementMetrics) Score() int {
	return m.Likes + m.Reposts
}
