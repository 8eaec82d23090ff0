package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *bytes.Buffer) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewClient(server.Client(), server.URL, "app-token", clock.NewFake(fixedNow), logger), &buf
}

func TestPublish_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/2/tweets" {
			t.Errorf("request = %s %s, want POST /2/tweets", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("ユーザーのトークンで認可されるべき: got %q", got)
		}
		var body createTweetRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Text != "hello world" {
			t.Errorf("text = %q", body.Text)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"1890","text":"hello world"}}`))
	})

	res, err := c.Publish(context.Background(), "user-token", "hello world")
	if err != nil {
		t.Fatalf("Publish がエラーを返した: %v", err)
	}
	if res.ExternalID != "1890" {
		t.Errorf("ExternalID = %q, want 1890", res.ExternalID)
	}
	if !res.PublishedAt.Equal(fixedNow) {
		t.Errorf("PublishedAt = %v, want %v", res.PublishedAt, fixedNow)
	}
}

func TestPublish_RejectsOverlongContentWithoutCalling(t *testing.T) {
	called := false
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := c.Publish(context.Background(), "user-token", strings.Repeat("a", 281))
	if !errors.Is(err, model.ErrPermanentPublish) {
		t.Errorf("281文字は恒久的失敗になるべき: got %v", err)
	}
	if called {
		t.Error("文字数超過時はAPIを呼び出さないべき")
	}
}

func TestPublish_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"title":"Too Many Requests"}`, model.ErrTransientPublish},
		{"server error", http.StatusInternalServerError, ``, model.ErrTransientPublish},
		{"bad gateway", http.StatusBadGateway, ``, model.ErrTransientPublish},
		{"unauthorized", http.StatusUnauthorized, `{"title":"Unauthorized"}`, model.ErrPermanentPublish},
		{"duplicate", http.StatusForbidden, `{"detail":"You are not allowed to create a Tweet with duplicate content."}`, model.ErrPermanentPublish},
		{"bad request", http.StatusBadRequest, `{"errors":[{"message":"invalid"}]}`, model.ErrPermanentPublish},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.Publish(context.Background(), "user-token", "hello")
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != tt.status {
				t.Errorf("StatusErrorにステータスが保持されるべき: %v", err)
			}
		})
	}
}

func TestPublish_DuplicateDetailIsReported(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"detail":"duplicate content"}`))
	})

	_, err := c.Publish(context.Background(), "user-token", "hello")
	if err == nil || !strings.Contains(err.Error(), "duplicate content") {
		t.Errorf("エラーメッセージにAPIの詳細が含まれるべき: %v", err)
	}
}

func TestPublish_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Publish(ctx, "user-token", "hello")
	if !errors.Is(err, model.ErrTransientPublish) {
		t.Errorf("タイムアウトは一時的失敗になるべき: got %v", err)
	}
}

func TestPublish_MissingIDIsPermanent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{}}`))
	})

	_, err := c.Publish(context.Background(), "user-token", "hello")
	if !errors.Is(err, model.ErrPermanentPublish) {
		t.Errorf("IDのない成功レスポンスは再試行しないべき: got %v", err)
	}
}

func TestPublish_TokenIsNotLogged(t *testing.T) {
	c, buf := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"1"}}`))
	})

	if _, err := c.Publish(context.Background(), "super-secret-token", "hello"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if strings.Contains(buf.String(), "super-secret-token") {
		t.Error("アクセストークンがログに出力されてはならない")
	}
}

func TestSearchRecent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/tweets/search/recent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer app-token" {
			t.Errorf("アプリのトークンで認可されるべき: got %q", got)
		}
		if got := r.URL.Query().Get("max_results"); got != "10" {
			t.Errorf("max_resultsは10以上に丸められるべき: got %s", got)
		}
		if got := r.URL.Query().Get("query"); got != "golang -is:retweet" {
			t.Errorf("query = %q", got)
		}
		w.Write([]byte(`{
			"data":[
				{"id":"1","text":"first","author_id":"u1","public_metrics":{"like_count":120,"retweet_count":30,"reply_count":4,"impression_count":9000}},
				{"id":"2","text":"second","author_id":"u9","public_metrics":{"like_count":5}}
			],
			"includes":{"users":[{"id":"u1","username":"gopher"}]}
		}`))
	})

	items, err := c.SearchRecent(context.Background(), "golang -is:retweet", 3)
	if err != nil {
		t.Fatalf("SearchRecent がエラーを返した: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	first := items[0]
	if first.SourceID != "x:1" || first.AuthorHandle != "gopher" {
		t.Errorf("first = %+v", first)
	}
	if first.Metrics.Score() != 150 || first.Metrics.Impressions != 9000 {
		t.Errorf("メトリクスが変換されるべき: %+v", first.Metrics)
	}
	if first.URL != "https://x.com/gopher/status/1" {
		t.Errorf("URL = %q", first.URL)
	}
	if items[1].AuthorHandle != "unknown" {
		t.Errorf("不明な投稿者は unknown になるべき: %q", items[1].AuthorHandle)
	}
}

func TestLookupMetrics(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "10,11" {
			t.Errorf("ids = %q, want 10,11", got)
		}
		w.Write([]byte(`{"data":[{"id":"10","public_metrics":{"like_count":3,"retweet_count":1,"reply_count":2,"impression_count":40}}]}`))
	})

	metrics, err := c.LookupMetrics(context.Background(), []string{"10", "11"})
	if err != nil {
		t.Fatalf("LookupMetrics がエラーを返した: %v", err)
	}
	want := model.EngagementMetrics{Likes: 3, Reposts: 1, Replies: 2, Impressions: 40}
	if metrics["10"] != want {
		t.Errorf("metrics[10] = %+v, want %+v", metrics["10"], want)
	}
	if _, ok := metrics["11"]; ok {
		t.Error("レスポンスに含まれないIDは結果に含めないべき")
	}
}

func TestLookupMetrics_LimitsAndEmpty(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("APIを呼び出さないべき")
	})

	got, err := c.LookupMetrics(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Errorf("空リストは空マップを返すべき: %v, %v", got, err)
	}

	ids := make([]string, 101)
	for i := range ids {
		ids[i] = "id"
	}
	if _, err := c.LookupMetrics(context.Background(), ids); err == nil {
		t.Error("101件以上はエラーになるべき")
	}
}

func TestOwnPosts(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("ユーザーのトークンで認可されるべき: got %q", got)
		}
		switch r.URL.Path {
		case "/2/users/me":
			w.Write([]byte(`{"data":{"id":"42","username":"alice"}}`))
		case "/2/users/42/tweets":
			q := r.URL.Query()
			if q.Get("exclude") != "retweets,replies" || q.Get("max_results") != "100" {
				t.Errorf("query = %v", q)
			}
			w.Write([]byte(`{"data":[{"id":"1","text":"shipping today"},{"id":"2","text":"  "},{"id":"3","text":"build in public"}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	texts, err := c.OwnPosts(context.Background(), "user-token", 500)
	if err != nil {
		t.Fatalf("OwnPosts: %v", err)
	}
	if len(texts) != 2 || texts[0] != "shipping today" || texts[1] != "build in public" {
		t.Errorf("空の本文を除いた投稿が返されるべき: %v", texts)
	}
}

func TestOwnPosts_UnauthorizedIsReported(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"title":"Unauthorized"}`))
	})

	_, err := c.OwnPosts(context.Background(), "revoked", 100)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("ステータスエラーが返されるべき: %v", err)
	}
}
