package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/model"
	"github.com/hitoshi/postpilot/internal/repository"
	"github.com/hitoshi/postpilot/internal/repository/memstore"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// --- モック定義 ---

type mockSessions struct {
	calledWith time.Time
	deleted    int64
	err        error
}

func (m *mockSessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.calledWith = now
	return m.deleted, m.err
}

type mockClaims struct {
	cutoff   time.Time
	released int64
	err      error
}

func (m *mockClaims) ReleaseStaleClaims(_ context.Context, leaseCutoff time.Time) (int64, error) {
	m.cutoff = leaseCutoff
	return m.released, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// findLogEntry はJSONログからkeyを含む最初のエントリを返す。
func findLogEntry(buf *bytes.Buffer, key string) map[string]interface{} {
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if _, ok := entry[key]; ok {
			return entry
		}
	}
	return nil
}

// --- テスト ---

func TestNewCleanupJob_DefaultLease(t *testing.T) {
	job := NewCleanupJob(&mockSessions{}, &mockClaims{}, nil, slog.Default())
	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.ClaimLease != 10*time.Minute {
		t.Errorf("ClaimLease = %v, want 10m", job.ClaimLease)
	}
}

func TestCleanupJob_Run(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessions{deleted: 4}
	claims := &mockClaims{released: 2}
	job := NewCleanupJob(sessions, claims, clock.NewFake(baseTime), newTestLogger(&buf))

	result, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if result.DeletedSessions != 4 || result.ReleasedClaims != 2 {
		t.Errorf("result = %+v, want {4 2}", result)
	}
	if !sessions.calledWith.Equal(baseTime) {
		t.Errorf("DeleteExpired の基準時刻 = %v, want %v", sessions.calledWith, baseTime)
	}
	if want := baseTime.Add(-10 * time.Minute); !claims.cutoff.Equal(want) {
		t.Errorf("ReleaseStaleClaims の基準時刻 = %v, want %v", claims.cutoff, want)
	}

	entry := findLogEntry(&buf, "deleted_sessions")
	if entry == nil {
		t.Fatalf("ログに deleted_sessions が記録されていない。ログ出力: %s", buf.String())
	}
	if entry["deleted_sessions"] != float64(4) || entry["released_claims"] != float64(2) {
		t.Errorf("ログの件数が期待と異なる: %v", entry)
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Errorf("ログに duration_ms が記録されていない: %v", entry)
	}
}

func TestCleanupJob_Run_CustomLease(t *testing.T) {
	claims := &mockClaims{}
	job := NewCleanupJob(&mockSessions{}, claims, clock.NewFake(baseTime), slog.Default())
	job.ClaimLease = time.Hour

	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if want := baseTime.Add(-time.Hour); !claims.cutoff.Equal(want) {
		t.Errorf("ReleaseStaleClaims の基準時刻 = %v, want %v", claims.cutoff, want)
	}
}

func TestCleanupJob_Run_SessionErrorStillReleasesClaims(t *testing.T) {
	var buf bytes.Buffer
	claims := &mockClaims{released: 3}
	job := NewCleanupJob(&mockSessions{err: sql.ErrConnDone}, claims, clock.NewFake(baseTime), newTestLogger(&buf))

	result, err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if claims.cutoff.IsZero() || result.ReleasedClaims != 3 {
		t.Errorf("セッション削除の失敗後もクレーム解放は実行されるべき: %+v", result)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ClaimError(t *testing.T) {
	job := NewCleanupJob(&mockSessions{}, &mockClaims{err: sql.ErrConnDone}, clock.NewFake(baseTime), slog.Default())

	if _, err := job.Run(context.Background()); err == nil {
		t.Fatal("クレーム解放の失敗時はエラーを返すべき")
	}
}

func TestCleanupJob_Run_Idempotent(t *testing.T) {
	job := NewCleanupJob(&mockSessions{}, &mockClaims{}, clock.NewFake(baseTime), slog.Default())

	for i := 0; i < 2; i++ {
		result, err := job.Run(context.Background())
		if err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
		if result.DeletedSessions != 0 || result.ReleasedClaims != 0 {
			t.Errorf("対象がない場合は0件であるべき: %+v", result)
		}
	}
}

// TestCleanupJob_ReleasesAbandonedClaim はクラッシュしたワーカーのクレームが
// 解放され、次のスキャンで再びクレームできることを確認する。
func TestCleanupJob_ReleasesAbandonedClaim(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	clk := clock.NewFake(baseTime)
	repo := store.ScheduledPosts()

	if err := store.Posts().Create(ctx, &model.Post{ID: "post-1", AccountID: "acc-1", Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, &model.ScheduledPost{ID: "sp-1", AccountID: "acc-1", PostID: "post-1", ScheduledFor: baseTime}); err != nil {
		t.Fatal(err)
	}
	claimed, _ := repo.ClaimDue(ctx, repository.ClaimRequest{Now: baseTime, Token: "crashed", LeaseCutoff: baseTime.Add(-10 * time.Minute)})
	if len(claimed) != 1 {
		t.Fatalf("クレーム件数 = %d, want 1", len(claimed))
	}

	job := NewCleanupJob(&mockSessions{}, repo, clk, slog.Default())

	// リース内のクレームは解放しない
	clk.Advance(5 * time.Minute)
	if result, _ := job.Run(ctx); result.ReleasedClaims != 0 {
		t.Errorf("リース内のクレームは解放されないべき: %+v", result)
	}

	clk.Advance(6 * time.Minute)
	result, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if result.ReleasedClaims != 1 {
		t.Errorf("リース切れのクレームが解放されるべき: %+v", result)
	}
	if sp := store.ScheduledPost("sp-1"); sp.ClaimToken != "" || sp.Status != model.StatusPending {
		t.Errorf("解放後はpendingかつ未クレームであるべき: %+v", sp)
	}
}

func TestCleanupJob_Start_StopsOnCancel(t *testing.T) {
	sessions := &mockSessions{}
	job := NewCleanupJob(sessions, &mockClaims{}, clock.NewFake(baseTime), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("コンテキストのキャンセルで停止するべき")
	}
}

type mockAttempts struct {
	pruned int64
	err    error
	calls  int
}

func (m *mockAttempts) Prune(context.Context) (int64, error) {
	m.calls++
	return m.pruned, m.err
}

func TestCleanupJob_Run_PrunesAttempts(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockSessions{}, &mockClaims{}, clock.NewFake(baseTime), newTestLogger(&buf))
	attempts := &mockAttempts{pruned: 12}
	job.Attempts = attempts

	result, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts.calls != 1 || result.PrunedAttempts != 12 {
		t.Errorf("試行ログが削除されるべき: calls=%d result=%+v", attempts.calls, result)
	}
	if entry := findLogEntry(&buf, "pruned_attempts"); entry == nil || entry["pruned_attempts"] != float64(12) {
		t.Errorf("削除件数がログに記録されるべき: %v", entry)
	}
}

func TestCleanupJob_Run_PruneErrorIsReported(t *testing.T) {
	claims := &mockClaims{released: 1}
	job := NewCleanupJob(&mockSessions{}, claims, clock.NewFake(baseTime), slog.Default())
	job.Attempts = &mockAttempts{err: sql.ErrConnDone}

	result, err := job.Run(context.Background())
	if err == nil {
		t.Fatal("試行ログの削除に失敗した場合はエラーを返すべき")
	}
	if result.ReleasedClaims != 1 {
		t.Errorf("他の処理の結果は保持されるべき: %+v", result)
	}
}
