package autopilot

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/postpilot/internal/clock"
)

func TestLocalLocker(t *testing.T) {
	clk := clock.NewFake(baseTime)
	l := NewLocalLocker(clk)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "autopilot:acc-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("最初のロックは取得できるべき: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "autopilot:acc-1", time.Minute); ok {
		t.Error("保持中のロックは取得できないべき")
	}
	if _, ok, _ := l.TryLock(ctx, "autopilot:acc-2", time.Minute); !ok {
		t.Error("別のキーのロックは取得できるべき")
	}

	unlock()
	if _, ok, _ := l.TryLock(ctx, "autopilot:acc-1", time.Minute); !ok {
		t.Error("解放後は取得できるべき")
	}

	clk.Advance(2 * time.Minute)
	if _, ok, _ := l.TryLock(ctx, "autopilot:acc-1", time.Minute); !ok {
		t.Error("失効したロックは取得できるべき")
	}
}

func TestLocalLocker_StaleUnlockDoesNotReleaseNewHolder(t *testing.T) {
	clk := clock.NewFake(baseTime)
	l := NewLocalLocker(clk)
	ctx := context.Background()

	staleUnlock, _, _ := l.TryLock(ctx, "k", time.Minute)
	clk.Advance(2 * time.Minute)
	if _, ok, _ := l.TryLock(ctx, "k", time.Minute); !ok {
		t.Fatal("失効後は新しい保持者が取得できるべき")
	}

	staleUnlock()
	if _, ok, _ := l.TryLock(ctx, "k", time.Minute); ok {
		t.Error("古い保持者の解放で新しい保持者のロックが外れてはならない")
	}
}

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, slog.New(slog.NewJSONHandler(io.Discard, nil))), mr
}

func TestRedisLocker(t *testing.T) {
	l, mr := newTestRedisLocker(t)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "autopilot:acc-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("最初のロックは取得できるべき: ok=%v err=%v", ok, err)
	}
	if !mr.Exists(l.Key("autopilot:acc-1")) {
		t.Error("ロックキーが作成されるべき")
	}
	if ttl := mr.TTL(l.Key("autopilot:acc-1")); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	// 別インスタンス相当
	other := NewRedisLocker(redis.NewClient(&redis.Options{Addr: mr.Addr()}), l.logger)
	if _, ok, _ := other.TryLock(ctx, "autopilot:acc-1", time.Minute); ok {
		t.Error("他のインスタンスが保持中のロックは取得できないべき")
	}

	unlock()
	if mr.Exists(l.Key("autopilot:acc-1")) {
		t.Error("解放後はキーが削除されるべき")
	}
	if _, ok, _ := other.TryLock(ctx, "autopilot:acc-1", time.Minute); !ok {
		t.Error("解放後は他のインスタンスが取得できるべき")
	}
}

func TestRedisLocker_ExpiresAfterTTL(t *testing.T) {
	l, mr := newTestRedisLocker(t)
	ctx := context.Background()

	staleUnlock, _, _ := l.TryLock(ctx, "k", time.Minute)
	mr.FastForward(2 * time.Minute)

	_, ok, err := l.TryLock(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("失効後は取得できるべき: ok=%v err=%v", ok, err)
	}

	staleUnlock()
	if !mr.Exists(l.Key("k")) {
		t.Error("古いトークンでの解放は新しいロックを削除してはならない")
	}
}

func TestRedisLocker_ErrorOnUnavailableRedis(t *testing.T) {
	l, mr := newTestRedisLocker(t)
	mr.Close()

	if _, ok, err := l.TryLock(context.Background(), "k", time.Minute); err == nil || ok {
		t.Errorf("Redisに接続できない場合はエラーを返すべき: ok=%v err=%v", ok, err)
	}
}
