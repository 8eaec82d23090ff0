package autopilot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/postpilot/internal/clock"
)

// unlockTimeout はロック解放に使うタイムアウト。
const unlockTimeout = 5 * time.Second

// Locker はアカウント単位の排他ロックを提供する。
// 取得できた場合は解放関数を返す。解放しなくてもttl経過後に自動で失効する。
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), acquired bool, err error)
}

// releaseScript は自分のトークンを持つ場合のみキーを削除する。
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

// RedisLocker は複数インスタンスで共有するLockerの実装。
// SET NX PXでロックを取得し、トークンを照合して解放する。
type RedisLocker struct {
	client redis.UniversalClient
	logger *slog.Logger
	prefix string
}

// NewRedisLocker はRedisLockerを生成する。
func NewRedisLocker(client redis.UniversalClient, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{client: client, logger: logger, prefix: "lock"}
}

// Key はロックのキーを返す。
func (l *RedisLocker) Key(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

// TryLock はロックの取得を1回だけ試みる。
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	redisKey := l.Key(key)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("ロックの取得に失敗しました: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if err := releaseScript.Run(uctx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.logger.Warn("ロックの解放に失敗しました",
				slog.String("key", redisKey),
				slog.String("error", err.Error()),
			)
		}
	}
	return unlock, true, nil
}

// LocalLocker はプロセス内で完結するLockerの実装。Redisを使わない構成で使用する。
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localLock
	clock clock.Clock
}

type localLock struct {
	token     string
	expiresAt time.Time
}

// NewLocalLocker はLocalLockerを生成する。
func NewLocalLocker(clk clock.Clock) *LocalLocker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &LocalLocker{held: make(map[string]localLock), clock: clk}
}

// TryLock はロックの取得を1回だけ試みる。失効したロックは取得可能として扱う。
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if cur, ok := l.held[key]; ok && cur.expiresAt.After(now) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.held[key] = localLock{token: token, expiresAt: now.Add(ttl)}

	unlock := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
	}
	return unlock, true, nil
}
