// Package ratelimit はアカウントごとの投稿試行数をスライディングウィンドウで制限する。
//
// 固定バケットではなく試行時刻のログを保持し、チェックのたびにウィンドウ外の
// 時刻を取り除く。バケット境界をまたぐバーストで上限が実質2倍になることはない。
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/postpilot/internal/clock"
)

// Limiter は投稿試行の許可を判定する。
// TryAcquireは失敗せず、許可しない場合はfalseを返すだけである。
type Limiter interface {
	TryAcquire(ctx context.Context, accountID string) bool
}

// Config はスライディングウィンドウの設定を保持する。
type Config struct {
	Window  time.Duration // ウィンドウ長
	Ceiling int           // ウィンドウ内の最大試行数
}

// DefaultConfig はデフォルト設定（15分間に100回）を返す。
func DefaultConfig() Config {
	return Config{
		Window:  15 * time.Minute,
		Ceiling: 100,
	}
}

// accountLog はアカウント1件分の試行時刻を保持するリングバッファ。
type accountLog struct {
	mu         sync.Mutex
	stamps     []time.Time
	head       int
	size       int
	lastAccess time.Time
	dead       bool // Cleanupでマップから外された。以後は記録しない
}

// evict はcutoff以前の試行時刻を取り除く。呼び出し側がmuを保持していること。
func (l *accountLog) evict(cutoff time.Time) {
	for l.size > 0 && !l.stamps[l.head].After(cutoff) {
		l.stamps[l.head] = time.Time{}
		l.head = (l.head + 1) % len(l.stamps)
		l.size--
	}
}

// tryAcquire は試行を記録できればadmittedにtrueを返す。
// Cleanupで削除済みのログであればdeadにtrueを返し、何も記録しない。
func (l *accountLog) tryAcquire(now time.Time, window time.Duration) (admitted, dead bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dead {
		return false, true
	}

	l.evict(now.Add(-window))
	l.lastAccess = now

	if l.size >= len(l.stamps) {
		return false, false
	}

	l.stamps[(l.head+l.size)%len(l.stamps)] = now
	l.size++
	return true, false
}

func (l *accountLog) count(now time.Time, window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now.Add(-window))
	return l.size
}

// SlidingWindow はプロセス内で完結するLimiterの実装。
// 異なるアカウントへの呼び出しは互いにブロックしない。
type SlidingWindow struct {
	config Config
	clock  clock.Clock

	mu   sync.RWMutex
	logs map[string]*accountLog
}

// NewSlidingWindow はSlidingWindowを生成する。clkがnilの場合はシステム時刻を使う。
func NewSlidingWindow(config Config, clk clock.Clock) *SlidingWindow {
	if clk == nil {
		clk = clock.Real{}
	}
	return &SlidingWindow{
		config: config,
		clock:  clk,
		logs:   make(map[string]*accountLog),
	}
}

// TryAcquire はウィンドウ内の試行数が上限未満であれば試行を記録してtrueを返す。
// 上限に達している場合は何も記録せずfalseを返す。
func (s *SlidingWindow) TryAcquire(_ context.Context, accountID string) bool {
	if s.config.Ceiling <= 0 {
		return false
	}
	for {
		admitted, dead := s.getOrCreate(accountID).tryAcquire(s.clock.Now(), s.config.Window)
		if !dead {
			return admitted
		}
		// Cleanupと競合した。マップに登録し直したログで判定する
	}
}

// Count はアカウントの現在のウィンドウ内試行数を返す。
func (s *SlidingWindow) Count(accountID string) int {
	s.mu.RLock()
	l, ok := s.logs[accountID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return l.count(s.clock.Now(), s.config.Window)
}

// Len は管理しているアカウント数を返す。テストおよびメトリクス用。
func (s *SlidingWindow) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

func (s *SlidingWindow) getOrCreate(accountID string) *accountLog {
	s.mu.RLock()
	l, ok := s.logs[accountID]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ダブルチェック
	if l, ok := s.logs[accountID]; ok {
		return l
	}

	l = &accountLog{stamps: make([]time.Time, s.config.Ceiling)}
	s.logs[accountID] = l
	return l
}

// Cleanup はウィンドウ長を超えてアクセスのないアカウントのログを削除する。
// ウィンドウ外の試行しか持たないログは判定に影響しないため、削除しても結果は変わらない。
func (s *SlidingWindow) Cleanup() int {
	cutoff := s.clock.Now().Add(-s.config.Window)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, l := range s.logs {
		l.mu.Lock()
		idle := !l.lastAccess.After(cutoff)
		if idle {
			l.dead = true
		}
		l.mu.Unlock()
		if idle {
			delete(s.logs, id)
			removed++
		}
	}
	return removed
}

// StartCleanup はctxがキャンセルされるまでinterval間隔でCleanupを実行する。
func (s *SlidingWindow) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

var _ Limiter = (*SlidingWindow)(nil)
