// Package clock は現在時刻の取得を抽象化する。
// スキャン周期や配信対象判定をテストで決定的に検証するために使用する。
package clock

import (
	"sync"
	"time"
)

// Clock は現在時刻を返す。
type Clock interface {
	Now() time.Time
}

// Real はシステム時刻を返すClock。
type Real struct{}

// Now は現在のUTC時刻を返す。
func (Real) Now() time.Time { return time.Now().UTC() }

// Fake はテスト用の手動で進めるClock。並行アクセスに対して安全。
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake は指定時刻で停止したFakeを生成する。
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now は現在の擬似時刻を返す。
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance は擬似時刻をdだけ進める。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set は擬似時刻を設定する。
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}
