// Package clock は時刻取得と待機を抽象化する。
// レート制御・リトライ・時間予算のテストで仮想時刻を注入するために使う。
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock は現在時刻の取得とコンテキスト対応の待機を提供する。
type Clock interface {
	Now() time.Time
	// Sleep はdだけ待機する。コンテキストが先に終了した場合はそのエラーを返す。
	Sleep(ctx context.Context, d time.Duration) error
}

// Real は実時刻を使うClock。
type Real struct{}

// Now は現在時刻を返す。
func (Real) Now() time.Time { return time.Now() }

// Sleep はdだけ待機する。
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake はテスト用の仮想時刻。Sleepは実際には待たずに時刻を進める。
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFake は指定時刻から始まるFakeを生成する。
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now は仮想時刻を返す。
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep は仮想時刻をdだけ進め、待機時間を記録する。
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	f.sleeps = append(f.sleeps, d)
	return nil
}

// Advance は仮想時刻をdだけ進める。擬似的な処理時間の表現に使う。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Sleeps は記録された待機時間のコピーを返す。
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}
