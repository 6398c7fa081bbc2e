package governor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/gamepulse/internal/clock"
	"github.com/hitoshi/gamepulse/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var testStart = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingObserver struct {
	mu        sync.Mutex
	waits     []string
	cooldowns []time.Duration
}

func (o *recordingObserver) ObserveGovernorWait(_ model.Platform, reason string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waits = append(o.waits, reason)
}

func (o *recordingObserver) ObserveCooldown(_ model.Platform, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cooldowns = append(o.cooldowns, d)
}

// --- 最小呼び出し間隔 ---

func TestGovernor_EnforcesMinInterval(t *testing.T) {
	var buf bytes.Buffer
	fake := clock.NewFake(testStart)
	g := New(model.PlatformStorefront, Config{MinInterval: time.Second, Cooldown: time.Minute}, fake, newTestLogger(&buf))

	var calls []time.Time
	for i := 0; i < 5; i++ {
		err := g.Do(context.Background(), func(ctx context.Context) error {
			calls = append(calls, fake.Now())
			return nil
		})
		if err != nil {
			t.Fatalf("Do がエラーを返した: %v", err)
		}
		// 呼び出し間隔を最小間隔より短くする
		fake.Advance(200 * time.Millisecond)
	}

	for i := 1; i < len(calls); i++ {
		if gap := calls[i].Sub(calls[i-1]); gap < time.Second {
			t.Errorf("呼び出し %d と %d の間隔 = %v, 最小間隔 1s 未満であってはならない", i-1, i, gap)
		}
	}
}

func TestGovernor_NoWaitWhenSpacedEnough(t *testing.T) {
	var buf bytes.Buffer
	fake := clock.NewFake(testStart)
	g := New(model.PlatformStorefront, Config{MinInterval: time.Second}, fake, newTestLogger(&buf))

	for i := 0; i < 3; i++ {
		if err := g.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("Do がエラーを返した: %v", err)
		}
		fake.Advance(2 * time.Second)
	}

	for _, d := range fake.Sleeps() {
		if d > 0 {
			t.Errorf("十分な間隔がある場合は待機しないはず, got sleep %v", d)
		}
	}
}

func TestGovernor_ZeroIntervalDoesNotWait(t *testing.T) {
	var buf bytes.Buffer
	fake := clock.NewFake(testStart)
	g := New(model.PlatformTrends, Config{}, fake, newTestLogger(&buf))

	for i := 0; i < 3; i++ {
		if err := g.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("Do がエラーを返した: %v", err)
		}
	}
	if len(fake.Sleeps()) != 0 {
		t.Errorf("MinInterval=0 では待機しないはず, got %v", fake.Sleeps())
	}
}

// --- クールダウン ---

func TestGovernor_ThrottledEntersCooldown(t *testing.T) {
	var buf bytes.Buffer
	fake := clock.NewFake(testStart)
	obs := &recordingObserver{}
	g := New(model.PlatformMicroblog, Config{MinInterval: time.Second, Cooldown: 15 * time.Minute}, fake, newTestLogger(&buf), WithObserver(obs))

	throttled := model.NewThrottledError(model.PlatformMicroblog, 429, 0)
	err := g.Do(context.Background(), func(ctx context.Context) error { return throttled })
	if model.KindOf(err) != model.FailureThrottled {
		t.Fatalf("Throttled が伝播するべき, got %v", err)
	}

	state := g.State()
	if state.CooldownUntil == nil {
		t.Fatal("Throttled の後は CooldownUntil が設定されるべき")
	}
	cooldownUntil := *state.CooldownUntil
	if want := testStart.Add(15 * time.Minute); !cooldownUntil.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", cooldownUntil, want)
	}

	var secondCall time.Time
	if err := g.Do(context.Background(), func(ctx context.Context) error {
		secondCall = fake.Now()
		return nil
	}); err != nil {
		t.Fatalf("2回目の Do がエラーを返した: %v", err)
	}

	if secondCall.Before(cooldownUntil) {
		t.Errorf("CooldownUntil (%v) より前に呼び出してはならない: %v", cooldownUntil, secondCall)
	}
	if g.State().CooldownUntil != nil {
		t.Error("成功後は CooldownUntil がクリアされるべき")
	}
	if len(obs.cooldowns) != 1 {
		t.Errorf("クールダウン通知回数 = %d, want 1", len(obs.cooldowns))
	}
}

func TestGovernor_RetryAfterExtendsCooldown(t *testing.T) {
	var buf bytes.Buffer
	fake := clock.NewFake(testStart)
	g := New(model.PlatformStreaming, Config{Cooldown: time.Minute}, fake, newTestLogger(&buf))

	_ = g.Do(context.Background(), func(ctx context.Context) error {
		return model.NewThrottledError(model.PlatformStreaming, 429, 5*time.Minute)
	})

	if got := g.CooldownRemaining(); got != 5*time.Minute {
		t.Errorf("CooldownRemaining = %v, want 5m (Retry-After 優先)", got)
	}
}

func TestGovernor_TransientDoesNotEnterCooldown(t *testing.T) {
	var buf bytes.Buffer
	fake := clock.NewFake(testStart)
	g := New(model.PlatformVideo, Config{MinInterval: time.Second, Cooldown: time.Hour}, fake, newTestLogger(&buf))

	_ = g.Do(context.Background(), func(ctx context.Context) error {
		return model.NewTransientError(model.PlatformVideo, 503, errors.New("unavailable"))
	})

	if g.State().CooldownUntil != nil {
		t.Error("Transient ではクールダウンに入ってはならない")
	}
}

func TestGovernor_CooldownWaitExceedingDeadlineFailsFast(t *testing.T) {
	var buf bytes.Buffer
	start := time.Now()
	fake := clock.NewFake(start)
	g := New(model.PlatformTrends, Config{Cooldown: time.Hour}, fake, newTestLogger(&buf))

	_ = g.Do(context.Background(), func(ctx context.Context) error {
		return model.NewThrottledError(model.PlatformTrends, 429, 0)
	})

	ctx, cancel := context.WithDeadline(context.Background(), start.Add(time.Minute))
	defer cancel()

	called := false
	err := g.Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("期限を超える待機が必要な場合は呼び出してはならない")
	}
	if model.KindOf(err) != model.FailureTimeout {
		t.Errorf("時間予算切れ(FailureTimeout)を返すべき, got %v", err)
	}
	if g.State().CooldownUntil == nil {
		t.Error("呼び出していないためクールダウンは維持されるべき")
	}
}

// --- 認証失敗 ---

func TestGovernor_AuthFailureDisablesConnector(t *testing.T) {
	var buf bytes.Buffer
	fake := clock.NewFake(testStart)
	g := New(model.PlatformSocialNews, Config{MinInterval: time.Second}, fake, newTestLogger(&buf))

	authErr := model.NewAuthError(model.PlatformSocialNews, 401, errors.New("invalid credentials"))
	_ = g.Do(context.Background(), func(ctx context.Context) error { return authErr })

	sleepsBefore := len(fake.Sleeps())
	var calls int
	for i := 0; i < 3; i++ {
		err := g.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return nil
		})
		if model.KindOf(err) != model.FailureAuth {
			t.Errorf("停止後は AuthFailure を返すべき, got %v", err)
		}
	}

	if calls != 0 {
		t.Errorf("停止後に呼び出しが行われた: %d 回", calls)
	}
	if len(fake.Sleeps()) != sleepsBefore {
		t.Error("停止後は待機もしてはならない")
	}
	if !g.State().Disabled {
		t.Error("State().Disabled が true になるべき")
	}
}

// --- 直列化 ---

func TestGovernor_SerializesConcurrentCalls(t *testing.T) {
	var buf bytes.Buffer
	fake := clock.NewFake(testStart)
	g := New(model.PlatformStorefront, Config{MinInterval: time.Second}, fake, newTestLogger(&buf))

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Do(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("同時実行数の最大 = %d, want 1", maxInFlight)
	}
}

func TestGovernor_CanceledContextWhileQueued(t *testing.T) {
	var buf bytes.Buffer
	g := New(model.PlatformStorefront, Config{}, clock.Real{}, newTestLogger(&buf))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Do(ctx, func(ctx context.Context) error { return nil })
	close(release)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("待機中にキャンセルされた場合は context.Canceled を返すべき, got %v", err)
	}
}

func TestGovernor_DoWithinFailsFastBeyondClockDeadline(t *testing.T) {
	var buf bytes.Buffer
	fake := clock.NewFake(testStart)
	g := New(model.PlatformStreaming, Config{Cooldown: 10 * time.Minute}, fake, newTestLogger(&buf))

	_ = g.Do(context.Background(), func(ctx context.Context) error {
		return model.NewThrottledError(model.PlatformStreaming, 429, 0)
	})

	called := false
	err := g.DoWithin(context.Background(), testStart.Add(time.Minute), func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("期限を超える待機が必要な場合は呼び出してはならない")
	}
	if model.KindOf(err) != model.FailureTimeout {
		t.Errorf("時間予算切れ(FailureTimeout)を返すべき, got %v", err)
	}
	if len(fake.Sleeps()) != 0 {
		t.Errorf("待機せずに失敗するべき, got %v", fake.Sleeps())
	}

	// 期限に余裕があれば待機して呼び出す
	err = g.DoWithin(context.Background(), testStart.Add(time.Hour), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Errorf("期限内であれば呼び出すべき: called=%v err=%v", called, err)
	}
}

func TestGovernor_IntervalWaitBeyondDeadlineIsTimeout(t *testing.T) {
	var buf bytes.Buffer
	fake := clock.NewFake(testStart)
	g := New(model.PlatformTrends, Config{MinInterval: time.Minute, Cooldown: time.Hour}, fake, newTestLogger(&buf))

	if err := g.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Do がエラーを返した: %v", err)
	}

	called := false
	err := g.DoWithin(context.Background(), testStart.Add(10*time.Second), func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("最小間隔の待機が期限を超える場合は呼び出してはならない")
	}
	if got := model.KindOf(err); got != model.FailureTimeout {
		t.Errorf("KindOf = %s, want timeout", got)
	}
	if got := model.KindOf(err).Outcome(); got != model.OutcomeSkippedTimeout {
		t.Errorf("Outcome = %s, want skipped_timeout", got)
	}
	if g.State().CooldownUntil != nil {
		t.Error("プラットフォームは制限を通知していないためクールダウンに入ってはならない")
	}
}
