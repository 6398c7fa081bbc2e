package collect

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/hitoshi/gamepulse/internal/clock"
	"github.com/hitoshi/gamepulse/internal/model"
)

var testStart = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func transientErr() error {
	return model.NewTransientError(model.PlatformStorefront, 503, errors.New("unavailable"))
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: 2}

	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for failures, w := range want {
		if got := p.Delay(failures); got != w {
			t.Errorf("Delay(%d) = %v, want %v", failures, got, w)
		}
	}

	p.MaxDelay = 3 * time.Second
	if got := p.Delay(4); got != 3*time.Second {
		t.Errorf("MaxDelay で頭打ちになるべき: Delay(4) = %v, want 3s", got)
	}
}

func TestRetryPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantSleep []time.Duration
	}{
		{name: "失敗なし", failures: 0, wantSleep: []time.Duration{}},
		{name: "1回失敗", failures: 1, wantSleep: []time.Duration{time.Second}},
		{name: "2回失敗", failures: 2, wantSleep: []time.Duration{time.Second, 2 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := clock.NewFake(testStart)
			calls := 0
			attempts, err := DefaultRetryPolicy().Run(context.Background(), fake, time.Time{}, nil, func(ctx context.Context) error {
				calls++
				if calls <= tt.failures {
					return transientErr()
				}
				return nil
			})
			if err != nil {
				t.Fatalf("%d 回の一時的失敗の後は成功するべき: %v", tt.failures, err)
			}
			if attempts != tt.failures+1 {
				t.Errorf("試行回数 = %d, want %d", attempts, tt.failures+1)
			}
			if got := fake.Sleeps(); !reflect.DeepEqual(got, tt.wantSleep) {
				t.Errorf("待機 = %v, want %v", got, tt.wantSleep)
			}
		})
	}
}

func TestRetryPolicy_AlwaysTransientStopsAtMaxAttempts(t *testing.T) {
	fake := clock.NewFake(testStart)
	calls := 0
	attempts, err := DefaultRetryPolicy().Run(context.Background(), fake, time.Time{}, nil, func(ctx context.Context) error {
		calls++
		return transientErr()
	})

	if model.KindOf(err) != model.FailureTransient {
		t.Errorf("最後の Transient エラーを返すべき, got %v", err)
	}
	if calls != 3 || attempts != 3 {
		t.Errorf("呼び出し回数 = %d, 試行回数 = %d, want 3", calls, attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if got := fake.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("待機は等比数列になるべき: got %v, want %v", got, want)
	}
}

func TestRetryPolicy_DoesNotRetryTerminalFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "NotFound", err: model.NewNotFoundError(model.PlatformVideo, "x")},
		{name: "AuthFailure", err: model.NewAuthError(model.PlatformVideo, 401, errors.New("bad key"))},
		{name: "キャンセル", err: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := clock.NewFake(testStart)
			calls := 0
			attempts, err := DefaultRetryPolicy().Run(context.Background(), fake, time.Time{}, nil, func(ctx context.Context) error {
				calls++
				return tt.err
			})
			if !errors.Is(err, tt.err) {
				t.Errorf("元のエラーを返すべき, got %v", err)
			}
			if calls != 1 || attempts != 1 {
				t.Errorf("再試行してはならない: calls = %d", calls)
			}
			if len(fake.Sleeps()) != 0 {
				t.Errorf("待機してはならない: %v", fake.Sleeps())
			}
		})
	}
}

func TestRetryPolicy_ThrottledRetriedOnlyForShortCooldown(t *testing.T) {
	throttled := model.NewThrottledError(model.PlatformTrends, 429, 0)

	tests := []struct {
		name      string
		remaining time.Duration
		wantCalls int
	}{
		{name: "短いクールダウンは再試行", remaining: 30 * time.Second, wantCalls: 2},
		{name: "長いクールダウンは再試行しない", remaining: 10 * time.Minute, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := clock.NewFake(testStart)
			calls := 0
			_, err := DefaultRetryPolicy().Run(context.Background(), fake, time.Time{}, func() time.Duration { return tt.remaining }, func(ctx context.Context) error {
				calls++
				if calls == 1 {
					return throttled
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("呼び出し回数 = %d, want %d (err=%v)", calls, tt.wantCalls, err)
			}
			// Throttled の待機はGovernorが行うため、ここではバックオフしない
			if len(fake.Sleeps()) != 0 {
				t.Errorf("Throttled ではバックオフ待機しないはず: %v", fake.Sleeps())
			}
		})
	}
}

func TestRetryPolicy_StopsWhenBackoffExceedsDeadline(t *testing.T) {
	fake := clock.NewFake(testStart)
	calls := 0
	deadline := testStart.Add(1500 * time.Millisecond)
	attempts, err := DefaultRetryPolicy().Run(context.Background(), fake, deadline, nil, func(ctx context.Context) error {
		calls++
		return transientErr()
	})

	if model.KindOf(err) != model.FailureTransient {
		t.Errorf("Transient を返すべき, got %v", err)
	}
	// 1回目の後の1s待機は期限内、2回目の後の2s待機は期限を超える
	if attempts != 2 {
		t.Errorf("試行回数 = %d, want 2", attempts)
	}
	if got := fake.Sleeps(); !reflect.DeepEqual(got, []time.Duration{time.Second}) {
		t.Errorf("待機 = %v, want [1s]", got)
	}
}

func TestRetryPolicy_TimeoutIsNotRetried(t *testing.T) {
	fake := clock.NewFake(testStart)
	calls := 0
	attempts, err := DefaultRetryPolicy().Run(context.Background(), fake, time.Time{}, func() time.Duration { return 0 }, func(ctx context.Context) error {
		calls++
		return model.NewTimeoutError(model.PlatformTrends, 10*time.Second)
	})
	if attempts != 1 || calls != 1 {
		t.Errorf("時間予算切れは再試行しないはず: attempts=%d calls=%d", attempts, calls)
	}
	if model.KindOf(err) != model.FailureTimeout {
		t.Errorf("KindOf = %v, want timeout", model.KindOf(err))
	}
	if len(fake.Sleeps()) != 0 {
		t.Errorf("待機しないはず: %v", fake.Sleeps())
	}
}

func TestRetryPolicy_RejectedIsNotRetried(t *testing.T) {
	fake := clock.NewFake(testStart)
	calls := 0
	attempts, err := DefaultRetryPolicy().Run(context.Background(), fake, time.Time{}, nil, func(ctx context.Context) error {
		calls++
		return model.NewRejectedError(model.PlatformVideo, 400, errors.New("invalid parameter"))
	})
	if attempts != 1 || calls != 1 {
		t.Errorf("拒否されたリクエストは再試行しないはず: attempts=%d calls=%d", attempts, calls)
	}
	if model.KindOf(err).Outcome() != model.OutcomeRejected {
		t.Errorf("Outcome = %s, want rejected", model.KindOf(err).Outcome())
	}
	if len(fake.Sleeps()) != 0 {
		t.Errorf("待機しないはず: %v", fake.Sleeps())
	}
}
