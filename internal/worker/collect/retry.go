package collect

import (
	"context"
	"time"

	"github.com/hitoshi/gamepulse/internal/clock"
	"github.com/hitoshi/gamepulse/internal/model"
)

const (
	defaultMaxAttempts     = 3
	defaultInitialDelay    = time.Second
	defaultMultiplier      = 2.0
	defaultMaxThrottleWait = 2 * time.Minute
)

// RetryPolicy はGovernor経由の呼び出しに対する有限回の指数バックオフ再試行。
type RetryPolicy struct {
	// MaxAttempts は最初の呼び出しを含む最大試行回数。
	MaxAttempts int
	// InitialDelay は1回目の失敗後の待機時間。
	InitialDelay time.Duration
	// Multiplier は待機時間の増加率。
	Multiplier float64
	// MaxDelay は待機時間の上限。0は上限なし。
	MaxDelay time.Duration
	// MaxThrottleWait はThrottledを再試行する残りクールダウンの上限。
	MaxThrottleWait time.Duration
}

// DefaultRetryPolicy はデフォルトの再試行ポリシーを返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     defaultMaxAttempts,
		InitialDelay:    defaultInitialDelay,
		Multiplier:      defaultMultiplier,
		MaxThrottleWait: defaultMaxThrottleWait,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	return p
}

// Delay はfailures回目の失敗の後に待機する時間を返す。
// InitialDelay × Multiplier^(failures-1) をMaxDelayで頭打ちにする。
func (p RetryPolicy) Delay(failures int) time.Duration {
	p = p.normalized()
	if failures < 1 {
		return 0
	}
	delay := p.InitialDelay
	for i := 1; i < failures; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Run はfnを呼び出し、再試行可能な失敗であればバックオフ後に再度呼び出す。
//
// Transientは再試行する。Throttledはcooldownが返す残り時間がMaxThrottleWait以下の場合のみ
// 再試行し、次の試行ではGovernorがクールダウン終了まで待機する。
// NotFound・AuthFailure・Rejected・時間予算切れ・コンテキストエラーは再試行しない。
// deadlineがゼロ値でなく、次の試行までの待機がdeadlineを超える場合は再試行しない。
// 戻り値は実行した試行回数と最後のエラー。
func (p RetryPolicy) Run(
	ctx context.Context,
	clk clock.Clock,
	deadline time.Time,
	cooldown func() time.Duration,
	fn func(ctx context.Context) error,
) (int, error) {
	p = p.normalized()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt >= p.MaxAttempts || !p.retryable(err, cooldown) {
			return attempt, err
		}

		wait := p.Delay(attempt)
		if model.KindOf(err) == model.FailureThrottled {
			// バックオフの代わりにGovernorがクールダウン終了まで待機する
			wait = 0
			if cooldown != nil {
				if remaining := cooldown(); !deadline.IsZero() && clk.Now().Add(remaining).After(deadline) {
					return attempt, err
				}
			}
		}
		if !deadline.IsZero() && clk.Now().Add(wait).After(deadline) {
			return attempt, err
		}
		if wait > 0 {
			if serr := clk.Sleep(ctx, wait); serr != nil {
				return attempt, err
			}
		}
	}
}

func (p RetryPolicy) retryable(err error, cooldown func() time.Duration) bool {
	if model.IsContextError(err) {
		return false
	}
	switch model.KindOf(err) {
	case model.FailureTransient:
		return true
	case model.FailureTimeout:
		return false
	case model.FailureThrottled:
		if cooldown == nil {
			return false
		}
		return cooldown() <= p.MaxThrottleWait
	default:
		return false
	}
}
