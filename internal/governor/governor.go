// Package governor はコネクタ単位のレート制御を提供する。
//
// Governorは最小呼び出し間隔、レート制限通知によるクールダウン、
// 認証失敗による使用停止の3つを1つの状態機械として管理する。
// 状態はGovernorが排他的に所有し、呼び出しはGovernor内部で直列化される。
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/gamepulse/internal/clock"
	"github.com/hitoshi/gamepulse/internal/model"
)

// Config はプラットフォームごとのレート制御パラメータ。
type Config struct {
	// MinInterval は連続する呼び出しの最小間隔。
	MinInterval time.Duration
	// Cooldown はレート制限通知を受けた後に全呼び出しを止める時間。
	// MinIntervalより十分長い値を想定する。
	Cooldown time.Duration
}

// State はGovernorの状態のスナップショット。
type State struct {
	LastCallAt    time.Time
	MinInterval   time.Duration
	CooldownUntil *time.Time
	Disabled      bool
}

// Observer は待機やクールダウンの発生を受け取る。メトリクス記録に使う。
type Observer interface {
	ObserveGovernorWait(platform model.Platform, reason string, d time.Duration)
	ObserveCooldown(platform model.Platform, d time.Duration)
}

// Option はGovernorの生成オプション。
type Option func(*Governor)

// WithObserver は待機・クールダウンの通知先を設定する。
func WithObserver(o Observer) Option {
	return func(g *Governor) { g.observer = o }
}

// Governor は1つのコネクタへの呼び出しを直列化し、レート制御を行う。
type Governor struct {
	platform model.Platform
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer

	// lane は容量1のセマフォ。待機から呼び出し完了までを1件ずつ通す。
	lane    chan struct{}
	limiter *rate.Limiter

	mu      sync.Mutex
	state   State
	authErr error
}

// New はGovernorの新しいインスタンスを生成する。
func New(platform model.Platform, cfg Config, clk clock.Clock, logger *slog.Logger, opts ...Option) *Governor {
	g := &Governor{
		platform: platform,
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		lane:     make(chan struct{}, 1),
		state:    State{MinInterval: cfg.MinInterval},
	}
	if cfg.MinInterval > 0 {
		g.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Platform は対象プラットフォームを返す。
func (g *Governor) Platform() model.Platform {
	return g.platform
}

// State は現在の状態のコピーを返す。
func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state
	if s.CooldownUntil != nil {
		until := *s.CooldownUntil
		s.CooldownUntil = &until
	}
	return s
}

// CooldownRemaining はクールダウンの残り時間を返す。クールダウン中でなければ0。
func (g *Governor) CooldownRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.CooldownUntil == nil {
		return 0
	}
	if d := g.state.CooldownUntil.Sub(g.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Do は必要な待機を行ったうえでfnを呼び出す。
//
//  1. 認証失敗で停止済みなら、待機も呼び出しもせず記録済みのエラーを返す。
//  2. クールダウン中なら終了時刻まで待機し、クールダウンを解除する。
//  3. 最終呼び出しからMinInterval未満なら残り時間だけ待機する。
//  4. 最終呼び出し時刻を更新してfnを呼び出す。
//  5. Throttledならクールダウンに入り、AuthFailureなら停止する。成功時は古いクールダウンを解除する。
//
// コンテキストの期限までに待機が終わらない場合は呼び出さずにFailureTimeoutを返す。
func (g *Governor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.DoWithin(ctx, time.Time{}, fn)
}

// DoWithin はDoと同じだが、Governorの時計で表した期限deadlineまでに
// 待機が終わらない場合も呼び出さずにFailureTimeoutを返す。ゼロ値は期限なし。
func (g *Governor) DoWithin(ctx context.Context, deadline time.Time, fn func(ctx context.Context) error) error {
	select {
	case g.lane <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.lane }()
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := g.disabledErr(); err != nil {
		return err
	}

	if err := g.waitCooldown(ctx, deadline); err != nil {
		return err
	}
	if err := g.waitInterval(ctx, deadline); err != nil {
		return err
	}

	g.mu.Lock()
	g.state.LastCallAt = g.clock.Now()
	g.mu.Unlock()

	err := fn(ctx)
	g.settle(err)
	return err
}

func (g *Governor) disabledErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authErr
}

// waitCooldown はクールダウン終了まで待機し、終了後に解除する。
func (g *Governor) waitCooldown(ctx context.Context, deadline time.Time) error {
	g.mu.Lock()
	until := g.state.CooldownUntil
	g.mu.Unlock()

	if until != nil {
		now := g.clock.Now()
		if wait := until.Sub(now); wait > 0 {
			if exceedsDeadline(ctx, deadline, now, wait) {
				return g.deadlineErr(wait)
			}
			g.logger.Info("クールダウン中のため呼び出しを待機します",
				slog.String("platform", string(g.platform)),
				slog.Duration("wait", wait),
			)
			g.observeWait("cooldown", wait)
			if err := g.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	g.mu.Lock()
	g.state.CooldownUntil = nil
	g.mu.Unlock()
	return nil
}

// waitInterval は最小呼び出し間隔を満たすまで待機する。
func (g *Governor) waitInterval(ctx context.Context, deadline time.Time) error {
	if g.limiter == nil {
		return nil
	}

	now := g.clock.Now()
	r := g.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)

	// 浮動小数点の丸めで間隔が僅かに短くならないよう、最終呼び出し時刻からも検証する
	g.mu.Lock()
	last := g.state.LastCallAt
	g.mu.Unlock()
	if !last.IsZero() {
		if rest := g.cfg.MinInterval - now.Sub(last); rest > wait {
			wait = rest
		}
	}

	if wait <= 0 {
		return nil
	}
	if exceedsDeadline(ctx, deadline, now, wait) {
		r.CancelAt(now)
		return g.deadlineErr(wait)
	}
	g.observeWait("interval", wait)
	if err := g.clock.Sleep(ctx, wait); err != nil {
		r.CancelAt(now)
		return err
	}
	return nil
}

// settle は呼び出し結果に応じて状態を遷移させる。
func (g *Governor) settle(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		g.state.CooldownUntil = nil
		return
	}

	switch model.KindOf(err) {
	case model.FailureThrottled:
		cooldown := g.cfg.Cooldown
		if ra := retryAfter(err); ra > cooldown {
			cooldown = ra
		}
		until := g.clock.Now().Add(cooldown)
		g.state.CooldownUntil = &until
		g.logger.Warn("レート制限を検知したためクールダウンに入ります",
			slog.String("platform", string(g.platform)),
			slog.Duration("cooldown", cooldown),
			slog.Time("cooldown_until", until),
		)
		if g.observer != nil {
			g.observer.ObserveCooldown(g.platform, cooldown)
		}
	case model.FailureAuth:
		g.state.Disabled = true
		g.authErr = err
		g.logger.Error("認証に失敗したためコネクタを停止します",
			slog.String("platform", string(g.platform)),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Governor) observeWait(reason string, d time.Duration) {
	if g.observer != nil {
		g.observer.ObserveGovernorWait(g.platform, reason, d)
	}
}

// deadlineErr は期限内に待機が終わらない場合の時間予算切れエラーを返す。
func (g *Governor) deadlineErr(wait time.Duration) error {
	return &model.ConnectorError{
		Platform: g.platform,
		Kind:     model.FailureTimeout,
		Err:      fmt.Errorf("待機時間 %s がコンテキストの期限を超えるため呼び出しません", wait),
	}
}

func exceedsDeadline(ctx context.Context, deadline, now time.Time, wait time.Duration) bool {
	end := now.Add(wait)
	if !deadline.IsZero() && end.After(deadline) {
		return true
	}
	ctxDeadline, ok := ctx.Deadline()
	return ok && end.After(ctxDeadline)
}

func retryAfter(err error) time.Duration {
	var ce *model.ConnectorError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
