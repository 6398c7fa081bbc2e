package collect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/gamepulse/internal/clock"
	"github.com/hitoshi/gamepulse/internal/connector"
	"github.com/hitoshi/gamepulse/internal/governor"
	"github.com/hitoshi/gamepulse/internal/model"
)

// Lane は1つのコネクタへの呼び出し経路。
// Governorによる直列化とレート制御、RetryPolicyによる再試行、
// NotFound結果のキャッシュをまとめて提供する。
type Lane struct {
	conn   connector.Connector
	gov    *governor.Governor
	policy RetryPolicy
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	notFound map[string]error
}

// NewLane はLaneの新しいインスタンスを生成する。
func NewLane(conn connector.Connector, gov *governor.Governor, policy RetryPolicy, clk clock.Clock, logger *slog.Logger) *Lane {
	return &Lane{
		conn:     conn,
		gov:      gov,
		policy:   policy,
		clock:    clk,
		logger:   logger,
		notFound: make(map[string]error),
	}
}

// Platform は対象プラットフォームを返す。
func (l *Lane) Platform() model.Platform {
	return l.conn.Platform()
}

// Query は対象を問い合わせる。試行回数と結果を返す。
// 過去にNotFoundとなったクエリは呼び出さずにキャッシュ済みのエラーを返す（試行回数0）。
func (l *Lane) Query(ctx context.Context, target connector.Target, deadline time.Time) (connector.Result, int, error) {
	platform := l.conn.Platform()

	if err := l.cachedNotFound(target.Query); err != nil {
		return connector.Result{}, 0, err
	}

	var result connector.Result
	attempts, err := l.policy.Run(ctx, l.clock, deadline, l.gov.CooldownRemaining, func(ctx context.Context) error {
		return l.gov.DoWithin(ctx, deadline, func(ctx context.Context) error {
			r, err := l.conn.Query(ctx, target)
			if err != nil {
				l.logger.Debug("コネクタ呼び出しに失敗しました",
					slog.String("platform", string(platform)),
					slog.String("game_id", target.GameID),
					slog.String("kind", model.KindOf(err).String()),
					slog.String("error", err.Error()),
				)
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		if model.KindOf(err) == model.FailureNotFound && !model.IsContextError(err) {
			l.mu.Lock()
			l.notFound[target.Query] = err
			l.mu.Unlock()
		}
		return connector.Result{}, attempts, err
	}
	return result, attempts, nil
}

func (l *Lane) cachedNotFound(query string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notFound[query]
}
