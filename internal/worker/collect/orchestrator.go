// Package collect は人気シグナルの収集処理を提供する。
// コネクタ呼び出し経路（Lane）、再試行ポリシー、ゲーム単位の収集オーケストレータ、
// 定期実行スケジューラを含む。
package collect

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/gamepulse/internal/clock"
	"github.com/hitoshi/gamepulse/internal/connector"
	"github.com/hitoshi/gamepulse/internal/model"
)

const (
	tracerName = "github.com/hitoshi/gamepulse/internal/worker/collect"

	defaultBudget             = 2 * time.Minute
	defaultMaxConcurrentGames = 4
)

// platformPriority はゲーム内でコネクタを呼び出す順序。
// ストアフロントを最初に呼び出し、解決した表示名を後続のコネクタで使う。
var platformPriority = map[model.Platform]int{
	model.PlatformStorefront: 0,
	model.PlatformStreaming:  1,
	model.PlatformTrends:     2,
	model.PlatformSocialNews: 3,
	model.PlatformMicroblog:  4,
	model.PlatformVideo:      5,
}

// Config はオーケストレータの設定。
type Config struct {
	// Budget はゲーム1件あたりの収集時間の上限。
	Budget time.Duration
	// MaxConcurrentGames は同時に処理するゲーム数の上限。
	MaxConcurrentGames int
	// Params は全コネクタ共通の問い合わせパラメータ。
	Params connector.Params
	// Metrics はバンドルに必ず含める指標キー。空の場合は全指標。
	Metrics []model.Metric
}

// Option はOrchestratorの生成オプション。
type Option func(*Orchestrator)

// WithRecorder は計測値の記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithTracer はトレーサーを設定する。
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// Orchestrator はゲームごとに全コネクタを優先順に呼び出し、シグナルバンドルを組み立てる。
// ゲームは並行に処理し、各コネクタへの呼び出しはLaneで直列化される。
type Orchestrator struct {
	lanes    []*Lane
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
// lanesは優先順に並べ替えられる。
func NewOrchestrator(lanes []*Lane, cfg Config, clk clock.Clock, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.Budget <= 0 {
		cfg.Budget = defaultBudget
	}
	if cfg.MaxConcurrentGames <= 0 {
		cfg.MaxConcurrentGames = defaultMaxConcurrentGames
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = model.AllMetrics()
	}

	ordered := make([]*Lane, len(lanes))
	copy(ordered, lanes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return priorityOf(ordered[i].Platform()) < priorityOf(ordered[j].Platform())
	})

	o := &Orchestrator{
		lanes:    ordered,
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		recorder: nopRecorder{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func priorityOf(p model.Platform) int {
	if n, ok := platformPriority[p]; ok {
		return n
	}
	return len(platformPriority)
}

// Platforms は呼び出し順のプラットフォーム一覧を返す。
func (o *Orchestrator) Platforms() []model.Platform {
	out := make([]model.Platform, len(o.lanes))
	for i, l := range o.lanes {
		out[i] = l.Platform()
	}
	return out
}

// Collect は全ゲームの収集を行い、入力と同じ順序でバンドルを返す。
// 失敗したコネクタがあっても全ゲームのバンドルを必ず返す。
func (o *Orchestrator) Collect(ctx context.Context, games []model.Game) []model.SignalBundle {
	ctx, span := o.tracer.Start(ctx, "collect.pass",
		trace.WithAttributes(attribute.Int("games", len(games))),
	)
	defer span.End()

	bundles := make([]model.SignalBundle, len(games))

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrentGames)
	for i, game := range games {
		g.Go(func() error {
			bundles[i] = o.CollectGame(ctx, game)
			return nil
		})
	}
	_ = g.Wait()

	return bundles
}

// CollectGame は1ゲーム分のシグナルを収集する。
//
// 各コネクタの呼び出し前に経過時間を確認し、予算を使い切っていれば
// 残りのコネクタをskipped_timeoutとして打ち切る。
// コネクタの失敗はバンドルに記録し、ゲームの収集は中断しない。
func (o *Orchestrator) CollectGame(ctx context.Context, game model.Game) model.SignalBundle {
	startedAt := o.clock.Now()
	deadline := startedAt.Add(o.cfg.Budget)

	ctx, span := o.tracer.Start(ctx, "collect.game",
		trace.WithAttributes(attribute.String("game_id", game.ID)),
	)
	defer span.End()

	bundle := model.SignalBundle{
		GameID:      game.ID,
		Name:        game.Name,
		Category:    game.Category,
		CollectedAt: startedAt,
		Signals:     model.NullSignals(o.cfg.Metrics),
		Outcomes:    make(map[model.Platform]model.PlatformResult, len(o.lanes)),
	}

	for i, lane := range o.lanes {
		if elapsed := o.clock.Now().Sub(startedAt); elapsed >= o.cfg.Budget || ctx.Err() != nil {
			o.skipRemaining(&bundle, o.lanes[i:], elapsed)
			break
		}
		o.invoke(ctx, lane, game, &bundle, deadline)
	}

	elapsed := o.clock.Now().Sub(startedAt)
	o.recorder.RecordGame(elapsed)
	span.SetAttributes(attribute.String("game_name", bundle.Name))

	o.logger.Info("ゲームのシグナル収集が完了しました",
		slog.String("game_id", game.ID),
		slog.String("name", bundle.Name),
		slog.Float64("duration_ms", float64(elapsed.Milliseconds())),
	)
	return bundle
}

// invoke はLaneを通して1コネクタを呼び出し、結果をバンドルに反映する。
func (o *Orchestrator) invoke(ctx context.Context, lane *Lane, game model.Game, bundle *model.SignalBundle, deadline time.Time) {
	platform := lane.Platform()
	callStart := o.clock.Now()

	ctx, span := o.tracer.Start(ctx, "connector.query",
		trace.WithAttributes(
			attribute.String("platform", string(platform)),
			attribute.String("game_id", game.ID),
		),
	)
	defer span.End()

	target, ok := o.target(lane.Platform(), game, bundle.Name)
	if !ok {
		err := model.NewNotFoundError(platform, "表示名が不明なため問い合わせできません")
		o.record(bundle, platform, model.OutcomeNotFound, err, 0)
		span.SetAttributes(attribute.String("outcome", string(model.OutcomeNotFound)))
		return
	}

	result, attempts, err := lane.Query(ctx, target, deadline)
	elapsed := o.clock.Now().Sub(callStart)
	if attempts > 1 {
		o.recorder.RecordRetries(platform, attempts-1)
	}
	span.SetAttributes(attribute.Int("attempts", attempts))

	if err != nil {
		outcome := model.KindOf(err).Outcome()
		if ctx.Err() != nil && model.IsContextError(err) {
			// 待機中・実行中のキャンセルは後続コネクタと同じく打ち切りとして扱う
			outcome = model.OutcomeSkippedTimeout
		}
		o.record(bundle, platform, outcome, err, elapsed)
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		level := slog.LevelWarn
		if outcome == model.OutcomeNotFound {
			level = slog.LevelInfo
		}
		o.logger.Log(ctx, level, "コネクタからシグナルを取得できませんでした",
			slog.String("platform", string(platform)),
			slog.String("game_id", game.ID),
			slog.String("outcome", string(outcome)),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return
	}

	for k, v := range result.Signals {
		if _, requested := bundle.Signals[k]; requested {
			bundle.Signals[k] = v
		}
	}
	if result.Details != nil {
		bundle.Details = result.Details
		if bundle.Name == "" && result.Details.Name != "" {
			bundle.Name = result.Details.Name
		}
	}
	o.record(bundle, platform, model.OutcomeOK, nil, elapsed)
	span.SetAttributes(attribute.String("outcome", string(model.OutcomeOK)))
}

// target はプラットフォーム向けの問い合わせ対象を組み立てる。
// ストアフロントはゲームIDで、それ以外は上書き指定か表示名で問い合わせる。
func (o *Orchestrator) target(p model.Platform, game model.Game, resolvedName string) (connector.Target, bool) {
	t := connector.Target{GameID: game.ID, Name: resolvedName, Params: o.cfg.Params}
	if p == model.PlatformStorefront {
		t.Query = game.ID
		return t, true
	}
	t.Query = game.QueryFor(p)
	if t.Query == "" {
		t.Query = resolvedName
	}
	return t, t.Query != ""
}

// skipRemaining は残りのコネクタをskipped_timeoutとして記録する。
func (o *Orchestrator) skipRemaining(bundle *model.SignalBundle, lanes []*Lane, elapsed time.Duration) {
	skipped := make([]string, 0, len(lanes))
	for _, l := range lanes {
		err := model.NewTimeoutError(l.Platform(), o.cfg.Budget)
		o.record(bundle, l.Platform(), model.OutcomeSkippedTimeout, err, 0)
		skipped = append(skipped, string(l.Platform()))
	}
	o.logger.Warn("時間予算を超過したため残りのコネクタをスキップしました",
		slog.String("game_id", bundle.GameID),
		slog.Duration("elapsed", elapsed),
		slog.Duration("budget", o.cfg.Budget),
		slog.Any("skipped", skipped),
	)
}

func (o *Orchestrator) record(bundle *model.SignalBundle, p model.Platform, outcome model.Outcome, err error, elapsed time.Duration) {
	r := model.PlatformResult{Outcome: outcome, Elapsed: elapsed}
	if err != nil {
		r.Error = err.Error()
	}
	bundle.Outcomes[p] = r
	o.recorder.RecordConnectorCall(p, outcome, elapsed)
}
