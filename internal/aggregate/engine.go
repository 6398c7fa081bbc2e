// Package aggregate はスナップショットの時系列からゲームごとの特徴量を算出する。
//
// リリース日を基準に、リリース前の平均・最終値、ローンチ後のピーク・平均を求める。
// 欠損値はnilのまま扱い、0には置き換えない。
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/gamepulse/internal/model"
)

const day = 24 * time.Hour

// Windows は集計期間の日数。
type Windows struct {
	// PreDays はリリース前平均の期間 [R-PreDays, R)。
	PreDays int
	// PeakDays はローンチ後ピークの期間 [R, R+PeakDays)。
	PeakDays int
	// AvgDays はローンチ後平均の期間 [R, R+AvgDays)。
	AvgDays int
}

// DefaultWindows はデフォルトの集計期間（30日・7日・30日）を返す。
func DefaultWindows() Windows {
	return Windows{PreDays: 30, PeakDays: 7, AvgDays: 30}
}

// Validate は期間が正の値であることを検証する。
func (w Windows) Validate() error {
	if w.PreDays <= 0 || w.PeakDays <= 0 || w.AvgDays <= 0 {
		return fmt.Errorf("集計期間は正の日数である必要があります: pre=%d peak=%d avg=%d", w.PreDays, w.PeakDays, w.AvgDays)
	}
	return nil
}

// Engine は特徴量の集計を行う。状態を持たず、同じ入力には同じ結果を返す。
type Engine struct {
	windows Windows
	logger  *slog.Logger
	workers int
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(windows Windows, logger *slog.Logger) *Engine {
	return &Engine{
		windows: windows,
		logger:  logger,
		workers: runtime.GOMAXPROCS(0),
	}
}

// Windows は集計期間を返す。
func (e *Engine) Windows() Windows {
	return e.windows
}

// group は1ゲーム分の時刻順のスナップショット。
type group struct {
	id   string
	rows []model.Snapshot
}

// groupByGame はIDまたは収集時刻のない行を除外してゲームごとに分け、
// 各グループを収集時刻の昇順（同時刻は入力順）に並べる。グループはID順に返す。
func groupByGame(rows []model.Snapshot) []group {
	byID := make(map[string][]model.Snapshot)
	for _, r := range rows {
		if r.GameID == "" || r.CollectedAt.IsZero() {
			continue
		}
		byID[r.GameID] = append(byID[r.GameID], r)
	}

	groups := make([]group, 0, len(byID))
	for id, rs := range byID {
		sort.SliceStable(rs, func(i, j int) bool {
			return rs[i].CollectedAt.Before(rs[j].CollectedAt)
		})
		groups = append(groups, group{id: id, rows: rs})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].id < groups[j].id })
	return groups
}

// Aggregate はゲームごとの特徴量をID順に返す。
// リリース日が特定できないゲームは出力から除外する。
func (e *Engine) Aggregate(ctx context.Context, rows []model.Snapshot) ([]model.GameFeatureRow, error) {
	groups := groupByGame(rows)
	results := make([]*model.GameFeatureRow, len(groups))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, grp := range groups {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = e.features(grp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("特徴量の集計が中断されました: %w", err)
	}

	out := make([]model.GameFeatureRow, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}

	e.logger.Info("特徴量の集計が完了しました",
		slog.Int("input_rows", len(rows)),
		slog.Int("game_count", len(groups)),
		slog.Int("feature_rows", len(out)),
	)
	return out, nil
}

// features は1ゲーム分の特徴量を算出する。リリース日がなければnilを返す。
func (e *Engine) features(grp group) *model.GameFeatureRow {
	name := resolveName(grp)
	release := lastReleaseDate(grp.rows)
	if release == nil {
		e.logger.Info("リリース日が不明なため集計から除外します",
			slog.String("game_id", grp.id),
			slog.String("name", name),
		)
		return nil
	}
	r := *release

	pre := window(grp.rows, r.Add(-time.Duration(e.windows.PreDays)*day), r)
	peak := window(grp.rows, r, r.Add(time.Duration(e.windows.PeakDays)*day))
	avg := window(grp.rows, r, r.Add(time.Duration(e.windows.AvgDays)*day))

	return &model.GameFeatureRow{
		GameID:      grp.id,
		Name:        name,
		ReleaseDate: r,

		MetacriticScore: last(grp.rows, model.MetricMetacriticScore),

		TrendsAvgPre:       mean(pre, model.MetricGoogleTrendsAvg),
		RedditPostsAvgPre:  mean(pre, model.MetricRedditRecentPosts),
		TwitterCountAvgPre: mean(pre, model.MetricTwitterRecentCount),
		RedditSubsPre:      last(pre, model.MetricRedditSubscribers),
		RedditActivePre:    last(pre, model.MetricRedditActiveUsers),

		PeakPlayers: maxOf(peak, model.MetricPlayerCount),
		PeakViewers: maxOf(peak, model.MetricTwitchViewerCount),
		AvgPlayers:  mean(avg, model.MetricPlayerCount),
		AvgViewers:  mean(avg, model.MetricTwitchViewerCount),
	}
}

// resolveName は最後に観測された空でない表示名を返す。
func resolveName(grp group) string {
	for i := len(grp.rows) - 1; i >= 0; i-- {
		if grp.rows[i].Name != "" {
			return grp.rows[i].Name
		}
	}
	return UnknownName(grp.id)
}

// UnknownName は表示名が一度も観測されなかったゲームの表示名。
func UnknownName(id string) string {
	return fmt.Sprintf("Unknown Game (ID: %s)", id)
}

func lastReleaseDate(rows []model.Snapshot) *time.Time {
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].ReleaseDate != nil {
			return rows[i].ReleaseDate
		}
	}
	return nil
}

// window は収集時刻が [start, end) に含まれる行を返す。rowsは時刻順である必要がある。
func window(rows []model.Snapshot, start, end time.Time) []model.Snapshot {
	lo := sort.Search(len(rows), func(i int) bool { return !rows[i].CollectedAt.Before(start) })
	hi := sort.Search(len(rows), func(i int) bool { return !rows[i].CollectedAt.Before(end) })
	if lo >= hi {
		return nil
	}
	return rows[lo:hi]
}

// mean は欠損を除いた平均。値がなければnil。
func mean(rows []model.Snapshot, m model.Metric) *float64 {
	var sum float64
	n := 0
	for i := range rows {
		if v := rows[i].Metric(m); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return model.Float(sum / float64(n))
}

// maxOf は欠損を除いた最大値。値がなければnil。
func maxOf(rows []model.Snapshot, m model.Metric) *float64 {
	var best *float64
	for i := range rows {
		if v := rows[i].Metric(m); v != nil && (best == nil || *v > *best) {
			best = model.Float(*v)
		}
	}
	return best
}

// last は時刻順で最後の欠損でない値。値がなければnil。
func last(rows []model.Snapshot, m model.Metric) *float64 {
	for i := len(rows) - 1; i >= 0; i-- {
		if v := rows[i].Metric(m); v != nil {
			return model.Float(*v)
		}
	}
	return nil
}
