// Package connector は外部プラットフォームへの問い合わせを提供する。
//
// 各コネクタは1回の論理クエリを実行し、型付きの結果か
// model.ConnectorError による型付きの失敗を返す。
// レート制御と再試行は呼び出し側（governor, collect）の責務とする。
package connector

import (
	"context"
	"time"

	"github.com/hitoshi/gamepulse/internal/model"
)

// Connector は1つの外部プラットフォームへの問い合わせインターフェース。
type Connector interface {
	// Platform はプラットフォーム識別子を返す。
	Platform() model.Platform
	// Metrics はQueryが結果に含める指標キーを返す。
	Metrics() []model.Metric
	// Query は対象ゲームについて1回の論理クエリを実行する。
	Query(ctx context.Context, target Target) (Result, error)
}

// Params は収集パス全体で共通の問い合わせパラメータ。
type Params struct {
	// TrendTimeframe は検索トレンドの期間指定（例: "today 3-m"）。
	TrendTimeframe string
	// PostTimeFilter は最近の投稿数を数える期間（hour/day/week/month/year/all）。
	PostTimeFilter string
	// MentionWindow は言及数を数える期間。
	MentionWindow time.Duration
	// MaxVideoResults は動画検索の最大件数。
	MaxVideoResults int
}

// DefaultParams はデフォルトの問い合わせパラメータを返す。
func DefaultParams() Params {
	return Params{
		TrendTimeframe:  "today 3-m",
		PostTimeFilter:  "month",
		MentionWindow:   60 * time.Minute,
		MaxVideoResults: 10,
	}
}

// Target は1回のクエリの対象。
type Target struct {
	GameID string
	Name   string
	// Query はプラットフォーム向けの問い合わせ文字列（サブレディット名、検索語など）。
	Query  string
	Params Params
}

// Result はクエリ結果。Signalsはコネクタが宣言した全指標キーを含む。
type Result struct {
	Signals map[model.Metric]*float64
	// Details はストアフロントのみが設定する。
	Details *model.StoreDetails
}

func newResult(metrics []model.Metric) Result {
	return Result{Signals: model.NullSignals(metrics)}
}
