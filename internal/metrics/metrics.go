// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/gamepulse/internal/model"
)

const namespace = "gamepulse"

// Collector はPrometheusメトリクスを収集する実装。
// 収集処理の計測値（collect.Recorder）とレート制御の待機（governor.Observer）を受け取る。
type Collector struct {
	connectorCalls   *prometheus.CounterVec
	connectorLatency *prometheus.HistogramVec
	connectorRetries *prometheus.CounterVec
	gameDuration     prometheus.Histogram
	passTotal        *prometheus.CounterVec
	passDuration     prometheus.Histogram
	passGames        prometheus.Gauge
	lastPass         prometheus.Gauge
	governorWait     *prometheus.CounterVec
	cooldowns        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connectorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_calls_total",
			Help:      "プラットフォーム・結果種別ごとのコネクタ呼び出し数",
		}, []string{"platform", "outcome"}),
		connectorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connector_latency_seconds",
			Help:      "再試行を含むコネクタ呼び出しの所要時間（秒）",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"platform"}),
		connectorRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_retries_total",
			Help:      "コネクタ呼び出しの再試行回数",
		}, []string{"platform"}),
		gameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "game_collect_seconds",
			Help:      "ゲーム1件の収集時間（秒）",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		passTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collect_pass_total",
			Help:      "結果別の収集パス数",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collect_pass_seconds",
			Help:      "収集パスの所要時間（秒）",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		}),
		passGames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collect_pass_games",
			Help:      "直近の収集パスの対象ゲーム数",
		}),
		lastPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collect_last_pass_timestamp_seconds",
			Help:      "直近の収集パス完了時刻（UNIX秒）",
		}),
		governorWait: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governor_wait_seconds_total",
			Help:      "レート制御による待機時間の合計（秒）",
		}, []string{"platform", "reason"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governor_cooldowns_total",
			Help:      "レート制限の検知によるクールダウン開始回数",
		}, []string{"platform"}),
	}

	reg.MustRegister(
		c.connectorCalls,
		c.connectorLatency,
		c.connectorRetries,
		c.gameDuration,
		c.passTotal,
		c.passDuration,
		c.passGames,
		c.lastPass,
		c.governorWait,
		c.cooldowns,
	)

	return c
}

// RecordConnectorCall はコネクタ呼び出し1件の結果と所要時間を記録する。
// 呼び出しを行わなかった結果（キャッシュ済み・スキップ）はレイテンシに含めない。
func (c *Collector) RecordConnectorCall(platform model.Platform, outcome model.Outcome, elapsed time.Duration) {
	c.connectorCalls.WithLabelValues(string(platform), string(outcome)).Inc()
	if elapsed > 0 {
		c.connectorLatency.WithLabelValues(string(platform)).Observe(elapsed.Seconds())
	}
}

// RecordRetries は再試行回数を記録する。
func (c *Collector) RecordRetries(platform model.Platform, retries int) {
	c.connectorRetries.WithLabelValues(string(platform)).Add(float64(retries))
}

// RecordGame はゲーム1件の収集時間を記録する。
func (c *Collector) RecordGame(elapsed time.Duration) {
	c.gameDuration.Observe(elapsed.Seconds())
}

// RecordPass は収集パス1回の結果を記録する。
func (c *Collector) RecordPass(games int, elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.passTotal.WithLabelValues(result).Inc()
	c.passDuration.Observe(elapsed.Seconds())
	c.passGames.Set(float64(games))
	c.lastPass.SetToCurrentTime()
}

// ObserveGovernorWait はレート制御による待機を記録する。
func (c *Collector) ObserveGovernorWait(platform model.Platform, reason string, d time.Duration) {
	c.governorWait.WithLabelValues(string(platform), reason).Add(d.Seconds())
}

// ObserveCooldown はクールダウンの開始を記録する。
func (c *Collector) ObserveCooldown(platform model.Platform, _ time.Duration) {
	c.cooldowns.WithLabelValues(string(platform)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
