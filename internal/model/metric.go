// Package model はドメインモデルを定義する。
package model

// Metric はスナップショットおよびシグナルバンドルに含まれる数値指標のキー。
// 値はCSV列名と一致する。
type Metric string

const (
	MetricPlayerCount        Metric = "player_count"
	MetricTwitchViewerCount  Metric = "twitch_viewer_count"
	MetricGoogleTrendsAvg    Metric = "google_trends_avg"
	MetricRedditSubscribers  Metric = "reddit_subscribers"
	MetricRedditActiveUsers  Metric = "reddit_active_users"
	MetricRedditRecentPosts  Metric = "reddit_recent_posts"
	MetricTwitterRecentCount Metric = "twitter_recent_count"
	MetricYouTubeTotalViews  Metric = "youtube_total_views"
	MetricYouTubeAvgViews    Metric = "youtube_avg_views"
	MetricYouTubeAvgLikes    Metric = "youtube_avg_likes"
	MetricMetacriticScore    Metric = "metacritic_score"
)

// AllMetrics は全指標をCSV列順で返す。
func AllMetrics() []Metric {
	return []Metric{
		MetricPlayerCount,
		MetricTwitchViewerCount,
		MetricGoogleTrendsAvg,
		MetricRedditSubscribers,
		MetricRedditActiveUsers,
		MetricRedditRecentPosts,
		MetricTwitterRecentCount,
		MetricYouTubeTotalViews,
		MetricYouTubeAvgViews,
		MetricYouTubeAvgLikes,
		MetricMetacriticScore,
	}
}

// Float は値vへのポインタを返す。欠損値(nil)と0を区別するために使う。
func Float(v float64) *float64 {
	return &v
}

// NullSignals は指定キーをすべてnil(欠損)で埋めたマップを返す。
func NullSignals(keys []Metric) map[Metric]*float64 {
	m := make(map[Metric]*float64, len(keys))
	for _, k := range keys {
		m[k] = nil
	}
	return m
}
