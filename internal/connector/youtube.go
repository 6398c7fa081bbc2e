package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hitoshi/gamepulse/internal/model"
)

const (
	defaultYouTubeAPIURL = "https://www.googleapis.com/youtube/v3"
	maxYouTubeResults    = 50
)

// YouTube は動画プラットフォーム（関連動画の再生数・高評価数）のコネクタ。
type YouTube struct {
	client *http.Client
	apiKey string

	apiURL string
}

// NewYouTube はYouTubeコネクタを生成する。
func NewYouTube(client *http.Client, apiKey string) *YouTube {
	return &YouTube{client: client, apiKey: apiKey, apiURL: defaultYouTubeAPIURL}
}

// Platform はプラットフォーム識別子を返す。
func (y *YouTube) Platform() model.Platform { return model.PlatformVideo }

// Metrics は結果に含める指標キーを返す。
func (y *YouTube) Metrics() []model.Metric {
	return []model.Metric{
		model.MetricYouTubeTotalViews,
		model.MetricYouTubeAvgViews,
		model.MetricYouTubeAvgLikes,
	}
}

// VideoStats は検索結果の動画統計の集計値。
type VideoStats struct {
	TotalViews *float64
	AvgViews   *float64
	AvgLikes   *float64
}

// Query は検索上位動画の統計を取得する。
func (y *YouTube) Query(ctx context.Context, target Target) (Result, error) {
	stats, err := y.FetchVideoStats(ctx, target.Query, target.Params.MaxVideoResults)
	if err != nil {
		return Result{}, err
	}
	res := newResult(y.Metrics())
	res.Signals[model.MetricYouTubeTotalViews] = stats.TotalViews
	res.Signals[model.MetricYouTubeAvgViews] = stats.AvgViews
	res.Signals[model.MetricYouTubeAvgLikes] = stats.AvgLikes
	return res, nil
}

// FetchVideoStats は検索クエリの上位動画を取得し、再生数と高評価数を集計する。
// 検索結果が0件の場合はNotFoundを返す。
func (y *YouTube) FetchVideoStats(ctx context.Context, query string, maxResults int) (VideoStats, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	if maxResults > maxYouTubeResults {
		maxResults = maxYouTubeResults
	}

	ids, err := y.search(ctx, query, maxResults)
	if err != nil {
		return VideoStats{}, err
	}
	if len(ids) == 0 {
		return VideoStats{}, model.NewNotFoundError(model.PlatformVideo, query)
	}

	q := url.Values{}
	q.Set("part", "statistics")
	q.Set("id", strings.Join(ids, ","))
	q.Set("key", y.apiKey)
	body, err := y.get(ctx, "/videos?"+q.Encode())
	if err != nil {
		return VideoStats{}, err
	}

	var (
		views, likes   float64
		nViews, nLikes int
	)
	for _, item := range gjson.GetBytes(body, "items").Array() {
		if v, ok := statCount(item.Get("statistics.viewCount")); ok {
			views += v
			nViews++
		}
		// 高評価数は非公開にされている場合がある
		if l, ok := statCount(item.Get("statistics.likeCount")); ok {
			likes += l
			nLikes++
		}
	}

	stats := VideoStats{}
	if nViews > 0 {
		stats.TotalViews = model.Float(views)
		stats.AvgViews = model.Float(views / float64(nViews))
	}
	if nLikes > 0 {
		stats.AvgLikes = model.Float(likes / float64(nLikes))
	}
	return stats, nil
}

func (y *YouTube) search(ctx context.Context, query string, maxResults int) ([]string, error) {
	q := url.Values{}
	q.Set("part", "id")
	q.Set("type", "video")
	q.Set("q", query)
	q.Set("maxResults", strconv.Itoa(maxResults))
	q.Set("key", y.apiKey)
	body, err := y.get(ctx, "/search?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, id := range gjson.GetBytes(body, "items.#.id.videoId").Array() {
		if s := id.String(); s != "" {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

func (y *YouTube) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.apiURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	resp, err := do(y.client, model.PlatformVideo, req)
	if err != nil {
		return nil, classifyYouTubeError(resp, err)
	}
	if !gjson.ValidBytes(resp.body) {
		return nil, malformed(model.PlatformVideo, path)
	}
	return resp.body, nil
}

// classifyYouTubeError はクォータ超過を示す403をレート制限として扱う。
func classifyYouTubeError(resp *response, err error) error {
	var ce *model.ConnectorError
	if resp == nil || resp.status != http.StatusForbidden || !errors.As(err, &ce) {
		return err
	}
	switch gjson.GetBytes(resp.body, "error.errors.0.reason").String() {
	case "quotaExceeded", "dailyLimitExceeded", "rateLimitExceeded", "userRateLimitExceeded":
		return model.NewThrottledError(model.PlatformVideo, resp.status, 0)
	}
	return err
}

// statCount は文字列または数値で表された統計値を返す。
func statCount(v gjson.Result) (float64, bool) {
	if !v.Exists() {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.String(), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
