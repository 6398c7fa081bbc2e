package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/hitoshi/gamepulse/internal/model"
)

const (
	defaultTrendsURL = "https://trends.google.com/trends/api"
	trendsLanguage   = "en-US"
	// trendsTimezone はタイムゾーンのオフセット（分）。
	trendsTimezone = "360"
)

// Trends は検索トレンド（検索関心度の平均）のコネクタ。
// 認証情報は不要で、exploreで得たウィジェットトークンを使って時系列を取得する。
type Trends struct {
	client *http.Client
	geo    string

	baseURL string
}

// NewTrends はTrendsコネクタを生成する。geoは空文字列で全世界。
func NewTrends(client *http.Client, geo string) *Trends {
	return &Trends{client: client, geo: geo, baseURL: defaultTrendsURL}
}

// Platform はプラットフォーム識別子を返す。
func (t *Trends) Platform() model.Platform { return model.PlatformTrends }

// Metrics は結果に含める指標キーを返す。
func (t *Trends) Metrics() []model.Metric {
	return []model.Metric{model.MetricGoogleTrendsAvg}
}

// Query は期間内の検索関心度の平均を取得する。データがない場合は欠損値を返し、失敗にはしない。
func (t *Trends) Query(ctx context.Context, target Target) (Result, error) {
	avg, err := t.FetchTrendIndex(ctx, target.Query, target.Params.TrendTimeframe)
	if err != nil {
		return Result{}, err
	}
	res := newResult(t.Metrics())
	res.Signals[model.MetricGoogleTrendsAvg] = avg
	return res, nil
}

// FetchTrendIndex はキーワードの検索関心度の平均を返す。
func (t *Trends) FetchTrendIndex(ctx context.Context, keyword, timeframe string) (*float64, error) {
	if timeframe == "" {
		timeframe = "today 3-m"
	}

	token, request, err := t.explore(ctx, keyword, timeframe)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}

	q := url.Values{}
	q.Set("hl", trendsLanguage)
	q.Set("tz", trendsTimezone)
	q.Set("req", request)
	q.Set("token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/widgetdata/multiline?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}

	resp, err := do(t.client, model.PlatformTrends, req)
	if err != nil {
		return nil, err
	}
	body := stripXSSIPrefix(resp.body)
	if !gjson.ValidBytes(body) {
		return nil, malformed(model.PlatformTrends, "multiline")
	}

	values := gjson.GetBytes(body, "default.timelineData.#.value.0").Array()
	if len(values) == 0 {
		return nil, nil
	}
	var sum float64
	for _, v := range values {
		sum += v.Float()
	}
	return model.Float(sum / float64(len(values))), nil
}

// explore は時系列ウィジェットのトークンとリクエスト定義を取得する。
func (t *Trends) explore(ctx context.Context, keyword, timeframe string) (token, request string, err error) {
	payload, err := json.Marshal(map[string]any{
		"comparisonItem": []map[string]string{
			{"keyword": keyword, "geo": t.geo, "time": timeframe},
		},
		"category": 0,
		"property": "",
	})
	if err != nil {
		return "", "", fmt.Errorf("リクエストの組み立てに失敗しました: %w", err)
	}

	q := url.Values{}
	q.Set("hl", trendsLanguage)
	q.Set("tz", trendsTimezone)
	q.Set("req", string(payload))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/explore?"+q.Encode(), nil)
	if err != nil {
		return "", "", fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}

	resp, err := do(t.client, model.PlatformTrends, req)
	if err != nil {
		return "", "", err
	}
	body := stripXSSIPrefix(resp.body)
	if !gjson.ValidBytes(body) {
		return "", "", malformed(model.PlatformTrends, "explore")
	}

	widget := gjson.GetBytes(body, `widgets.#(id=="TIMESERIES")`)
	if !widget.Exists() {
		return "", "", nil
	}
	return widget.Get("token").String(), widget.Get("request").Raw, nil
}

// stripXSSIPrefix はJSONの前に付与される ")]}'" 形式の接頭辞を取り除く。
func stripXSSIPrefix(body []byte) []byte {
	if i := bytes.IndexByte(body, '{'); i > 0 {
		return body[i:]
	}
	return body
}
