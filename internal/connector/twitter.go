package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hitoshi/gamepulse/internal/clock"
	"github.com/hitoshi/gamepulse/internal/model"
)

const (
	defaultTwitterAPIURL = "https://api.twitter.com"

	// maxMentionWindow は直近ツイート数エンドポイントが遡れる上限。
	maxMentionWindow = 7 * 24 * time.Hour
	// minStartLag はstart_timeに要求される現在時刻からの最小の遅れ。
	minStartLag = 10 * time.Second
)

// Twitter はマイクロブログ（直近の言及数）のコネクタ。
type Twitter struct {
	client      *http.Client
	bearerToken string
	clock       clock.Clock

	apiURL string
}

// NewTwitter はTwitterコネクタを生成する。
func NewTwitter(client *http.Client, bearerToken string, clk clock.Clock) *Twitter {
	return &Twitter{
		client:      client,
		bearerToken: bearerToken,
		clock:       clk,
		apiURL:      defaultTwitterAPIURL,
	}
}

// Platform はプラットフォーム識別子を返す。
func (t *Twitter) Platform() model.Platform { return model.PlatformMicroblog }

// Metrics は結果に含める指標キーを返す。
func (t *Twitter) Metrics() []model.Metric {
	return []model.Metric{model.MetricTwitterRecentCount}
}

// Query は言及ウィンドウ内のツイート数を取得する。
func (t *Twitter) Query(ctx context.Context, target Target) (Result, error) {
	count, err := t.FetchMentionCount(ctx, target.Query, target.Params.MentionWindow)
	if err != nil {
		return Result{}, err
	}
	res := newResult(t.Metrics())
	res.Signals[model.MetricTwitterRecentCount] = count
	return res, nil
}

// FetchMentionCount は検索クエリに一致する直近のツイート数を取得する。
func (t *Twitter) FetchMentionCount(ctx context.Context, query string, window time.Duration) (*float64, error) {
	if window <= 0 {
		window = time.Hour
	}
	if window > maxMentionWindow {
		window = maxMentionWindow
	}
	now := t.clock.Now().UTC()
	start := now.Add(-window)
	if now.Sub(start) < minStartLag {
		start = now.Add(-minStartLag)
	}

	q := url.Values{}
	q.Set("query", query)
	q.Set("start_time", start.Format(time.RFC3339))
	q.Set("granularity", "day")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiURL+"/2/tweets/counts/recent?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.bearerToken)

	resp, err := do(t.client, model.PlatformMicroblog, req)
	if err != nil {
		return nil, t.withRateLimitReset(resp, err, now)
	}

	meta := gjson.GetBytes(resp.body, "meta.total_tweet_count")
	if !meta.Exists() {
		if errs := gjson.GetBytes(resp.body, "errors"); errs.Exists() {
			return nil, model.NewTransientError(model.PlatformMicroblog, resp.status, fmt.Errorf("APIがエラーを返しました: %s", errs.Raw))
		}
		return nil, malformed(model.PlatformMicroblog, "meta.total_tweet_count")
	}
	return model.Float(meta.Float()), nil
}

// withRateLimitReset は429応答のx-rate-limit-resetヘッダをRetry-Afterとして反映する。
func (t *Twitter) withRateLimitReset(resp *response, err error, now time.Time) error {
	if resp == nil || resp.status != http.StatusTooManyRequests {
		return err
	}
	ce := model.NewThrottledError(model.PlatformMicroblog, resp.status, ParseRetryAfter(resp.header.Get("Retry-After"), now))
	if reset, perr := strconv.ParseInt(resp.header.Get("x-rate-limit-reset"), 10, 64); perr == nil {
		if d := time.Unix(reset, 0).Sub(now); d > ce.RetryAfter {
			ce.RetryAfter = d
		}
	}
	return ce
}
