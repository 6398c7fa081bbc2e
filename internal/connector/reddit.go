package connector

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/mmcdole/gofeed"
	"github.com/tidwall/gjson"

	"github.com/hitoshi/gamepulse/internal/clock"
	"github.com/hitoshi/gamepulse/internal/model"
)

const (
	defaultRedditTokenURL = "https://www.reddit.com/api/v1/access_token"
	defaultRedditAPIURL   = "https://oauth.reddit.com"
	defaultRedditFeedURL  = "https://www.reddit.com"

	// redditFeedLimit は新着フィードから1回に取得する最大件数。
	redditFeedLimit = 100
)

// RedditConfig はRedditコネクタの認証情報。
type RedditConfig struct {
	ClientID     string
	ClientSecret string
	UserAgent    string
}

// Reddit はソーシャルニュース（サブレディット統計）のコネクタ。
type Reddit struct {
	client *http.Client
	cfg    RedditConfig
	clock  clock.Clock
	logger *slog.Logger
	tokens *TokenCache
	parser *gofeed.Parser

	tokenURL string
	apiURL   string
	feedURL  string
}

// NewReddit はRedditコネクタを生成する。
func NewReddit(client *http.Client, cfg RedditConfig, clk clock.Clock, logger *slog.Logger) *Reddit {
	r := &Reddit{
		client:   client,
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		parser:   gofeed.NewParser(),
		tokenURL: defaultRedditTokenURL,
		apiURL:   defaultRedditAPIURL,
		feedURL:  defaultRedditFeedURL,
	}
	r.tokens = NewTokenCache(r.fetchToken, clk)
	return r
}

// Platform はプラットフォーム識別子を返す。
func (r *Reddit) Platform() model.Platform { return model.PlatformSocialNews }

// Metrics は結果に含める指標キーを返す。
func (r *Reddit) Metrics() []model.Metric {
	return []model.Metric{
		model.MetricRedditSubscribers,
		model.MetricRedditActiveUsers,
		model.MetricRedditRecentPosts,
	}
}

// CommunityStats はサブレディットの統計値。
type CommunityStats struct {
	Subscribers *float64
	ActiveUsers *float64
	RecentPosts *float64
}

// Query はサブレディットの購読者数・アクティブユーザー数・最近の投稿数を取得する。
func (r *Reddit) Query(ctx context.Context, target Target) (Result, error) {
	stats, err := r.FetchCommunityStats(ctx, SubredditName(target.Query), target.Params.PostTimeFilter)
	if err != nil {
		return Result{}, err
	}
	res := newResult(r.Metrics())
	res.Signals[model.MetricRedditSubscribers] = stats.Subscribers
	res.Signals[model.MetricRedditActiveUsers] = stats.ActiveUsers
	res.Signals[model.MetricRedditRecentPosts] = stats.RecentPosts
	return res, nil
}

// FetchCommunityStats はサブレディットの統計値を取得する。
// 存在しない・非公開・停止中のサブレディットはNotFoundとなる。
func (r *Reddit) FetchCommunityStats(ctx context.Context, subreddit, timeFilter string) (CommunityStats, error) {
	if subreddit == "" {
		return CommunityStats{}, model.NewNotFoundError(model.PlatformSocialNews, "(empty subreddit)")
	}

	about, err := r.fetchAbout(ctx, subreddit)
	if err != nil {
		return CommunityStats{}, err
	}

	stats := CommunityStats{}
	if v := about.Get("subscribers"); v.Exists() && v.Type == gjson.Number {
		stats.Subscribers = model.Float(v.Float())
	}
	active := about.Get("active_user_count")
	if !active.Exists() || active.Type != gjson.Number {
		active = about.Get("accounts_active")
	}
	if active.Exists() && active.Type == gjson.Number {
		stats.ActiveUsers = model.Float(active.Float())
	}

	posts, err := r.countRecentPosts(ctx, subreddit, timeFilter)
	if err != nil {
		return CommunityStats{}, err
	}
	stats.RecentPosts = posts
	return stats, nil
}

// fetchAbout はサブレディットの概要を取得する。トークンが拒否された場合は1回だけ再取得して再試行する。
func (r *Reddit) fetchAbout(ctx context.Context, subreddit string) (gjson.Result, error) {
	endpoint := r.apiURL + "/r/" + url.PathEscape(subreddit) + "/about?raw_json=1"

	var resp *response
	for attempt := 0; attempt < 2; attempt++ {
		token, err := r.tokens.Token(ctx)
		if err != nil {
			return gjson.Result{}, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", r.userAgent())

		resp, err = do(r.client, model.PlatformSocialNews, req)
		if err == nil {
			break
		}
		if resp != nil && resp.status == http.StatusForbidden && isUnavailableSubreddit(resp.body) {
			return gjson.Result{}, model.NewNotFoundError(model.PlatformSocialNews, subreddit)
		}
		if resp != nil && resp.status == http.StatusUnauthorized && attempt == 0 {
			r.tokens.Invalidate(token)
			continue
		}
		return gjson.Result{}, err
	}

	if !gjson.ValidBytes(resp.body) {
		// 存在しないサブレディットは検索ページへリダイレクトされHTMLが返る場合がある
		return gjson.Result{}, model.NewNotFoundError(model.PlatformSocialNews, subreddit)
	}
	if gjson.GetBytes(resp.body, "kind").String() != "t5" {
		return gjson.Result{}, model.NewNotFoundError(model.PlatformSocialNews, subreddit)
	}
	return gjson.GetBytes(resp.body, "data"), nil
}

// isUnavailableSubreddit は403応答が非公開・停止・隔離されたサブレディットを示すかを判定する。
func isUnavailableSubreddit(body []byte) bool {
	switch gjson.GetBytes(body, "reason").String() {
	case "private", "banned", "quarantined", "gated":
		return true
	}
	return false
}

// countRecentPosts は新着フィードのうち期間内に投稿されたエントリ数を数える。
func (r *Reddit) countRecentPosts(ctx context.Context, subreddit, timeFilter string) (*float64, error) {
	endpoint := fmt.Sprintf("%s/r/%s/new/.rss?limit=%d", r.feedURL, url.PathEscape(subreddit), redditFeedLimit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent())

	resp, err := do(r.client, model.PlatformSocialNews, req)
	if err != nil {
		if model.KindOf(err) == model.FailureNotFound && !model.IsContextError(err) {
			return nil, nil
		}
		return nil, err
	}

	feed, err := r.parser.Parse(bytes.NewReader(resp.body))
	if err != nil {
		return nil, malformed(model.PlatformSocialNews, "new feed")
	}

	window, bounded := postWindow(timeFilter)
	since := r.clock.Now().Add(-window)

	count := 0
	for _, item := range feed.Items {
		if !bounded {
			count++
			continue
		}
		published := item.PublishedParsed
		if published == nil {
			published = item.UpdatedParsed
		}
		if published != nil && !published.Before(since) {
			count++
		}
	}
	if len(feed.Items) >= redditFeedLimit {
		r.logger.Warn("新着フィードの取得上限に達しました。実際の投稿数はこれより多い可能性があります",
			slog.String("subreddit", subreddit),
			slog.String("time_filter", timeFilter),
			slog.Int("limit", redditFeedLimit),
		)
	}
	return model.Float(float64(count)), nil
}

// postWindow は投稿期間フィルタを期間に変換する。"all" および未知の値は無制限とする。
func postWindow(timeFilter string) (time.Duration, bool) {
	switch timeFilter {
	case "hour":
		return time.Hour, true
	case "day":
		return 24 * time.Hour, true
	case "week":
		return 7 * 24 * time.Hour, true
	case "month":
		return 30 * 24 * time.Hour, true
	case "year":
		return 365 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// fetchToken はアプリケーション専用のアクセストークンを取得する。
func (r *Reddit) fetchToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.SetBasicAuth(r.cfg.ClientID, r.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", r.userAgent())

	resp, err := do(r.client, model.PlatformSocialNews, req)
	if err != nil {
		return "", 0, err
	}
	token := gjson.GetBytes(resp.body, "access_token").String()
	if token == "" {
		return "", 0, model.NewAuthError(model.PlatformSocialNews, resp.status, fmt.Errorf("アクセストークンが返されませんでした"))
	}
	return token, time.Duration(gjson.GetBytes(resp.body, "expires_in").Int()) * time.Second, nil
}

func (r *Reddit) userAgent() string {
	if r.cfg.UserAgent != "" {
		return r.cfg.UserAgent
	}
	return userAgent
}

// SubredditName は問い合わせ文字列をサブレディット名に変換する。
// "r/" 接頭辞を除き、英数字とアンダースコア以外の文字を取り除く。
func SubredditName(query string) string {
	q := strings.TrimSpace(query)
	q = strings.TrimPrefix(q, "/")
	q = strings.TrimPrefix(q, "r/")
	return strings.Map(func(r rune) rune {
		if r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))) {
			return r
		}
		return -1
	}, q)
}
