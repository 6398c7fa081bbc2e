package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/hitoshi/gamepulse/internal/model"
)

const (
	defaultSteamStoreURL = "https://store.steampowered.com/api"
	defaultSteamAPIURL   = "https://api.steampowered.com"
)

// TextCleaner はストアの説明文などからHTMLを取り除き、プレーンテキストにする。
type TextCleaner interface {
	PlainText(raw string) string
}

type identityCleaner struct{}

func (identityCleaner) PlainText(raw string) string { return strings.TrimSpace(raw) }

// Steam はストアフロント（ストア詳細と同時接続プレイヤー数）のコネクタ。
// ストア詳細はプロセス存続中アプリIDごとにキャッシュする。
type Steam struct {
	client  *http.Client
	cleaner TextCleaner
	logger  *slog.Logger
	apiKey  string

	storeURL string
	apiURL   string

	mu      sync.Mutex
	details map[string]*model.StoreDetails
}

// NewSteam はSteamコネクタを生成する。apiKeyは空でもよい。
func NewSteam(client *http.Client, apiKey string, cleaner TextCleaner, logger *slog.Logger) *Steam {
	if cleaner == nil {
		cleaner = identityCleaner{}
	}
	return &Steam{
		client:   client,
		cleaner:  cleaner,
		logger:   logger,
		apiKey:   apiKey,
		storeURL: defaultSteamStoreURL,
		apiURL:   defaultSteamAPIURL,
		details:  make(map[string]*model.StoreDetails),
	}
}

// Platform はプラットフォーム識別子を返す。
func (s *Steam) Platform() model.Platform { return model.PlatformStorefront }

// Metrics は結果に含める指標キーを返す。
func (s *Steam) Metrics() []model.Metric {
	return []model.Metric{model.MetricPlayerCount, model.MetricMetacriticScore}
}

// Query はストア詳細と現在のプレイヤー数を取得する。
// ストア詳細が存在しない場合はNotFoundを返す。
// プレイヤー数の統計がないゲーム（未発売など）はプレイヤー数を欠損として扱う。
func (s *Steam) Query(ctx context.Context, target Target) (Result, error) {
	res := newResult(s.Metrics())

	details, err := s.FetchStoreDetails(ctx, target.GameID)
	if err != nil {
		return Result{}, err
	}
	res.Details = details
	res.Signals[model.MetricMetacriticScore] = details.MetacriticScore

	count, err := s.FetchCurrentPlayerCount(ctx, target.GameID)
	switch {
	case err == nil:
		res.Signals[model.MetricPlayerCount] = count
	case model.KindOf(err) == model.FailureNotFound && !model.IsContextError(err):
		s.logger.Debug("プレイヤー数の統計がありません",
			slog.String("app_id", target.GameID),
		)
	default:
		return Result{}, err
	}
	return res, nil
}

// FetchStoreDetails はストア詳細を取得する。キャッシュ済みであればHTTPリクエストを行わない。
func (s *Steam) FetchStoreDetails(ctx context.Context, appID string) (*model.StoreDetails, error) {
	s.mu.Lock()
	cached, ok := s.details[appID]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	q := url.Values{}
	q.Set("appids", appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.storeURL+"/appdetails?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}

	resp, err := do(s.client, model.PlatformStorefront, req)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp.body) {
		return nil, malformed(model.PlatformStorefront, "appdetails")
	}

	entry := gjson.GetBytes(resp.body, gjson.Escape(appID))
	if !entry.Exists() || !entry.Get("success").Bool() {
		return nil, model.NewNotFoundError(model.PlatformStorefront, appID)
	}

	details := s.parseDetails(entry.Get("data"))

	s.mu.Lock()
	s.details[appID] = details
	s.mu.Unlock()
	return details, nil
}

func (s *Steam) parseDetails(data gjson.Result) *model.StoreDetails {
	d := &model.StoreDetails{
		Name:   s.cleaner.PlainText(data.Get("name").String()),
		IsFree: data.Get("is_free").Bool(),
		Price:  s.cleaner.PlainText(data.Get("price_overview.final_formatted").String()),
	}

	if !data.Get("release_date.coming_soon").Bool() {
		d.ReleaseDate = model.ParseReleaseDate(data.Get("release_date.date").String())
	}

	if score := data.Get("metacritic.score"); score.Exists() {
		d.MetacriticScore = model.Float(score.Float())
	}

	for _, g := range data.Get("genres.#.description").Array() {
		if name := s.cleaner.PlainText(g.String()); name != "" {
			d.Genres = append(d.Genres, name)
		}
	}
	return d
}

// FetchCurrentPlayerCount は現在の同時接続プレイヤー数を取得する。
func (s *Steam) FetchCurrentPlayerCount(ctx context.Context, appID string) (*float64, error) {
	q := url.Values{}
	q.Set("appid", appID)
	if s.apiKey != "" {
		q.Set("key", s.apiKey)
	}
	endpoint := s.apiURL + "/ISteamUserStats/GetNumberOfCurrentPlayers/v1/?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}

	resp, err := do(s.client, model.PlatformStorefront, req)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp.body) {
		return nil, malformed(model.PlatformStorefront, "GetNumberOfCurrentPlayers")
	}

	r := gjson.GetBytes(resp.body, "response")
	if r.Get("result").Int() != 1 {
		return nil, model.NewNotFoundError(model.PlatformStorefront, appID)
	}
	count := r.Get("player_count")
	if !count.Exists() {
		return nil, malformed(model.PlatformStorefront, "player_count")
	}
	return model.Float(count.Float()), nil
}
