package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hitoshi/gamepulse/internal/clock"
	"github.com/hitoshi/gamepulse/internal/model"
)

const (
	defaultTwitchTokenURL = "https://id.twitch.tv/oauth2/token"
	defaultTwitchAPIURL   = "https://api.twitch.tv/helix"

	twitchPageSize = 100
	// DefaultMaxStreamPages は配信一覧を辿る最大ページ数のデフォルト値。
	DefaultMaxStreamPages = 5
)

// TwitchConfig はTwitchコネクタの認証情報とページング設定。
type TwitchConfig struct {
	ClientID       string
	ClientSecret   string
	MaxStreamPages int
}

// Twitch はライブ配信（同時視聴者数）のコネクタ。
// アプリアクセストークンとゲームIDの解決結果（未検出を含む）をキャッシュする。
type Twitch struct {
	client *http.Client
	cfg    TwitchConfig
	logger *slog.Logger
	tokens *TokenCache

	tokenURL string
	apiURL   string

	mu      sync.Mutex
	gameIDs map[string]string // 名前(小文字) → ゲームID。空文字列は未検出
}

// NewTwitch はTwitchコネクタを生成する。
func NewTwitch(client *http.Client, cfg TwitchConfig, clk clock.Clock, logger *slog.Logger) *Twitch {
	if cfg.MaxStreamPages <= 0 {
		cfg.MaxStreamPages = DefaultMaxStreamPages
	}
	t := &Twitch{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		tokenURL: defaultTwitchTokenURL,
		apiURL:   defaultTwitchAPIURL,
		gameIDs:  make(map[string]string),
	}
	t.tokens = NewTokenCache(t.fetchToken, clk)
	return t
}

// Platform はプラットフォーム識別子を返す。
func (t *Twitch) Platform() model.Platform { return model.PlatformStreaming }

// Metrics は結果に含める指標キーを返す。
func (t *Twitch) Metrics() []model.Metric {
	return []model.Metric{model.MetricTwitchViewerCount}
}

// Query はゲームの現在の合計視聴者数を取得する。
func (t *Twitch) Query(ctx context.Context, target Target) (Result, error) {
	viewers, err := t.FetchStreamViewership(ctx, target.Query)
	if err != nil {
		return Result{}, err
	}
	res := newResult(t.Metrics())
	res.Signals[model.MetricTwitchViewerCount] = viewers
	return res, nil
}

// FetchStreamViewership はゲーム名をIDに解決し、配信中の視聴者数を合計する。
// 配信が0件の場合は0を返す。
func (t *Twitch) FetchStreamViewership(ctx context.Context, gameName string) (*float64, error) {
	gameID, err := t.GameID(ctx, gameName)
	if err != nil {
		return nil, err
	}

	var total float64
	cursor := ""
	for page := 0; page < t.cfg.MaxStreamPages; page++ {
		q := url.Values{}
		q.Set("game_id", gameID)
		q.Set("first", fmt.Sprint(twitchPageSize))
		if cursor != "" {
			q.Set("after", cursor)
		}
		body, err := t.get(ctx, "/streams?"+q.Encode())
		if err != nil {
			return nil, err
		}
		for _, v := range gjson.GetBytes(body, "data.#.viewer_count").Array() {
			total += v.Float()
		}
		cursor = gjson.GetBytes(body, "pagination.cursor").String()
		if cursor == "" {
			return model.Float(total), nil
		}
	}

	t.logger.Debug("配信一覧の最大ページ数に達しました",
		slog.String("game_id", gameID),
		slog.Int("max_pages", t.cfg.MaxStreamPages),
	)
	return model.Float(total), nil
}

// GameID はゲーム名に対応するTwitchのゲームIDを返す。
// 結果は未検出も含めてキャッシュし、同じ名前で再度問い合わせない。
func (t *Twitch) GameID(ctx context.Context, gameName string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(gameName))

	t.mu.Lock()
	id, ok := t.gameIDs[key]
	t.mu.Unlock()
	if ok {
		if id == "" {
			return "", model.NewNotFoundError(model.PlatformStreaming, gameName)
		}
		return id, nil
	}

	q := url.Values{}
	q.Set("name", gameName)
	body, err := t.get(ctx, "/games?"+q.Encode())
	if err != nil {
		return "", err
	}

	first := gjson.GetBytes(body, "data.0")
	id = first.Get("id").String()
	if id != "" {
		if name := first.Get("name").String(); !strings.EqualFold(name, gameName) {
			t.logger.Info("Twitch上のゲーム名が問い合わせと異なります",
				slog.String("query", gameName),
				slog.String("name", name),
				slog.String("game_id", id),
			)
		}
	}

	t.mu.Lock()
	t.gameIDs[key] = id
	t.mu.Unlock()

	if id == "" {
		return "", model.NewNotFoundError(model.PlatformStreaming, gameName)
	}
	return id, nil
}

// get は認証付きでHelix APIを呼び出す。401を受けた場合はトークンを破棄して1回だけ再試行する。
func (t *Twitch) get(ctx context.Context, path string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := t.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
		}
		req.Header.Set("Client-ID", t.cfg.ClientID)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := do(t.client, model.PlatformStreaming, req)
		if err != nil {
			if resp != nil && resp.status == http.StatusUnauthorized && attempt == 0 {
				t.logger.Warn("アクセストークンが拒否されたため再取得します")
				t.tokens.Invalidate(token)
				continue
			}
			return nil, err
		}
		if !gjson.ValidBytes(resp.body) {
			return nil, malformed(model.PlatformStreaming, path)
		}
		return resp.body, nil
	}
}

// fetchToken はクライアントクレデンシャルでアプリアクセストークンを取得する。
func (t *Twitch) fetchToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("client_id", t.cfg.ClientID)
	form.Set("client_secret", t.cfg.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := do(t.client, model.PlatformStreaming, req)
	if err != nil {
		// トークンエンドポイントの400は認証情報の誤り
		if resp != nil && resp.status == http.StatusBadRequest {
			return "", 0, model.NewAuthError(model.PlatformStreaming, resp.status, fmt.Errorf("クライアント認証情報が拒否されました"))
		}
		return "", 0, err
	}
	token := gjson.GetBytes(resp.body, "access_token").String()
	if token == "" {
		return "", 0, model.NewAuthError(model.PlatformStreaming, resp.status, fmt.Errorf("アクセストークンが返されませんでした"))
	}
	expiresIn := gjson.GetBytes(resp.body, "expires_in").Int()
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	t.logger.Info("Twitchのアクセストークンを取得しました")
	return token, time.Duration(expiresIn) * time.Second, nil
}
