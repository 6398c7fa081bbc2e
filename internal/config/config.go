// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/hitoshi/gamepulse/internal/logger"
)

// Pacing はプラットフォームごとのレート制御パラメータ。
type Pacing struct {
	MinInterval time.Duration
	Cooldown    time.Duration
}

// SteamConfig はストアフロント（Steam）の設定。APIキーなしでも利用できる。
type SteamConfig struct {
	APIKey      string        `env:"API_KEY"`
	MinInterval time.Duration `env:"MIN_INTERVAL" envDefault:"1s"`
	Cooldown    time.Duration `env:"COOLDOWN" envDefault:"5m"`
}

// RedditConfig はソーシャルニュース（Reddit）の設定。
type RedditConfig struct {
	ClientID     string        `env:"CLIENT_ID"`
	ClientSecret string        `env:"CLIENT_SECRET"`
	UserAgent    string        `env:"USER_AGENT" envDefault:"gamepulse/1.0"`
	MinInterval  time.Duration `env:"MIN_INTERVAL" envDefault:"1s"`
	Cooldown     time.Duration `env:"COOLDOWN" envDefault:"10m"`
}

// TwitterConfig はマイクロブログ（X）の設定。
type TwitterConfig struct {
	BearerToken string        `env:"BEARER_TOKEN"`
	MinInterval time.Duration `env:"MIN_INTERVAL" envDefault:"1s"`
	Cooldown    time.Duration `env:"COOLDOWN" envDefault:"15m"`
}

// TrendsConfig は検索トレンド（Google Trends）の設定。認証は不要。
type TrendsConfig struct {
	Enabled     bool          `env:"ENABLED" envDefault:"true"`
	Geo         string        `env:"GEO"`
	MinInterval time.Duration `env:"MIN_INTERVAL" envDefault:"5s"`
	Cooldown    time.Duration `env:"COOLDOWN" envDefault:"10m"`
}

// YouTubeConfig は動画プラットフォーム（YouTube）の設定。
type YouTubeConfig struct {
	APIKey      string        `env:"API_KEY"`
	MinInterval time.Duration `env:"MIN_INTERVAL" envDefault:"200ms"`
	Cooldown    time.Duration `env:"COOLDOWN" envDefault:"1h"`
}

// TwitchConfig はライブ配信（Twitch）の設定。
type TwitchConfig struct {
	ClientID       string        `env:"CLIENT_ID"`
	ClientSecret   string        `env:"CLIENT_SECRET"`
	MaxStreamPages int           `env:"MAX_STREAM_PAGES" envDefault:"5"`
	MinInterval    time.Duration `env:"MIN_INTERVAL" envDefault:"500ms"`
	Cooldown       time.Duration `env:"COOLDOWN" envDefault:"1m"`
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Logging
	LogLevel string `env:"GAMEPULSE_LOG_LEVEL" envDefault:"info"`

	// Storage
	DataDir   string `env:"GAMEPULSE_DATA_DIR" envDefault:"data"`
	Compress  bool   `env:"GAMEPULSE_COMPRESS" envDefault:"false"`
	GamesFile string `env:"GAMEPULSE_GAMES_FILE"`

	// Collection
	Categories         []string      `env:"GAMEPULSE_CATEGORIES" envSeparator:","`
	RequestTimeout     time.Duration `env:"GAMEPULSE_REQUEST_TIMEOUT" envDefault:"10s"`
	GameBudget         time.Duration `env:"GAMEPULSE_GAME_BUDGET" envDefault:"2m"`
	MaxConcurrentGames int           `env:"GAMEPULSE_MAX_CONCURRENT_GAMES" envDefault:"4"`
	CollectInterval    time.Duration `env:"GAMEPULSE_COLLECT_INTERVAL" envDefault:"1h"`
	CollectDuration    time.Duration `env:"GAMEPULSE_COLLECT_DURATION" envDefault:"0s"`

	// Query parameters
	TrendTimeframe  string        `env:"GAMEPULSE_TREND_TIMEFRAME" envDefault:"today 3-m"`
	PostTimeFilter  string        `env:"GAMEPULSE_POST_TIME_FILTER" envDefault:"month"`
	MentionWindow   time.Duration `env:"GAMEPULSE_MENTION_WINDOW" envDefault:"60m"`
	MaxVideoResults int           `env:"GAMEPULSE_MAX_VIDEO_RESULTS" envDefault:"10"`

	// Retry
	RetryMaxAttempts     int           `env:"GAMEPULSE_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialDelay    time.Duration `env:"GAMEPULSE_RETRY_INITIAL_DELAY" envDefault:"1s"`
	RetryMaxDelay        time.Duration `env:"GAMEPULSE_RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMaxThrottleWait time.Duration `env:"GAMEPULSE_RETRY_MAX_THROTTLE_WAIT" envDefault:"2m"`

	// Aggregation windows (days)
	PreDays  int `env:"GAMEPULSE_PRE_DAYS" envDefault:"30"`
	PeakDays int `env:"GAMEPULSE_PEAK_DAYS" envDefault:"7"`
	AvgDays  int `env:"GAMEPULSE_AVG_DAYS" envDefault:"30"`

	// Operations
	OpsAddr      string `env:"GAMEPULSE_OPS_ADDR"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Platforms
	Steam   SteamConfig   `envPrefix:"STEAM_"`
	Reddit  RedditConfig  `envPrefix:"REDDIT_"`
	Twitter TwitterConfig `envPrefix:"TWITTER_"`
	Trends  TrendsConfig  `envPrefix:"TRENDS_"`
	YouTube YouTubeConfig `envPrefix:"YOUTUBE_"`
	Twitch  TwitchConfig  `envPrefix:"TWITCH_"`
}

var postTimeFilters = []string{"hour", "day", "week", "month", "year", "all"}

// Load は環境変数からConfigを読み込み、値を検証する。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。問題はまとめて返す。
func (c *Config) Validate() error {
	var errs []error

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("GAMEPULSE_DATA_DIR must not be empty"))
	}

	positive := map[string]time.Duration{
		"GAMEPULSE_REQUEST_TIMEOUT":  c.RequestTimeout,
		"GAMEPULSE_GAME_BUDGET":      c.GameBudget,
		"GAMEPULSE_COLLECT_INTERVAL": c.CollectInterval,
		"GAMEPULSE_MENTION_WINDOW":   c.MentionWindow,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive: %s", key, positive[key]))
		}
	}
	if c.CollectDuration < 0 {
		errs = append(errs, fmt.Errorf("GAMEPULSE_COLLECT_DURATION must not be negative: %s", c.CollectDuration))
	}

	if c.MaxConcurrentGames <= 0 {
		errs = append(errs, fmt.Errorf("GAMEPULSE_MAX_CONCURRENT_GAMES must be positive: %d", c.MaxConcurrentGames))
	}
	if c.MaxVideoResults < 1 || c.MaxVideoResults > 50 {
		errs = append(errs, fmt.Errorf("GAMEPULSE_MAX_VIDEO_RESULTS must be between 1 and 50: %d", c.MaxVideoResults))
	}
	if !slices.Contains(postTimeFilters, c.PostTimeFilter) {
		errs = append(errs, fmt.Errorf("GAMEPULSE_POST_TIME_FILTER must be one of %v: %q", postTimeFilters, c.PostTimeFilter))
	}
	if c.RetryMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("GAMEPULSE_RETRY_MAX_ATTEMPTS must be positive: %d", c.RetryMaxAttempts))
	}
	if c.PreDays <= 0 || c.PeakDays <= 0 || c.AvgDays <= 0 {
		errs = append(errs, fmt.Errorf("aggregation windows must be positive: pre=%d peak=%d avg=%d", c.PreDays, c.PeakDays, c.AvgDays))
	}
	if c.Twitch.MaxStreamPages <= 0 {
		errs = append(errs, fmt.Errorf("TWITCH_MAX_STREAM_PAGES must be positive: %d", c.Twitch.MaxStreamPages))
	}

	for name, p := range c.Pacings() {
		if p.MinInterval < 0 || p.Cooldown < 0 {
			errs = append(errs, fmt.Errorf("%s pacing must not be negative", name))
		}
	}

	return errors.Join(errs...)
}

// Pacings はプラットフォーム名ごとのレート制御パラメータを返す。
func (c *Config) Pacings() map[string]Pacing {
	return map[string]Pacing{
		"steam":   {c.Steam.MinInterval, c.Steam.Cooldown},
		"reddit":  {c.Reddit.MinInterval, c.Reddit.Cooldown},
		"twitter": {c.Twitter.MinInterval, c.Twitter.Cooldown},
		"trends":  {c.Trends.MinInterval, c.Trends.Cooldown},
		"youtube": {c.YouTube.MinInterval, c.YouTube.Cooldown},
		"twitch":  {c.Twitch.MinInterval, c.Twitch.Cooldown},
	}
}

// Enabled はRedditの認証情報が設定されているかを返す。
func (c RedditConfig) Enabled() bool { return c.ClientID != "" && c.ClientSecret != "" }

// Enabled はXのベアラートークンが設定されているかを返す。
func (c TwitterConfig) Enabled() bool { return c.BearerToken != "" }

// Enabled はYouTubeのAPIキーが設定されているかを返す。
func (c YouTubeConfig) Enabled() bool { return c.APIKey != "" }

// Enabled はTwitchの認証情報が設定されているかを返す。
func (c TwitchConfig) Enabled() bool { return c.ClientID != "" && c.ClientSecret != "" }

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
