package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/gamepulse/internal/clock"
	"github.com/hitoshi/gamepulse/internal/config"
	"github.com/hitoshi/gamepulse/internal/connector"
	"github.com/hitoshi/gamepulse/internal/games"
	"github.com/hitoshi/gamepulse/internal/governor"
	"github.com/hitoshi/gamepulse/internal/handler"
	"github.com/hitoshi/gamepulse/internal/logger"
	"github.com/hitoshi/gamepulse/internal/metrics"
	"github.com/hitoshi/gamepulse/internal/model"
	"github.com/hitoshi/gamepulse/internal/security"
	"github.com/hitoshi/gamepulse/internal/snapshot"
	"github.com/hitoshi/gamepulse/internal/tracing"
	"github.com/hitoshi/gamepulse/internal/worker/collect"
)

const (
	serviceName        = "gamepulse"
	defaultOpsAddr     = ":9090"
	healthcheckTimeout = 5 * time.Second
	shutdownTimeout    = 30 * time.Second
)

// Overrides はコマンドラインフラグによる設定の上書き。
type Overrides struct {
	DataDir string
}

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、フラグの上書きを適用してから
// JSON構造化ログをセットアップする。ログはwに出力する。
func Init(w io.Writer, ov Overrides) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if ov.DataDir != "" {
		cfg.DataDir = ov.DataDir
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return cfg, logger.SetupDefault(w, level), nil
}

// platformLane はコネクタとそのレート制御パラメータの組。
type platformLane struct {
	conn   connector.Connector
	pacing config.Pacing
}

// buildConnectors は認証情報が揃っているプラットフォームのコネクタを生成する。
// ストアフロントは常に有効。
func buildConnectors(cfg *config.Config, client *http.Client, clk clock.Clock, log *slog.Logger) []platformLane {
	pacings := cfg.Pacings()
	lanes := []platformLane{{
		conn:   connector.NewSteam(client, cfg.Steam.APIKey, security.NewTextCleaner(), log),
		pacing: pacings["steam"],
	}}

	disabled := func(name string) {
		log.Info("platform disabled: credentials not configured", slog.String("platform", name))
	}

	if cfg.Reddit.Enabled() {
		lanes = append(lanes, platformLane{
			conn: connector.NewReddit(client, connector.RedditConfig{
				ClientID:     cfg.Reddit.ClientID,
				ClientSecret: cfg.Reddit.ClientSecret,
				UserAgent:    cfg.Reddit.UserAgent,
			}, clk, log),
			pacing: pacings["reddit"],
		})
	} else {
		disabled("reddit")
	}

	if cfg.Twitter.Enabled() {
		lanes = append(lanes, platformLane{
			conn:   connector.NewTwitter(client, cfg.Twitter.BearerToken, clk),
			pacing: pacings["twitter"],
		})
	} else {
		disabled("twitter")
	}

	if cfg.Trends.Enabled {
		lanes = append(lanes, platformLane{
			conn:   connector.NewTrends(client, cfg.Trends.Geo),
			pacing: pacings["trends"],
		})
	} else {
		log.Info("platform disabled by configuration", slog.String("platform", "trends"))
	}

	if cfg.YouTube.Enabled() {
		lanes = append(lanes, platformLane{
			conn:   connector.NewYouTube(client, cfg.YouTube.APIKey),
			pacing: pacings["youtube"],
		})
	} else {
		disabled("youtube")
	}

	if cfg.Twitch.Enabled() {
		lanes = append(lanes, platformLane{
			conn: connector.NewTwitch(client, connector.TwitchConfig{
				ClientID:       cfg.Twitch.ClientID,
				ClientSecret:   cfg.Twitch.ClientSecret,
				MaxStreamPages: cfg.Twitch.MaxStreamPages,
			}, clk, log),
			pacing: pacings["twitch"],
		})
	} else {
		disabled("twitch")
	}

	return lanes
}

func retryPolicy(cfg *config.Config) collect.RetryPolicy {
	p := collect.DefaultRetryPolicy()
	p.MaxAttempts = cfg.RetryMaxAttempts
	p.InitialDelay = cfg.RetryInitialDelay
	p.MaxDelay = cfg.RetryMaxDelay
	p.MaxThrottleWait = cfg.RetryMaxThrottleWait
	return p
}

// loadCatalog はゲームカタログを読み込む。ファイル指定がなければ組み込みのカタログを使う。
func loadCatalog(cfg *config.Config) (*games.Catalog, error) {
	if cfg.GamesFile == "" {
		return games.Default(), nil
	}
	return games.Load(cfg.GamesFile)
}

// selectGames は設定されたカテゴリのゲームを返す。1件もなければエラー。
func selectGames(cfg *config.Config, catalog *games.Catalog) ([]model.Game, error) {
	selected := catalog.Games(cfg.Categories...)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no games selected (categories %v, available %v)", cfg.Categories, catalog.Categories())
	}
	return selected, nil
}

// collector は収集パスの実行に必要な依存関係一式。
type collector struct {
	scheduler *collect.Scheduler
	governors []*governor.Governor
	registry  *prometheus.Registry
}

// buildCollector は設定からコネクタ・Governor・Orchestrator・Schedulerを組み立てる。
func buildCollector(cfg *config.Config, clk clock.Clock, log *slog.Logger) (*collector, error) {
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	selected, err := selectGames(cfg, catalog)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	mc := metrics.NewCollector(registry)

	client := security.NewClient(cfg.RequestTimeout)
	policy := retryPolicy(cfg)

	var (
		lanes     []*collect.Lane
		governors []*governor.Governor
	)
	for _, pl := range buildConnectors(cfg, client, clk, log) {
		gov := governor.New(pl.conn.Platform(), governor.Config{
			MinInterval: pl.pacing.MinInterval,
			Cooldown:    pl.pacing.Cooldown,
		}, clk, log, governor.WithObserver(mc))
		governors = append(governors, gov)
		lanes = append(lanes, collect.NewLane(pl.conn, gov, policy, clk, log))
	}

	orch := collect.NewOrchestrator(lanes, collect.Config{
		Budget:             cfg.GameBudget,
		MaxConcurrentGames: cfg.MaxConcurrentGames,
		Params: connector.Params{
			TrendTimeframe:  cfg.TrendTimeframe,
			PostTimeFilter:  cfg.PostTimeFilter,
			MentionWindow:   cfg.MentionWindow,
			MaxVideoResults: cfg.MaxVideoResults,
		},
	}, clk, log,
		collect.WithRecorder(mc),
		collect.WithTracer(tracing.Tracer(serviceName+"/collect")),
	)

	store := snapshot.NewStore(cfg.DataDir, cfg.Compress, log)
	scheduler := collect.NewScheduler(orch, store, selected, clk, log, mc)

	log.Info("collector initialized",
		slog.Int("game_count", len(selected)),
		slog.Any("platforms", orch.Platforms()),
		slog.String("data_dir", cfg.DataDir),
	)

	return &collector{scheduler: scheduler, governors: governors, registry: registry}, nil
}

// newOpsServer はワーカーの運用エンドポイントを提供するHTTPサーバーを生成する。
func newOpsServer(addr string, c *collector, log *slog.Logger) *http.Server {
	readers := make([]handler.GovernorStateReader, len(c.governors))
	for i, g := range c.governors {
		readers[i] = g
	}
	router := handler.NewOpsRouter(&handler.RouterDeps{
		Status:    c.scheduler,
		Governors: readers,
		Gatherer:  c.registry,
		Logger:    log,
	})
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// runWorker は収集スケジューラを起動し、ctxのキャンセルまたは実行期間の経過で停止する。
// OpsAddrが設定されていれば運用エンドポイントも起動する。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	c, err := buildCollector(cfg, clock.Real{}, log)
	if err != nil {
		return err
	}

	var server *http.Server
	if cfg.OpsAddr != "" {
		server = newOpsServer(cfg.OpsAddr, c, log)
		go func() {
			log.Info("ops server starting", slog.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ops server listen error", slog.String("error", err.Error()))
			}
		}()
	}

	log.Info("worker starting",
		slog.Duration("collect_interval", cfg.CollectInterval),
		slog.Duration("collect_duration", cfg.CollectDuration),
	)

	c.scheduler.Start(ctx, cfg.CollectInterval, cfg.CollectDuration)

	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			return fmt.Errorf("ops server shutdown failed: %w", err)
		}
	}

	log.Info("worker stopped gracefully")
	return nil
}

// runCollect は収集パスを1回実行し、その要約を返す。
func runCollect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*collect.RunStatus, error) {
	shutdownTracing, err := tracing.Setup(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	c, err := buildCollector(cfg, clock.Real{}, log)
	if err != nil {
		return nil, err
	}
	return c.scheduler.RunOnce(ctx)
}

// healthURL は運用エンドポイントのアドレスから /health のURLを組み立てる。
// ホスト部が空または全インターフェースの場合はlocalhostに接続する。
func healthURL(addr string) (string, error) {
	if addr == "" {
		addr = defaultOpsAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid ops address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/health", nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(ctx context.Context, addr string) error {
	url, err := healthURL(addr)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	client := &http.Client{Timeout: healthcheckTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
