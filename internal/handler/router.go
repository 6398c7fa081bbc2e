package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/gamepulse/internal/metrics"
	"github.com/hitoshi/gamepulse/internal/middleware"
)

// RouterDeps はNewOpsRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Status    StatusProvider
	Governors []GovernorStateReader
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// NewOpsRouter は運用エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → SecurityHeadersMiddleware
func NewOpsRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, "/health", "/metrics"))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	h := NewOpsHandler(deps.Status, deps.Governors, deps.Logger)

	r.Get("/health", h.Health)
	r.Get("/status", h.Status)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	return r
}
