// Package handler はワーカープロセスの運用エンドポイントを提供する。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/gamepulse/internal/governor"
	"github.com/hitoshi/gamepulse/internal/model"
	"github.com/hitoshi/gamepulse/internal/worker/collect"
)

// StatusProvider は直近に完了した収集パスを返す。Schedulerが実装する。
type StatusProvider interface {
	LastRun() *collect.RunStatus
}

// GovernorStateReader はプラットフォームごとのレート制御状態を返す。
type GovernorStateReader interface {
	Platform() model.Platform
	State() governor.State
}

// OpsHandler は /health と /status を処理する。
type OpsHandler struct {
	status    StatusProvider
	governors []GovernorStateReader
	logger    *slog.Logger
}

// NewOpsHandler はOpsHandlerの新しいインスタンスを生成する。
func NewOpsHandler(status StatusProvider, governors []GovernorStateReader, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{status: status, governors: governors, logger: logger}
}

type healthResponse struct {
	Status string `json:"status"`
}

// governorResponse はレート制御状態のJSON表現。
type governorResponse struct {
	Platform      model.Platform `json:"platform"`
	LastCallAt    *time.Time     `json:"last_call_at,omitempty"`
	MinIntervalMs int64          `json:"min_interval_ms"`
	CooldownUntil *time.Time     `json:"cooldown_until,omitempty"`
	Disabled      bool           `json:"disabled"`
}

// statusResponse は /status のレスポンス。収集パスが未完了ならlast_runはnull。
type statusResponse struct {
	LastRun   *collect.RunStatus `json:"last_run"`
	Governors []governorResponse `json:"governors"`
}

// Health はプロセスの生存を返す。
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// Status は直近の収集パスの要約とレート制御状態を返す。
func (h *OpsHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Governors: make([]governorResponse, 0, len(h.governors))}
	if h.status != nil {
		resp.LastRun = h.status.LastRun()
	}
	for _, g := range h.governors {
		resp.Governors = append(resp.Governors, toGovernorResponse(g.Platform(), g.State()))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func toGovernorResponse(p model.Platform, s governor.State) governorResponse {
	gr := governorResponse{
		Platform:      p,
		MinIntervalMs: s.MinInterval.Milliseconds(),
		CooldownUntil: s.CooldownUntil,
		Disabled:      s.Disabled,
	}
	if !s.LastCallAt.IsZero() {
		at := s.LastCallAt
		gr.LastCallAt = &at
	}
	return gr
}

func (h *OpsHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("レスポンスの書き込みに失敗しました", slog.String("error", err.Error()))
	}
}
