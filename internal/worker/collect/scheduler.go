package collect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/gamepulse/internal/clock"
	"github.com/hitoshi/gamepulse/internal/model"
)

// Collector は収集パス1回分のシグナル収集を行う。Orchestratorが実装する。
type Collector interface {
	Collect(ctx context.Context, games []model.Game) []model.SignalBundle
}

// SnapshotWriter は収集結果のスナップショットを永続化する。
type SnapshotWriter interface {
	// Write は収集時刻atのスナップショット行を1ファイルとして保存し、保存先のパスを返す。
	Write(at time.Time, rows []model.Snapshot) (string, error)
}

// RunStatus は完了した収集パスの要約。
type RunStatus struct {
	RunID        string                                  `json:"run_id"`
	StartedAt    time.Time                               `json:"started_at"`
	FinishedAt   time.Time                               `json:"finished_at"`
	Games        int                                     `json:"games"`
	Outcomes     map[model.Platform]map[model.Outcome]int `json:"outcomes"`
	SnapshotPath string                                  `json:"snapshot_path,omitempty"`
	Error        string                                  `json:"error,omitempty"`
}

// Scheduler は一定間隔で収集パスを実行し、各パスの結果をスナップショットとして保存する。
type Scheduler struct {
	collector Collector
	writer    SnapshotWriter
	games     []model.Game
	clock     clock.Clock
	logger    *slog.Logger
	recorder  Recorder

	mu   sync.RWMutex
	last *RunStatus
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// recorderがnilの場合は計測値を記録しない。
func NewScheduler(
	collector Collector,
	writer SnapshotWriter,
	games []model.Game,
	clk clock.Clock,
	logger *slog.Logger,
	recorder Recorder,
) *Scheduler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Scheduler{
		collector: collector,
		writer:    writer,
		games:     games,
		clock:     clk,
		logger:    logger,
		recorder:  recorder,
	}
}

// Start はinterval間隔のティッカーで収集パスを実行する。
// 起動直後に1回実行し、コンテキストのキャンセルまたはdurationの経過で停止する。
// durationが0以下の場合は無期限に実行する。
func (s *Scheduler) Start(ctx context.Context, interval, duration time.Duration) {
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("収集スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("duration", duration),
		slog.Int("game_count", len(s.games)),
	)

	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("収集スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("収集パスの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は全ゲームの収集パスを1回実行し、結果を保存する。
// 保存に失敗した場合も要約は返し、LastRunで参照できる。
func (s *Scheduler) RunOnce(ctx context.Context) (*RunStatus, error) {
	start := s.clock.Now()
	status := &RunStatus{
		RunID:     uuid.NewString(),
		StartedAt: start,
		Games:     len(s.games),
		Outcomes:  make(map[model.Platform]map[model.Outcome]int),
	}

	s.logger.Info("収集パスを開始します",
		slog.String("run_id", status.RunID),
		slog.Int("game_count", len(s.games)),
	)

	bundles := s.collector.Collect(ctx, s.games)

	rows := make([]model.Snapshot, 0, len(bundles))
	for i := range bundles {
		rows = append(rows, bundles[i].Snapshot())
		for p, r := range bundles[i].Outcomes {
			if status.Outcomes[p] == nil {
				status.Outcomes[p] = make(map[model.Outcome]int)
			}
			status.Outcomes[p][r.Outcome]++
		}
	}

	path, err := s.writer.Write(start, rows)
	if err != nil {
		err = fmt.Errorf("スナップショットの保存に失敗しました: %w", err)
		status.Error = err.Error()
	}
	status.SnapshotPath = path
	status.FinishedAt = s.clock.Now()

	duration := status.FinishedAt.Sub(start)
	s.recorder.RecordPass(len(s.games), duration, err)

	s.mu.Lock()
	s.last = status
	s.mu.Unlock()

	if err != nil {
		return status, err
	}

	s.logger.Info("収集パスが完了しました",
		slog.String("run_id", status.RunID),
		slog.Int("game_count", len(s.games)),
		slog.String("snapshot_path", path),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return status, nil
}

// LastRun は最後に完了した収集パスの要約を返す。未実行ならnil。
func (s *Scheduler) LastRun() *RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
