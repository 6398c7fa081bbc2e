package collect

import (
	"time"

	"github.com/hitoshi/gamepulse/internal/model"
)

// Recorder は収集処理の計測値を受け取る。
type Recorder interface {
	// RecordConnectorCall はコネクタ呼び出し1件の結果と所要時間を記録する。
	RecordConnectorCall(platform model.Platform, outcome model.Outcome, elapsed time.Duration)
	// RecordRetries は1回の論理呼び出しで行った再試行回数を記録する。
	RecordRetries(platform model.Platform, retries int)
	// RecordGame はゲーム1件の収集時間を記録する。
	RecordGame(elapsed time.Duration)
	// RecordPass は収集パス1回の対象ゲーム数と所要時間を記録する。
	RecordPass(games int, elapsed time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordConnectorCall(model.Platform, model.Outcome, time.Duration) {}
func (nopRecorder) RecordRetries(model.Platform, int) {}
func (nopRecorder) RecordGame(time.Duration) {}
func (nopRecorder) RecordPass(int, time.Duration, error) {}
