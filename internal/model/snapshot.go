package model

import (
	"strings"
	"time"
)

// Platform は外部データソースの識別子。
type Platform string

const (
	PlatformStorefront Platform = "storefront"
	PlatformStreaming  Platform = "streaming"
	PlatformTrends     Platform = "trends"
	PlatformSocialNews Platform = "social_news"
	PlatformMicroblog  Platform = "microblog"
	PlatformVideo      Platform = "video"
)

// StoreDetails はストアフロントから取得したゲームの静的情報。
type StoreDetails struct {
	Name        string
	ReleaseDate *time.Time
	Genres      []string
	Price       string
	IsFree      bool
	// MetacriticScore はストアに掲載されたメタスコア。未掲載ならnil。
	MetacriticScore *float64
}

// Snapshot は1回の収集における1ゲーム分の観測行。
// CollectedAtがゼロ値の行は集計前に除外される。
type Snapshot struct {
	GameID      string
	Name        string
	Category    string
	CollectedAt time.Time
	ReleaseDate *time.Time
	Metrics     map[Metric]*float64
	Genres      string
	Price       string
	IsFree      *bool
}

// Metric は指定指標の値を返す。未設定の場合はnil。
func (s *Snapshot) Metric(m Metric) *float64 {
	if s.Metrics == nil {
		return nil
	}
	return s.Metrics[m]
}

// Outcome は1コネクタ呼び出しの結果種別。
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeThrottled      Outcome = "throttled"
	OutcomeTransient      Outcome = "transient"
	OutcomeAuthFailure    Outcome = "auth_failure"
	OutcomeSkippedTimeout Outcome = "skipped_timeout"
	OutcomeRejected       Outcome = "rejected"
)

// PlatformResult はバンドル内のプラットフォームごとの結果。
type PlatformResult struct {
	Outcome Outcome       `json:"outcome"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// SignalBundle は1回の収集パスにおける1ゲーム分のシグナル集合。
// Signalsは要求された全指標キーを必ず含み、取得できなかった値はnilとなる。
type SignalBundle struct {
	GameID      string                      `json:"game_id"`
	Name        string                      `json:"name"`
	Category    string                      `json:"category"`
	CollectedAt time.Time                   `json:"collected_at"`
	Details     *StoreDetails               `json:"details,omitempty"`
	Signals     map[Metric]*float64         `json:"signals"`
	Outcomes    map[Platform]PlatformResult `json:"outcomes"`
}

// Snapshot はバンドルを永続化用のスナップショット行に変換する。
func (b *SignalBundle) Snapshot() Snapshot {
	s := Snapshot{
		GameID:      b.GameID,
		Name:        b.Name,
		Category:    b.Category,
		CollectedAt: b.CollectedAt,
		Metrics:     make(map[Metric]*float64, len(b.Signals)),
	}
	for k, v := range b.Signals {
		s.Metrics[k] = v
	}
	if b.Details != nil {
		s.ReleaseDate = b.Details.ReleaseDate
		isFree := b.Details.IsFree
		s.IsFree = &isFree
		s.Price = b.Details.Price
		s.Genres = strings.Join(b.Details.Genres, ",")
	}
	return s
}
