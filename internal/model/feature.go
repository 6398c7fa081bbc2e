package model

import "time"

// GameFeatureRow は集計エンジンが出力するゲーム1件分の特徴量。
// 生成後に変更しない値型として扱う。nilは欠損を表し、0とは区別される。
type GameFeatureRow struct {
	GameID      string
	Name        string
	ReleaseDate time.Time

	// 静的特徴量
	MetacriticScore *float64

	// リリース前特徴量
	TrendsAvgPre       *float64
	RedditPostsAvgPre  *float64
	TwitterCountAvgPre *float64
	RedditSubsPre      *float64
	RedditActivePre    *float64

	// ローンチ後の成果指標
	PeakPlayers *float64
	PeakViewers *float64
	AvgPlayers  *float64
	AvgViewers  *float64
}

// RetentionRow はプレイヤー数の定着率指標。
type RetentionRow struct {
	GameID              string
	Name                string
	FirstPlayerCount    float64
	LatestPlayerCount   float64
	PeakPlayerCount     float64
	RetentionPercentage float64
	PeakRetentionPct    float64
	DataPoints          int
}

// Game は収集対象のゲーム。
// Overridesはプラットフォームごとのクエリ文字列（サブレディット名、検索語など）を上書きする。
type Game struct {
	ID        string
	Name      string
	Category  string
	Overrides map[Platform]string
}

// QueryFor はプラットフォーム向けのクエリ文字列を返す。
// 上書きがなければ表示名を使用する。
func (g Game) QueryFor(p Platform) string {
	if q, ok := g.Overrides[p]; ok && q != "" {
		return q
	}
	return g.Name
}
