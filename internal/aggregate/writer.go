package aggregate

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/hitoshi/gamepulse/internal/model"
)

// Format は特徴量の出力形式。
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat は出力形式の文字列を解釈する。
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatJSON:
		return Format(s), nil
	}
	return "", fmt.Errorf("未対応の出力形式です: %q", s)
}

type column struct {
	name  string
	value func(r *model.GameFeatureRow) *float64
}

// featureColumns は数値特徴量の列。ローンチ後の列名には期間の日数が入る。
func featureColumns(w Windows) []column {
	return []column{
		{"metacritic_score", func(r *model.GameFeatureRow) *float64 { return r.MetacriticScore }},
		{"google_trends_avg_pre", func(r *model.GameFeatureRow) *float64 { return r.TrendsAvgPre }},
		{"reddit_posts_avg_pre", func(r *model.GameFeatureRow) *float64 { return r.RedditPostsAvgPre }},
		{"twitter_count_avg_pre", func(r *model.GameFeatureRow) *float64 { return r.TwitterCountAvgPre }},
		{"reddit_subs_pre", func(r *model.GameFeatureRow) *float64 { return r.RedditSubsPre }},
		{"reddit_active_pre", func(r *model.GameFeatureRow) *float64 { return r.RedditActivePre }},
		{fmt.Sprintf("steam_peak_players_%dd", w.PeakDays), func(r *model.GameFeatureRow) *float64 { return r.PeakPlayers }},
		{fmt.Sprintf("twitch_peak_viewers_%dd", w.PeakDays), func(r *model.GameFeatureRow) *float64 { return r.PeakViewers }},
		{fmt.Sprintf("steam_avg_players_%dd", w.AvgDays), func(r *model.GameFeatureRow) *float64 { return r.AvgPlayers }},
		{fmt.Sprintf("twitch_avg_viewers_%dd", w.AvgDays), func(r *model.GameFeatureRow) *float64 { return r.AvgViewers }},
	}
}

// FeatureHeader は特徴量CSVのヘッダー行を返す。
func FeatureHeader(w Windows) []string {
	h := []string{"app_id", "game_name", "release_date"}
	for _, c := range featureColumns(w) {
		h = append(h, c.name)
	}
	return h
}

// WriteFeatures は特徴量を指定形式で書き出す。
func WriteFeatures(out io.Writer, format Format, rows []model.GameFeatureRow, w Windows) error {
	switch format {
	case FormatJSON:
		return writeFeaturesJSON(out, rows, w)
	case FormatCSV:
		return writeFeaturesCSV(out, rows, w)
	}
	return fmt.Errorf("未対応の出力形式です: %q", format)
}

// writeFeaturesCSV は欠損値を空セルとして書き出す。
func writeFeaturesCSV(out io.Writer, rows []model.GameFeatureRow, w Windows) error {
	cols := featureColumns(w)
	cw := csv.NewWriter(out)
	if err := cw.Write(FeatureHeader(w)); err != nil {
		return err
	}
	for i := range rows {
		r := &rows[i]
		rec := []string{r.GameID, r.Name, r.ReleaseDate.Format("2006-01-02")}
		for _, c := range cols {
			rec = append(rec, formatCell(c.value(r)))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeFeaturesJSON は欠損値をnullとして書き出す。
func writeFeaturesJSON(out io.Writer, rows []model.GameFeatureRow, w Windows) error {
	cols := featureColumns(w)
	objs := make([]map[string]any, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		obj := map[string]any{
			"app_id":       r.GameID,
			"game_name":    r.Name,
			"release_date": r.ReleaseDate.Format("2006-01-02"),
		}
		for _, c := range cols {
			obj[c.name] = c.value(r)
		}
		objs = append(objs, obj)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(objs)
}

// WriteRetentionCSV は定着率をCSVで書き出す。
func WriteRetentionCSV(out io.Writer, rows []model.RetentionRow) error {
	cw := csv.NewWriter(out)
	header := []string{
		"app_id", "name", "first_player_count", "latest_player_count", "peak_player_count",
		"retention_percentage", "peak_retention_percentage", "data_points",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.GameID,
			r.Name,
			formatFloat(r.FirstPlayerCount),
			formatFloat(r.LatestPlayerCount),
			formatFloat(r.PeakPlayerCount),
			formatFloat(r.RetentionPercentage),
			formatFloat(r.PeakRetentionPct),
			strconv.Itoa(r.DataPoints),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
