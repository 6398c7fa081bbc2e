package snapshot

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/gamepulse/internal/model"
)

// 固定列。指標列はmetricColumnsで定義する。
const (
	colAppID       = "app_id"
	colName        = "name"
	colCategory    = "category"
	colTimestamp   = "timestamp"
	colReleaseDate = "release_date"
	colGenres      = "genres"
	colPrice       = "price"
	colIsFree      = "is_free"
)

// metricColumns はCSV上の指標列の並び。
var metricColumns = []model.Metric{
	model.MetricPlayerCount,
	model.MetricTwitchViewerCount,
	model.MetricGoogleTrendsAvg,
	model.MetricRedditSubscribers,
	model.MetricRedditActiveUsers,
	model.MetricRedditRecentPosts,
	model.MetricTwitterRecentCount,
	model.MetricYouTubeTotalViews,
	model.MetricYouTubeAvgViews,
	model.MetricYouTubeAvgLikes,
}

// Header は書き込むCSVのヘッダー行を返す。
func Header() []string {
	h := []string{colAppID, colName, colCategory, colTimestamp}
	for _, m := range metricColumns {
		h = append(h, string(m))
	}
	return append(h, colReleaseDate, string(model.MetricMetacriticScore), colGenres, colPrice, colIsFree)
}

// timestampLayouts は読み込み時に受け付ける時刻形式。ゾーンなしはUTCとみなす。
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func encode(w io.Writer, rows []model.Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return err
	}
	for i := range rows {
		if err := cw.Write(encodeRow(&rows[i])); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeRow(s *model.Snapshot) []string {
	rec := []string{s.GameID, s.Name, s.Category, formatTimestamp(s.CollectedAt)}
	for _, m := range metricColumns {
		rec = append(rec, formatFloat(s.Metric(m)))
	}
	isFree := ""
	if s.IsFree != nil {
		isFree = strconv.FormatBool(*s.IsFree)
	}
	return append(rec,
		model.FormatReleaseDate(s.ReleaseDate),
		formatFloat(s.Metric(model.MetricMetacriticScore)),
		s.Genres,
		s.Price,
		isFree,
	)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// decode はCSVを読み込む。ヘッダーにない列は欠損として扱う。
// 列数の不一致など構造上の問題はエラーとして返す。
func decode(r io.Reader) ([]model.Snapshot, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("ヘッダーの読み込みに失敗しました: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	if _, ok := index[colAppID]; !ok {
		return nil, fmt.Errorf("%s 列がありません", colAppID)
	}

	var rows []model.Snapshot
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, decodeRow(rec, index))
	}
	return rows, nil
}

func decodeRow(rec []string, index map[string]int) model.Snapshot {
	field := func(col string) string {
		if i, ok := index[col]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	s := model.Snapshot{
		GameID:      field(colAppID),
		Name:        field(colName),
		Category:    field(colCategory),
		CollectedAt: parseTimestamp(field(colTimestamp)),
		ReleaseDate: model.ParseReleaseDate(field(colReleaseDate)),
		Genres:      field(colGenres),
		Price:       field(colPrice),
		Metrics:     make(map[model.Metric]*float64, len(metricColumns)+1),
	}
	for _, m := range model.AllMetrics() {
		s.Metrics[m] = parseFloat(field(string(m)))
	}
	if b, err := strconv.ParseBool(field(colIsFree)); err == nil {
		s.IsFree = &b
	}
	return s
}

func parseTimestamp(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// parseFloat は数値セルを解釈する。空、非数、無限大は欠損とする。
func parseFloat(v string) *float64 {
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
