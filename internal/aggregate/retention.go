package aggregate

import (
	"log/slog"

	"github.com/hitoshi/gamepulse/internal/model"
)

// Retention はプレイヤー数の定着率をゲームごとにID順で返す。
// プレイヤー数の観測が2件未満のゲームは含めない。
func (e *Engine) Retention(rows []model.Snapshot) []model.RetentionRow {
	var out []model.RetentionRow
	for _, grp := range groupByGame(rows) {
		var counts []float64
		for i := range grp.rows {
			if v := grp.rows[i].Metric(model.MetricPlayerCount); v != nil {
				counts = append(counts, *v)
			}
		}
		if len(counts) < 2 {
			continue
		}

		first, latest := counts[0], counts[len(counts)-1]
		peak := first
		for _, c := range counts[1:] {
			if c > peak {
				peak = c
			}
		}

		row := model.RetentionRow{
			GameID:            grp.id,
			Name:              resolveName(grp),
			FirstPlayerCount:  first,
			LatestPlayerCount: latest,
			PeakPlayerCount:   peak,
			DataPoints:        len(counts),
		}
		if first > 0 {
			row.RetentionPercentage = latest / first * 100
			row.PeakRetentionPct = latest / peak * 100
		}
		out = append(out, row)
	}

	e.logger.Info("定着率の算出が完了しました",
		slog.Int("input_rows", len(rows)),
		slog.Int("retention_rows", len(out)),
	)
	return out
}
