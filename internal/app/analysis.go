package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hitoshi/gamepulse/internal/aggregate"
	"github.com/hitoshi/gamepulse/internal/config"
	"github.com/hitoshi/gamepulse/internal/snapshot"
)

const dateLayout = "2006-01-02"

// analysisOptions はaggregate・retentionサブコマンドの共通オプション。
type analysisOptions struct {
	Start      string
	End        string
	Categories []string
	Output     string
}

func (o analysisOptions) filter() (snapshot.Filter, error) {
	f := snapshot.Filter{Categories: o.Categories}
	if o.Start != "" {
		t, err := time.Parse(dateLayout, o.Start)
		if err != nil {
			return f, fmt.Errorf("invalid --start %q: expected YYYY-MM-DD", o.Start)
		}
		f.Start = t
	}
	if o.End != "" {
		t, err := time.Parse(dateLayout, o.End)
		if err != nil {
			return f, fmt.Errorf("invalid --end %q: expected YYYY-MM-DD", o.End)
		}
		f.End = t
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return f, fmt.Errorf("--end %s is before --start %s", o.End, o.Start)
	}
	return f, nil
}

// openOutput は出力先を開く。"-" は標準出力（stdout）を意味する。
func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "-" {
		return stdout, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}
	return f, f.Close, nil
}

func windowsOf(cfg *config.Config) aggregate.Windows {
	return aggregate.Windows{PreDays: cfg.PreDays, PeakDays: cfg.PeakDays, AvgDays: cfg.AvgDays}
}

// runAggregate は保存済みスナップショットからゲームごとの特徴量を算出して書き出す。
func runAggregate(ctx context.Context, cfg *config.Config, log *slog.Logger, opts analysisOptions, format aggregate.Format, stdout io.Writer) error {
	filter, err := opts.filter()
	if err != nil {
		return err
	}
	rows, err := snapshot.NewStore(cfg.DataDir, cfg.Compress, log).Load(filter)
	if err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}

	windows := windowsOf(cfg)
	features, err := aggregate.NewEngine(windows, log).Aggregate(ctx, rows)
	if err != nil {
		return err
	}

	if opts.Output == "" {
		opts.Output = filepath.Join(cfg.DataDir, "features."+string(format))
	}
	out, closeOut, err := openOutput(opts.Output, stdout)
	if err != nil {
		return err
	}
	if err := aggregate.WriteFeatures(out, format, features, windows); err != nil {
		closeOut()
		return fmt.Errorf("failed to write features: %w", err)
	}
	if err := closeOut(); err != nil {
		return fmt.Errorf("failed to write features: %w", err)
	}

	log.Info("features written",
		slog.String("output", opts.Output),
		slog.Int("game_count", len(features)),
	)
	return nil
}

// runRetention はゲームごとのプレイヤー定着率を算出してCSVで書き出す。
func runRetention(cfg *config.Config, log *slog.Logger, opts analysisOptions, stdout io.Writer) error {
	filter, err := opts.filter()
	if err != nil {
		return err
	}
	rows, err := snapshot.NewStore(cfg.DataDir, cfg.Compress, log).Load(filter)
	if err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}

	retention := aggregate.NewEngine(windowsOf(cfg), log).Retention(rows)

	if opts.Output == "" {
		opts.Output = filepath.Join(cfg.DataDir, "retention.csv")
	}
	out, closeOut, err := openOutput(opts.Output, stdout)
	if err != nil {
		return err
	}
	if err := aggregate.WriteRetentionCSV(out, retention); err != nil {
		closeOut()
		return fmt.Errorf("failed to write retention: %w", err)
	}
	if err := closeOut(); err != nil {
		return fmt.Errorf("failed to write retention: %w", err)
	}

	log.Info("retention written",
		slog.String("output", opts.Output),
		slog.Int("game_count", len(retention)),
	)
	return nil
}

// collectionSummary は保存済みデータとカタログの要約。
type collectionSummary struct {
	*snapshot.Summary
	GameCategories map[string]int `json:"game_categories"`
	TotalGames     int            `json:"total_games"`
}

// runSummary は保存済みスナップショットとカタログの要約をJSONで出力する。
func runSummary(cfg *config.Config, log *slog.Logger, stdout io.Writer) error {
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	sum, err := snapshot.NewStore(cfg.DataDir, cfg.Compress, log).Summarize()
	if err != nil {
		return fmt.Errorf("failed to summarize snapshots: %w", err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(collectionSummary{
		Summary:        sum,
		GameCategories: catalog.Counts(),
		TotalGames:     len(catalog.Games()),
	})
}
