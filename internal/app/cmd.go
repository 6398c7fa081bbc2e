// Package app はコマンドラインのサブコマンドと依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hitoshi/gamepulse/internal/aggregate"
	"github.com/hitoshi/gamepulse/internal/config"
)

// NewRootCommand はgamepulseのルートコマンドを生成する。
// ログは標準エラー、コマンドの結果は標準出力に書き出す。
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "gamepulse",
		Short:         "Collect game popularity signals and aggregate them into features",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("data-dir", "", "Snapshot directory (overrides GAMEPULSE_DATA_DIR)")

	root.AddCommand(
		newCollectCommand(),
		newWorkerCommand(),
		newAggregateCommand(),
		newRetentionCommand(),
		newSummaryCommand(),
		newHealthcheckCommand(),
	)
	return root
}

// setup は設定とロガーを初期化する。--data-dirが指定されていれば環境変数より優先する。
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	cfg, log, err := Init(cmd.ErrOrStderr(), Overrides{DataDir: dataDir})
	if err != nil {
		return nil, nil, err
	}
	log.Info("starting application",
		slog.String("command", cmd.Name()),
		slog.String("data_dir", cfg.DataDir),
	)
	return cfg, log, nil
}

// signalContext はSIGINT・SIGTERMでキャンセルされるコンテキストを返す。
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func newCollectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Run a single collection pass and write one snapshot file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			status, err := runCollect(ctx, cfg, log)
			if status != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(status); encErr != nil && err == nil {
					err = encErr
				}
			}
			return err
		},
	}
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run collection passes at a fixed interval and serve ops endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			return runWorker(ctx, cfg, log)
		},
	}
}

func addAnalysisFlags(cmd *cobra.Command, opts *analysisOptions) {
	cmd.Flags().StringVar(&opts.Start, "start", "", "Only use snapshots collected on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.End, "end", "", "Only use snapshots collected on or before this date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&opts.Categories, "category", nil, "Only use snapshots of these categories")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", `Output path ("-" for stdout)`)
}

func newAggregateCommand() *cobra.Command {
	var (
		opts   analysisOptions
		format string
	)
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate stored snapshots into one feature row per game",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := aggregate.ParseFormat(format)
			if err != nil {
				return err
			}
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			return runAggregate(cmd.Context(), cfg, log, opts, f, cmd.OutOrStdout())
		},
	}
	addAnalysisFlags(cmd, &opts)
	cmd.Flags().StringVar(&format, "format", string(aggregate.FormatCSV), "Output format (csv or json)")
	return cmd
}

func newRetentionCommand() *cobra.Command {
	var opts analysisOptions
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Compute player retention per game from stored snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			return runRetention(cfg, log, opts, cmd.OutOrStdout())
		},
	}
	addAnalysisFlags(cmd, &opts)
	return cmd
}

func newSummaryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Summarize stored snapshot files and the game catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			return runSummary(cfg, log, cmd.OutOrStdout())
		},
	}
}

// newHealthcheckCommand はdistroless環境でのDockerヘルスチェック用サブコマンド。
// 軽量に動かすため設定の読み込みとログの初期化は行わない。
func newHealthcheckCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the worker's /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = os.Getenv("GAMEPULSE_OPS_ADDR")
			}
			return runHealthcheck(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Ops server address (defaults to GAMEPULSE_OPS_ADDR or :9090)")
	return cmd
}
