// Package cmd は areacam のコマンドラインを実装する
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"areacam/internal/config"
	"areacam/internal/logger"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand はルートコマンドを作成する
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "areacam",
		Short:         "エリアスキャンカメラの取得・録画サービス",
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `areacam は産業用エリアスキャンカメラを制御し、フレームを連続取得して
ライブ配信・録画・スナップショット保存を行います。

設定は YAML ファイル（--config）と環境変数で上書きできます。`,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("AREACAM_CONFIG"), "設定ファイルのパス")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "ログレベル (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(opts),
		newDevicesCommand(opts),
		newSnapshotCommand(opts),
		newRecordCommand(opts),
	)
	return root
}

// Execute はルートコマンドを実行する
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		// エラーは cobra が表示済み
		os.Exit(1)
	}
}

// load は設定を読み込み、ロガーを設定する
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, logger.Setup(cfg.Log.Level, cfg.Log.Format), nil
}
