package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"areacam/internal/camera"
	"areacam/internal/metrics"
	"areacam/internal/server"
)

const pruneInterval = time.Hour

type serveOptions struct {
	host string
	port int
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "HTTP API とライブ配信のサーバーを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "サーバーのポート (デフォルト: 8080)")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	// 設定を読み込む
	cfg, log, err := root.load()
	if err != nil {
		return err
	}

	// コマンドラインオプションで設定を上書き
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	a, err := newApp(cfg, log, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.session.Shutdown(); err != nil {
			log.Warn("セッションの終了でエラーが発生しました", "error", err)
		}
	}()

	monitor := camera.NewDeviceMonitor(a.driver, cfg.Camera.ScanInterval, log)
	srv := server.New(cfg, server.Deps{
		Session:  a.session,
		Monitor:  monitor,
		Catalog:  a.catalog,
		Registry: reg,
		Metrics:  m,
		Logger:   log,
	})

	if cfg.Camera.AutoStart {
		if err := a.startGrabbing(ctx, cfg.Camera.DeviceIndex); err != nil {
			// サーバーは起動し、API から開き直せるようにする
			log.Error("カメラの自動開始に失敗しました", "index", cfg.Camera.DeviceIndex, "error", err)
		}
	}

	log.Info("areacam サーバーを起動します", "addr", cfg.ServerAddress(), "backend", cfg.Camera.Backend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		if err := monitor.Start(gctx); err != nil {
			log.Warn("デバイス監視を開始できませんでした", "error", err)
			return nil
		}
		<-gctx.Done()
		monitor.Stop()
		return nil
	})
	g.Go(func() error {
		return a.pruneLoop(gctx, pruneInterval)
	})
	return g.Wait()
}
