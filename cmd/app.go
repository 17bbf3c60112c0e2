package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"areacam/internal/camera"
	"areacam/internal/catalog"
	"areacam/internal/config"
	"areacam/internal/encoder"
	"areacam/internal/metrics"
	"areacam/internal/recorder"
	"areacam/internal/sdk"
	"areacam/internal/sdk/sim"
	"areacam/internal/sdk/v4l2"
)

// app はコマンドが共有するコンポーネント
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	driver  sdk.Driver
	session *camera.Session
	catalog *catalog.DirStore
}

// newApp は設定からドライバー・セッション・カタログを組み立てる
func newApp(cfg *config.Config, log *slog.Logger, m *metrics.Collectors) (*app, error) {
	driver, err := newDriver(cfg)
	if err != nil {
		return nil, err
	}
	factory, err := newRecorderFactory(cfg.Recording)
	if err != nil {
		return nil, err
	}

	store := catalog.NewDirStore(cfg.Recording.Dir, log)
	session := camera.NewSession(driver, camera.Options{
		Logger:                 log,
		Metrics:                m,
		Bus:                    camera.NewEventBus(cfg.Camera.EventBuffer, log),
		PullTimeout:            cfg.Camera.PullTimeout,
		RetrySleep:             cfg.Camera.RetrySleep,
		FrameRateCeiling:       cfg.Camera.FrameRateUICeiling,
		Recorder:               factory,
		RecordDir:              cfg.Recording.Dir,
		RecordFrameRate:        cfg.Recording.FrameRate,
		RecordBitRateKbps:      cfg.Recording.BitRateKbps,
		RecordCodec:            cfg.Recording.Codec,
		RecordQuality:          cfg.Recording.Quality,
		MaxConsecutiveFailures: cfg.Recording.MaxConsecutiveFailures,
		OnRecordingClosed: func(res recorder.Result) {
			if _, err := store.AddResult(res); err != nil {
				log.Warn("録画をカタログに登録できませんでした", "path", res.Path, "error", err)
			}
		},
	})

	a := &app{cfg: cfg, log: log, driver: driver, session: session, catalog: store}
	if err := a.applyInitialParams(); err != nil {
		_ = session.Shutdown()
		return nil, err
	}
	return a, nil
}

// newDriver は camera.backend に応じたドライバーを返す
func newDriver(cfg *config.Config) (sdk.Driver, error) {
	switch cfg.Camera.Backend {
	case "sim":
		pf, err := parsePixelFormat(cfg.Camera.Sim.PixelFormat)
		if err != nil {
			return nil, err
		}
		opts := sim.DefaultOptions()
		opts.Width = cfg.Camera.Sim.Width
		opts.Height = cfg.Camera.Sim.Height
		opts.FrameRate = cfg.Camera.Sim.FrameRate
		opts.PixelFormat = pf
		// SDK録画モードで使うエンコーダー
		if o, err := encoder.Lookup(cfg.Recording.Encoder); err == nil {
			opts.Recorder = o
		}
		return sim.NewDriver(opts), nil
	case "v4l2":
		d := v4l2.NewDriver()
		if c := cfg.Camera.V4L2; c.Pattern != "" {
			d.Pattern = c.Pattern
		}
		if c := cfg.Camera.V4L2; c.Width > 0 && c.Height > 0 {
			d.Width, d.Height = c.Width, c.Height
		}
		if fps := cfg.Camera.V4L2.FrameRate; fps > 0 {
			d.FrameRate = fps
		}
		return d, nil
	default:
		return nil, fmt.Errorf("未知のカメラバックエンド: %q", cfg.Camera.Backend)
	}
}

func parsePixelFormat(s string) (sdk.PixelFormat, error) {
	switch strings.ToLower(s) {
	case "", "rgb8":
		return sdk.PixelRGB8, nil
	case "bgr8":
		return sdk.PixelBGR8, nil
	case "mono8":
		return sdk.PixelMono8, nil
	case "yuv422", "yuyv":
		return sdk.PixelYUV422, nil
	default:
		return sdk.PixelUnknown, fmt.Errorf("未知のピクセルフォーマット: %q", s)
	}
}

// newRecorderFactory は recording.mode に応じた録画パイプラインを返す
func newRecorderFactory(cfg config.RecordingConfig) (camera.RecorderFactory, error) {
	switch cfg.Mode {
	case "sdk":
		return camera.SDKRecorder(), nil
	case "queued", "":
		opener, err := encoder.Lookup(cfg.Encoder)
		if err != nil {
			return nil, fmt.Errorf("録画エンコーダーの取得に失敗: %w", err)
		}
		return camera.QueuedRecorder(opener, cfg.QueueCapacity), nil
	default:
		return nil, fmt.Errorf("未知の録画モード: %q", cfg.Mode)
	}
}

// applyInitialParams は設定ファイルの初期パラメータを保留として登録する
// 値はオープン時に設定順で適用される
func (a *app) applyInitialParams() error {
	c := a.cfg.Camera
	ctrl := camera.NewParameterController(a.session)
	if c.Width > 0 {
		if _, err := ctrl.SetWidth(c.Width); err != nil {
			return err
		}
	}
	if c.Height > 0 {
		if _, err := ctrl.SetHeight(c.Height); err != nil {
			return err
		}
	}
	if c.Exposure > 0 {
		if err := ctrl.SetExposure(c.Exposure); err != nil {
			return err
		}
	}
	if c.Gain > 0 {
		if err := ctrl.SetGain(c.Gain); err != nil {
			return err
		}
	}
	if c.FrameRate > 0 {
		if err := ctrl.SetFrameRateEnable(true); err != nil {
			return err
		}
		if err := ctrl.SetFrameRate(c.FrameRate); err != nil {
			return err
		}
	}
	return nil
}

// startGrabbing はデバイスをオープンして取得を開始し、最初のフレームを待つ
func (a *app) startGrabbing(ctx context.Context, index int) error {
	if err := a.session.Open(ctx, index); err != nil {
		return err
	}
	if err := a.session.StartGrabbing(); err != nil {
		return err
	}
	return waitForFrame(ctx, a.session, 5*time.Second)
}

// waitForFrame はスナップショットキャッシュにフレームが入るまで待つ
func waitForFrame(ctx context.Context, s *camera.Session, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := s.LatestFrame(); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("最初のフレームを待つ間に中断しました: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// pruneLoop は保持期間を過ぎた録画を定期的に削除する
func (a *app) pruneLoop(ctx context.Context, interval time.Duration) error {
	days := a.cfg.Recording.RetentionDays
	if days <= 0 {
		return nil
	}
	retention := time.Duration(days) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.catalog.Prune(retention, time.Now()); err != nil {
			a.log.Warn("古い録画の削除に失敗しました", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
