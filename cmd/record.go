package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"areacam/internal/camera"
)

type recordOptions struct {
	device   int
	duration time.Duration
	task     string
	output   string
	fps      float64
	mode     string
}

func newRecordCommand(root *rootOptions) *cobra.Command {
	opts := &recordOptions{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "指定時間（または Ctrl+C まで）録画する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, root, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.device, "device", "d", 0, "デバイスインデックス")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "t", 0, "録画時間（0なら Ctrl+C まで）")
	cmd.Flags().StringVar(&opts.task, "task", "", "ファイル名に付けるタスク名")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "出力ファイル（空なら録画ディレクトリに自動命名）")
	cmd.Flags().Float64Var(&opts.fps, "fps", 0, "録画フレームレート")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "録画モード (queued, sdk)")
	return cmd
}

func runRecord(cmd *cobra.Command, root *rootOptions, opts *recordOptions) error {
	cfg, log, err := root.load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("device") {
		cfg.Camera.DeviceIndex = opts.device
	}
	if opts.mode != "" {
		cfg.Recording.Mode = opts.mode
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log, nil)
	if err != nil {
		return err
	}
	defer a.session.Shutdown()

	if err := a.startGrabbing(ctx, cfg.Camera.DeviceIndex); err != nil {
		return err
	}
	info, err := a.session.StartRecording(camera.RecordRequest{
		Path:      opts.output,
		Task:      opts.task,
		FrameRate: opts.fps,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "録画を開始しました: %s (%dx%d, %.1ffps)\n", info.Path, info.Width, info.Height, info.FrameRate)

	var timeout <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	}

	res, err := a.session.StopRecording()
	if err != nil && res.Path == "" {
		return err
	}
	fmt.Fprintf(out, "録画を停止しました: %s (%s, %d フレーム, 破棄 %d)\n",
		res.Path, camera.ElapsedLabel(res.Duration()), res.Stats.Written, res.Stats.Dropped)
	return err
}
