package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"areacam/internal/imaging"
)

type snapshotOptions struct {
	device  int
	format  string
	quality int
	dir     string
	useSDK  bool
}

func newSnapshotCommand(root *rootOptions) *cobra.Command {
	opts := &snapshotOptions{}
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "1フレームを取得して画像ファイルに保存する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("device") {
				cfg.Camera.DeviceIndex = opts.device
			}
			if opts.format != "" {
				cfg.Snapshot.Format = opts.format
			}
			if opts.quality > 0 {
				cfg.Snapshot.Quality = opts.quality
			}
			if opts.dir != "" {
				cfg.Snapshot.Dir = opts.dir
			}
			if cmd.Flags().Changed("sdk") {
				cfg.Snapshot.UseSDK = opts.useSDK
			}
			format, err := imaging.ParseFormat(cfg.Snapshot.Format)
			if err != nil {
				return err
			}

			a, err := newApp(cfg, log, nil)
			if err != nil {
				return err
			}
			defer a.session.Shutdown()

			if err := a.startGrabbing(cmd.Context(), cfg.Camera.DeviceIndex); err != nil {
				return err
			}
			path, err := a.session.CaptureSnapshot(cfg.Snapshot.Dir, format, cfg.Snapshot.Quality, cfg.Snapshot.UseSDK)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().IntVarP(&opts.device, "device", "d", 0, "デバイスインデックス")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "画像形式 (bmp, jpeg, png)")
	cmd.Flags().IntVarP(&opts.quality, "quality", "q", 0, "JPEG品質 (1-100)")
	cmd.Flags().StringVarP(&opts.dir, "output-dir", "o", "", "保存先ディレクトリ")
	cmd.Flags().BoolVar(&opts.useSDK, "sdk", false, "カメラSDKの画像保存を使う")
	return cmd
}
