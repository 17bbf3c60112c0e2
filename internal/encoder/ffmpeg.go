package encoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// FFmpeg は ffmpeg プロセスの標準入力へ rawvideo を流して動画を作るエンコーダー
type FFmpeg struct {
	Binary string // 実行ファイル（空なら "ffmpeg"）
	Preset string // x264 プリセット（空なら "fast"）
}

func init() {
	Register("ffmpeg", &FFmpeg{})
}

// Open は ffmpeg を起動して書き込み可能なライターを返す
func (f *FFmpeg) Open(cfg Config) (Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	cmd := exec.Command(f.binary(), f.Args(cfg)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("標準入力パイプの作成に失敗: %w", err)
	}
	w := &ffmpegWriter{cmd: cmd, stdin: stdin, frameBytes: cfg.FrameBytes()}
	cmd.Stderr = &w.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}
	return w, nil
}

// Args は ffmpeg のコマンドライン引数を組み立てる
func (f *FFmpeg) Args(cfg Config) []string {
	codec := cfg.Codec
	if codec == "" {
		codec = "libx264"
	}
	preset := f.Preset
	if preset == "" {
		preset = "fast"
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.FormatFloat(cfg.FrameRate, 'f', -1, 64),
		"-i", "-",
		"-c:v", codec,
	}
	if codec == "libx264" {
		args = append(args, "-preset", preset)
	}
	if cfg.BitRateKbps > 0 {
		args = append(args, "-b:v", fmt.Sprintf("%dk", cfg.BitRateKbps))
	} else if codec == "libx264" {
		args = append(args, "-crf", qualityToCRF(cfg.Quality))
	}
	args = append(args,
		"-pix_fmt", "yuv420p",
		"-y", // 上書き許可
		cfg.Path,
	)
	return args
}

func (f *FFmpeg) binary() string {
	if f.Binary != "" {
		return f.Binary
	}
	return "ffmpeg"
}

// ValidateFFmpeg はFFmpegが利用可能かチェックする
func (f *FFmpeg) ValidateFFmpeg(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.binary(), "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("FFmpegが見つかりません。インストールしてください: %w", err)
	}
	return nil
}

// qualityToCRF は品質設定をFFmpegのCRF値に変換する
func qualityToCRF(quality int) string {
	if quality <= 0 {
		quality = 3
	}
	// 品質1(低) -> CRF28, 品質5(高) -> CRF18
	crf := 28.0 - float64(quality-1)*2.5
	if crf < 18 {
		crf = 18
	}
	if crf > 28 {
		crf = 28
	}
	return strconv.FormatFloat(crf, 'f', 1, 64)
}

type ffmpegWriter struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stderr     bytes.Buffer
	frameBytes int
	closed     bool
}

func (w *ffmpegWriter) Write(bgr []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if len(bgr) != w.frameBytes {
		return fmt.Errorf("%w: %d バイト (期待値 %d)", ErrFrameSize, len(bgr), w.frameBytes)
	}
	if _, err := w.stdin.Write(bgr); err != nil {
		return fmt.Errorf("ffmpegへの書き込みに失敗: %w", err)
	}
	return nil
}

func (w *ffmpegWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	_ = w.stdin.Close() // EOF で ffmpeg がファイルを確定する
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpegの終了に失敗: %w (output: %s)", err, w.stderr.String())
	}
	return nil
}
