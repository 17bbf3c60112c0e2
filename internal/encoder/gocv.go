//go:build gocv

package encoder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"
)

// GoCV は OpenCV の VideoWriter で動画を書き出すエンコーダー
type GoCV struct{}

func init() {
	Register("gocv", GoCV{})
}

// Open は VideoWriter を開く。Codec は FourCC（既定 avc1）
func (GoCV) Open(cfg Config) (Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	codec := cfg.Codec
	if len(codec) != 4 {
		codec = "avc1"
	}
	vw, err := gocv.VideoWriterFile(cfg.Path, codec, cfg.FrameRate, cfg.Width, cfg.Height, true)
	if err != nil {
		return nil, fmt.Errorf("VideoWriterのオープンに失敗: %w", err)
	}
	if !vw.IsOpened() {
		_ = vw.Close()
		return nil, fmt.Errorf("VideoWriterを開けませんでした: %s", cfg.Path)
	}
	return &gocvWriter{vw: vw, cfg: cfg}, nil
}

type gocvWriter struct {
	mu     sync.Mutex
	vw     *gocv.VideoWriter
	cfg    Config
	closed bool
}

func (w *gocvWriter) Write(bgr []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if len(bgr) != w.cfg.FrameBytes() {
		return fmt.Errorf("%w: %d バイト (期待値 %d)", ErrFrameSize, len(bgr), w.cfg.FrameBytes())
	}

	mat, err := gocv.NewMatFromBytes(w.cfg.Height, w.cfg.Width, gocv.MatTypeCV8UC3, bgr)
	if err != nil {
		return fmt.Errorf("Matの生成に失敗: %w", err)
	}
	defer mat.Close()

	if err := w.vw.Write(mat); err != nil {
		return fmt.Errorf("フレームの書き込みに失敗: %w", err)
	}
	return nil
}

func (w *gocvWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.vw.Close()
}
