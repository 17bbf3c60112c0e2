// Package encoder は録画フレームを動画ファイルへ書き出すライターを提供する
//
// ライターは BGR24 に詰めたフレームを受け取り、コンテナ・コーデックへの変換は実装側に任せる。
// 実装は名前で登録され、設定の recording.encoder で選択する。
//   - ffmpeg: ffmpeg の標準入力に rawvideo を流し込む（既定）
//   - gocv: OpenCV の VideoWriter（ビルドタグ gocv が必要）
package encoder

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrFrameSize はフレームサイズがライターの解像度と一致しない
	ErrFrameSize = errors.New("フレームサイズが解像度と一致しません")
	// ErrClosed はクローズ済みのライターへの書き込み
	ErrClosed = errors.New("ライターはクローズ済みです")
	// ErrUnknownBackend は未登録のエンコーダー名
	ErrUnknownBackend = errors.New("未登録のエンコーダー")
)

// Config は動画ライターの設定
type Config struct {
	Path        string  // 出力ファイルパス
	Codec       string  // コーデック名（例: libx264, avc1, MJPG）
	FrameRate   float64 // フレームレート
	Width       int     // 幅（ライターはこの解像度に固定される）
	Height      int     // 高さ
	BitRateKbps int     // ビットレート（0なら品質指定）
	Quality     int     // 品質 (1-5)、BitRateKbps が0のときに使う
}

// FrameBytes は1フレームのBGR24バイト数を返す
func (c Config) FrameBytes() int {
	return c.Width * c.Height * 3
}

// Validate は設定値をチェックする
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("出力パスが指定されていません")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("不正な解像度です: %dx%d", c.Width, c.Height)
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("不正なフレームレートです: %v", c.FrameRate)
	}
	return nil
}

// Writer は動画ファイルへの書き込み
type Writer interface {
	// Write は BGR24 の1フレームを書き込む
	Write(bgr []byte) error
	// Close はファイルを確定させる
	Close() error
}

// Opener はライターを生成する
type Opener interface {
	Open(cfg Config) (Writer, error)
}

// OpenerFunc は関数を Opener として扱うためのアダプタ
type OpenerFunc func(cfg Config) (Writer, error)

// Open は f(cfg) を呼ぶ
func (f OpenerFunc) Open(cfg Config) (Writer, error) {
	return f(cfg)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Opener{}
)

// Register はエンコーダーを名前で登録する
func Register(name string, o Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = o
}

// Lookup は登録済みのエンコーダーを返す
func Lookup(name string) (Opener, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	o, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (利用可能: %v)", ErrUnknownBackend, name, backendNames())
	}
	return o, nil
}

// Backends は登録済みのエンコーダー名を返す
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return backendNames()
}

func backendNames() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
