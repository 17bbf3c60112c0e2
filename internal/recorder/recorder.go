// Package recorder は取得フレームを動画ファイルへ記録するパイプラインを提供する
//
// # 使い分け
//   - Queued: 上限付きFIFOと専用の書き込みゴルーチンを持つ。取得ループは決してブロックしない
//   - SDK: カメラSDKのネイティブエンコーダーへ取得ループ上で同期的にフレームを渡す
//
// どちらも Start で解像度が固定され、異なる解像度のフレームは記録しない。
package recorder

import (
	"errors"
	"log/slog"
	"time"

	"areacam/internal/frame"
	"areacam/internal/metrics"
	"areacam/internal/sdk"
)

// DefaultQueueCapacity は録画キューの既定上限
const DefaultQueueCapacity = 30

var (
	ErrAlreadyRecording   = errors.New("既に録画中です")
	ErrNotRecording       = errors.New("録画していません")
	ErrNoFrameDimensions  = errors.New("フレームの解像度が不明です")
	ErrWriterOpenFailed   = errors.New("動画ライターのオープンに失敗しました")
	ErrEncodeFailed       = errors.New("フレームのエンコードに失敗しました")
	ErrTooManyFailures    = errors.New("連続したエンコード失敗により録画を中断しました")
	ErrInvalidFrameRate   = errors.New("不正なフレームレートです")
	ErrPixelFormatUnknown = errors.New("ピクセルフォーマットが不明です")
)

// Status は録画セッションの状態
type Status int

const (
	StatusIdle Status = iota
	StatusOpening
	StatusActive
	StatusStopping
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusOpening:
		return "opening"
	case StatusActive:
		return "active"
	case StatusStopping:
		return "stopping"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Params は録画の開始パラメータ
type Params struct {
	ID          string // 録画セッションID
	Path        string
	Width       int
	Height      int
	PixelFormat sdk.PixelFormat
	FrameRate   float64
	BitRateKbps int
	Codec       string
	Quality     int
}

func (p Params) validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return ErrNoFrameDimensions
	}
	if p.FrameRate <= 0 {
		return ErrInvalidFrameRate
	}
	return nil
}

// Stats は録画中のフレーム数
type Stats struct {
	Written  uint64 // 書き込んだフレーム
	Dropped  uint64 // キュー満杯で破棄したフレーム
	Rejected uint64 // 解像度不一致で受け付けなかったフレーム
	Failed   uint64 // 変換・書き込みに失敗したフレーム
	Queued   int    // キュー内のフレーム
}

// Result は録画終了時の結果
type Result struct {
	ID        string
	Path      string
	Started   time.Time
	Stopped   time.Time
	Stats     Stats
	Aborted   bool  // 連続失敗で中断された
	AbortErr  error // 中断の原因
	CloseErr  error // ライターのクローズエラー
	FrameRate float64
}

// Duration は録画の経過時間（壁時計）
func (r Result) Duration() time.Duration {
	if r.Stopped.Before(r.Started) {
		return 0
	}
	return r.Stopped.Sub(r.Started)
}

// Pipeline は録画パイプラインの共通インターフェース
type Pipeline interface {
	// Start は録画を開始し、解像度を固定する
	Start(p Params) error
	// Submit はフレームを渡す。取得ループから呼ばれ、ブロックしない
	Submit(f frame.Buffer)
	// Stop は残りのフレームを書き出してライターを閉じる
	Stop() (Result, error)
	Status() Status
	Stats() Stats
}

// Options はパイプライン共通の設定
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collectors
	// MaxConsecutiveFailures は録画を中断する連続失敗数（0なら中断しない）
	MaxConsecutiveFailures int
	// OnError は録画中のエラーを通知する。連続失敗による中断時は ErrTooManyFailures を含む
	OnError func(err error)
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) notify(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}
