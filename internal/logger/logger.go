// Package logger は log/slog による構造化ログの設定を提供する
//
// パッケージ変数 DefaultLogger は起動時に LOG_LEVEL 環境変数から初期化され、
// Setup で設定ファイルの内容に合わせて置き換えられる。
// 各コンポーネントは Component で component 属性付きのロガーを受け取る。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu sync.RWMutex
	// DefaultLogger はアプリケーション全体のロガー
	DefaultLogger *slog.Logger
)

func init() {
	DefaultLogger = New(os.Stderr, os.Getenv("LOG_LEVEL"), "text")
}

// ParseLevel はログレベル名を slog.Level に変換する（未知の値は info）
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New は w に出力するロガーを作る。format は text または json
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup は DefaultLogger と slog のデフォルトを置き換える
func Setup(level, format string) *slog.Logger {
	l := New(os.Stderr, level, format)
	mu.Lock()
	DefaultLogger = l
	mu.Unlock()
	slog.SetDefault(l)
	return l
}

// Default は現在の DefaultLogger を返す
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return DefaultLogger
}

// Component は component 属性付きのロガーを返す。l が nil なら DefaultLogger を使う
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = Default()
	}
	return l.With("component", name)
}

// Discard は何も出力しないロガーを返す（テスト用）
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
