// Package catalog は録画済み動画の一覧を管理する
//
// 録画の終了時に {ファイル名, パス, サイズ, おおよその長さ} を記録し、
// 録画ディレクトリにある動画ファイルと合わせて一覧を返す。
// インデックスは録画ディレクトリ内の YAML ファイルに保存する。
package catalog

import (
	"errors"
	"time"
)

// ErrNotFound はレコードが見つからない
var ErrNotFound = errors.New("動画が見つかりません")

// Status は動画のステータス
type Status string

const (
	StatusCompleted Status = "completed" // 正常に終了
	StatusAborted   Status = "aborted"   // 連続失敗で中断
	StatusUnknown   Status = "unknown"   // インデックスにないファイル
)

// Record は録画済み動画の情報
type Record struct {
	ID         string        `json:"id" yaml:"id"`
	FileName   string        `json:"file_name" yaml:"file_name"`
	Path       string        `json:"path" yaml:"path"`
	Size       int64         `json:"size" yaml:"size"`
	Duration   time.Duration `json:"duration" yaml:"duration"` // 壁時計での録画時間
	FrameRate  float64       `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty"`
	FrameCount uint64        `json:"frame_count,omitempty" yaml:"frame_count,omitempty"`
	Dropped    uint64        `json:"dropped,omitempty" yaml:"dropped,omitempty"`
	Status     Status        `json:"status" yaml:"status"`
	CreatedAt  time.Time     `json:"created_at" yaml:"created_at"`
}

// Store は動画カタログの保存先
type Store interface {
	Add(r Record) (Record, error)
	List() ([]Record, error)
	Get(id string) (Record, error)
	Remove(id string) error
}
