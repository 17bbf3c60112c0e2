package camera

import (
	"fmt"
	"sync"

	"areacam/internal/frame"
	"areacam/internal/imaging"
	"areacam/internal/sdk"
)

// ImageEncoder はフレームを画像ファイルとして保存する
type ImageEncoder interface {
	Save(path string, f frame.Buffer, format sdk.ImageFormat, quality int) error
}

// sdkImageEncoder はカメラSDKの画像保存機能を使う ImageEncoder
type sdkImageEncoder struct {
	cam sdk.Camera
}

func (e sdkImageEncoder) Save(path string, f frame.Buffer, format sdk.ImageFormat, quality int) error {
	info := sdk.FrameInfo{
		Width:        f.Width,
		Height:       f.Height,
		ExtendWidth:  f.ExtendWidth,
		ExtendHeight: f.ExtendHeight,
		PixelFormat:  f.PixelFormat,
		FrameNum:     f.FrameNum,
		FrameLen:     len(f.Data),
		Timestamp:    f.Timestamp,
	}
	return e.cam.SaveImage(info, f.Data, sdk.SaveImageParams{Format: format, Quality: quality, Path: path})
}

// SnapshotCache は最後に取得したフレームを保持する
// 空か、最新の完全なフレームのどちらかを保持する
type SnapshotCache struct {
	mu      sync.RWMutex
	latest  frame.Buffer
	has     bool
	encoder ImageEncoder
}

// NewSnapshotCache は新しい SnapshotCache を作成する。enc が nil ならソフトウェアエンコーダーを使う
func NewSnapshotCache(enc ImageEncoder) *SnapshotCache {
	if enc == nil {
		enc = imaging.FileEncoder{}
	}
	return &SnapshotCache{encoder: enc}
}

// Update はフレームを複製して保持する
func (c *SnapshotCache) Update(f frame.Buffer) {
	cp := f.Clone()
	c.mu.Lock()
	c.latest = cp
	c.has = true
	c.mu.Unlock()
}

// Latest は保持しているフレームの複製を返す
func (c *SnapshotCache) Latest() (frame.Buffer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has {
		return frame.Buffer{}, false
	}
	return c.latest.Clone(), true
}

// Reset は保持しているフレームを破棄する
func (c *SnapshotCache) Reset() {
	c.mu.Lock()
	c.latest = frame.Buffer{}
	c.has = false
	c.mu.Unlock()
}

// SaveSnapshot は保持しているフレームを path に保存する
func (c *SnapshotCache) SaveSnapshot(path string, format sdk.ImageFormat, quality int) error {
	return c.saveWith(c.encoder, path, format, quality)
}

func (c *SnapshotCache) saveWith(enc ImageEncoder, path string, format sdk.ImageFormat, quality int) error {
	// ロックは複製の間だけ保持する
	f, ok := c.Latest()
	if !ok {
		return ErrNoFrameAvailable
	}
	if err := enc.Save(path, f, format, quality); err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	return nil
}
