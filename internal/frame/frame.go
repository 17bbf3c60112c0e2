// Package frame はカメラから取得した生フレームとピクセル変換を扱う
package frame

import (
	"time"

	"areacam/internal/sdk"
)

// Buffer は取得した1フレーム分の生ピクセルデータ
type Buffer struct {
	Data         []byte
	Width        int
	Height       int
	ExtendWidth  int // 行アライメント後の幅（0なら Width と同じ）
	ExtendHeight int
	PixelFormat  sdk.PixelFormat
	Sequence     uint64 // 取得ループ内で単調増加する連番
	FrameNum     uint64 // ハードウェアのフレーム番号
	Timestamp    time.Time
}

// FromSDK はSDKのフレームから Buffer を作る。Data はSDKバッファを参照したままなので
// ReleaseFrame より後まで保持する場合は Clone すること
func FromSDK(out *sdk.FrameOut, seq uint64) Buffer {
	ts := out.Info.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	data := out.Data
	if out.Info.FrameLen > 0 && out.Info.FrameLen < len(data) {
		data = data[:out.Info.FrameLen]
	}
	return Buffer{
		Data:         data,
		Width:        out.Info.Width,
		Height:       out.Info.Height,
		ExtendWidth:  out.Info.ExtendWidth,
		ExtendHeight: out.Info.ExtendHeight,
		PixelFormat:  out.Info.PixelFormat,
		Sequence:     seq,
		FrameNum:     out.Info.FrameNum,
		Timestamp:    ts,
	}
}

// Clone はピクセルデータを複製した Buffer を返す
func (b Buffer) Clone() Buffer {
	c := b
	if b.Data != nil {
		c.Data = make([]byte, len(b.Data))
		copy(c.Data, b.Data)
	}
	return c
}

// IsZero はフレームが空かどうかを返す
func (b Buffer) IsZero() bool {
	return len(b.Data) == 0 || b.Width <= 0 || b.Height <= 0
}

// Stride は1行あたりのバイト数を返す
func (b Buffer) Stride() int {
	w := b.ExtendWidth
	if w < b.Width {
		w = b.Width
	}
	return w * b.PixelFormat.BytesPerPixel()
}

// SameGeometry は幅と高さが一致するかを返す
func (b Buffer) SameGeometry(width, height int) bool {
	return b.Width == width && b.Height == height
}
