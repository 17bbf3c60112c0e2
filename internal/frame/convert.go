package frame

import (
	"errors"
	"fmt"

	"areacam/internal/sdk"
)

var (
	// ErrUnsupportedFormat は変換できないピクセルフォーマット
	ErrUnsupportedFormat = errors.New("未対応のピクセルフォーマット")
	// ErrShortBuffer はデータ長が幅・高さに足りない
	ErrShortBuffer = errors.New("フレームデータが不足しています")
)

// ToBGR24 はフレームを詰めたBGR24（幅*3バイト/行）に変換し dst に書き込む
// dst の容量が足りなければ確保し直す
func ToBGR24(dst []byte, b Buffer) ([]byte, error) {
	return toPacked24(dst, b, true)
}

// ToRGB24 はフレームを詰めたRGB24に変換する
func ToRGB24(dst []byte, b Buffer) ([]byte, error) {
	return toPacked24(dst, b, false)
}

func toPacked24(dst []byte, b Buffer, bgr bool) ([]byte, error) {
	if b.IsZero() {
		return dst, ErrShortBuffer
	}
	stride := b.Stride()
	if stride == 0 {
		return dst, fmt.Errorf("%w: %s", ErrUnsupportedFormat, b.PixelFormat)
	}
	if len(b.Data) < stride*(b.Height-1)+b.Width*b.PixelFormat.BytesPerPixel() {
		return dst, fmt.Errorf("%w: %d バイト (%dx%d %s)", ErrShortBuffer, len(b.Data), b.Width, b.Height, b.PixelFormat)
	}

	if b.PixelFormat == sdk.PixelYUV422 && b.Width%2 != 0 {
		return dst, fmt.Errorf("%w: YUYV の幅は偶数である必要があります (%d)", ErrUnsupportedFormat, b.Width)
	}

	n := b.Width * b.Height * 3
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]

	for y := 0; y < b.Height; y++ {
		src := b.Data[y*stride:]
		out := dst[y*b.Width*3 : (y+1)*b.Width*3]
		switch b.PixelFormat {
		case sdk.PixelMono8:
			for x := 0; x < b.Width; x++ {
				v := src[x]
				out[x*3], out[x*3+1], out[x*3+2] = v, v, v
			}
		case sdk.PixelRGB8, sdk.PixelBGR8:
			copy(out, src[:b.Width*3])
			if (b.PixelFormat == sdk.PixelRGB8) == bgr {
				for x := 0; x < b.Width; x++ {
					out[x*3], out[x*3+2] = out[x*3+2], out[x*3]
				}
			}
		case sdk.PixelYUV422:
			yuyvRow(out, src, b.Width, bgr)
		default:
			return dst, fmt.Errorf("%w: %s", ErrUnsupportedFormat, b.PixelFormat)
		}
	}
	return dst, nil
}

// yuyvRow は YUYV の1行を24bitに変換する（BT.601）
func yuyvRow(out, src []byte, width int, bgr bool) {
	for x := 0; x < width; x++ {
		pair := (x / 2) * 4
		y := int(src[pair])
		if x%2 == 1 {
			y = int(src[pair+2])
		}
		u := int(src[pair+1]) - 128
		v := int(src[pair+3]) - 128

		r := clamp(y + (1402*v)/1000)
		g := clamp(y - (344*u+714*v)/1000)
		bl := clamp(y + (1772*u)/1000)
		if bgr {
			out[x*3], out[x*3+1], out[x*3+2] = bl, g, r
		} else {
			out[x*3], out[x*3+1], out[x*3+2] = r, g, bl
		}
	}
}

func clamp(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
