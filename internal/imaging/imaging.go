// Package imaging はフレームを静止画へ変換・保存する
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"

	"areacam/internal/frame"
	"areacam/internal/sdk"
)

// DefaultJPEGQuality は品質未指定時のJPEG品質
const DefaultJPEGQuality = 90

// ErrUnknownFormat は未知の画像形式
var ErrUnknownFormat = errors.New("未知の画像形式")

// ParseFormat は形式名または拡張子から画像形式を返す
func ParseFormat(s string) (sdk.ImageFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "bmp":
		return sdk.ImageBMP, nil
	case "jpg", "jpeg":
		return sdk.ImageJPEG, nil
	case "png":
		return sdk.ImagePNG, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Extension は形式に対応するファイル拡張子を返す
func Extension(f sdk.ImageFormat) string {
	switch f {
	case sdk.ImageBMP:
		return ".bmp"
	case sdk.ImagePNG:
		return ".png"
	default:
		return ".jpg"
	}
}

// ToImage はフレームを image.Image に変換する
// Mono8 は image.Gray、それ以外は image.RGBA になる
func ToImage(b frame.Buffer) (image.Image, error) {
	if b.PixelFormat == sdk.PixelMono8 {
		if b.IsZero() || len(b.Data) < b.Stride()*(b.Height-1)+b.Width {
			return nil, frame.ErrShortBuffer
		}
		img := image.NewGray(image.Rect(0, 0, b.Width, b.Height))
		for y := 0; y < b.Height; y++ {
			copy(img.Pix[y*img.Stride:y*img.Stride+b.Width], b.Data[y*b.Stride():])
		}
		return img, nil
	}

	rgb, err := frame.ToRGB24(nil, b)
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	for i, j := 0, 0; i < len(rgb); i, j = i+3, j+4 {
		img.Pix[j] = rgb[i]
		img.Pix[j+1] = rgb[i+1]
		img.Pix[j+2] = rgb[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// Encode は画像を指定形式で書き出す
func Encode(w io.Writer, img image.Image, format sdk.ImageFormat, quality int) error {
	switch format {
	case sdk.ImageBMP:
		return bmp.Encode(w, img)
	case sdk.ImagePNG:
		return png.Encode(w, img)
	case sdk.ImageJPEG:
		if quality <= 0 || quality > 100 {
			quality = DefaultJPEGQuality
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// EncodeJPEG はフレームをJPEGバイト列にする（ライブ配信用）
func EncodeJPEG(b frame.Buffer, quality int) ([]byte, error) {
	img, err := ToImage(b)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, img, sdk.ImageJPEG, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileEncoder はフレームを画像ファイルとして保存する
type FileEncoder struct{}

// Save は path に画像を書き出す。失敗時は途中のファイルを残さない
func (FileEncoder) Save(path string, b frame.Buffer, format sdk.ImageFormat, quality int) error {
	img, err := ToImage(b)
	if err != nil {
		return fmt.Errorf("画像変換に失敗: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("ファイル作成に失敗: %w", err)
	}
	if err := Encode(f, img, format, quality); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("画像エンコードに失敗: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ファイルのクローズに失敗: %w", err)
	}
	return os.Rename(tmp, path)
}
