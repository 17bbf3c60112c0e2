package sdk

import (
	"context"
	"fmt"
	"time"
)

// TransportKind はデバイスの接続方式を表す
type TransportKind string

const (
	TransportNetwork TransportKind = "gige" // ネットワーク接続（GigE Vision）
	TransportUSB     TransportKind = "usb"  // USB接続（USB3 Vision / UVC）
)

// PixelFormat はSDKが報告するピクセルフォーマット
type PixelFormat uint32

const (
	PixelUnknown PixelFormat = 0
	PixelMono8   PixelFormat = 0x01080001
	PixelRGB8    PixelFormat = 0x02180014
	PixelBGR8    PixelFormat = 0x02180015
	PixelYUV422  PixelFormat = 0x02100032 // YUYV パック
)

// String はフォーマット名を返す
func (p PixelFormat) String() string {
	switch p {
	case PixelMono8:
		return "Mono8"
	case PixelRGB8:
		return "RGB8"
	case PixelBGR8:
		return "BGR8"
	case PixelYUV422:
		return "YUV422_YUYV"
	default:
		return fmt.Sprintf("PixelFormat(0x%08x)", uint32(p))
	}
}

// BytesPerPixel は1ピクセルあたりのバイト数を返す（未知のフォーマットは0）
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelMono8:
		return 1
	case PixelYUV422:
		return 2
	case PixelRGB8, PixelBGR8:
		return 3
	default:
		return 0
	}
}

// DeviceInfo は列挙で得られるデバイス情報
type DeviceInfo struct {
	Index        int           // 列挙順のインデックス
	Name         string        // モデル名
	SerialNumber string        // シリアル番号
	Transport    TransportKind // 接続方式
	Path         string        // バックエンド固有の識別子（例: /dev/video0）
}

// FloatValue は浮動小数点パラメータの範囲と現在値
type FloatValue struct {
	Min     float64
	Max     float64
	Current float64
}

// IntValue は整数パラメータの範囲・現在値・刻み幅
type IntValue struct {
	Min     int64
	Max     int64
	Current int64
	Inc     int64
}

// FrameInfo は取得したフレームのメタデータ
type FrameInfo struct {
	Width        int
	Height       int
	ExtendWidth  int // 行アライメント後の幅
	ExtendHeight int
	PixelFormat  PixelFormat
	FrameNum     uint64 // ハードウェアのフレーム番号
	FrameLen     int
	Timestamp    time.Time
}

// FrameOut は PullFrame の結果
// Data は ReleaseFrame が呼ばれるまでのみ有効
type FrameOut struct {
	Info FrameInfo
	Data []byte
}

// RecordFormat はSDKネイティブ録画のコンテナ形式
type RecordFormat string

const (
	RecordAVI RecordFormat = "avi"
	RecordMP4 RecordFormat = "mp4"
)

// RecordParams はSDKネイティブ録画の開始パラメータ
type RecordParams struct {
	Path        string
	Format      RecordFormat
	Width       int
	Height      int
	PixelFormat PixelFormat
	FrameRate   float64
	BitRateKbps int
}

// ImageFormat は静止画の保存形式
type ImageFormat string

const (
	ImageBMP  ImageFormat = "bmp"
	ImageJPEG ImageFormat = "jpeg"
	ImagePNG  ImageFormat = "png"
)

// SaveImageParams は静止画保存のパラメータ
type SaveImageParams struct {
	Format  ImageFormat
	Quality int
	Path    string
}

// Driver はデバイス列挙とハンドル生成を担う
type Driver interface {
	// Enumerate はネットワーク・USBの両トランスポート層からデバイスを列挙する
	Enumerate(ctx context.Context) ([]DeviceInfo, error)

	// CreateHandle は指定デバイスのハンドルを生成する（まだオープンはしない）
	CreateHandle(info DeviceInfo) (Camera, error)
}

// Camera はひとつのデバイスハンドルに対する操作
type Camera interface {
	Open() error
	Close() error
	Destroy() error

	SetEnumValue(name string, value int64) error
	GetFloatValue(name string) (FloatValue, error)
	SetFloatValue(name string, value float64) error
	GetIntValue(name string) (IntValue, error)
	SetIntValue(name string, value int64) error
	SetBoolValue(name string, value bool) error

	// OptimalPacketSize はGigEデバイスの最適パケットサイズを返す
	OptimalPacketSize() (int, error)

	StartGrabbing() error
	StopGrabbing() error

	// PullFrame は次のフレームを timeout まで待って取得する
	PullFrame(timeout time.Duration) (*FrameOut, error)
	// ReleaseFrame はバッファをSDKへ返却する
	ReleaseFrame(frame *FrameOut) error

	StartRecord(params RecordParams) error
	InputFrame(data []byte) error
	StopRecord() error

	SaveImage(info FrameInfo, data []byte, params SaveImageParams) error
}
