package camera

import (
	"time"

	"areacam/internal/frame"
	"areacam/internal/sdk"
)

// State はキャプチャセッションの状態を表す
// 録画中は必ず取得中であり、取得中は必ずオープン済みである
type State int

const (
	StateClosed               State = iota // デバイス未接続
	StateOpen                              // オープン済み・取得停止中
	StateGrabbing                          // 取得中
	StateGrabbingAndRecording              // 取得中かつ録画中
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateGrabbing:
		return "grabbing"
	case StateGrabbingAndRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// DeviceDescriptor は列挙されたデバイスの情報
type DeviceDescriptor struct {
	Index        int               `json:"index"`
	Name         string            `json:"name"`
	SerialNumber string            `json:"serial_number"`
	Transport    sdk.TransportKind `json:"transport"`
}

func descriptorOf(info sdk.DeviceInfo) DeviceDescriptor {
	return DeviceDescriptor{
		Index:        info.Index,
		Name:         info.Name,
		SerialNumber: info.SerialNumber,
		Transport:    info.Transport,
	}
}

// ParameterRange はスカラーパラメータの範囲と現在値
// 整数パラメータでは Inc に刻み幅が入る（浮動小数点パラメータでは0）
type ParameterRange struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Current float64 `json:"current"`
	Inc     float64 `json:"inc,omitempty"`
}

// ParameterSet はオープン直後に読み出すパラメータ一式
type ParameterSet struct {
	Exposure           ParameterRange `json:"exposure"`
	Gain               ParameterRange `json:"gain"`
	FrameRate          ParameterRange `json:"frame_rate"`
	Width              ParameterRange `json:"width"`
	Height             ParameterRange `json:"height"`
	OffsetX            ParameterRange `json:"offset_x"`
	OffsetY            ParameterRange `json:"offset_y"`
	ResultingFrameRate float64        `json:"resulting_frame_rate"`
}

// RecordRequest は録画開始の要求
type RecordRequest struct {
	Path        string  // 出力パス（空なら Options.RecordDir に自動命名）
	Task        string  // 自動命名に使うタスク名
	FrameRate   float64 // 0なら Options.RecordFrameRate
	BitRateKbps int     // 0なら Options.RecordBitRateKbps
}

// RecordingInfo は録画セッションの情報
type RecordingInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	FrameRate float64   `json:"frame_rate"`
	StartedAt time.Time `json:"started_at"`
}

// Geometry は最後に取得したフレームの解像度とピクセルフォーマット
type Geometry struct {
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	PixelFormat sdk.PixelFormat `json:"pixel_format"`
}

func geometryOf(f frame.Buffer) Geometry {
	return Geometry{Width: f.Width, Height: f.Height, PixelFormat: f.PixelFormat}
}

// StatusView はセッションの状態をまとめたもの（API・CLI表示用）
type StatusView struct {
	State          string            `json:"state"`
	Device         *DeviceDescriptor `json:"device,omitempty"`
	Geometry       Geometry          `json:"geometry"`
	FramesAcquired uint64            `json:"frames_acquired"`
	MeasuredFPS    float64           `json:"measured_fps"`
	Recording      *RecordingStatus  `json:"recording,omitempty"`
}

// RecordingStatus は録画中の経過情報
type RecordingStatus struct {
	RecordingInfo
	Elapsed        time.Duration `json:"elapsed"`
	ElapsedLabel   string        `json:"elapsed_label"` // "REC hh:mm:ss"
	FramesWritten  uint64        `json:"frames_written"`
	FramesDropped  uint64        `json:"frames_dropped"`
	FramesRejected uint64        `json:"frames_rejected"`
	FramesFailed   uint64        `json:"frames_failed"`
	QueueLength    int           `json:"queue_length"`
}
