// Package sim はハードウェアなしで動作するエリアスキャンカメラのシミュレーションを提供する
//
// テストパターン（移動するグラデーション）を指定フレームレートで生成し、
// 有限個のバッファプール・パラメータ範囲・刻み幅・排他オープンを実機と同じように振る舞う。
// テストでは SetFault で任意の操作を失敗させ、Stats で呼び出し回数を確認できる。
package sim

import (
	"context"
	"fmt"
	"sync"

	"areacam/internal/encoder"
	"areacam/internal/sdk"
)

// 故障注入の対象となる操作名
const (
	OpEnumerate     = "Enumerate"
	OpCreateHandle  = "CreateHandle"
	OpOpen          = "Open"
	OpStartGrabbing = "StartGrabbing"
	OpStopGrabbing  = "StopGrabbing"
	OpPullFrame     = "PullFrame"
	OpPacketSize    = "OptimalPacketSize"
	OpSetParam      = "SetParam"
	OpStartRecord   = "StartRecord"
	OpInputFrame    = "InputFrame"
	OpSaveImage     = "SaveImage"
)

// Options はシミュレーションの設定
type Options struct {
	Devices     []sdk.DeviceInfo // 列挙されるデバイス（nilなら既定の2台）
	Width       int              // 初期幅
	Height      int              // 初期高さ
	MaxWidth    int
	MaxHeight   int
	Step        int64           // 幅・高さの刻み幅
	PixelFormat sdk.PixelFormat // 出力ピクセルフォーマット
	FrameRate   float64         // 初期フレームレート
	MaxFrame    float64         // フレームレートの上限
	BufferCount int             // SDKバッファプールのサイズ
	Recorder    encoder.Opener  // SDKネイティブ録画で使うエンコーダー
}

// DefaultOptions は既定のシミュレーション設定を返す
func DefaultOptions() Options {
	return Options{
		Devices: []sdk.DeviceInfo{
			{Name: "SIM-GE-1300", SerialNumber: "SIM00001", Transport: sdk.TransportNetwork, Path: "sim://gige/0"},
			{Name: "SIM-U3-500", SerialNumber: "SIM00002", Transport: sdk.TransportUSB, Path: "sim://usb/0"},
		},
		Width:       1280,
		Height:      1024,
		MaxWidth:    2448,
		MaxHeight:   2048,
		Step:        8,
		PixelFormat: sdk.PixelRGB8,
		FrameRate:   23,
		MaxFrame:    200,
		BufferCount: 8,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Devices == nil {
		o.Devices = d.Devices
	}
	if o.Width <= 0 {
		o.Width = d.Width
	}
	if o.Height <= 0 {
		o.Height = d.Height
	}
	if o.MaxWidth < o.Width {
		o.MaxWidth = max(d.MaxWidth, o.Width)
	}
	if o.MaxHeight < o.Height {
		o.MaxHeight = max(d.MaxHeight, o.Height)
	}
	if o.Step <= 0 {
		o.Step = d.Step
	}
	if o.PixelFormat == sdk.PixelUnknown {
		o.PixelFormat = d.PixelFormat
	}
	if o.FrameRate <= 0 {
		o.FrameRate = d.FrameRate
	}
	if o.MaxFrame < o.FrameRate {
		o.MaxFrame = max(d.MaxFrame, o.FrameRate)
	}
	if o.BufferCount <= 0 {
		o.BufferCount = d.BufferCount
	}
	return o
}

// Stats はシミュレーションへの呼び出し回数
type Stats struct {
	Enumerates    int
	HandlesMade   int
	Opens         int
	Closes        int
	Destroys      int
	StartGrabs    int
	StopGrabs     int
	Pulls         int
	Releases      int
	Outstanding   int // 未返却のバッファ数
	RecordStarts  int
	FramesInput   int
	RecordStops   int
	ImagesSaved   int
	LiveHandles   int // Destroy されていないハンドル数
	ParamWrites   map[string]int
	LastParamSets map[string]float64
}

// Driver はシミュレーションの sdk.Driver 実装
type Driver struct {
	opts Options

	mu     sync.Mutex
	faults map[string]error
	opened map[string]bool // シリアル番号ごとのオープン状態
	stats  Stats
}

var _ sdk.Driver = (*Driver)(nil)

// NewDriver は新しいシミュレーションドライバーを作成する
func NewDriver(opts Options) *Driver {
	return &Driver{
		opts:   opts.withDefaults(),
		faults: make(map[string]error),
		opened: make(map[string]bool),
		stats: Stats{
			ParamWrites:   make(map[string]int),
			LastParamSets: make(map[string]float64),
		},
	}
}

// SetFault は指定操作が err を返すようにする。err が nil なら解除する
func (d *Driver) SetFault(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.faults, op)
		return
	}
	d.faults[op] = err
}

// Stats は呼び出し回数のスナップショットを返す
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.ParamWrites = make(map[string]int, len(d.stats.ParamWrites))
	for k, v := range d.stats.ParamWrites {
		s.ParamWrites[k] = v
	}
	s.LastParamSets = make(map[string]float64, len(d.stats.LastParamSets))
	for k, v := range d.stats.LastParamSets {
		s.LastParamSets[k] = v
	}
	return s
}

// Enumerate はシミュレーションデバイスを列挙する
func (d *Driver) Enumerate(ctx context.Context) ([]sdk.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Enumerates++
	if err := d.faults[OpEnumerate]; err != nil {
		return nil, err
	}

	devices := make([]sdk.DeviceInfo, len(d.opts.Devices))
	for i, info := range d.opts.Devices {
		info.Index = i
		devices[i] = info
	}
	return devices, nil
}

// CreateHandle はデバイスハンドルを生成する
func (d *Driver) CreateHandle(info sdk.DeviceInfo) (sdk.Camera, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.faults[OpCreateHandle]; err != nil {
		return nil, err
	}
	if info.Index < 0 || info.Index >= len(d.opts.Devices) {
		return nil, sdk.NewError("CreateHandle", sdk.CodeParameter)
	}
	d.stats.HandlesMade++
	d.stats.LiveHandles++
	return newCamera(d, info), nil
}

// fault は op に注入されたエラーを返す
func (d *Driver) fault(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faults[op]
}

// record は統計を更新する
func (d *Driver) record(fn func(s *Stats)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.stats)
}

func (d *Driver) acquire(serial string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened[serial] {
		return sdk.NewError("Open", sdk.CodeAccessDenied)
	}
	d.opened[serial] = true
	return nil
}

func (d *Driver) releaseDevice(serial string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.opened, serial)
}

func (d *Driver) String() string {
	return fmt.Sprintf("sim(%d devices)", len(d.opts.Devices))
}
