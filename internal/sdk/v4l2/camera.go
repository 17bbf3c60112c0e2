package v4l2

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"areacam/internal/frame"
	"areacam/internal/imaging"
	"areacam/internal/sdk"
)

const (
	bufferCount = 4
	sizeStep    = 8

	ctrlExposure = "exposure_time_absolute" // 100µs 単位
	ctrlGain     = "gain"
)

type camera struct {
	drv  *Driver
	info sdk.DeviceInfo

	mu        sync.Mutex
	open      bool
	grabbing  bool
	width     int64
	height    int64
	maxWidth  int64
	maxHeight int64
	fps       float64
	fpsEnable bool
	ctrls     map[string]control

	cmd      *exec.Cmd
	stderr   bytes.Buffer
	frames   chan *sdk.FrameOut
	pool     chan []byte
	readerWg sync.WaitGroup
	frameNum uint64
}

var _ sdk.Camera = (*camera)(nil)

func newCamera(d *Driver, info sdk.DeviceInfo) *camera {
	return &camera{
		drv:       d,
		info:      info,
		width:     int64(d.Width),
		height:    int64(d.Height),
		maxWidth:  int64(d.Width),
		maxHeight: int64(d.Height),
		fps:       d.FrameRate,
		fpsEnable: true,
		ctrls:     make(map[string]control),
	}
}

func (c *camera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return sdk.NewError("Open", sdk.CodeCallOrder)
	}
	if _, err := os.Stat(c.info.Path); err != nil {
		return sdk.NewError("Open", sdk.CodeHandle)
	}
	f, err := os.OpenFile(c.info.Path, os.O_RDONLY, 0)
	if err != nil {
		return sdk.NewError("Open", sdk.CodeAccessDenied)
	}
	_ = f.Close()

	ctx := context.Background()
	if out, err := c.drv.run(ctx, c.info.Path, "--list-formats-ext"); err == nil {
		if w, h := maxResolution(out); w > 0 {
			c.maxWidth, c.maxHeight = int64(w), int64(h)
			c.width, c.height = min(c.width, c.maxWidth), min(c.height, c.maxHeight)
		}
	}
	if out, err := c.drv.run(ctx, c.info.Path, "--list-ctrls"); err == nil {
		c.ctrls = parseControls(out)
	}
	c.open = true
	return nil
}

func (c *camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return sdk.NewError("Close", sdk.CodeCallOrder)
	}
	if c.grabbing {
		c.stopLocked()
	}
	c.open = false
	return nil
}

func (c *camera) Destroy() error {
	return nil
}

func (c *camera) SetEnumValue(name string, value int64) error {
	// UVC は常にフリーラン
	if name == sdk.ParamTriggerMode && value == sdk.TriggerModeOff {
		return nil
	}
	return sdk.NewError("SetEnumValue "+name, sdk.CodeSupport)
}

func (c *camera) GetFloatValue(name string) (sdk.FloatValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return sdk.FloatValue{}, sdk.NewError("GetFloatValue", sdk.CodeCallOrder)
	}

	switch name {
	case sdk.ParamAcquisitionFrameRate, sdk.ParamResultingFrameRate:
		return sdk.FloatValue{Min: 1, Max: 120, Current: c.fps}, nil
	case sdk.ParamExposureTime:
		ctrl, ok := c.ctrls[ctrlExposure]
		if !ok {
			break
		}
		return sdk.FloatValue{Min: float64(ctrl.Min * 100), Max: float64(ctrl.Max * 100), Current: float64(ctrl.Value * 100)}, nil
	case sdk.ParamGain:
		ctrl, ok := c.ctrls[ctrlGain]
		if !ok {
			break
		}
		return sdk.FloatValue{Min: float64(ctrl.Min), Max: float64(ctrl.Max), Current: float64(ctrl.Value)}, nil
	}
	return sdk.FloatValue{}, sdk.NewError("GetFloatValue "+name, sdk.CodeSupport)
}

func (c *camera) SetFloatValue(name string, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return sdk.NewError("SetFloatValue", sdk.CodeCallOrder)
	}

	switch name {
	case sdk.ParamAcquisitionFrameRate:
		if value < 1 || value > 120 {
			return sdk.NewError("SetFloatValue "+name, sdk.CodeParameter)
		}
		c.fps = value
		return nil
	case sdk.ParamExposureTime:
		return c.setControlLocked(ctrlExposure, int64(value/100))
	case sdk.ParamGain:
		return c.setControlLocked(ctrlGain, int64(value))
	}
	return sdk.NewError("SetFloatValue "+name, sdk.CodeSupport)
}

// setControlLocked は v4l2-ctl --set-ctrl でコントロールを設定する
func (c *camera) setControlLocked(name string, value int64) error {
	ctrl, ok := c.ctrls[name]
	if !ok {
		return sdk.NewError("SetControl "+name, sdk.CodeSupport)
	}
	if value < ctrl.Min || value > ctrl.Max {
		return sdk.NewError("SetControl "+name, sdk.CodeParameter)
	}
	if _, err := c.drv.run(context.Background(), c.info.Path, "--set-ctrl", fmt.Sprintf("%s=%s", name, strconv.FormatInt(value, 10))); err != nil {
		return fmt.Errorf("%w: %v", sdk.NewError("SetControl "+name, sdk.CodeUnknown), err)
	}
	ctrl.Value = value
	c.ctrls[name] = ctrl
	return nil
}

func (c *camera) GetIntValue(name string) (sdk.IntValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return sdk.IntValue{}, sdk.NewError("GetIntValue", sdk.CodeCallOrder)
	}

	switch name {
	case sdk.ParamWidth:
		return sdk.IntValue{Min: sizeStep, Max: c.maxWidth, Current: c.width, Inc: sizeStep}, nil
	case sdk.ParamHeight:
		return sdk.IntValue{Min: sizeStep, Max: c.maxHeight, Current: c.height, Inc: sizeStep}, nil
	case sdk.ParamOffsetX, sdk.ParamOffsetY:
		return sdk.IntValue{Min: 0, Max: 0, Current: 0, Inc: 1}, nil
	}
	return sdk.IntValue{}, sdk.NewError("GetIntValue "+name, sdk.CodeSupport)
}

func (c *camera) SetIntValue(name string, value int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return sdk.NewError("SetIntValue", sdk.CodeCallOrder)
	}
	if c.grabbing {
		// 解像度はffmpeg起動時に固定される
		return sdk.NewError("SetIntValue "+name, sdk.CodeAccessDenied)
	}

	switch name {
	case sdk.ParamWidth:
		if value < sizeStep || value > c.maxWidth {
			return sdk.NewError("SetIntValue "+name, sdk.CodeParameter)
		}
		c.width = value
		return nil
	case sdk.ParamHeight:
		if value < sizeStep || value > c.maxHeight {
			return sdk.NewError("SetIntValue "+name, sdk.CodeParameter)
		}
		c.height = value
		return nil
	}
	return sdk.NewError("SetIntValue "+name, sdk.CodeSupport)
}

func (c *camera) SetBoolValue(name string, value bool) error {
	if name != sdk.ParamAcquisitionFrameRateEnable {
		return sdk.NewError("SetBoolValue "+name, sdk.CodeSupport)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fpsEnable = value
	return nil
}

func (c *camera) OptimalPacketSize() (int, error) {
	return 0, sdk.NewError("OptimalPacketSize", sdk.CodeSupport)
}

// StartGrabbing は ffmpeg を起動して rawvideo の読み取りを開始する
func (c *camera) StartGrabbing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.grabbing {
		return sdk.NewError("StartGrabbing", sdk.CodeCallOrder)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
	}
	if c.fpsEnable {
		args = append(args, "-framerate", strconv.FormatFloat(c.fps, 'f', -1, 64))
	}
	args = append(args,
		"-i", c.info.Path,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)

	cmd := exec.Command(c.drv.FFmpeg, args...)
	c.stderr.Reset()
	cmd.Stderr = &c.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", sdk.NewError("StartGrabbing", sdk.CodeResource), err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: ffmpegの起動に失敗: %v", sdk.NewError("StartGrabbing", sdk.CodeResource), err)
	}

	c.cmd = cmd
	c.frames = make(chan *sdk.FrameOut, bufferCount)
	c.pool = make(chan []byte, bufferCount)
	size := int(c.width * c.height * 3)
	for i := 0; i < bufferCount; i++ {
		c.pool <- make([]byte, size)
	}
	c.grabbing = true

	c.readerWg.Add(1)
	go c.readFrames(stdout, int(c.width), int(c.height), c.frames, c.pool)
	return nil
}

// readFrames は標準出力から1フレームずつ読み出す
// 空きバッファがないときはそのフレームを読み捨てる
func (c *camera) readFrames(r io.Reader, w, h int, frames chan<- *sdk.FrameOut, pool chan []byte) {
	defer c.readerWg.Done()
	defer close(frames)

	size := w * h * 3
	scratch := make([]byte, size)
	for {
		var buf []byte
		select {
		case buf = <-pool:
		default:
			buf = nil
		}

		dst := buf
		if dst == nil {
			dst = scratch
		}
		if _, err := io.ReadFull(r, dst); err != nil {
			return
		}
		if buf == nil {
			continue
		}

		c.mu.Lock()
		c.frameNum++
		num := c.frameNum
		c.mu.Unlock()

		frames <- &sdk.FrameOut{
			Info: sdk.FrameInfo{
				Width:        w,
				Height:       h,
				ExtendWidth:  w,
				ExtendHeight: h,
				PixelFormat:  sdk.PixelRGB8,
				FrameNum:     num,
				FrameLen:     size,
				Timestamp:    time.Now(),
			},
			Data: buf,
		}
	}
}

func (c *camera) StopGrabbing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.grabbing {
		return sdk.NewError("StopGrabbing", sdk.CodeCallOrder)
	}
	c.stopLocked()
	return nil
}

func (c *camera) stopLocked() {
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	c.grabbing = false
	frames := c.frames

	// readFrames は c.mu を取るので一時的に解放して待つ
	c.mu.Unlock()
	for range frames {
	}
	c.readerWg.Wait()
	c.mu.Lock()

	if c.cmd != nil {
		_ = c.cmd.Wait() // Kill 後のエラーは無視
		c.cmd = nil
	}
}

func (c *camera) PullFrame(timeout time.Duration) (*sdk.FrameOut, error) {
	c.mu.Lock()
	frames := c.frames
	grabbing := c.grabbing
	c.mu.Unlock()
	if !grabbing {
		return nil, sdk.NewError("PullFrame", sdk.CodeCallOrder)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out, ok := <-frames:
		if !ok {
			// ffmpeg が終了した
			time.Sleep(timeout)
			return nil, sdk.NewError("PullFrame", sdk.CodeNoData)
		}
		return out, nil
	case <-timer.C:
		return nil, sdk.NewError("PullFrame", sdk.CodeNoData)
	}
}

func (c *camera) ReleaseFrame(f *sdk.FrameOut) error {
	if f == nil {
		return sdk.NewError("ReleaseFrame", sdk.CodeParameter)
	}
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()

	select {
	case pool <- f.Data[:cap(f.Data)]:
	default:
	}
	return nil
}

func (c *camera) StartRecord(sdk.RecordParams) error {
	return sdk.NewError("StartRecord", sdk.CodeSupport)
}

func (c *camera) InputFrame([]byte) error {
	return sdk.NewError("InputFrame", sdk.CodeSupport)
}

func (c *camera) StopRecord() error {
	return sdk.NewError("StopRecord", sdk.CodeSupport)
}

func (c *camera) SaveImage(info sdk.FrameInfo, data []byte, p sdk.SaveImageParams) error {
	b := frame.Buffer{
		Data:         data,
		Width:        info.Width,
		Height:       info.Height,
		ExtendWidth:  info.ExtendWidth,
		ExtendHeight: info.ExtendHeight,
		PixelFormat:  info.PixelFormat,
	}
	return imaging.FileEncoder{}.Save(p.Path, b, p.Format, p.Quality)
}
