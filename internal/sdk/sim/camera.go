package sim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"areacam/internal/encoder"
	"areacam/internal/frame"
	"areacam/internal/imaging"
	"areacam/internal/sdk"
)

type camera struct {
	drv  *Driver
	info sdk.DeviceInfo

	mu        sync.Mutex
	open      bool
	destroyed bool
	grabbing  bool
	floats    map[string]*sdk.FloatValue
	ints      map[string]*sdk.IntValue
	bools     map[string]bool
	enums     map[string]int64

	pool        chan []byte
	outstanding map[*sdk.FrameOut][]byte
	frameNum    uint64
	nextDue     time.Time
	stopCh      chan struct{}

	rec       encoder.Writer
	recParams sdk.RecordParams
	recBuf    []byte
}

func newCamera(d *Driver, info sdk.DeviceInfo) *camera {
	o := d.opts
	c := &camera{
		drv:  d,
		info: info,
		floats: map[string]*sdk.FloatValue{
			sdk.ParamExposureTime:         {Min: 15, Max: 10_000_000, Current: 10_000},
			sdk.ParamGain:                 {Min: 0, Max: 17, Current: 0},
			sdk.ParamAcquisitionFrameRate: {Min: 0.1, Max: o.MaxFrame, Current: o.FrameRate},
			sdk.ParamResultingFrameRate:   {Min: 0, Max: o.MaxFrame, Current: o.FrameRate},
		},
		ints: map[string]*sdk.IntValue{
			sdk.ParamWidth:             {Min: o.Step, Max: int64(o.MaxWidth), Current: int64(o.Width), Inc: o.Step},
			sdk.ParamHeight:            {Min: o.Step, Max: int64(o.MaxHeight), Current: int64(o.Height), Inc: o.Step},
			sdk.ParamOffsetX:           {Min: 0, Max: int64(o.MaxWidth - o.Width), Current: 0, Inc: o.Step},
			sdk.ParamOffsetY:           {Min: 0, Max: int64(o.MaxHeight - o.Height), Current: 0, Inc: o.Step},
			sdk.ParamBinningHorizontal: {Min: 1, Max: 4, Current: 1, Inc: 1},
			sdk.ParamBinningVertical:   {Min: 1, Max: 4, Current: 1, Inc: 1},
		},
		bools: map[string]bool{
			sdk.ParamAcquisitionFrameRateEnable: true,
		},
		enums: map[string]int64{
			sdk.ParamTriggerMode: 1,
		},
		outstanding: make(map[*sdk.FrameOut][]byte),
	}
	if info.Transport == sdk.TransportNetwork {
		c.ints[sdk.ParamPacketSize] = &sdk.IntValue{Min: 576, Max: 9156, Current: 1500, Inc: 4}
	}
	return c
}

var _ sdk.Camera = (*camera)(nil)

func (c *camera) Open() error {
	if err := c.drv.fault(OpOpen); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return sdk.NewError("Open", sdk.CodeHandle)
	}
	if c.open {
		return sdk.NewError("Open", sdk.CodeCallOrder)
	}
	if err := c.drv.acquire(c.info.SerialNumber); err != nil {
		return err
	}
	c.open = true
	c.drv.record(func(s *Stats) { s.Opens++ })
	return nil
}

func (c *camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return sdk.NewError("Close", sdk.CodeCallOrder)
	}
	if c.grabbing {
		c.stopGrabbingLocked()
	}
	c.open = false
	c.drv.releaseDevice(c.info.SerialNumber)
	c.drv.record(func(s *Stats) { s.Closes++ })
	return nil
}

func (c *camera) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return sdk.NewError("Destroy", sdk.CodeHandle)
	}
	if c.open {
		c.open = false
		c.drv.releaseDevice(c.info.SerialNumber)
	}
	c.destroyed = true
	c.drv.record(func(s *Stats) {
		s.Destroys++
		s.LiveHandles--
	})
	return nil
}

func (c *camera) checkOpen(op string) error {
	if !c.open {
		return sdk.NewError(op, sdk.CodeCallOrder)
	}
	return nil
}

func (c *camera) SetEnumValue(name string, value int64) error {
	if err := c.drv.fault(OpSetParam); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen("SetEnumValue"); err != nil {
		return err
	}
	if _, ok := c.enums[name]; !ok {
		return sdk.NewError("SetEnumValue "+name, sdk.CodeSupport)
	}
	c.enums[name] = value
	c.wrote(name, float64(value))
	return nil
}

func (c *camera) GetFloatValue(name string) (sdk.FloatValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen("GetFloatValue"); err != nil {
		return sdk.FloatValue{}, err
	}
	v, ok := c.floats[name]
	if !ok {
		return sdk.FloatValue{}, sdk.NewError("GetFloatValue "+name, sdk.CodeSupport)
	}
	return *v, nil
}

func (c *camera) SetFloatValue(name string, value float64) error {
	if err := c.drv.fault(OpSetParam); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen("SetFloatValue"); err != nil {
		return err
	}
	v, ok := c.floats[name]
	if !ok || name == sdk.ParamResultingFrameRate {
		return sdk.NewError("SetFloatValue "+name, sdk.CodeSupport)
	}
	if value < v.Min || value > v.Max || math.IsNaN(value) {
		return sdk.NewError("SetFloatValue "+name, sdk.CodeParameter)
	}
	v.Current = value
	if name == sdk.ParamAcquisitionFrameRate {
		c.floats[sdk.ParamResultingFrameRate].Current = value
	}
	c.wrote(name, value)
	return nil
}

func (c *camera) GetIntValue(name string) (sdk.IntValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen("GetIntValue"); err != nil {
		return sdk.IntValue{}, err
	}
	v, ok := c.ints[name]
	if !ok {
		return sdk.IntValue{}, sdk.NewError("GetIntValue "+name, sdk.CodeSupport)
	}
	return *v, nil
}

func (c *camera) SetIntValue(name string, value int64) error {
	if err := c.drv.fault(OpSetParam); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen("SetIntValue"); err != nil {
		return err
	}
	v, ok := c.ints[name]
	if !ok {
		return sdk.NewError("SetIntValue "+name, sdk.CodeSupport)
	}
	if value < v.Min || value > v.Max || (v.Inc > 1 && (value-v.Min)%v.Inc != 0) {
		return sdk.NewError("SetIntValue "+name, sdk.CodeParameter)
	}
	v.Current = value

	// 幅・高さを変えるとオフセットの上限が変わる
	switch name {
	case sdk.ParamWidth:
		off := c.ints[sdk.ParamOffsetX]
		off.Max = v.Max - value
		off.Current = min(off.Current, off.Max)
	case sdk.ParamHeight:
		off := c.ints[sdk.ParamOffsetY]
		off.Max = v.Max - value
		off.Current = min(off.Current, off.Max)
	}
	c.wrote(name, float64(value))
	return nil
}

func (c *camera) SetBoolValue(name string, value bool) error {
	if err := c.drv.fault(OpSetParam); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen("SetBoolValue"); err != nil {
		return err
	}
	if _, ok := c.bools[name]; !ok {
		return sdk.NewError("SetBoolValue "+name, sdk.CodeSupport)
	}
	c.bools[name] = value
	f := 0.0
	if value {
		f = 1
	}
	c.wrote(name, f)
	return nil
}

func (c *camera) wrote(name string, v float64) {
	c.drv.record(func(s *Stats) {
		s.ParamWrites[name]++
		s.LastParamSets[name] = v
	})
}

func (c *camera) OptimalPacketSize() (int, error) {
	if err := c.drv.fault(OpPacketSize); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen("OptimalPacketSize"); err != nil {
		return 0, err
	}
	if c.info.Transport != sdk.TransportNetwork {
		return 0, sdk.NewError("OptimalPacketSize", sdk.CodeSupport)
	}
	return 8164, nil
}

func (c *camera) StartGrabbing() error {
	if err := c.drv.fault(OpStartGrabbing); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen("StartGrabbing"); err != nil {
		return err
	}
	if c.grabbing {
		return sdk.NewError("StartGrabbing", sdk.CodeCallOrder)
	}

	c.pool = make(chan []byte, c.drv.opts.BufferCount)
	for i := 0; i < c.drv.opts.BufferCount; i++ {
		c.pool <- nil // 実際の確保は最初の使用時
	}
	c.stopCh = make(chan struct{})
	c.nextDue = time.Now()
	c.grabbing = true
	c.drv.record(func(s *Stats) { s.StartGrabs++ })
	return nil
}

func (c *camera) StopGrabbing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.grabbing {
		return sdk.NewError("StopGrabbing", sdk.CodeCallOrder)
	}
	if err := c.drv.fault(OpStopGrabbing); err != nil {
		return err
	}
	c.stopGrabbingLocked()
	return nil
}

func (c *camera) stopGrabbingLocked() {
	close(c.stopCh)
	c.grabbing = false
	c.drv.record(func(s *Stats) { s.StopGrabs++ })
}

// PullFrame はフレームレートに合わせてテストパターンを生成する
// 空きバッファがなければタイムアウトまで待つ
func (c *camera) PullFrame(timeout time.Duration) (*sdk.FrameOut, error) {
	c.mu.Lock()
	if !c.grabbing {
		c.mu.Unlock()
		return nil, sdk.NewError("PullFrame", sdk.CodeCallOrder)
	}
	pool, stopCh := c.pool, c.stopCh
	interval := c.frameInterval()
	due := c.nextDue
	c.mu.Unlock()

	c.drv.record(func(s *Stats) { s.Pulls++ })
	if err := c.drv.fault(OpPullFrame); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var buf []byte
	select {
	case buf = <-pool:
	case <-timer.C:
		return nil, sdk.NewError("PullFrame", sdk.CodeNoData)
	case <-stopCh:
		return nil, sdk.NewError("PullFrame", sdk.CodeCallOrder)
	}

	if wait := time.Until(due); wait > 0 {
		if due.After(deadline) {
			time.Sleep(time.Until(deadline))
			pool <- buf
			return nil, sdk.NewError("PullFrame", sdk.CodeNoData)
		}
		select {
		case <-time.After(wait):
		case <-stopCh:
			pool <- buf
			return nil, sdk.NewError("PullFrame", sdk.CodeCallOrder)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	w := int(c.ints[sdk.ParamWidth].Current)
	h := int(c.ints[sdk.ParamHeight].Current)
	pf := c.drv.opts.PixelFormat
	n := w * h * pf.BytesPerPixel()
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]

	c.frameNum++
	fillPattern(buf, w, h, pf, c.frameNum)
	now := time.Now()
	c.nextDue = maxTime(due, now.Add(-interval)).Add(interval)

	out := &sdk.FrameOut{
		Info: sdk.FrameInfo{
			Width:        w,
			Height:       h,
			ExtendWidth:  w,
			ExtendHeight: h,
			PixelFormat:  pf,
			FrameNum:     c.frameNum,
			FrameLen:     n,
			Timestamp:    now,
		},
		Data: buf,
	}
	c.outstanding[out] = buf
	c.drv.record(func(s *Stats) { s.Outstanding++ })
	return out, nil
}

func (c *camera) frameInterval() time.Duration {
	fps := c.floats[sdk.ParamAcquisitionFrameRate].Current
	if !c.bools[sdk.ParamAcquisitionFrameRateEnable] {
		fps = c.floats[sdk.ParamAcquisitionFrameRate].Max
	}
	if fps <= 0 {
		fps = 1
	}
	return time.Duration(float64(time.Second) / fps)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func (c *camera) ReleaseFrame(f *sdk.FrameOut) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.outstanding[f]
	if !ok {
		return sdk.NewError("ReleaseFrame", sdk.CodeParameter)
	}
	delete(c.outstanding, f)
	c.drv.record(func(s *Stats) {
		s.Releases++
		s.Outstanding--
	})
	if c.grabbing {
		select {
		case c.pool <- buf:
		default:
		}
	}
	return nil
}

// fillPattern は右へ流れる斜めグラデーションを描く
func fillPattern(buf []byte, w, h int, pf sdk.PixelFormat, n uint64) {
	shift := int(n * 4)
	bpp := pf.BytesPerPixel()
	for y := 0; y < h; y++ {
		row := buf[y*w*bpp : (y+1)*w*bpp]
		for x := 0; x < w; x++ {
			v := byte(x + y + shift)
			switch pf {
			case sdk.PixelMono8:
				row[x] = v
			case sdk.PixelRGB8:
				row[x*3], row[x*3+1], row[x*3+2] = v, byte(y), byte(255-int(v))
			case sdk.PixelBGR8:
				row[x*3], row[x*3+1], row[x*3+2] = byte(255-int(v)), byte(y), v
			case sdk.PixelYUV422:
				row[x*2] = v
				row[x*2+1] = 128
			}
		}
	}
}

func (c *camera) StartRecord(p sdk.RecordParams) error {
	if err := c.drv.fault(OpStartRecord); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen("StartRecord"); err != nil {
		return err
	}
	if c.rec != nil {
		return sdk.NewError("StartRecord", sdk.CodeCallOrder)
	}
	if p.Width <= 0 || p.Height <= 0 || p.PixelFormat.BytesPerPixel() == 0 {
		return sdk.NewError("StartRecord", sdk.CodeParameter)
	}

	opener := c.drv.opts.Recorder
	if opener == nil {
		var err error
		if opener, err = encoder.Lookup("ffmpeg"); err != nil {
			return err
		}
	}
	w, err := opener.Open(encoder.Config{
		Path:        p.Path,
		FrameRate:   p.FrameRate,
		Width:       p.Width,
		Height:      p.Height,
		BitRateKbps: p.BitRateKbps,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", sdk.NewError("StartRecord", sdk.CodeResource), err)
	}
	c.rec = w
	c.recParams = p
	c.drv.record(func(s *Stats) { s.RecordStarts++ })
	return nil
}

func (c *camera) InputFrame(data []byte) error {
	if err := c.drv.fault(OpInputFrame); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil {
		return sdk.NewError("InputFrame", sdk.CodeCallOrder)
	}
	b := frame.Buffer{
		Data:        data,
		Width:       c.recParams.Width,
		Height:      c.recParams.Height,
		PixelFormat: c.recParams.PixelFormat,
	}
	var err error
	if c.recBuf, err = frame.ToBGR24(c.recBuf, b); err != nil {
		return fmt.Errorf("%w: %v", sdk.NewError("InputFrame", sdk.CodeParameter), err)
	}
	if err := c.rec.Write(c.recBuf); err != nil {
		return err
	}
	c.drv.record(func(s *Stats) { s.FramesInput++ })
	return nil
}

func (c *camera) StopRecord() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil {
		return sdk.NewError("StopRecord", sdk.CodeCallOrder)
	}
	err := c.rec.Close()
	c.rec = nil
	c.drv.record(func(s *Stats) { s.RecordStops++ })
	return err
}

func (c *camera) SaveImage(info sdk.FrameInfo, data []byte, p sdk.SaveImageParams) error {
	if err := c.drv.fault(OpSaveImage); err != nil {
		return err
	}
	b := frame.Buffer{
		Data:         data,
		Width:        info.Width,
		Height:       info.Height,
		ExtendWidth:  info.ExtendWidth,
		ExtendHeight: info.ExtendHeight,
		PixelFormat:  info.PixelFormat,
	}
	if err := (imaging.FileEncoder{}).Save(p.Path, b, p.Format, p.Quality); err != nil {
		return err
	}
	c.drv.record(func(s *Stats) { s.ImagesSaved++ })
	return nil
}
