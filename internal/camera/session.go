package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"areacam/internal/encoder"
	"areacam/internal/frame"
	"areacam/internal/metrics"
	"areacam/internal/recorder"
	"areacam/internal/sdk"
)

const (
	DefaultPullTimeout      = time.Second
	DefaultRetrySleep       = 5 * time.Millisecond
	DefaultFrameRateCeiling = 120.0
	DefaultRecordFrameRate  = 25.0
)

// RecorderFactory は録画ごとに新しい録画パイプラインを作る
type RecorderFactory func(cam sdk.Camera, opts recorder.Options) recorder.Pipeline

// QueuedRecorder はキュー付きパイプラインを作る RecorderFactory を返す
func QueuedRecorder(opener encoder.Opener, capacity int) RecorderFactory {
	return func(_ sdk.Camera, opts recorder.Options) recorder.Pipeline {
		return recorder.NewQueued(opener, capacity, opts)
	}
}

// SDKRecorder はカメラSDKのエンコーダーを使う RecorderFactory を返す
func SDKRecorder() RecorderFactory {
	return func(cam sdk.Camera, opts recorder.Options) recorder.Pipeline {
		return recorder.NewSDK(cam, opts)
	}
}

// Options はセッションの設定
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collectors
	// Bus が nil なら容量256のバスを作る
	Bus  *EventBus
	Sink DisplaySink

	PullTimeout      time.Duration
	RetrySleep       time.Duration
	FrameRateCeiling float64

	// ImageEncoder が nil ならソフトウェアエンコーダーで保存する
	ImageEncoder ImageEncoder
	// Recorder が nil なら ffmpeg へのキュー付きパイプラインを使う
	Recorder               RecorderFactory
	RecordDir              string
	RecordExt              string
	RecordFrameRate        float64
	RecordBitRateKbps      int
	RecordCodec            string
	RecordQuality          int
	MaxConsecutiveFailures int
	// OnRecordingClosed は録画ファイルが閉じられた後に呼ばれる（カタログ登録用）
	OnRecordingClosed func(res recorder.Result)
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Bus == nil {
		o.Bus = NewEventBus(256, o.Logger)
	}
	if o.PullTimeout <= 0 {
		o.PullTimeout = DefaultPullTimeout
	}
	if o.RetrySleep <= 0 {
		o.RetrySleep = DefaultRetrySleep
	}
	if o.FrameRateCeiling <= 0 {
		o.FrameRateCeiling = DefaultFrameRateCeiling
	}
	if o.RecordFrameRate <= 0 {
		o.RecordFrameRate = DefaultRecordFrameRate
	}
	if o.RecordDir == "" {
		o.RecordDir = "recordings"
	}
	if o.RecordExt == "" {
		o.RecordExt = ".mp4"
	}
	if o.Recorder == nil {
		o.Recorder = func(cam sdk.Camera, opts recorder.Options) recorder.Pipeline {
			opener, err := encoder.Lookup("ffmpeg")
			if err != nil {
				return recorder.NewSDK(cam, opts)
			}
			return recorder.NewQueued(opener, recorder.DefaultQueueCapacity, opts)
		}
	}
	return o
}

type pendingParam struct {
	name  string
	value float64
}

type recordingSlot struct {
	pipeline recorder.Pipeline
	info     RecordingInfo
}

// Session は1台のカメラへの排他的な接続を管理する
//
// オープン・クローズ・取得開始停止・録画開始停止はセッション全体のロックで直列化される。
// フレームの取得は取得ループのゴルーチンだけが行う。
type Session struct {
	driver sdk.Driver
	opts   Options
	log    *slog.Logger
	bus    *EventBus
	cache  *SnapshotCache
	stats  *frameStats

	mu      sync.Mutex
	state   State
	handle  *handle
	device  DeviceDescriptor
	acq     *acquisition
	pending []pendingParam

	sink      atomic.Pointer[DisplaySink]
	recording atomic.Pointer[recordingSlot]
	closed    atomic.Bool
}

// NewSession は新しい Session を作成する
func NewSession(driver sdk.Driver, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		driver: driver,
		opts:   opts,
		log:    opts.Logger.With("component", "camera"),
		bus:    opts.Bus,
		cache:  NewSnapshotCache(opts.ImageEncoder),
		stats:  &frameStats{},
	}
	if opts.Sink != nil {
		s.SetDisplaySink(opts.Sink)
	}
	opts.Metrics.SessionState(int(StateClosed))
	return s
}

// Events はイベントバスを返す
func (s *Session) Events() *EventBus {
	return s.bus
}

// SetDisplaySink は表示先を差し替える。nil で解除する
func (s *Session) SetDisplaySink(sink DisplaySink) {
	if sink == nil {
		s.sink.Store(nil)
		return
	}
	s.sink.Store(&sink)
}

func (s *Session) currentSink() DisplaySink {
	if p := s.sink.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Session) currentRecorder() recorder.Pipeline {
	if slot := s.recording.Load(); slot != nil {
		return slot.pipeline
	}
	return nil
}

// State は現在の状態を返す
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.state = st
	s.opts.Metrics.SessionState(int(st))
}

// Device はオープン中のデバイスを返す
func (s *Session) Device() (DeviceDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return DeviceDescriptor{}, false
	}
	return s.device, true
}

// Enumerate は接続されているデバイスを列挙する。デバイスがなければ空のスライスを返す
func (s *Session) Enumerate(ctx context.Context) ([]DeviceDescriptor, error) {
	infos, err := s.driver.Enumerate(ctx)
	if err != nil {
		return nil, stageErr(StageEnumerate, ErrEnumerationFailed, err)
	}
	devices := make([]DeviceDescriptor, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, descriptorOf(info))
	}
	return devices, nil
}

// Open は index 番目のデバイスをオープンする
// 既にオープン済みなら何もせず nil を返す
func (s *Session) Open(ctx context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateClosed {
		return nil
	}

	infos, err := s.driver.Enumerate(ctx)
	if err != nil {
		return s.fail(stageErr(StageEnumerate, ErrEnumerationFailed, err))
	}
	if index < 0 || index >= len(infos) {
		return s.fail(stageErr(StageEnumerate, ErrIndexOutOfRange, fmt.Errorf("index=%d, devices=%d", index, len(infos))))
	}
	info := infos[index]

	cam, err := s.driver.CreateHandle(info)
	if err != nil {
		return s.fail(stageErr(StageCreateHandle, ErrHandleCreateFailed, err))
	}
	h := newHandle(cam, info)
	if err := h.open(); err != nil {
		_ = h.release(s.log)
		return s.fail(stageErr(StageOpen, ErrOpenFailed, err))
	}

	if info.Transport == sdk.TransportNetwork {
		if size, err := cam.OptimalPacketSize(); err != nil {
			s.log.Warn("最適パケットサイズの取得に失敗しました", "error", err)
		} else if err := cam.SetIntValue(sdk.ParamPacketSize, int64(size)); err != nil {
			s.log.Warn("パケットサイズの設定に失敗しました", "size", size, "error", err)
		} else {
			s.log.Debug("パケットサイズを設定しました", "size", size)
		}
	}
	if err := cam.SetEnumValue(sdk.ParamTriggerMode, sdk.TriggerModeOff); err != nil {
		s.log.Warn("トリガーモードの無効化に失敗しました", "error", err)
	}

	s.handle = h
	s.device = descriptorOf(info)
	s.cache.Reset()
	s.stats.geometry.Store(nil)
	s.setState(StateOpen)

	for _, p := range s.pending {
		if err := s.applyParam(p.name, p.value); err != nil {
			s.log.Warn("保留中のパラメータの適用に失敗しました", "name", p.name, "value", p.value, "error", err)
		}
	}
	s.pending = nil

	s.log.Info("デバイスをオープンしました", "index", index, "name", info.Name, "serial", info.SerialNumber, "transport", info.Transport)
	dev := s.device
	s.bus.Publish(Event{Kind: EventSessionOpened, Device: &dev})

	params := s.readParametersLocked()
	s.bus.Publish(Event{Kind: EventParametersReady, Parameters: &params})
	return nil
}

// fail はライフサイクルのエラーをイベントとして通知してから返す
func (s *Session) fail(err error) error {
	stage, _ := StageOf(err)
	s.log.Error("セッション操作に失敗しました", "stage", stage, "error", err)
	s.bus.Publish(Event{Kind: EventError, Stage: stage, Err: err})
	return err
}

// Close は録画と取得を止めてからデバイスを解放する。既にクローズ済みなら何もしない
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.state == StateClosed {
		return nil
	}

	var errs []error
	if s.state == StateGrabbingAndRecording {
		if _, err := s.stopRecordingLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.state == StateGrabbing {
		if err := s.stopGrabbingLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.handle.release(s.log); err != nil {
		errs = append(errs, &StageError{Stage: StageClose, Err: err})
	}

	dev := s.device
	s.handle = nil
	s.device = DeviceDescriptor{}
	s.setState(StateClosed)

	s.log.Info("デバイスをクローズしました", "name", dev.Name)
	s.bus.Publish(Event{Kind: EventSessionClosed, Device: &dev})
	return errors.Join(errs...)
}

// Shutdown はセッションをクローズしてイベントバスを止める
func (s *Session) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.Close()
	s.bus.Close()
	return err
}

// StartGrabbing は取得ループを開始する
func (s *Session) StartGrabbing() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrNotOpen
	case StateGrabbing, StateGrabbingAndRecording:
		return ErrAlreadyGrabbing
	}

	a := &acquisition{
		cam:         s.handle.cam,
		pullTimeout: s.opts.PullTimeout,
		retrySleep:  s.opts.RetrySleep,
		cache:       s.cache,
		bus:         s.bus,
		stats:       s.stats,
		metrics:     s.opts.Metrics,
		log:         s.log.With("loop", "acquisition"),
		sink:        s.currentSink,
		recording:   s.currentRecorder,
	}
	if err := a.start(); err != nil {
		return s.fail(err)
	}
	s.acq = a
	s.setState(StateGrabbing)
	return nil
}

// StopGrabbing は取得ループを停止する。録画中なら先に録画を止める
func (s *Session) StopGrabbing() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrNotOpen
	case StateOpen:
		return ErrNotGrabbing
	}

	var errs []error
	if s.state == StateGrabbingAndRecording {
		if _, err := s.stopRecordingLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.stopGrabbingLocked(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Session) stopGrabbingLocked() error {
	a := s.acq
	s.acq = nil
	s.setState(StateOpen)
	if a == nil {
		return nil
	}
	if err := a.stop(); err != nil {
		return s.fail(err)
	}
	return nil
}

// StartRecording は最後に取得したフレームの解像度で録画を開始する
func (s *Session) StartRecording(req RecordRequest) (RecordingInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return RecordingInfo{}, ErrNotOpen
	case StateOpen:
		return RecordingInfo{}, ErrNotGrabbing
	case StateGrabbingAndRecording:
		return RecordingInfo{}, ErrAlreadyRecording
	}

	geom := s.stats.currentGeometry()
	if geom.Width <= 0 || geom.Height <= 0 {
		return RecordingInfo{}, s.fail(stageErr(StageStartRecord, ErrNoFrameDimensions, nil))
	}

	fps := req.FrameRate
	if fps <= 0 {
		fps = s.opts.RecordFrameRate
	}
	bitRate := req.BitRateKbps
	if bitRate <= 0 {
		bitRate = s.opts.RecordBitRateKbps
	}

	now := time.Now()
	path := req.Path
	if path == "" {
		var err error
		path, err = recorder.UniquePath(s.opts.RecordDir, recorder.VideoFileName(now, req.Task, s.opts.RecordExt))
		if err != nil {
			return RecordingInfo{}, s.fail(stageErr(StageStartRecord, ErrWriterOpenFailed, err))
		}
	}

	info := RecordingInfo{
		ID:        uuid.NewString(),
		Path:      path,
		Width:     geom.Width,
		Height:    geom.Height,
		FrameRate: fps,
		StartedAt: now,
	}

	pipeline := s.opts.Recorder(s.handle.cam, recorder.Options{
		Logger:                 s.log.With("recording", info.ID),
		Metrics:                s.opts.Metrics,
		MaxConsecutiveFailures: s.opts.MaxConsecutiveFailures,
		OnError:                func(err error) { s.onRecordingError(info.ID, err) },
	})
	err := pipeline.Start(recorder.Params{
		ID:          info.ID,
		Path:        path,
		Width:       geom.Width,
		Height:      geom.Height,
		PixelFormat: geom.PixelFormat,
		FrameRate:   fps,
		BitRateKbps: bitRate,
		Codec:       s.opts.RecordCodec,
		Quality:     s.opts.RecordQuality,
	})
	if err != nil {
		return RecordingInfo{}, s.fail(&StageError{Stage: StageStartRecord, Err: err})
	}

	s.recording.Store(&recordingSlot{pipeline: pipeline, info: info})
	s.setState(StateGrabbingAndRecording)

	s.log.Info("録画を開始しました", "id", info.ID, "path", path, "width", info.Width, "height", info.Height, "fps", fps)
	ri := info
	s.bus.Publish(Event{Kind: EventRecordingStarted, Recording: &ri, Path: path})
	return info, nil
}

// StopRecording は録画を停止し、書き出した結果を返す
func (s *Session) StopRecording() (recorder.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateGrabbingAndRecording {
		return recorder.Result{}, ErrNotRecording
	}
	return s.stopRecordingLocked()
}

func (s *Session) stopRecordingLocked() (recorder.Result, error) {
	slot := s.recording.Swap(nil)
	s.setState(StateGrabbing)
	if slot == nil {
		return recorder.Result{}, ErrNotRecording
	}

	res, err := slot.pipeline.Stop()
	if res.Path != "" && s.opts.OnRecordingClosed != nil {
		s.opts.OnRecordingClosed(res)
	}
	ri := slot.info
	s.bus.Publish(Event{
		Kind:          EventRecordingStopped,
		Recording:     &ri,
		Path:          res.Path,
		FramesWritten: res.Stats.Written,
		FramesDropped: res.Stats.Dropped,
		Duration:      res.Duration(),
	})
	if err != nil {
		return res, s.fail(&StageError{Stage: StageStopRecord, Err: err})
	}
	return res, nil
}

// onRecordingError は録画パイプラインから呼ばれる
// 連続失敗で中断された場合は別ゴルーチンで録画を止める
func (s *Session) onRecordingError(id string, err error) {
	s.bus.Publish(Event{Kind: EventRecordingError, Stage: StageRecord, Err: err})
	if !errors.Is(err, recorder.ErrTooManyFailures) {
		return
	}
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		slot := s.recording.Load()
		if slot == nil || slot.info.ID != id || s.state != StateGrabbingAndRecording {
			return
		}
		if _, err := s.stopRecordingLocked(); err != nil {
			s.log.Warn("中断した録画の停止に失敗しました", "id", id, "error", err)
		}
	}()
}

// RecordingStatus は録画中なら経過情報を返す
func (s *Session) RecordingStatus() (RecordingStatus, bool) {
	slot := s.recording.Load()
	if slot == nil {
		return RecordingStatus{}, false
	}
	st := slot.pipeline.Stats()
	elapsed := time.Since(slot.info.StartedAt)
	return RecordingStatus{
		RecordingInfo:  slot.info,
		Elapsed:        elapsed,
		ElapsedLabel:   ElapsedLabel(elapsed),
		FramesWritten:  st.Written,
		FramesDropped:  st.Dropped,
		FramesRejected: st.Rejected,
		FramesFailed:   st.Failed,
		QueueLength:    st.Queued,
	}, true
}

// ElapsedLabel は録画の経過時間を "REC hh:mm:ss" 形式にする
func ElapsedLabel(d time.Duration) string {
	sec := int(d / time.Second)
	return fmt.Sprintf("REC %02d:%02d:%02d", sec/3600, sec%3600/60, sec%60)
}

// Status はセッションの状態をまとめて返す
func (s *Session) Status() StatusView {
	s.mu.Lock()
	state := s.state
	var dev *DeviceDescriptor
	if state != StateClosed {
		d := s.device
		dev = &d
	}
	s.mu.Unlock()

	v := StatusView{
		State:          state.String(),
		Device:         dev,
		Geometry:       s.stats.currentGeometry(),
		FramesAcquired: s.stats.frames.Load(),
		MeasuredFPS:    math.Round(s.stats.measuredFPS()*10) / 10,
	}
	if rs, ok := s.RecordingStatus(); ok {
		v.Recording = &rs
	}
	return v
}

// LatestFrame はスナップショットキャッシュの複製を返す
func (s *Session) LatestFrame() (frame.Buffer, bool) {
	return s.cache.Latest()
}

// SaveSnapshot は最新フレームを path に保存する
// useSDK が true でデバイスがオープン中ならSDKの画像保存を使う
func (s *Session) SaveSnapshot(path string, format sdk.ImageFormat, quality int, useSDK bool) error {
	var err error
	if useSDK {
		s.mu.Lock()
		if s.handle == nil {
			s.mu.Unlock()
			return ErrNotOpen
		}
		enc := sdkImageEncoder{cam: s.handle.cam}
		err = s.cache.saveWith(enc, path, format, quality)
		s.mu.Unlock()
	} else {
		err = s.cache.SaveSnapshot(path, format, quality)
	}

	s.opts.Metrics.Snapshot(err == nil)
	if err != nil {
		s.log.Warn("スナップショットの保存に失敗しました", "path", path, "error", err)
		return &StageError{Stage: StageSnapshot, Err: err}
	}
	s.log.Info("スナップショットを保存しました", "path", path)
	s.bus.Publish(Event{Kind: EventSnapshotSaved, Path: path})
	return nil
}

// CaptureSnapshot は dir に自動命名したファイル名でスナップショットを保存し、そのパスを返す
func (s *Session) CaptureSnapshot(dir string, format sdk.ImageFormat, quality int, useSDK bool) (string, error) {
	if _, ok := s.cache.Latest(); !ok {
		return "", &StageError{Stage: StageSnapshot, Err: ErrNoFrameAvailable}
	}
	ext := "." + string(format)
	if format == sdk.ImageJPEG {
		ext = ".jpg"
	}
	path, err := recorder.UniquePath(dir, recorder.SnapshotFileName(time.Now(), ext))
	if err != nil {
		return "", &StageError{Stage: StageSnapshot, Err: fmt.Errorf("%w: %w", ErrSaveFailed, err)}
	}
	if err := s.SaveSnapshot(path, format, quality, useSDK); err != nil {
		return "", err
	}
	return path, nil
}
