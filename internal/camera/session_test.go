package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areacam/internal/encoder"
	"areacam/internal/frame"
	"areacam/internal/logger"
	"areacam/internal/recorder"
	"areacam/internal/sdk"
	"areacam/internal/sdk/sim"
)

// memWriter はメモリ上でフレーム数を数える encoder.Writer
type memWriter struct {
	mu     sync.Mutex
	cfg    encoder.Config
	frames int
	fail   bool
	closed bool
}

func (w *memWriter) Write(bgr []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return encoder.ErrClosed
	}
	if len(bgr) != w.cfg.FrameBytes() {
		return encoder.ErrFrameSize
	}
	if w.fail {
		return errors.New("disk full")
	}
	w.frames++
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *memWriter) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// memOpener は開いたライターを記録する encoder.Opener
type memOpener struct {
	mu         sync.Mutex
	writers    []*memWriter
	openErr    error
	failWrites bool
}

func (o *memOpener) Open(cfg encoder.Config) (encoder.Writer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	w := &memWriter{cfg: cfg, fail: o.failWrites}
	o.writers = append(o.writers, w)
	return w, nil
}

func (o *memOpener) last() *memWriter {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.writers) == 0 {
		return nil
	}
	return o.writers[len(o.writers)-1]
}

// eventLog はイベントを記録する
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func watch(s *Session) *eventLog {
	l := &eventLog{}
	s.Events().Subscribe(func(ev Event) {
		if ev.Kind == EventFrameAcquired {
			return
		}
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (l *eventLog) find(kind EventKind) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func (l *eventLog) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	var ev Event
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = l.find(kind)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "event %s", kind)
	return ev
}

func testSimOptions() sim.Options {
	opts := sim.DefaultOptions()
	opts.Width = 64
	opts.Height = 48
	opts.FrameRate = 200
	opts.MaxFrame = 1000
	opts.BufferCount = 4
	return opts
}

func newTestSession(t *testing.T, simOpts sim.Options, mutate func(*Options)) (*Session, *sim.Driver) {
	t.Helper()
	drv := sim.NewDriver(simOpts)
	opts := Options{
		Logger:      logger.Discard(),
		PullTimeout: 50 * time.Millisecond,
		RetrySleep:  time.Millisecond,
		RecordDir:   t.TempDir(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := NewSession(drv, opts)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, drv
}

func waitFrames(t *testing.T, s *Session, n uint64) {
	t.Helper()
	start := s.Status().FramesAcquired
	require.Eventually(t, func() bool {
		return s.Status().FramesAcquired >= start+n
	}, 3*time.Second, 2*time.Millisecond)
}

func TestSession_EnumerateEmpty(t *testing.T) {
	opts := testSimOptions()
	opts.Devices = []sdk.DeviceInfo{}
	s, _ := newTestSession(t, opts, nil)

	devices, err := s.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestSession_OpenClose(t *testing.T) {
	s, drv := newTestSession(t, testSimOptions(), nil)
	events := watch(s)
	ctx := context.Background()

	devices, err := s.Enumerate(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, sdk.TransportNetwork, devices[0].Transport)

	require.NoError(t, s.Open(ctx, 0))
	assert.Equal(t, StateOpen, s.State())

	// オープン済みなら何もしない
	require.NoError(t, s.Open(ctx, 1))
	dev, ok := s.Device()
	require.True(t, ok)
	assert.Equal(t, "SIM00001", dev.SerialNumber)

	st := drv.Stats()
	assert.Equal(t, 1, st.Opens)
	assert.Equal(t, float64(8164), st.LastParamSets[sdk.ParamPacketSize], "GigE device gets the optimal packet size")
	assert.Equal(t, 1, st.ParamWrites[sdk.ParamTriggerMode])
	assert.Equal(t, float64(sdk.TriggerModeOff), st.LastParamSets[sdk.ParamTriggerMode])

	ready := events.waitFor(t, EventParametersReady)
	require.NotNil(t, ready.Parameters)
	assert.Equal(t, float64(64), ready.Parameters.Width.Current)
	assert.Equal(t, float64(8), ready.Parameters.Width.Inc)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	st = drv.Stats()
	assert.Equal(t, 1, st.Closes)
	assert.Equal(t, 1, st.Destroys)
	assert.Equal(t, 0, st.LiveHandles)

	events.waitFor(t, EventSessionClosed)
	assert.Equal(t, []EventKind{EventSessionOpened, EventParametersReady, EventSessionClosed}, events.kinds())
}

func TestSession_OpenUSBSkipsPacketSize(t *testing.T) {
	s, drv := newTestSession(t, testSimOptions(), nil)
	require.NoError(t, s.Open(context.Background(), 1))

	_, set := drv.Stats().LastParamSets[sdk.ParamPacketSize]
	assert.False(t, set)
}

func TestSession_OpenFailures(t *testing.T) {
	tests := []struct {
		name     string
		index    int
		fault    string
		sentinel error
		stage    Stage
	}{
		{name: "列挙失敗", index: 0, fault: sim.OpEnumerate, sentinel: ErrEnumerationFailed, stage: StageEnumerate},
		{name: "範囲外", index: 5, sentinel: ErrIndexOutOfRange, stage: StageEnumerate},
		{name: "負のインデックス", index: -1, sentinel: ErrIndexOutOfRange, stage: StageEnumerate},
		{name: "ハンドル作成失敗", index: 0, fault: sim.OpCreateHandle, sentinel: ErrHandleCreateFailed, stage: StageCreateHandle},
		{name: "オープン失敗", index: 0, fault: sim.OpOpen, sentinel: ErrOpenFailed, stage: StageOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, drv := newTestSession(t, testSimOptions(), nil)
			events := watch(s)
			if tt.fault != "" {
				drv.SetFault(tt.fault, sdk.NewError(tt.fault, sdk.CodeAccessDenied))
			}

			err := s.Open(context.Background(), tt.index)
			require.ErrorIs(t, err, tt.sentinel)
			stage, ok := StageOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.stage, stage)
			assert.Equal(t, StateClosed, s.State())
			assert.Equal(t, 0, drv.Stats().LiveHandles, "handle must be destroyed on failure")

			ev := events.waitFor(t, EventError)
			assert.Equal(t, tt.stage, ev.Stage)
			assert.NotEmpty(t, ev.Error)

			// 故障が解消すれば同じセッションで再試行できる
			drv.SetFault(tt.fault, nil)
			if tt.index >= 0 && tt.index < 2 {
				require.NoError(t, s.Open(context.Background(), tt.index))
			}
		})
	}
}

func TestSession_OpenSDKCodeIsPreserved(t *testing.T) {
	s, drv := newTestSession(t, testSimOptions(), nil)
	drv.SetFault(sim.OpOpen, sdk.NewError("Open", sdk.CodeAccessDenied))

	err := s.Open(context.Background(), 0)
	code, ok := sdk.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, sdk.CodeAccessDenied, code)
}

func TestSession_GrabbingRequiresOpen(t *testing.T) {
	s, _ := newTestSession(t, testSimOptions(), nil)

	assert.ErrorIs(t, s.StartGrabbing(), ErrNotOpen)
	assert.ErrorIs(t, s.StopGrabbing(), ErrNotOpen)

	require.NoError(t, s.Open(context.Background(), 0))
	assert.ErrorIs(t, s.StopGrabbing(), ErrNotGrabbing)

	require.NoError(t, s.StartGrabbing())
	assert.ErrorIs(t, s.StartGrabbing(), ErrAlreadyGrabbing)
	require.NoError(t, s.StopGrabbing())
}

func TestSession_StartGrabbingFailureKeepsOpen(t *testing.T) {
	s, drv := newTestSession(t, testSimOptions(), nil)
	require.NoError(t, s.Open(context.Background(), 0))

	drv.SetFault(sim.OpStartGrabbing, sdk.NewError("StartGrabbing", sdk.CodeResource))
	err := s.StartGrabbing()
	require.ErrorIs(t, err, ErrAcquisitionStartFailed)
	assert.Equal(t, StateOpen, s.State())

	drv.SetFault(sim.OpStartGrabbing, nil)
	require.NoError(t, s.StartGrabbing())
	assert.Equal(t, StateGrabbing, s.State())
}

func TestSession_StartStopCycles(t *testing.T) {
	s, drv := newTestSession(t, testSimOptions(), nil)
	require.NoError(t, s.Open(context.Background(), 0))

	const cycles = 4
	for i := 0; i < cycles; i++ {
		require.NoError(t, s.StartGrabbing())
		waitFrames(t, s, 3)
		require.NoError(t, s.StopGrabbing())

		st := drv.Stats()
		assert.Equal(t, i+1, st.StartGrabs)
		assert.Equal(t, i+1, st.StopGrabs, "exactly one stop-grab per start")
		assert.Equal(t, 0, st.Outstanding, "every pulled buffer is released")

		// ループが止まっていればプル回数は増えない
		pulls := st.Pulls
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, pulls, drv.Stats().Pulls)
	}
}

func TestSession_SequenceStrictlyIncreasing(t *testing.T) {
	var mu sync.Mutex
	var seqs []uint64
	sink := SinkFunc(func(f frame.Buffer) {
		mu.Lock()
		seqs = append(seqs, f.Sequence)
		mu.Unlock()
	})
	s, _ := newTestSession(t, testSimOptions(), func(o *Options) { o.Sink = sink })
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())

	var last uint64
	require.Eventually(t, func() bool {
		f, ok := s.LatestFrame()
		if !ok {
			return false
		}
		if f.Sequence < last {
			t.Errorf("cache sequence went backwards: %d < %d", f.Sequence, last)
		}
		last = f.Sequence
		return last >= 20
	}, 3*time.Second, time.Millisecond)
	require.NoError(t, s.StopGrabbing())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seqs)
	for i := 1; i < len(seqs); i++ {
		require.Greater(t, seqs[i], seqs[i-1])
	}
}

func TestSession_PullTimeoutIsNotFatal(t *testing.T) {
	opts := testSimOptions()
	opts.FrameRate = 2
	s, _ := newTestSession(t, opts, func(o *Options) { o.PullTimeout = 5 * time.Millisecond })
	events := watch(s)
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())

	require.Eventually(t, func() bool { return s.stats.timeouts.Load() > 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateGrabbing, s.State())
	waitFrames(t, s, 1)
	require.NoError(t, s.StopGrabbing())

	_, ok := events.find(EventError)
	assert.False(t, ok, "pull timeouts are never surfaced")
}

func TestSession_PanickingSinkStillReleasesFrames(t *testing.T) {
	sink := SinkFunc(func(f frame.Buffer) { panic("render failed") })
	s, drv := newTestSession(t, testSimOptions(), func(o *Options) { o.Sink = sink })
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())

	// バッファ数より多く取得できればリークしていない
	require.Eventually(t, func() bool { return drv.Stats().Releases > 10 }, 3*time.Second, time.Millisecond)
	require.NoError(t, s.StopGrabbing())
	assert.Equal(t, 0, drv.Stats().Outstanding)
}

func TestSession_ResolutionChanged(t *testing.T) {
	s, _ := newTestSession(t, testSimOptions(), nil)
	events := watch(s)
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())

	first := events.waitFor(t, EventResolutionChanged)
	assert.Equal(t, 64, first.Width)
	assert.Equal(t, 48, first.Height)

	require.NoError(t, s.SetParam(sdk.ParamWidth, 32))
	require.Eventually(t, func() bool {
		return s.Status().Geometry.Width == 32
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, s.StopGrabbing())

	var changes []Event
	events.mu.Lock()
	for _, ev := range events.events {
		if ev.Kind == EventResolutionChanged {
			changes = append(changes, ev)
		}
	}
	events.mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, 32, changes[1].Width)
}

func TestSession_SnapshotBeforeAnyFrame(t *testing.T) {
	s, _ := newTestSession(t, testSimOptions(), nil)
	require.NoError(t, s.Open(context.Background(), 0))

	err := s.SaveSnapshot(filepath.Join(t.TempDir(), "a.png"), sdk.ImagePNG, 0, false)
	require.ErrorIs(t, err, ErrNoFrameAvailable)

	_, err = s.CaptureSnapshot(t.TempDir(), sdk.ImagePNG, 0, false)
	require.ErrorIs(t, err, ErrNoFrameAvailable)
}

func TestSession_CaptureSnapshot(t *testing.T) {
	s, drv := newTestSession(t, testSimOptions(), nil)
	events := watch(s)
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())
	waitFrames(t, s, 2)

	dir := t.TempDir()
	path, err := s.CaptureSnapshot(dir, sdk.ImageJPEG, 85, false)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Regexp(t, `^SNAP_\d{8}_\d{6}_\d{3}\.jpg$`, filepath.Base(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	ev := events.waitFor(t, EventSnapshotSaved)
	assert.Equal(t, path, ev.Path)

	// SDKの画像保存
	sdkPath := filepath.Join(dir, "sdk.bmp")
	require.NoError(t, s.SaveSnapshot(sdkPath, sdk.ImageBMP, 0, true))
	assert.Equal(t, 1, drv.Stats().ImagesSaved)
	assert.FileExists(t, sdkPath)

	// 取得停止後もキャッシュは残る
	require.NoError(t, s.StopGrabbing())
	_, ok := s.LatestFrame()
	assert.True(t, ok)
}

func TestSession_SnapshotSaveFailure(t *testing.T) {
	s, drv := newTestSession(t, testSimOptions(), nil)
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())
	waitFrames(t, s, 1)

	drv.SetFault(sim.OpSaveImage, sdk.NewError("SaveImage", sdk.CodeResource))
	err := s.SaveSnapshot(filepath.Join(t.TempDir(), "x.png"), sdk.ImagePNG, 0, true)
	require.ErrorIs(t, err, ErrSaveFailed)
	stage, _ := StageOf(err)
	assert.Equal(t, StageSnapshot, stage)
}

func TestSession_PendingParametersAppliedOnOpen(t *testing.T) {
	s, drv := newTestSession(t, testSimOptions(), nil)

	_, err := s.GetParam(sdk.ParamGain)
	require.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, s.SetParam(sdk.ParamGain, 3))
	require.NoError(t, s.SetParam(sdk.ParamExposureTime, 5000))
	require.NoError(t, s.SetParam(sdk.ParamGain, 6))
	assert.Empty(t, drv.Stats().LastParamSets[sdk.ParamGain])

	require.NoError(t, s.Open(context.Background(), 1))
	st := drv.Stats()
	assert.Equal(t, 6.0, st.LastParamSets[sdk.ParamGain], "later value wins")
	assert.Equal(t, 2, st.ParamWrites[sdk.ParamGain], "applied in order")
	assert.Equal(t, 5000.0, st.LastParamSets[sdk.ParamExposureTime])

	gain, err := s.GetParam(sdk.ParamGain)
	require.NoError(t, err)
	assert.Equal(t, 6.0, gain.Current)

	// 次のオープンでは再適用しない
	require.NoError(t, s.Close())
	require.NoError(t, s.Open(context.Background(), 1))
	assert.Equal(t, 2, drv.Stats().ParamWrites[sdk.ParamGain])
}

func TestSession_RecordingRequiresGrabbing(t *testing.T) {
	s, _ := newTestSession(t, testSimOptions(), nil)

	_, err := s.StartRecording(RecordRequest{})
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, s.Open(context.Background(), 0))
	_, err = s.StartRecording(RecordRequest{})
	assert.ErrorIs(t, err, ErrNotGrabbing)

	_, err = s.StopRecording()
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestSession_RecordingWithoutGeometry(t *testing.T) {
	opener := &memOpener{}
	s, drv := newTestSession(t, testSimOptions(), func(o *Options) {
		o.Recorder = QueuedRecorder(opener, recorder.DefaultQueueCapacity)
	})
	require.NoError(t, s.Open(context.Background(), 0))
	drv.SetFault(sim.OpPullFrame, sdk.NewError("PullFrame", sdk.CodeNoData))
	require.NoError(t, s.StartGrabbing())

	_, err := s.StartRecording(RecordRequest{FrameRate: 25})
	require.ErrorIs(t, err, ErrNoFrameDimensions)
	assert.Equal(t, StateGrabbing, s.State())
	assert.Nil(t, opener.last(), "no writer is opened")
}

func TestSession_QueuedRecording(t *testing.T) {
	opener := &memOpener{}
	s, _ := newTestSession(t, testSimOptions(), func(o *Options) {
		o.Recorder = QueuedRecorder(opener, recorder.DefaultQueueCapacity)
	})
	events := watch(s)
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())
	waitFrames(t, s, 1)

	path := filepath.Join(t.TempDir(), "out.mp4")
	info, err := s.StartRecording(RecordRequest{Path: path, FrameRate: 25})
	require.NoError(t, err)
	assert.Equal(t, StateGrabbingAndRecording, s.State())
	assert.Equal(t, path, info.Path)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, 64, info.Width)
	assert.Equal(t, 48, info.Height)

	w := opener.last()
	require.NotNil(t, w)
	assert.Equal(t, 64, w.cfg.Width)
	assert.Equal(t, 48, w.cfg.Height)
	assert.Equal(t, 25.0, w.cfg.FrameRate)

	_, err = s.StartRecording(RecordRequest{Path: path})
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	waitFrames(t, s, 10)
	rs, ok := s.RecordingStatus()
	require.True(t, ok)
	assert.Regexp(t, `^REC \d{2}:\d{2}:\d{2}$`, rs.ElapsedLabel)

	res, err := s.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, path, res.Path)
	assert.Equal(t, 0, res.Stats.Queued)
	assert.Equal(t, int(res.Stats.Written), w.Frames())
	assert.Positive(t, w.Frames())
	assert.Equal(t, StateGrabbing, s.State())

	stopped := events.waitFor(t, EventRecordingStopped)
	assert.Equal(t, path, stopped.Path)
	assert.Equal(t, res.Stats.Written, stopped.FramesWritten)

	started, _ := events.find(EventRecordingStarted)
	require.NotNil(t, started.Recording)
	assert.Equal(t, info.ID, started.Recording.ID)
}

func TestSession_RecordingAutoName(t *testing.T) {
	opener := &memOpener{}
	dir := t.TempDir()
	s, _ := newTestSession(t, testSimOptions(), func(o *Options) {
		o.Recorder = QueuedRecorder(opener, recorder.DefaultQueueCapacity)
		o.RecordDir = filepath.Join(dir, "videos")
	})
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())
	waitFrames(t, s, 1)

	info, err := s.StartRecording(RecordRequest{Task: "line 3"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "videos"), filepath.Dir(info.Path))
	assert.Regexp(t, `^\d{8}_line_3\.mp4$`, filepath.Base(info.Path))
	_, err = s.StopRecording()
	require.NoError(t, err)
}

func TestSession_RecordingRejectsOtherGeometry(t *testing.T) {
	opener := &memOpener{}
	s, _ := newTestSession(t, testSimOptions(), func(o *Options) {
		o.Recorder = QueuedRecorder(opener, recorder.DefaultQueueCapacity)
	})
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())
	waitFrames(t, s, 1)

	_, err := s.StartRecording(RecordRequest{Path: filepath.Join(t.TempDir(), "a.mp4")})
	require.NoError(t, err)
	require.NoError(t, s.SetParam(sdk.ParamWidth, 32))
	require.Eventually(t, func() bool {
		rs, ok := s.RecordingStatus()
		return ok && rs.FramesRejected > 2
	}, 2*time.Second, time.Millisecond)

	res, err := s.StopRecording()
	require.NoError(t, err)
	assert.Positive(t, res.Stats.Rejected)
	assert.Equal(t, int(res.Stats.Written), opener.last().Frames())
}

func TestSession_WriterOpenFailureKeepsGrabbing(t *testing.T) {
	opener := &memOpener{openErr: errors.New("codec not found")}
	s, _ := newTestSession(t, testSimOptions(), func(o *Options) {
		o.Recorder = QueuedRecorder(opener, recorder.DefaultQueueCapacity)
	})
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())
	waitFrames(t, s, 1)

	_, err := s.StartRecording(RecordRequest{Path: filepath.Join(t.TempDir(), "a.mp4")})
	require.ErrorIs(t, err, ErrWriterOpenFailed)
	stage, _ := StageOf(err)
	assert.Equal(t, StageStartRecord, stage)
	assert.Equal(t, StateGrabbing, s.State())

	opener.mu.Lock()
	opener.openErr = nil
	opener.mu.Unlock()
	_, err = s.StartRecording(RecordRequest{Path: filepath.Join(t.TempDir(), "b.mp4")})
	require.NoError(t, err)
}

func TestSession_RecordingAbortsAfterConsecutiveFailures(t *testing.T) {
	opener := &memOpener{failWrites: true}
	s, _ := newTestSession(t, testSimOptions(), func(o *Options) {
		o.Recorder = QueuedRecorder(opener, recorder.DefaultQueueCapacity)
		o.MaxConsecutiveFailures = 3
	})
	events := watch(s)
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())
	waitFrames(t, s, 1)

	_, err := s.StartRecording(RecordRequest{Path: filepath.Join(t.TempDir(), "a.mp4")})
	require.NoError(t, err)

	ev := events.waitFor(t, EventRecordingError)
	assert.ErrorIs(t, ev.Err, recorder.ErrTooManyFailures)
	require.Eventually(t, func() bool { return s.State() == StateGrabbing }, 2*time.Second, time.Millisecond)
	events.waitFor(t, EventRecordingStopped)
}

func TestSession_SDKRecording(t *testing.T) {
	opener := &memOpener{}
	simOpts := testSimOptions()
	simOpts.Recorder = opener
	s, drv := newTestSession(t, simOpts, func(o *Options) { o.Recorder = SDKRecorder() })
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())
	waitFrames(t, s, 1)

	path := filepath.Join(t.TempDir(), "sdk.avi")
	_, err := s.StartRecording(RecordRequest{Path: path})
	require.NoError(t, err)
	waitFrames(t, s, 5)

	res, err := s.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, path, res.Path)
	st := drv.Stats()
	assert.Equal(t, 1, st.RecordStarts)
	assert.Equal(t, 1, st.RecordStops)
	assert.Equal(t, int(res.Stats.Written), st.FramesInput)
	assert.Equal(t, st.FramesInput, opener.last().Frames())
}

func TestSession_CloseUnwindsEverything(t *testing.T) {
	opener := &memOpener{}
	s, drv := newTestSession(t, testSimOptions(), func(o *Options) {
		o.Recorder = QueuedRecorder(opener, recorder.DefaultQueueCapacity)
	})
	events := watch(s)
	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())
	waitFrames(t, s, 1)
	_, err := s.StartRecording(RecordRequest{Path: filepath.Join(t.TempDir(), "a.mp4")})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	st := drv.Stats()
	assert.Equal(t, st.StartGrabs, st.StopGrabs)
	assert.Equal(t, 0, st.Outstanding)
	assert.Equal(t, 0, st.LiveHandles)
	w := opener.last()
	w.mu.Lock()
	assert.True(t, w.closed)
	w.mu.Unlock()

	events.waitFor(t, EventSessionClosed)
	kinds := events.kinds()
	assert.Less(t, indexOf(kinds, EventRecordingStopped), indexOf(kinds, EventSessionClosed))
}

func TestSession_StatusView(t *testing.T) {
	s, _ := newTestSession(t, testSimOptions(), nil)
	assert.Equal(t, "closed", s.Status().State)
	assert.Nil(t, s.Status().Device)

	require.NoError(t, s.Open(context.Background(), 0))
	require.NoError(t, s.StartGrabbing())
	waitFrames(t, s, 5)

	v := s.Status()
	assert.Equal(t, "grabbing", v.State)
	require.NotNil(t, v.Device)
	assert.Equal(t, Geometry{Width: 64, Height: 48, PixelFormat: sdk.PixelRGB8}, v.Geometry)
	assert.Positive(t, v.MeasuredFPS)
	assert.Nil(t, v.Recording)
}

func TestElapsedLabel(t *testing.T) {
	assert.Equal(t, "REC 00:00:00", ElapsedLabel(0))
	assert.Equal(t, "REC 00:01:05", ElapsedLabel(65*time.Second+300*time.Millisecond))
	assert.Equal(t, "REC 02:03:04", ElapsedLabel(2*time.Hour+3*time.Minute+4*time.Second))
}

func indexOf(kinds []EventKind, k EventKind) int {
	for i, v := range kinds {
		if v == k {
			return i
		}
	}
	return -1
}
