package camera

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"areacam/internal/frame"
	"areacam/internal/metrics"
	"areacam/internal/recorder"
	"areacam/internal/sdk"
)

// frameStats は取得ループが更新し、セッションが読み出す統計
type frameStats struct {
	frames   atomic.Uint64
	timeouts atomic.Uint64
	geometry atomic.Pointer[Geometry]

	mu          sync.Mutex
	fps         float64
	lastArrival time.Time
}

func (s *frameStats) observe(ts time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var interval float64
	if !s.lastArrival.IsZero() {
		interval = ts.Sub(s.lastArrival).Seconds()
		if interval > 0 {
			inst := 1 / interval
			if s.fps == 0 {
				s.fps = inst
			} else {
				s.fps = 0.9*s.fps + 0.1*inst
			}
		}
	}
	s.lastArrival = ts
	return interval
}

func (s *frameStats) measuredFPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fps
}

func (s *frameStats) resetRate() {
	s.mu.Lock()
	s.fps = 0
	s.lastArrival = time.Time{}
	s.mu.Unlock()
}

func (s *frameStats) currentGeometry() Geometry {
	if g := s.geometry.Load(); g != nil {
		return *g
	}
	return Geometry{}
}

// acquisition はバックグラウンドでフレームを取得するループ
// Start ごとに1つ作られ、Stop で破棄される
type acquisition struct {
	cam         sdk.Camera
	pullTimeout time.Duration
	retrySleep  time.Duration
	cache       *SnapshotCache
	bus         *EventBus
	stats       *frameStats
	metrics     *metrics.Collectors
	log         *slog.Logger
	sink        func() DisplaySink
	recording   func() recorder.Pipeline

	stopRequested atomic.Bool
	wg            sync.WaitGroup

	// 以下は取得ゴルーチンのみが触る
	seq  uint64
	last Geometry
}

// start はSDKの取得を開始してゴルーチンを起動する
func (a *acquisition) start() error {
	if err := a.cam.StartGrabbing(); err != nil {
		return stageErr(StageStartGrab, ErrAcquisitionStartFailed, err)
	}
	a.stats.resetRate()
	a.stopRequested.Store(false)
	a.wg.Add(1)
	go a.run()
	return nil
}

// stop は停止を要求し、ゴルーチンの終了を待ってからSDKの取得を止める
func (a *acquisition) stop() error {
	a.stopRequested.Store(true)
	a.wg.Wait()

	if err := a.cam.StopGrabbing(); err != nil {
		return &StageError{Stage: StageStopGrab, Err: err}
	}
	return nil
}

func (a *acquisition) run() {
	defer a.wg.Done()
	a.log.Info("画像取得ループを開始しました")

	for !a.stopRequested.Load() {
		out, err := a.cam.PullFrame(a.pullTimeout)
		if err != nil {
			if errors.Is(err, sdk.ErrTimeout) {
				a.stats.timeouts.Add(1)
				a.metrics.PullTimeout()
			} else {
				a.metrics.PullError()
				a.log.Debug("フレーム取得に失敗しました", "error", err)
			}
			if !a.stopRequested.Load() {
				time.Sleep(a.retrySleep)
			}
			continue
		}
		a.process(out)
	}

	a.log.Info("画像取得ループを終了しました", "frames", a.seq)
}

// process は1フレームを各出力先へ渡す
// SDKバッファはどの経路でも返却する
func (a *acquisition) process(out *sdk.FrameOut) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("フレーム処理中にpanicが発生しました", "panic", r)
		}
	}()
	defer func() {
		if err := a.cam.ReleaseFrame(out); err != nil {
			a.log.Warn("SDKバッファの返却に失敗しました", "error", err)
		}
	}()

	a.seq++
	f := frame.FromSDK(out, a.seq)

	if g := geometryOf(f); g != a.last {
		resized := g.Width != a.last.Width || g.Height != a.last.Height
		a.last = g
		a.stats.geometry.Store(&g)
		if resized {
			a.log.Info("解像度が変わりました", "width", g.Width, "height", g.Height, "pixel_format", g.PixelFormat.String())
			a.bus.Publish(Event{Kind: EventResolutionChanged, Width: g.Width, Height: g.Height, Sequence: f.Sequence})
		} else {
			a.log.Debug("画素形式が変わりました", "pixel_format", g.PixelFormat.String())
		}
	}

	a.cache.Update(f)

	if rec := a.recording(); rec != nil {
		rec.Submit(f)
	}

	if sink := a.sink(); sink != nil {
		sink.OnFrame(f)
	}

	a.stats.frames.Add(1)
	interval := a.stats.observe(f.Timestamp)
	a.metrics.FrameAcquired(f.Width, f.Height, interval)
	a.bus.Publish(Event{Kind: EventFrameAcquired, Sequence: f.Sequence, Width: f.Width, Height: f.Height, Time: f.Timestamp})
}
