package recorder

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"areacam/internal/frame"
	"areacam/internal/metrics"
	"areacam/internal/sdk"
)

// SDK はカメラSDKのネイティブエンコーダーで録画するパイプライン
// Submit は取得ループ上で同期的に InputFrame を呼ぶ
type SDK struct {
	cam  sdk.Camera
	opts Options
	log  *slog.Logger

	mu          sync.Mutex
	status      Status
	params      Params
	stats       Stats
	consecutive int
	aborted     bool
	abortErr    error
	started     time.Time
}

var _ Pipeline = (*SDK)(nil)

// NewSDK は cam のネイティブ録画を使う SDK を作成する
func NewSDK(cam sdk.Camera, opts Options) *SDK {
	return &SDK{
		cam:    cam,
		opts:   opts,
		log:    opts.logger().With("component", "recorder", "mode", "sdk"),
		status: StatusIdle,
	}
}

// Start はSDKの録画を開始する
func (r *SDK) Start(p Params) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.status {
	case StatusOpening, StatusActive, StatusStopping:
		return ErrAlreadyRecording
	}
	if err := p.validate(); err != nil {
		return err
	}
	if p.PixelFormat.BytesPerPixel() == 0 {
		return ErrPixelFormatUnknown
	}

	r.status = StatusOpening
	err := r.cam.StartRecord(sdk.RecordParams{
		Path:        p.Path,
		Format:      containerOf(p.Path),
		Width:       p.Width,
		Height:      p.Height,
		PixelFormat: p.PixelFormat,
		FrameRate:   p.FrameRate,
		BitRateKbps: p.BitRateKbps,
	})
	if err != nil {
		r.status = StatusIdle
		return fmt.Errorf("%w: %v", ErrWriterOpenFailed, err)
	}

	r.params = p
	r.stats = Stats{}
	r.consecutive = 0
	r.aborted = false
	r.abortErr = nil
	r.started = time.Now()
	r.status = StatusActive
	r.log.Info("録画を開始しました", "path", p.Path, "width", p.Width, "height", p.Height, "fps", p.FrameRate)
	return nil
}

// Submit はフレームをSDKのエンコーダーへ渡す。失敗は記録して継続する
func (r *SDK) Submit(f frame.Buffer) {
	var abortErr error
	defer func() {
		if abortErr != nil {
			r.opts.notify(abortErr)
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusActive || r.aborted {
		return
	}
	if !f.SameGeometry(r.params.Width, r.params.Height) {
		r.stats.Rejected++
		r.opts.Metrics.RecordingFrame(metrics.ResultRejected)
		return
	}

	if err := r.cam.InputFrame(f.Data); err != nil {
		r.consecutive++
		r.stats.Failed++
		r.opts.Metrics.RecordingFrame(metrics.ResultFailed)
		r.log.Warn("フレームの入力に失敗しました", "sequence", f.Sequence, "consecutive", r.consecutive, "error", err)

		if limit := r.opts.MaxConsecutiveFailures; limit > 0 && r.consecutive >= limit {
			r.aborted = true
			r.abortErr = fmt.Errorf("%w (%d回): %v", ErrTooManyFailures, r.consecutive, err)
			abortErr = r.abortErr
			r.log.Error("録画を中断しました", "error", abortErr)
		}
		return
	}
	r.consecutive = 0
	r.stats.Written++
	r.opts.Metrics.RecordingFrame(metrics.ResultWritten)
}

// Stop はSDKの録画を終了する
func (r *SDK) Stop() (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusActive {
		return Result{}, ErrNotRecording
	}
	r.status = StatusStopping
	closeErr := r.cam.StopRecord()
	r.status = StatusClosed

	res := Result{
		ID:        r.params.ID,
		Path:      r.params.Path,
		Started:   r.started,
		Stopped:   time.Now(),
		Stats:     r.stats,
		Aborted:   r.aborted,
		AbortErr:  r.abortErr,
		CloseErr:  closeErr,
		FrameRate: r.params.FrameRate,
	}
	status := "completed"
	if r.aborted {
		status = "aborted"
	}
	r.opts.Metrics.RecordingFinished(status)
	r.log.Info("録画を停止しました", "path", res.Path, "written", res.Stats.Written, "failed", res.Stats.Failed, "duration", res.Duration())

	if closeErr != nil {
		return res, fmt.Errorf("SDK録画の終了に失敗: %w", closeErr)
	}
	return res, nil
}

// Status は現在の状態を返す
func (r *SDK) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Stats は現在のフレーム数を返す
func (r *SDK) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func containerOf(path string) sdk.RecordFormat {
	if strings.EqualFold(filepath.Ext(path), ".avi") {
		return sdk.RecordAVI
	}
	return sdk.RecordMP4
}
