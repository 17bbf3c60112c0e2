// Package metrics はカメラパイプラインの Prometheus メトリクスを提供する
//
// Collectors のメソッドはすべて nil レシーバで呼んでも何もしない。
// メトリクスを使わないテストやCLIでは nil を渡せばよい。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "areacam"

// 録画フレームの処理結果ラベル
const (
	ResultWritten  = "written"
	ResultDropped  = "dropped"  // キュー満杯で破棄
	ResultRejected = "rejected" // 解像度不一致
	ResultFailed   = "failed"   // 変換・書き込み失敗
)

// Collectors はパイプラインのメトリクス一式
type Collectors struct {
	framesAcquired  prometheus.Counter
	pullTimeouts    prometheus.Counter
	pullErrors      prometheus.Counter
	frameInterval   prometheus.Histogram
	frameWidth      prometheus.Gauge
	frameHeight     prometheus.Gauge
	sessionState    prometheus.Gauge
	recordingFrames *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	recordings      *prometheus.CounterVec
	snapshots       *prometheus.CounterVec
	streamClients   prometheus.Gauge
	streamFrames    *prometheus.CounterVec
}

// New はメトリクスを作成して reg に登録する
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		framesAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_acquired_total",
			Help:      "Total number of frames pulled from the camera",
		}),
		pullTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_timeouts_total",
			Help:      "Total number of frame pulls that timed out",
		}),
		pullErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_errors_total",
			Help:      "Total number of frame pulls that failed for reasons other than timeout",
		}),
		frameInterval: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_interval_seconds",
			Help:      "Interval between consecutive acquired frames",
			Buckets:   []float64{.001, .002, .005, .01, .02, .04, .05, .1, .25, .5, 1},
		}),
		frameWidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_width_pixels",
			Help:      "Width of the most recently acquired frame",
		}),
		frameHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_height_pixels",
			Help:      "Height of the most recently acquired frame",
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Capture session state (0=closed, 1=open, 2=grabbing, 3=grabbing and recording)",
		}),
		recordingFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_frames_total",
			Help:      "Frames handed to the recording pipeline by result",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recording_queue_depth",
			Help:      "Number of frames waiting in the recording queue",
		}),
		recordings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Recording sessions by final status",
		}, []string{"status"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot save attempts by status",
		}, []string{"status"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Number of connected live stream clients",
		}),
		streamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Live stream JPEG frames by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.framesAcquired,
		c.pullTimeouts,
		c.pullErrors,
		c.frameInterval,
		c.frameWidth,
		c.frameHeight,
		c.sessionState,
		c.recordingFrames,
		c.queueDepth,
		c.recordings,
		c.snapshots,
		c.streamClients,
		c.streamFrames,
	)
	return c
}

// NewRegistry はGoランタイムとプロセスのメトリクスを含むレジストリを作る
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler はレジストリの内容を公開する HTTP ハンドラー
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// FrameAcquired はフレーム取得を記録する
func (c *Collectors) FrameAcquired(width, height int, intervalSeconds float64) {
	if c == nil {
		return
	}
	c.framesAcquired.Inc()
	c.frameWidth.Set(float64(width))
	c.frameHeight.Set(float64(height))
	if intervalSeconds > 0 {
		c.frameInterval.Observe(intervalSeconds)
	}
}

// PullTimeout はタイムアウトを記録する
func (c *Collectors) PullTimeout() {
	if c == nil {
		return
	}
	c.pullTimeouts.Inc()
}

// PullError はタイムアウト以外の取得失敗を記録する
func (c *Collectors) PullError() {
	if c == nil {
		return
	}
	c.pullErrors.Inc()
}

// SessionState はセッション状態を記録する
func (c *Collectors) SessionState(state int) {
	if c == nil {
		return
	}
	c.sessionState.Set(float64(state))
}

// RecordingFrame は録画フレームの処理結果を記録する
func (c *Collectors) RecordingFrame(result string) {
	if c == nil {
		return
	}
	c.recordingFrames.WithLabelValues(result).Inc()
}

// QueueDepth は録画キューの長さを記録する
func (c *Collectors) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// RecordingFinished は録画セッションの終了を記録する
func (c *Collectors) RecordingFinished(status string) {
	if c == nil {
		return
	}
	c.recordings.WithLabelValues(status).Inc()
}

// Snapshot はスナップショット保存を記録する
func (c *Collectors) Snapshot(ok bool) {
	if c == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	c.snapshots.WithLabelValues(status).Inc()
}

// StreamClients はライブ配信の接続数を記録する
func (c *Collectors) StreamClients(n int) {
	if c == nil {
		return
	}
	c.streamClients.Set(float64(n))
}

// StreamFrame はライブ配信フレームの処理結果を記録する（sent / skipped / failed）
func (c *Collectors) StreamFrame(result string) {
	if c == nil {
		return
	}
	c.streamFrames.WithLabelValues(result).Inc()
}
