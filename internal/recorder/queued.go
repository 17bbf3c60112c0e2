package recorder

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"areacam/internal/encoder"
	"areacam/internal/frame"
	"areacam/internal/metrics"
)

// Queued は上限付きキューと書き込みゴルーチンによる録画パイプライン
//
// Submit はキューが満杯なら新しいフレームを捨てて即座に戻る。
// 書き込みゴルーチンは条件変数で待機し、BGR24 へ変換してライターへ渡す。
// Stop はキューを空にしてからライターを閉じる。
type Queued struct {
	opener   encoder.Opener
	capacity int
	opts     Options
	log      *slog.Logger

	mu            sync.Mutex
	cond          *sync.Cond
	status        Status
	stopRequested bool
	aborted       bool
	abortErr      error
	queue         []frame.Buffer
	params        Params
	writer        encoder.Writer
	stats         Stats
	started       time.Time

	wg sync.WaitGroup
}

var _ Pipeline = (*Queued)(nil)

// NewQueued は新しい Queued を作成する。capacity が0以下なら DefaultQueueCapacity
func NewQueued(opener encoder.Opener, capacity int, opts Options) *Queued {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queued{
		opener:   opener,
		capacity: capacity,
		opts:     opts,
		log:      opts.logger().With("component", "recorder", "mode", "queued"),
		status:   StatusIdle,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Capacity はキューの上限を返す
func (q *Queued) Capacity() int {
	return q.capacity
}

// Start はライターを開いて書き込みゴルーチンを起動する
func (q *Queued) Start(p Params) error {
	q.mu.Lock()
	switch q.status {
	case StatusOpening, StatusActive, StatusStopping:
		q.mu.Unlock()
		return ErrAlreadyRecording
	}
	if err := p.validate(); err != nil {
		q.mu.Unlock()
		return err
	}
	q.status = StatusOpening
	q.mu.Unlock()

	w, err := q.opener.Open(encoder.Config{
		Path:        p.Path,
		Codec:       p.Codec,
		FrameRate:   p.FrameRate,
		Width:       p.Width,
		Height:      p.Height,
		BitRateKbps: p.BitRateKbps,
		Quality:     p.Quality,
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		q.status = StatusIdle
		return fmt.Errorf("%w: %v", ErrWriterOpenFailed, err)
	}

	q.writer = w
	q.params = p
	q.queue = make([]frame.Buffer, 0, q.capacity)
	q.stats = Stats{}
	q.stopRequested = false
	q.aborted = false
	q.abortErr = nil
	q.started = time.Now()
	q.status = StatusActive

	q.wg.Add(1)
	go q.consume(w)

	q.log.Info("録画を開始しました", "path", p.Path, "width", p.Width, "height", p.Height, "fps", p.FrameRate, "bitrate_kbps", p.BitRateKbps)
	return nil
}

// Submit はフレームを複製してキューに追加する
func (q *Queued) Submit(f frame.Buffer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.status != StatusActive || q.stopRequested {
		return
	}
	if !f.SameGeometry(q.params.Width, q.params.Height) {
		q.stats.Rejected++
		q.opts.Metrics.RecordingFrame(metrics.ResultRejected)
		if q.stats.Rejected == 1 {
			q.log.Warn("解像度の異なるフレームを記録しません", "frame", fmt.Sprintf("%dx%d", f.Width, f.Height), "writer", fmt.Sprintf("%dx%d", q.params.Width, q.params.Height))
		}
		return
	}
	if len(q.queue) >= q.capacity {
		q.stats.Dropped++
		q.opts.Metrics.RecordingFrame(metrics.ResultDropped)
		return
	}

	q.queue = append(q.queue, f.Clone())
	q.opts.Metrics.QueueDepth(len(q.queue))
	q.cond.Signal()
}

// consume はキューからフレームを取り出して書き込む
func (q *Queued) consume(w encoder.Writer) {
	defer q.wg.Done()

	var scratch []byte
	consecutive := 0
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.stopRequested {
			q.cond.Wait()
		}
		if len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		f := q.queue[0]
		n := copy(q.queue, q.queue[1:])
		q.queue[n] = frame.Buffer{}
		q.queue = q.queue[:n]
		q.mu.Unlock()
		q.opts.Metrics.QueueDepth(n)

		var err error
		scratch, err = frame.ToBGR24(scratch, f)
		if err == nil {
			err = w.Write(scratch)
		}
		if err == nil {
			consecutive = 0
			q.mu.Lock()
			q.stats.Written++
			q.mu.Unlock()
			q.opts.Metrics.RecordingFrame(metrics.ResultWritten)
			continue
		}

		consecutive++
		q.mu.Lock()
		q.stats.Failed++
		q.mu.Unlock()
		q.opts.Metrics.RecordingFrame(metrics.ResultFailed)
		q.log.Warn("フレームの書き込みに失敗しました", "sequence", f.Sequence, "consecutive", consecutive, "error", err)

		if limit := q.opts.MaxConsecutiveFailures; limit > 0 && consecutive >= limit {
			abortErr := fmt.Errorf("%w (%d回): %v", ErrTooManyFailures, consecutive, err)
			q.mu.Lock()
			q.aborted = true
			q.abortErr = abortErr
			q.stopRequested = true
			q.stats.Dropped += uint64(len(q.queue))
			q.queue = q.queue[:0]
			q.mu.Unlock()
			q.opts.Metrics.QueueDepth(0)

			q.log.Error("録画を中断しました", "error", abortErr)
			q.opts.notify(abortErr)
			return
		}
	}
}

// Stop は書き込みゴルーチンを起こして終了を待ち、ライターを閉じる
func (q *Queued) Stop() (Result, error) {
	q.mu.Lock()
	if q.status != StatusActive {
		q.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	q.status = StatusStopping
	q.stopRequested = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
	closeErr := q.writer.Close()

	q.mu.Lock()
	defer q.mu.Unlock()
	res := Result{
		ID:        q.params.ID,
		Path:      q.params.Path,
		Started:   q.started,
		Stopped:   time.Now(),
		Stats:     q.stats,
		Aborted:   q.aborted,
		AbortErr:  q.abortErr,
		CloseErr:  closeErr,
		FrameRate: q.params.FrameRate,
	}
	res.Stats.Queued = len(q.queue)
	q.writer = nil
	q.status = StatusClosed

	status := "completed"
	if q.aborted {
		status = "aborted"
	}
	q.opts.Metrics.RecordingFinished(status)
	q.opts.Metrics.QueueDepth(0)
	q.log.Info("録画を停止しました", "path", res.Path, "written", res.Stats.Written, "dropped", res.Stats.Dropped, "failed", res.Stats.Failed, "duration", res.Duration())

	if closeErr != nil {
		return res, fmt.Errorf("動画ライターのクローズに失敗: %w", closeErr)
	}
	return res, nil
}

// Status は現在の状態を返す
func (q *Queued) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Stats は現在のフレーム数を返す
func (q *Queued) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Queued = len(q.queue)
	return s
}
