package camera

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind はイベントの種類
type EventKind string

const (
	EventFrameAcquired     EventKind = "frame_acquired"
	EventResolutionChanged EventKind = "resolution_changed"
	EventRecordingStarted  EventKind = "recording_started"
	EventRecordingStopped  EventKind = "recording_stopped"
	EventRecordingError    EventKind = "recording_error"
	EventSessionOpened     EventKind = "session_opened"
	EventSessionClosed     EventKind = "session_closed"
	EventError             EventKind = "error"
	EventParametersReady   EventKind = "parameters_ready"
	EventSnapshotSaved     EventKind = "snapshot_saved"
)

// Event はセッションから通知されるイベント
// Kind に応じて該当するフィールドだけが設定される
type Event struct {
	Kind EventKind `json:"kind"`
	Time time.Time `json:"time"`

	Sequence   uint64            `json:"sequence,omitempty"`
	Width      int               `json:"width,omitempty"`
	Height     int               `json:"height,omitempty"`
	Device     *DeviceDescriptor `json:"device,omitempty"`
	Parameters *ParameterSet     `json:"parameters,omitempty"`
	Recording  *RecordingInfo    `json:"recording,omitempty"`
	Path       string            `json:"path,omitempty"`
	// RecordingStopped の場合のみ
	FramesWritten uint64        `json:"frames_written,omitempty"`
	FramesDropped uint64        `json:"frames_dropped,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	// Error / RecordingError の場合のみ
	Stage Stage `json:"stage,omitempty"`
	Err   error `json:"-"`
	Error string `json:"error,omitempty"`
}

// EventBus はイベントを発行順に購読者へ配送する
//
// 配送は単一のゴルーチンで行うため、購読者は発行順にイベントを受け取る。
// FrameAcquired はバッファが埋まっていれば捨てられ、それ以外のイベントはバッファが空くまで待つ。
type EventBus struct {
	ch      chan Event
	log     *slog.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	subs   map[int]func(Event)
	nextID int

	closeOnce sync.Once
	done      chan struct{}
}

// NewEventBus は容量 size のイベントバスを作成して配送を開始する
func NewEventBus(size int, log *slog.Logger) *EventBus {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = slog.Default()
	}
	b := &EventBus{
		ch:   make(chan Event, size),
		log:  log,
		subs: make(map[int]func(Event)),
		done: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe は購読者を登録し、解除用の関数を返す
func (b *EventBus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish はイベントを発行する
func (b *EventBus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}

	defer func() {
		// Close 後の発行は捨てる
		if recover() != nil {
			b.dropped.Add(1)
		}
	}()

	if ev.Kind == EventFrameAcquired {
		select {
		case b.ch <- ev:
		default:
			b.dropped.Add(1)
		}
		return
	}
	b.ch <- ev
}

// Dropped は捨てられたイベント数を返す
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close は残りのイベントを配送してから終了する
func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		close(b.ch)
		<-b.done
	})
}

func (b *EventBus) dispatch() {
	defer close(b.done)
	for ev := range b.ch {
		b.mu.RLock()
		subs := make([]func(Event), 0, len(b.subs))
		for id := 0; id < b.nextID; id++ {
			if fn, ok := b.subs[id]; ok {
				subs = append(subs, fn)
			}
		}
		b.mu.RUnlock()

		for _, fn := range subs {
			b.deliver(fn, ev)
		}
	}
}

func (b *EventBus) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("イベント購読者でpanicが発生しました", "kind", ev.Kind, "panic", r)
		}
	}()
	fn(ev)
}
