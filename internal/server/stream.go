package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"areacam/internal/frame"
	"areacam/internal/imaging"
	"areacam/internal/metrics"
)

// clientBuffer は配信クライアントごとに溜めるJPEGフレーム数
const clientBuffer = 2

// Broadcaster はライブ表示用の DisplaySink
//
// OnFrame は取得ループから呼ばれるため、フレームを複製して渡すだけでブロックしない。
// JPEGへのエンコードは専用のゴルーチンで行い、各クライアントへ配る。
// 配信レートは fps で間引き、遅いクライアントにはフレームを送らない。
type Broadcaster struct {
	interval time.Duration
	quality  int
	log      *slog.Logger
	metrics  *metrics.Collectors

	mu      sync.Mutex
	clients map[string]chan []byte
	last    time.Time
	latest  []byte

	pending   chan frame.Buffer
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBroadcaster は新しい Broadcaster を作成してエンコードを開始する
func NewBroadcaster(fps, quality int, log *slog.Logger, m *metrics.Collectors) *Broadcaster {
	if fps <= 0 {
		fps = 15
	}
	if quality <= 0 || quality > 100 {
		quality = imaging.DefaultJPEGQuality
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Broadcaster{
		interval: time.Second / time.Duration(fps),
		quality:  quality,
		log:      log.With("component", "stream"),
		metrics:  m,
		clients:  make(map[string]chan []byte),
		pending:  make(chan frame.Buffer, 1),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.encodeLoop()
	return b
}

// OnFrame はフレームを受け取る。クライアントがいないか間隔が短すぎる場合は何もしない
func (b *Broadcaster) OnFrame(f frame.Buffer) {
	b.mu.Lock()
	if len(b.clients) == 0 {
		b.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Sub(b.last) < b.interval {
		b.mu.Unlock()
		return
	}
	b.last = now
	b.mu.Unlock()

	select {
	case b.pending <- f.Clone():
	default:
		// エンコードが追いついていない
		b.metrics.StreamFrame("skipped")
	}
}

// Subscribe はクライアントを登録し、IDとJPEGフレームのチャンネルと解除関数を返す
func (b *Broadcaster) Subscribe() (string, <-chan []byte, func()) {
	id := uuid.NewString()
	ch := make(chan []byte, clientBuffer)

	b.mu.Lock()
	b.clients[id] = ch
	// 直近のフレームがあれば最初に送る
	if b.latest != nil {
		ch <- b.latest
	}
	n := len(b.clients)
	b.mu.Unlock()

	b.metrics.StreamClients(n)
	b.log.Info("配信クライアントが接続しました", "client", id, "clients", n)

	var once sync.Once
	return id, ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, id)
			n := len(b.clients)
			b.mu.Unlock()
			b.metrics.StreamClients(n)
			b.log.Info("配信クライアントが切断しました", "client", id, "clients", n)
		})
	}
}

// Clients は接続中のクライアント数を返す
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close はエンコードを停止する。以降の OnFrame は配信されない
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
	})
}

func (b *Broadcaster) encodeLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case f := <-b.pending:
			data, err := imaging.EncodeJPEG(f, b.quality)
			if err != nil {
				b.metrics.StreamFrame("failed")
				b.log.Debug("配信フレームのエンコードに失敗しました", "sequence", f.Sequence, "error", err)
				continue
			}
			b.broadcast(data)
		}
	}
}

func (b *Broadcaster) broadcast(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = data
	for _, ch := range b.clients {
		select {
		case ch <- data:
			b.metrics.StreamFrame("sent")
		default:
			b.metrics.StreamFrame("skipped")
		}
	}
}
