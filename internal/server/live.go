package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"areacam/internal/camera"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
	eventBuffer  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// requireGrabbing は取得中でなければ 503 を返して false
func (s *Server) requireGrabbing(c *gin.Context) bool {
	switch s.session.State() {
	case camera.StateGrabbing, camera.StateGrabbingAndRecording:
		return true
	}
	_, code := statusOf(camera.ErrNotGrabbing)
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:     code,
		Message:   "カメラが画像取得中ではありません",
		Timestamp: time.Now(),
	})
	return false
}

// GetStream はMJPEGストリーミングエンドポイントの実装
func (s *Server) GetStream(c *gin.Context) {
	if !s.requireGrabbing(c) {
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	writer := c.Writer
	_, frames, cancel := s.stream.Subscribe()
	defer cancel()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	// ストリーミングループ
	for {
		select {
		case <-clientGone:
			return
		case <-s.done:
			return
		case data := <-frames:
			if _, err := writer.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
				return
			}
			if _, err := writer.Write(data); err != nil {
				return
			}
			if _, err := writer.Write([]byte("\r\n")); err != nil {
				return
			}
			// バッファをフラッシュ
			writer.Flush()
		}
	}
}

// GetStreamWebSocket はJPEGフレームをWebSocketのバイナリメッセージで配信する
func (s *Server) GetStreamWebSocket(c *gin.Context) {
	if !s.requireGrabbing(c) {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("WebSocketへのアップグレードに失敗しました", "error", err)
		return
	}
	defer conn.Close()

	id, frames, cancel := s.stream.Subscribe()
	defer cancel()

	// クライアントからの切断を読み取りで検知する
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(writeWait))
			return
		case data := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.log.Debug("WebSocketへの送信に失敗しました", "client", id, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// GetEvents はセッションのイベントを Server-Sent Events で配信する
// frames=1 を付けると FrameAcquired も送る
func (s *Server) GetEvents(c *gin.Context) {
	withFrames := c.Query("frames") == "1"

	events := make(chan camera.Event, eventBuffer)
	unsubscribe := s.session.Events().Subscribe(func(ev camera.Event) {
		if ev.Kind == camera.EventFrameAcquired && !withFrames {
			return
		}
		select {
		case events <- ev:
		default:
			// 遅いクライアントの分は捨てる
		}
	})
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// 購読が始まったことをクライアントに知らせる
	c.SSEvent("ready", gin.H{"state": s.session.State().String()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-s.done:
			return false
		case ev := <-events:
			c.SSEvent(string(ev.Kind), ev)
			return true
		}
	})
}
