package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"areacam/internal/camera"
	"areacam/internal/catalog"
	"areacam/internal/config"
	"areacam/internal/metrics"
)

// Deps はサーバーが使うコンポーネント
type Deps struct {
	Session *camera.Session
	// Monitor が nil ならデバイス一覧は要求のたびに列挙する
	Monitor *camera.DeviceMonitor
	// Catalog が nil なら /api/videos は 404 を返す
	Catalog catalog.Store
	// Stream が nil なら新しく作ってセッションの表示先に設定する
	Stream *Broadcaster
	// Registry が nil なら /metrics を公開しない
	Registry *prometheus.Registry
	Metrics  *metrics.Collectors
	Logger   *slog.Logger
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config  *config.Config
	session *camera.Session
	params  *camera.ParameterController
	monitor *camera.DeviceMonitor
	catalog catalog.Store
	stream  *Broadcaster
	log     *slog.Logger

	engine     *gin.Engine
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener

	done         chan struct{}
	shutdownOnce sync.Once
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "server")

	stream := deps.Stream
	if stream == nil {
		stream = NewBroadcaster(cfg.Server.StreamFPS, cfg.Server.StreamQuality, log, deps.Metrics)
		deps.Session.SetDisplaySink(stream)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))

	s := &Server{
		config:  cfg,
		session: deps.Session,
		params:  camera.NewParameterController(deps.Session),
		monitor: deps.Monitor,
		catalog: deps.Catalog,
		stream:  stream,
		log:     log,
		engine:  engine,
		done:    make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	s.setupRoutes(deps.Registry)
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes(reg *prometheus.Registry) {
	r := s.engine

	// ヘルスチェックエンドポイント
	r.GET("/health", s.HealthCheck)
	r.GET("/", s.Root)

	api := r.Group("/api")
	api.GET("/status", s.GetStatus)
	api.GET("/devices", s.GetDevices)

	api.POST("/session/open", s.OpenSession)
	api.POST("/session/close", s.CloseSession)

	api.POST("/grab/start", s.StartGrabbing)
	api.POST("/grab/stop", s.StopGrabbing)

	api.GET("/record", s.GetRecording)
	api.POST("/record/start", s.StartRecording)
	api.POST("/record/stop", s.StopRecording)

	api.POST("/snapshot", s.CaptureSnapshot)
	api.GET("/snapshot/latest", s.GetLatestFrame)

	api.GET("/params", s.GetParameters)
	api.GET("/params/:name", s.GetParameter)
	api.PUT("/params/:name", s.SetParameter)

	api.GET("/videos", s.ListVideos)
	api.GET("/videos/:id", s.DownloadVideo)
	api.DELETE("/videos/:id", s.DeleteVideo)

	api.GET("/stream", s.GetStream)
	api.GET("/stream/ws", s.GetStreamWebSocket)
	api.GET("/events", s.GetEvents)

	if reg != nil && s.config.Metrics.Enabled {
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(metrics.Handler(reg)))
	}
}

// Handler はルーティング済みの http.Handler を返す（テスト用）
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr は実際にリッスンしているアドレスを返す。起動前は設定値を返す
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Start はサーバーを起動し、ctx がキャンセルされるとシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.log.Info("HTTPサーバーを起動しています", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("コンテキストがキャンセルされました")
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.log.Info("サーバーをシャットダウンしています...")

		// 配信中の接続を先に終わらせる
		close(s.done)
		s.stream.Close()

		// 5秒のタイムアウトを設定
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if e := s.httpServer.Shutdown(ctx); e != nil {
			err = fmt.Errorf("サーバーのシャットダウンに失敗: %w", e)
			return
		}
		s.log.Info("サーバーが正常にシャットダウンされました")
	})
	return err
}

// requestLogger はリクエストごとに slog で記録するミドルウェア
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		log.Log(c.Request.Context(), level, "HTTPリクエスト",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
