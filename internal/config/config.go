package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Recording RecordingConfig `yaml:"recording"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト

	StreamFPS     int `yaml:"stream_fps"`     // ライブ配信のフレームレート上限
	StreamQuality int `yaml:"stream_quality"` // ライブ配信のJPEG品質
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend            string        `yaml:"backend"`               // "sim" または "v4l2"
	DeviceIndex        int           `yaml:"device_index"`          // 起動時にオープンするデバイス（-1なら開かない）
	AutoStart          bool          `yaml:"auto_start"`            // 起動時に取得を開始する
	PullTimeout        time.Duration `yaml:"pull_timeout"`          // フレーム取得のタイムアウト
	RetrySleep         time.Duration `yaml:"retry_sleep"`           // タイムアウト後の待ち時間
	FrameRateUICeiling float64       `yaml:"frame_rate_ui_ceiling"` // フレームレートの表示上限
	ScanInterval       time.Duration `yaml:"scan_interval"`         // デバイス一覧の更新間隔
	EventBuffer        int           `yaml:"event_buffer"`          // イベントバスの容量

	// 起動時に適用するパラメータ（0なら変更しない）
	Exposure  float64 `yaml:"exposure"`
	Gain      float64 `yaml:"gain"`
	FrameRate float64 `yaml:"frame_rate"`
	Width     int64   `yaml:"width"`
	Height    int64   `yaml:"height"`

	Sim  SimConfig  `yaml:"sim"`
	V4L2 V4L2Config `yaml:"v4l2"`
}

// SimConfig はシミュレーターの設定
type SimConfig struct {
	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	FrameRate   float64 `yaml:"frame_rate"`
	PixelFormat string  `yaml:"pixel_format"` // "mono8" / "rgb8" / "bgr8" / "yuv422"
}

// V4L2Config はUVCカメラの設定
type V4L2Config struct {
	Pattern   string  `yaml:"pattern"` // デバイスの glob パターン
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FrameRate float64 `yaml:"frame_rate"`
}

// RecordingConfig は録画の設定
type RecordingConfig struct {
	Dir                    string  `yaml:"dir"`
	Mode                   string  `yaml:"mode"`    // "queued" または "sdk"
	Encoder                string  `yaml:"encoder"` // "ffmpeg" または "gocv"
	Codec                  string  `yaml:"codec"`
	FrameRate              float64 `yaml:"frame_rate"`
	BitRateKbps            int     `yaml:"bit_rate_kbps"`
	Quality                int     `yaml:"quality"` // 1(低)〜5(高)、ビットレート指定がない場合に使う
	QueueCapacity          int     `yaml:"queue_capacity"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	RetentionDays          int     `yaml:"retention_days"` // 0なら削除しない
}

// SnapshotConfig はスナップショットの設定
type SnapshotConfig struct {
	Dir     string `yaml:"dir"`
	Format  string `yaml:"format"` // "bmp" / "jpeg" / "png"
	Quality int    `yaml:"quality"`
	UseSDK  bool   `yaml:"use_sdk"` // カメラSDKの画像保存を使う
}

// LogConfig はログの設定
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" または "json"
}

// MetricsConfig はメトリクスの設定
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  0, // ストリーミング用にタイムアウト無効化
			StreamFPS:     15,
			StreamQuality: 75,
		},
		Camera: CameraConfig{
			Backend:            "sim",
			DeviceIndex:        0,
			PullTimeout:        time.Second,
			RetrySleep:         5 * time.Millisecond,
			FrameRateUICeiling: 120,
			ScanInterval:       30 * time.Second,
			EventBuffer:        256,
			Sim: SimConfig{
				Width:       1280,
				Height:      1024,
				FrameRate:   23,
				PixelFormat: "rgb8",
			},
			V4L2: V4L2Config{
				Pattern:   "/dev/video*",
				Width:     1280,
				Height:    720,
				FrameRate: 15,
			},
		},
		Recording: RecordingConfig{
			Dir:           "recordings",
			Mode:          "queued",
			Encoder:       "ffmpeg",
			Codec:         "libx264",
			FrameRate:     25,
			Quality:       3,
			QueueCapacity: 30,
		},
		Snapshot: SnapshotConfig{
			Dir:     "snapshots",
			Format:  "bmp",
			Quality: 90,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load は設定を読み込む
// path が空ならデフォルト値から始め、YAMLファイル、環境変数の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.Backend = getEnvOrDefault("CAMERA_BACKEND", c.Camera.Backend)
	c.Camera.DeviceIndex = getEnvAsIntOrDefault("CAMERA_DEVICE_INDEX", c.Camera.DeviceIndex)
	c.Recording.Dir = getEnvOrDefault("RECORD_DIR", c.Recording.Dir)
	c.Recording.Mode = getEnvOrDefault("RECORD_MODE", c.Recording.Mode)
	c.Snapshot.Dir = getEnvOrDefault("SNAPSHOT_DIR", c.Snapshot.Dir)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("LOG_FORMAT", c.Log.Format)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	switch c.Camera.Backend {
	case "sim", "v4l2":
	default:
		return fmt.Errorf("無効なカメラバックエンド: %q", c.Camera.Backend)
	}
	if c.Camera.PullTimeout <= 0 {
		return fmt.Errorf("無効なフレーム取得タイムアウト: %v", c.Camera.PullTimeout)
	}
	if c.Camera.FrameRateUICeiling < 0 {
		return fmt.Errorf("無効なフレームレート表示上限: %v", c.Camera.FrameRateUICeiling)
	}

	switch c.Recording.Mode {
	case "queued", "sdk":
	default:
		return fmt.Errorf("無効な録画モード: %q", c.Recording.Mode)
	}
	if c.Recording.FrameRate <= 0 {
		return fmt.Errorf("無効な録画フレームレート: %v", c.Recording.FrameRate)
	}
	if c.Recording.QueueCapacity < 1 {
		return fmt.Errorf("無効な録画キュー容量: %d", c.Recording.QueueCapacity)
	}
	if c.Recording.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("無効な連続失敗数: %d", c.Recording.MaxConsecutiveFailures)
	}
	if c.Recording.Dir == "" {
		return fmt.Errorf("録画ディレクトリが設定されていません")
	}

	switch c.Snapshot.Format {
	case "bmp", "jpeg", "jpg", "png":
	default:
		return fmt.Errorf("無効な画像形式: %q", c.Snapshot.Format)
	}
	if c.Snapshot.Quality < 0 || c.Snapshot.Quality > 100 {
		return fmt.Errorf("無効な画像品質: %d", c.Snapshot.Quality)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("無効なログ形式: %q", c.Log.Format)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
