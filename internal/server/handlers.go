package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"areacam/internal/camera"
	"areacam/internal/catalog"
	"areacam/internal/imaging"
	"areacam/internal/recorder"
	"areacam/internal/sdk"
)

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバーのリッスン設定
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status        string            `json:"status"`
	Server        ServerInfo        `json:"server"`
	Camera        camera.StatusView `json:"camera"`
	StreamClients int               `json:"stream_clients"`
	EventsDropped uint64            `json:"events_dropped"`
	Timestamp     time.Time         `json:"timestamp"`
}

// DevicesResponse はデバイス一覧の応答
type DevicesResponse struct {
	Devices  []camera.KnownDevice `json:"devices"`
	LastScan time.Time            `json:"last_scan"`
}

// OpenRequest はデバイスオープンの要求。Index が nil なら設定のデバイスを開く
type OpenRequest struct {
	Index *int `json:"index"`
}

// RecordStartRequest は録画開始の要求
type RecordStartRequest struct {
	Path        string  `json:"path"` // 録画ディレクトリ内のファイル名
	Task        string  `json:"task"`
	FrameRate   float64 `json:"frame_rate"`
	BitRateKbps int     `json:"bit_rate_kbps"`
}

// RecordResultResponse は録画停止の応答
type RecordResultResponse struct {
	ID            string        `json:"id"`
	Path          string        `json:"path"`
	FramesWritten uint64        `json:"frames_written"`
	FramesDropped uint64        `json:"frames_dropped"`
	Duration      time.Duration `json:"duration"`
	Aborted       bool          `json:"aborted"`
}

// SnapshotRequest はスナップショットの要求。空の項目は設定値を使う
type SnapshotRequest struct {
	Format  string `json:"format"`
	Quality int    `json:"quality"`
	UseSDK  *bool  `json:"use_sdk"`
}

// SnapshotResponse はスナップショットの応答
type SnapshotResponse struct {
	Path string `json:"path"`
}

// ParamRequest はパラメータ設定の要求
type ParamRequest struct {
	Value *float64 `json:"value"`
}

// ParamResponse はパラメータ設定の応答
type ParamResponse struct {
	Name    string                 `json:"name"`
	Value   float64                `json:"value"`
	Pending bool                   `json:"pending"` // クローズ中で次のオープン時に適用される
	Range   *camera.ParameterRange `json:"range,omitempty"`
}

// VideosResponse は動画一覧の応答
type VideosResponse struct {
	Videos []catalog.Record `json:"videos"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (s *Server) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (s *Server) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		Camera:        s.session.Status(),
		StreamClients: s.stream.Clients(),
		EventsDropped: s.session.Events().Dropped(),
		Timestamp:     time.Now(),
	})
}

// GetDevices はデバイス一覧取得エンドポイントの実装
// refresh=1 を付けると列挙し直す
func (s *Server) GetDevices(c *gin.Context) {
	ctx := c.Request.Context()

	if s.monitor == nil {
		descs, err := s.session.Enumerate(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		now := time.Now()
		devices := make([]camera.KnownDevice, 0, len(descs))
		for _, d := range descs {
			devices = append(devices, camera.KnownDevice{DeviceDescriptor: d, FirstSeen: now, LastSeen: now})
		}
		c.JSON(http.StatusOK, DevicesResponse{Devices: devices, LastScan: now})
		return
	}

	if c.Query("refresh") == "1" {
		if _, _, err := s.monitor.Refresh(ctx); err != nil {
			respondError(c, err)
			return
		}
	}
	last, _ := s.monitor.LastScan()
	c.JSON(http.StatusOK, DevicesResponse{Devices: s.monitor.Devices(), LastScan: last})
}

// OpenSession はデバイスをオープンする
func (s *Server) OpenSession(c *gin.Context) {
	var req OpenRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	index := s.config.Camera.DeviceIndex
	if req.Index != nil {
		index = *req.Index
	}
	if err := s.session.Open(c.Request.Context(), index); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.session.Status())
}

// CloseSession はデバイスをクローズする
func (s *Server) CloseSession(c *gin.Context) {
	if err := s.session.Close(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.session.Status())
}

// StartGrabbing は画像取得を開始する
func (s *Server) StartGrabbing(c *gin.Context) {
	if err := s.session.StartGrabbing(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.session.Status())
}

// StopGrabbing は画像取得を停止する
func (s *Server) StopGrabbing(c *gin.Context) {
	if err := s.session.StopGrabbing(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.session.Status())
}

// GetRecording は録画の経過情報を返す
func (s *Server) GetRecording(c *gin.Context) {
	rs, ok := s.session.RecordingStatus()
	if !ok {
		respondError(c, camera.ErrNotRecording)
		return
	}
	c.JSON(http.StatusOK, rs)
}

// StartRecording は録画を開始する
func (s *Server) StartRecording(c *gin.Context) {
	var req RecordStartRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	path, err := s.recordPath(req.Path)
	if err != nil {
		respondError(c, err)
		return
	}
	info, err := s.session.StartRecording(camera.RecordRequest{
		Path:        path,
		Task:        req.Task,
		FrameRate:   req.FrameRate,
		BitRateKbps: req.BitRateKbps,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// recordPath は要求されたファイル名を録画ディレクトリ配下の重複しないパスにする
// ディレクトリを含む名前は受け付けない
func (s *Server) recordPath(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if name == "." || !filepath.IsLocal(name) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: ファイル名のみ指定できます: %q", errBadRequest, name)
	}
	path, err := recorder.UniquePath(s.config.Recording.Dir, name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", camera.ErrWriterOpenFailed, err)
	}
	return path, nil
}

// StopRecording は録画を停止する
func (s *Server) StopRecording(c *gin.Context) {
	res, err := s.session.StopRecording()
	if err != nil && res.Path == "" {
		respondError(c, err)
		return
	}
	if err != nil {
		// ファイルは書き出せているのでクローズエラーは記録だけする
		s.log.Warn("録画の停止でエラーが発生しました", "path", res.Path, "error", err)
	}
	c.JSON(http.StatusOK, resultResponse(res))
}

func resultResponse(res recorder.Result) RecordResultResponse {
	return RecordResultResponse{
		ID:            res.ID,
		Path:          res.Path,
		FramesWritten: res.Stats.Written,
		FramesDropped: res.Stats.Dropped,
		Duration:      res.Duration(),
		Aborted:       res.Aborted,
	}
}

// CaptureSnapshot は最新フレームをスナップショットディレクトリに保存する
func (s *Server) CaptureSnapshot(c *gin.Context) {
	var req SnapshotRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	cfg := s.config.Snapshot
	name := req.Format
	if name == "" {
		name = cfg.Format
	}
	format, err := imaging.ParseFormat(name)
	if err != nil {
		respondError(c, err)
		return
	}
	quality := cfg.Quality
	if req.Quality > 0 {
		quality = req.Quality
	}
	useSDK := cfg.UseSDK
	if req.UseSDK != nil {
		useSDK = *req.UseSDK
	}

	path, err := s.session.CaptureSnapshot(cfg.Dir, format, quality, useSDK)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SnapshotResponse{Path: path})
}

// GetLatestFrame は最新フレームを画像として返す（format=jpeg|png|bmp）
func (s *Server) GetLatestFrame(c *gin.Context) {
	f, ok := s.session.LatestFrame()
	if !ok {
		respondError(c, camera.ErrNoFrameAvailable)
		return
	}
	format := sdk.ImageJPEG
	if q := c.Query("format"); q != "" {
		var err error
		if format, err = imaging.ParseFormat(q); err != nil {
			respondError(c, err)
			return
		}
	}
	img, err := imaging.ToImage(f)
	if err != nil {
		respondError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, s.config.Server.StreamQuality); err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, contentTypes[format], buf.Bytes())
}

var contentTypes = map[sdk.ImageFormat]string{
	sdk.ImageJPEG: "image/jpeg",
	sdk.ImagePNG:  "image/png",
	sdk.ImageBMP:  "image/bmp",
}

// GetParameters はパラメータ一式を返す
func (s *Server) GetParameters(c *gin.Context) {
	set, err := s.session.Parameters()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

// apiParams は HTTP API から操作できるパラメータ
var apiParams = map[string]bool{
	sdk.ParamExposureTime:               true,
	sdk.ParamGain:                       true,
	sdk.ParamAcquisitionFrameRate:       true,
	sdk.ParamAcquisitionFrameRateEnable: true,
	sdk.ParamWidth:                      true,
	sdk.ParamHeight:                     true,
	sdk.ParamOffsetX:                    true,
	sdk.ParamOffsetY:                    true,
	sdk.ParamBinningHorizontal:          true,
	sdk.ParamBinningVertical:            true,
}

var errUnknownParam = errors.New("未知のパラメータです")

// GetParameter はひとつのパラメータの範囲と現在値を返す
func (s *Server) GetParameter(c *gin.Context) {
	name := c.Param("name")
	if !apiParams[name] {
		respondError(c, fmt.Errorf("%w: %s", errUnknownParam, name))
		return
	}
	var (
		r   camera.ParameterRange
		err error
	)
	if name == sdk.ParamAcquisitionFrameRate {
		r, err = s.params.FrameRateRange()
	} else {
		r, err = s.session.GetParam(name)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// SetParameter はパラメータを設定する
func (s *Server) SetParameter(c *gin.Context) {
	name := c.Param("name")
	if !apiParams[name] {
		respondError(c, fmt.Errorf("%w: %s", errUnknownParam, name))
		return
	}
	var req ParamRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Value == nil {
		respondError(c, errBadRequest)
		return
	}

	applied, err := s.params.Set(name, *req.Value)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := ParamResponse{Name: name, Value: applied}
	if s.session.State() == camera.StateClosed {
		resp.Pending = true
	} else if sdk.KindOf(name) != sdk.KindBool {
		if r, err := s.session.GetParam(name); err == nil {
			resp.Range = &r
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ListVideos は録画済み動画の一覧を返す
func (s *Server) ListVideos(c *gin.Context) {
	if s.catalog == nil {
		respondError(c, catalog.ErrNotFound)
		return
	}
	records, err := s.catalog.List()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, VideosResponse{Videos: records})
}

// DownloadVideo は動画ファイルを返す
func (s *Server) DownloadVideo(c *gin.Context) {
	if s.catalog == nil {
		respondError(c, catalog.ErrNotFound)
		return
	}
	r, err := s.catalog.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.FileAttachment(r.Path, r.FileName)
}

// DeleteVideo は動画を削除する
func (s *Server) DeleteVideo(c *gin.Context) {
	if s.catalog == nil {
		respondError(c, catalog.ErrNotFound)
		return
	}
	if err := s.catalog.Remove(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Root はルートパスのハンドラ
func (s *Server) Root(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>areacam - エリアスキャンカメラ</title>
</head>
<body>
    <h1>areacam</h1>
    <p><img src="/api/stream" alt="ライブ映像"></p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>パラメータ: <a href="/api/params">/api/params</a></p>
    <p>録画一覧: <a href="/api/videos">/api/videos</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`))
}

// bindOptionalJSON は本文があれば JSON として読む。失敗時は 400 を返して false
func bindOptionalJSON(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		respondError(c, fmt.Errorf("%w: %w", errBadRequest, err))
		return false
	}
	return true
}
