package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"areacam/internal/camera"
	"areacam/internal/catalog"
	"areacam/internal/imaging"
	"areacam/internal/recorder"
	"areacam/internal/sdk"
)

var errBadRequest = errors.New("リクエストが不正です")

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
	SDKCode   string    `json:"sdk_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// errorStatuses はエラーとHTTPステータスの対応。先に一致したものを使う
var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{errUnknownParam, http.StatusBadRequest, "unknown_parameter"},
	{imaging.ErrUnknownFormat, http.StatusBadRequest, "unknown_format"},
	{recorder.ErrInvalidFrameRate, http.StatusBadRequest, "invalid_frame_rate"},

	{camera.ErrIndexOutOfRange, http.StatusNotFound, "device_not_found"},
	{catalog.ErrNotFound, http.StatusNotFound, "video_not_found"},

	{camera.ErrNotOpen, http.StatusConflict, "not_open"},
	{camera.ErrAlreadyGrabbing, http.StatusConflict, "already_grabbing"},
	{camera.ErrNotGrabbing, http.StatusConflict, "not_grabbing"},
	{camera.ErrAlreadyRecording, http.StatusConflict, "already_recording"},
	{camera.ErrNotRecording, http.StatusConflict, "not_recording"},
	{camera.ErrNoFrameDimensions, http.StatusConflict, "no_frame_dimensions"},
	{camera.ErrNoFrameAvailable, http.StatusConflict, "no_frame_available"},

	{camera.ErrEnumerationFailed, http.StatusServiceUnavailable, "enumeration_failed"},
	{camera.ErrHandleCreateFailed, http.StatusServiceUnavailable, "handle_create_failed"},
	{camera.ErrOpenFailed, http.StatusServiceUnavailable, "open_failed"},
	{camera.ErrAcquisitionStartFailed, http.StatusServiceUnavailable, "acquisition_start_failed"},

	{camera.ErrWriterOpenFailed, http.StatusInternalServerError, "writer_open_failed"},
	{camera.ErrSaveFailed, http.StatusInternalServerError, "save_failed"},
}

// statusOf はエラーに対応するHTTPステータスとエラーコードを返す
func statusOf(err error) (int, string) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	if code, ok := sdk.CodeOf(err); ok {
		switch code {
		case sdk.CodeParameter:
			return http.StatusBadRequest, "invalid_parameter"
		case sdk.CodeSupport:
			return http.StatusBadRequest, "unsupported"
		case sdk.CodeAccessDenied:
			return http.StatusConflict, "device_busy"
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// respondError はエラーをJSONで返す
func respondError(c *gin.Context, err error) {
	status, code := statusOf(err)
	resp := ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	}
	if stage, ok := camera.StageOf(err); ok {
		resp.Stage = string(stage)
	}
	if sc, ok := sdk.CodeOf(err); ok {
		resp.SDKCode = fmt.Sprintf("0x%08X", uint32(sc))
	}
	c.AbortWithStatusJSON(status, resp)
}
