package camera

import (
	"errors"
	"fmt"

	"areacam/internal/recorder"
)

// デバイスエラー
var (
	ErrEnumerationFailed  = errors.New("デバイスの列挙に失敗しました")
	ErrIndexOutOfRange    = errors.New("デバイスインデックスが範囲外です")
	ErrHandleCreateFailed = errors.New("デバイスハンドルの作成に失敗しました")
	ErrOpenFailed         = errors.New("デバイスのオープンに失敗しました")
	ErrNotOpen            = errors.New("デバイスがオープンされていません")
)

// 取得エラー
var (
	ErrAcquisitionStartFailed = errors.New("画像取得の開始に失敗しました")
	ErrAlreadyGrabbing        = errors.New("既に画像取得中です")
	ErrNotGrabbing            = errors.New("画像取得中ではありません")
)

// 録画エラー（recorder パッケージと共通）
var (
	ErrAlreadyRecording  = recorder.ErrAlreadyRecording
	ErrNotRecording      = recorder.ErrNotRecording
	ErrNoFrameDimensions = recorder.ErrNoFrameDimensions
	ErrWriterOpenFailed  = recorder.ErrWriterOpenFailed
	ErrEncodeFailed      = recorder.ErrEncodeFailed
)

// スナップショットエラー
var (
	ErrNoFrameAvailable = errors.New("保存できるフレームがありません")
	ErrSaveFailed       = errors.New("スナップショットの保存に失敗しました")
)

// Stage はライフサイクルの段階
type Stage string

const (
	StageEnumerate    Stage = "enumerate"
	StageCreateHandle Stage = "create-handle"
	StageOpen         Stage = "open"
	StageStartGrab    Stage = "start-grab"
	StageStopGrab     Stage = "stop-grab"
	StageStartRecord  Stage = "start-record"
	StageStopRecord   Stage = "stop-record"
	StageRecord       Stage = "record"
	StageSnapshot     Stage = "snapshot"
	StageClose        Stage = "close"
)

// StageError は失敗した段階を伴うエラー
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf は err の失敗段階を返す
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// stageErr は sentinel と原因をまとめた StageError を作る
func stageErr(stage Stage, sentinel error, cause error) error {
	if cause == nil {
		return &StageError{Stage: stage, Err: sentinel}
	}
	return &StageError{Stage: stage, Err: fmt.Errorf("%w: %w", sentinel, cause)}
}
