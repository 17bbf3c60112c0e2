package sdk

import (
	"errors"
	"fmt"
)

// Code はSDKのステータスコード
type Code uint32

const (
	CodeHandle       Code = 0x80000000 // 無効なハンドル
	CodeSupport      Code = 0x80000001 // 未対応の機能
	CodeBufOver      Code = 0x80000002 // バッファ不足
	CodeCallOrder    Code = 0x80000003 // 呼び出し順序の誤り
	CodeParameter    Code = 0x80000004 // 不正なパラメータ
	CodeResource     Code = 0x80000006 // リソース確保失敗
	CodeNoData       Code = 0x80000007 // データなし（タイムアウト）
	CodeUnknown      Code = 0x800000FF
	CodeAccessDenied Code = 0x80000203 // デバイスが他で使用中
)

// ErrTimeout は PullFrame がタイムアウト内にフレームを得られなかったことを示す
var ErrTimeout = errors.New("フレーム取得がタイムアウトしました")

// Error はSDK呼び出しの失敗を表す
type Error struct {
	Op   string // 失敗した操作名
	Code Code
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: SDKステータス 0x%08X", e.Op, uint32(e.Code))
}

// Is は CodeNoData を ErrTimeout と同一視する
func (e *Error) Is(target error) bool {
	return target == ErrTimeout && e.Code == CodeNoData
}

// NewError は Error を生成する
func NewError(op string, code Code) error {
	return &Error{Op: op, Code: code}
}

// CodeOf は err に含まれるSDKステータスコードを返す
func CodeOf(err error) (Code, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}
