package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// SanitizeTask はタスク名をファイル名に使える形にする
// 英数字・アンダースコア・漢字・かな以外は "_" に置き換える
func SanitizeTask(task string) string {
	task = strings.TrimSpace(task)
	var b strings.Builder
	for _, r := range task {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'):
			b.WriteRune(r)
		case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// VideoFileName は録画ファイル名を返す
// タスク名があれば "20060102_タスク.mp4"、なければ "VID_20060102_150405.mp4"
func VideoFileName(now time.Time, task, ext string) string {
	if ext == "" {
		ext = ".mp4"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if t := SanitizeTask(task); t != "" {
		return now.Format("20060102") + "_" + t + ext
	}
	return "VID_" + now.Format("20060102_150405") + ext
}

// SnapshotFileName はスナップショットのファイル名を返す（ミリ秒まで含む）
func SnapshotFileName(now time.Time, ext string) string {
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("SNAP_%s_%03d%s", now.Format("20060102_150405"), now.Nanosecond()/int(time.Millisecond), ext)
}

// UniquePath は dir/name が既に存在すれば "_1", "_2" … を付けて重複しないパスを返す
// dir がなければ作成する
func UniquePath(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("ディレクトリの作成に失敗: %w", err)
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	path := filepath.Join(dir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		} else if err != nil {
			return "", fmt.Errorf("ファイルの確認に失敗: %w", err)
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
	}
}
