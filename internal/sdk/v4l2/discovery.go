// Package v4l2 は v4l2-ctl と ffmpeg を使って UVC カメラを sdk.Driver として扱う
//
// # 前提要件
//   - v4l2-ctl (v4l-utils) と ffmpeg がインストールされていること
//   - /dev/video* への読み取り権限があること
//
// フレームは ffmpeg から rawvideo (rgb24) として受け取り、固定数のバッファで受け渡す。
// 露光時間とゲインは v4l2 のコントロール（exposure_time_absolute, gain）に対応付ける。
// SDKネイティブ録画には対応しない。
package v4l2

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"areacam/internal/sdk"
)

// Driver は UVC カメラの sdk.Driver 実装
type Driver struct {
	Pattern   string  // デバイスのglobパターン（既定 /dev/video*）
	FFmpeg    string  // ffmpeg の実行ファイル
	V4L2Ctl   string  // v4l2-ctl の実行ファイル
	Width     int     // 初期幅
	Height    int     // 初期高さ
	FrameRate float64 // 初期フレームレート
}

var _ sdk.Driver = (*Driver)(nil)

// NewDriver はデフォルト設定の Driver を作成する
func NewDriver() *Driver {
	return &Driver{
		Pattern:   "/dev/video*",
		FFmpeg:    "ffmpeg",
		V4L2Ctl:   "v4l2-ctl",
		Width:     1280,
		Height:    720,
		FrameRate: 30,
	}
}

// Enumerate はシステム内の利用可能なカメラデバイスをスキャンする
// メタデータ専用ノードや同一カメラの重複ノードは除外する
func (d *Driver) Enumerate(ctx context.Context) ([]sdk.DeviceInfo, error) {
	matches, err := filepath.Glob(d.Pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []sdk.DeviceInfo
	seen := make(map[string]bool)
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !isDeviceAvailable(match) {
			continue
		}
		formats, err := d.run(ctx, match, "--list-formats-ext")
		if err != nil || !hasColorFormat(formats) {
			continue
		}

		info := parseInfo(d.infoOutput(ctx, match))
		name := info["Card type"]
		if name == "" {
			name = fmt.Sprintf("カメラ %d", extractDeviceNumber(match))
		}
		// 同じ物理デバイスの複数ノードは最も小さい番号を採用
		key := name + "|" + info["Bus info"]
		if seen[key] {
			continue
		}
		seen[key] = true

		devices = append(devices, sdk.DeviceInfo{
			Index:        len(devices),
			Name:         name,
			SerialNumber: info["Bus info"],
			Transport:    sdk.TransportUSB,
			Path:         match,
		})
	}
	return devices, nil
}

// CreateHandle はデバイスハンドルを生成する
func (d *Driver) CreateHandle(info sdk.DeviceInfo) (sdk.Camera, error) {
	if info.Path == "" {
		return nil, sdk.NewError("CreateHandle", sdk.CodeParameter)
	}
	return newCamera(d, info), nil
}

func (d *Driver) infoOutput(ctx context.Context, device string) string {
	out, err := d.run(ctx, device, "--info")
	if err != nil {
		return ""
	}
	return out
}

// run は v4l2-ctl を実行して標準出力を返す
func (d *Driver) run(ctx context.Context, device string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	full := append([]string{"--device", device}, args...)
	output, err := exec.CommandContext(ctx, d.V4L2Ctl, full...).Output()
	if err != nil {
		return "", fmt.Errorf("v4l2-ctl %s の実行に失敗: %w", strings.Join(args, " "), err)
	}
	return string(output), nil
}

// isDeviceAvailable はデバイスファイルが存在し読み取り可能かチェックする
func isDeviceAvailable(device string) bool {
	if ok, _ := regexp.MatchString(`^/dev/video\d+$`, device); !ok {
		return false
	}
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// hasColorFormat はカラーフォーマット（YUYV / MJPG）をサポートしているか判定する
// グレースケールのみ・メタデータのみのノードは false
func hasColorFormat(formats string) bool {
	return strings.Contains(formats, "YUYV") || strings.Contains(formats, "MJPG")
}

// parseInfo は v4l2-ctl --info の "key : value" 行をマップにする
func parseInfo(output string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key != "" && value != "" {
			if _, exists := info[key]; !exists {
				info[key] = value
			}
		}
	}
	return info
}

var deviceNumberRe = regexp.MustCompile(`video(\d+)`)

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberRe.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// control は v4l2 コントロールの範囲と値
type control struct {
	Min, Max, Step, Value int64
}

var ctrlLineRe = regexp.MustCompile(`^\s*(\w+)\s+0x[0-9a-fA-F]+\s+\((\w+)\)\s*:\s*(.*)$`)

// parseControls は v4l2-ctl --list-ctrls の出力を解析する
func parseControls(output string) map[string]control {
	ctrls := make(map[string]control)
	for _, line := range strings.Split(output, "\n") {
		m := ctrlLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		var c control
		for _, field := range strings.Fields(m[3]) {
			kv := strings.SplitN(field, "=", 2)
			if len(kv) != 2 {
				continue
			}
			v, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				continue
			}
			switch kv[0] {
			case "min":
				c.Min = v
			case "max":
				c.Max = v
			case "step":
				c.Step = v
			case "value":
				c.Value = v
			}
		}
		ctrls[m[1]] = c
	}
	return ctrls
}

var sizeRe = regexp.MustCompile(`Size: Discrete (\d+)x(\d+)`)

// maxResolution は --list-formats-ext の出力から最大解像度を返す
func maxResolution(formats string) (int, int) {
	var w, h int
	for _, m := range sizeRe.FindAllStringSubmatch(formats, -1) {
		mw, _ := strconv.Atoi(m[1])
		mh, _ := strconv.Atoi(m[2])
		if mw*mh > w*h {
			w, h = mw, mh
		}
	}
	return w, h
}
