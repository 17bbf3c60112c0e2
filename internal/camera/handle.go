package camera

import (
	"errors"
	"log/slog"

	"areacam/internal/sdk"
)

// handle はデバイスハンドルの所有者
// release はどの経路でも必ずハンドルを破棄する
type handle struct {
	cam      sdk.Camera
	info     sdk.DeviceInfo
	opened   bool
	released bool
}

func newHandle(cam sdk.Camera, info sdk.DeviceInfo) *handle {
	return &handle{cam: cam, info: info}
}

// open はデバイスをオープンし、成功したことを記録する
func (h *handle) open() error {
	if err := h.cam.Open(); err != nil {
		return err
	}
	h.opened = true
	return nil
}

// release はオープン済みならクローズし、ハンドルを破棄する。2回目以降は何もしない
func (h *handle) release(log *slog.Logger) error {
	if h == nil || h.released {
		return nil
	}
	h.released = true

	var errs []error
	if h.opened {
		if err := h.cam.Close(); err != nil {
			log.Warn("デバイスのクローズに失敗しました", "device", h.info.Name, "error", err)
			errs = append(errs, err)
		}
		h.opened = false
	}
	if err := h.cam.Destroy(); err != nil {
		log.Warn("ハンドルの破棄に失敗しました", "device", h.info.Name, "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
