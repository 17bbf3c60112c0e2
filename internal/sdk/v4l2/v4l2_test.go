package v4l2

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areacam/internal/sdk"
)

func TestExtractDeviceNumber(t *testing.T) {
	tests := []struct {
		device   string
		expected int
	}{
		{"/dev/video0", 0},
		{"/dev/video1", 1},
		{"/dev/video10", 10},
		{"/dev/invalid", 0},
	}

	for _, tt := range tests {
		if got := extractDeviceNumber(tt.device); got != tt.expected {
			t.Errorf("extractDeviceNumber(%s) = %d, expected %d", tt.device, got, tt.expected)
		}
	}
}

func TestParseControls(t *testing.T) {
	out := `
User Controls

                     brightness 0x00980900 (int)    : min=-64 max=64 step=1 default=0 value=10
                           gain 0x00980913 (int)    : min=0 max=100 step=1 default=0 value=32

Camera Controls

         exposure_time_absolute 0x009a0902 (int)    : min=1 max=5000 step=1 default=157 value=157 flags=inactive
`
	ctrls := parseControls(out)
	require.Len(t, ctrls, 3)
	assert.Equal(t, control{Min: -64, Max: 64, Step: 1, Value: 10}, ctrls["brightness"])
	assert.Equal(t, int64(32), ctrls["gain"].Value)
	assert.Equal(t, int64(5000), ctrls["exposure_time_absolute"].Max)
}

func TestMaxResolution(t *testing.T) {
	out := `
	[0]: 'MJPG' (Motion-JPEG, compressed)
		Size: Discrete 640x480
		Size: Discrete 1920x1080
		Size: Discrete 1280x720
`
	w, h := maxResolution(out)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	w, h = maxResolution("")
	assert.Zero(t, w)
	assert.Zero(t, h)
}

func TestParseInfo(t *testing.T) {
	out := `Driver Info:
	Driver name      : uvcvideo
	Card type        : HD Pro Webcam C920
	Bus info         : usb-0000:00:14.0-1
`
	info := parseInfo(out)
	assert.Equal(t, "HD Pro Webcam C920", info["Card type"])
	assert.Equal(t, "usb-0000:00:14.0-1", info["Bus info"])
	assert.Equal(t, "uvcvideo", info["Driver name"])
}

func TestHasColorFormat(t *testing.T) {
	assert.True(t, hasColorFormat("[0]: 'YUYV'"))
	assert.True(t, hasColorFormat("[1]: 'MJPG'"))
	assert.False(t, hasColorFormat("[0]: 'GREY'"))
	assert.False(t, hasColorFormat(""))
}

func TestEnumerate_NoDevices(t *testing.T) {
	d := NewDriver()
	d.Pattern = t.TempDir() + "/video*"

	devices, err := d.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestCamera_Unsupported(t *testing.T) {
	d := NewDriver()
	cam, err := d.CreateHandle(sdk.DeviceInfo{Path: "/dev/video99"})
	require.NoError(t, err)

	assert.NoError(t, cam.SetEnumValue(sdk.ParamTriggerMode, sdk.TriggerModeOff))
	assert.Error(t, cam.SetEnumValue(sdk.ParamTriggerMode, 1))
	_, err = cam.OptimalPacketSize()
	assert.Error(t, err)
	assert.Error(t, cam.StartRecord(sdk.RecordParams{}))

	// 存在しないデバイスは開けない
	assert.Error(t, cam.Open())

	_, err = d.CreateHandle(sdk.DeviceInfo{})
	assert.Error(t, err)
}
