package sim

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areacam/internal/encoder"
	"areacam/internal/sdk"
)

func smallDriver() *Driver {
	return NewDriver(Options{Width: 16, Height: 8, FrameRate: 200, BufferCount: 2})
}

func openCamera(t *testing.T, d *Driver, index int) sdk.Camera {
	t.Helper()
	devices, err := d.Enumerate(context.Background())
	require.NoError(t, err)
	cam, err := d.CreateHandle(devices[index])
	require.NoError(t, err)
	require.NoError(t, cam.Open())
	return cam
}

func TestEnumerate(t *testing.T) {
	d := NewDriver(Options{})

	devices, err := d.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, 0, devices[0].Index)
	assert.Equal(t, sdk.TransportNetwork, devices[0].Transport)
	assert.Equal(t, 1, devices[1].Index)
	assert.Equal(t, sdk.TransportUSB, devices[1].Transport)
}

func TestEnumerate_Fault(t *testing.T) {
	d := NewDriver(Options{})
	d.SetFault(OpEnumerate, errors.New("bus error"))

	_, err := d.Enumerate(context.Background())
	assert.Error(t, err)

	d.SetFault(OpEnumerate, nil)
	_, err = d.Enumerate(context.Background())
	assert.NoError(t, err)
}

func TestOpen_IsExclusive(t *testing.T) {
	d := smallDriver()
	cam := openCamera(t, d, 0)

	devices, _ := d.Enumerate(context.Background())
	other, err := d.CreateHandle(devices[0])
	require.NoError(t, err)

	err = other.Open()
	code, ok := sdk.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, sdk.CodeAccessDenied, code)

	require.NoError(t, cam.Close())
	require.NoError(t, cam.Destroy())
	assert.NoError(t, other.Open())
}

func TestIntParams_EnforceIncrement(t *testing.T) {
	d := smallDriver()
	cam := openCamera(t, d, 0)

	v, err := cam.GetIntValue(sdk.ParamWidth)
	require.NoError(t, err)
	assert.Equal(t, int64(8), v.Inc)
	assert.Equal(t, int64(16), v.Current)

	assert.Error(t, cam.SetIntValue(sdk.ParamWidth, 13))
	require.NoError(t, cam.SetIntValue(sdk.ParamWidth, 24))

	v, _ = cam.GetIntValue(sdk.ParamWidth)
	assert.Equal(t, int64(24), v.Current)
}

func TestFloatParams_Range(t *testing.T) {
	d := smallDriver()
	cam := openCamera(t, d, 0)

	require.NoError(t, cam.SetFloatValue(sdk.ParamGain, 5))
	assert.Error(t, cam.SetFloatValue(sdk.ParamGain, 100))

	v, err := cam.GetFloatValue(sdk.ParamGain)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v.Current)
	assert.Equal(t, 1, d.Stats().ParamWrites[sdk.ParamGain])
}

func TestOptimalPacketSize(t *testing.T) {
	d := smallDriver()

	gige := openCamera(t, d, 0)
	size, err := gige.OptimalPacketSize()
	require.NoError(t, err)
	assert.Positive(t, size)

	usb := openCamera(t, d, 1)
	_, err = usb.OptimalPacketSize()
	assert.Error(t, err)
}

func TestPullFrame_RequiresGrabbing(t *testing.T) {
	d := smallDriver()
	cam := openCamera(t, d, 0)

	_, err := cam.PullFrame(10 * time.Millisecond)
	code, _ := sdk.CodeOf(err)
	assert.Equal(t, sdk.CodeCallOrder, code)
}

func TestPullFrame_ProducesFrames(t *testing.T) {
	d := smallDriver()
	cam := openCamera(t, d, 0)
	require.NoError(t, cam.StartGrabbing())

	var last uint64
	for i := 0; i < 5; i++ {
		out, err := cam.PullFrame(time.Second)
		require.NoError(t, err)
		assert.Equal(t, 16, out.Info.Width)
		assert.Equal(t, 8, out.Info.Height)
		assert.Len(t, out.Data, 16*8*3)
		assert.Greater(t, out.Info.FrameNum, last)
		last = out.Info.FrameNum
		require.NoError(t, cam.ReleaseFrame(out))
	}

	require.NoError(t, cam.StopGrabbing())
	s := d.Stats()
	assert.Equal(t, 5, s.Releases)
	assert.Equal(t, 0, s.Outstanding)
	assert.Equal(t, 1, s.StartGrabs)
	assert.Equal(t, 1, s.StopGrabs)
}

func TestPullFrame_TimesOutWhenPoolExhausted(t *testing.T) {
	d := smallDriver()
	cam := openCamera(t, d, 0)
	require.NoError(t, cam.StartGrabbing())

	// バッファを返却しないとプールが枯渇する
	for i := 0; i < 2; i++ {
		_, err := cam.PullFrame(time.Second)
		require.NoError(t, err)
	}

	_, err := cam.PullFrame(20 * time.Millisecond)
	assert.ErrorIs(t, err, sdk.ErrTimeout)
}

func TestReleaseFrame_Twice(t *testing.T) {
	d := smallDriver()
	cam := openCamera(t, d, 0)
	require.NoError(t, cam.StartGrabbing())

	out, err := cam.PullFrame(time.Second)
	require.NoError(t, err)
	require.NoError(t, cam.ReleaseFrame(out))
	assert.Error(t, cam.ReleaseFrame(out))
}

type memWriter struct {
	frames int
	closed bool
}

func (w *memWriter) Write(bgr []byte) error { w.frames++; return nil }
func (w *memWriter) Close() error           { w.closed = true; return nil }

func TestSDKRecord(t *testing.T) {
	mw := &memWriter{}
	var got encoder.Config
	d := NewDriver(Options{
		Width: 16, Height: 8,
		Recorder: encoder.OpenerFunc(func(cfg encoder.Config) (encoder.Writer, error) {
			got = cfg
			return mw, nil
		}),
	})
	cam := openCamera(t, d, 0)

	err := cam.StartRecord(sdk.RecordParams{Path: "x.mp4", Width: 16, Height: 8, PixelFormat: sdk.PixelRGB8, FrameRate: 25})
	require.NoError(t, err)
	assert.Equal(t, 16, got.Width)

	require.NoError(t, cam.InputFrame(make([]byte, 16*8*3)))
	assert.Error(t, cam.InputFrame(make([]byte, 10)))
	require.NoError(t, cam.StopRecord())

	assert.Equal(t, 1, mw.frames)
	assert.True(t, mw.closed)
	assert.Error(t, cam.StopRecord())
}

func TestSaveImage(t *testing.T) {
	d := smallDriver()
	cam := openCamera(t, d, 0)
	path := filepath.Join(t.TempDir(), "a.bmp")

	info := sdk.FrameInfo{Width: 2, Height: 1, PixelFormat: sdk.PixelRGB8}
	err := cam.SaveImage(info, []byte{1, 2, 3, 4, 5, 6}, sdk.SaveImageParams{Format: sdk.ImageBMP, Path: path})
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestDestroy_ReleasesHandle(t *testing.T) {
	d := smallDriver()
	cam := openCamera(t, d, 0)

	require.NoError(t, cam.Destroy())
	s := d.Stats()
	assert.Equal(t, 0, s.LiveHandles)
	assert.Error(t, cam.Destroy())
}
