package recorder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areacam/internal/encoder"
	"areacam/internal/sdk"
	"areacam/internal/sdk/sim"
)

func openSimCamera(t *testing.T, w *mockWriter) (*sim.Driver, sdk.Camera) {
	t.Helper()
	drv := sim.NewDriver(sim.Options{Width: 8, Height: 8, Recorder: openerFor(w)})
	devices, err := drv.Enumerate(context.Background())
	require.NoError(t, err)
	cam, err := drv.CreateHandle(devices[0])
	require.NoError(t, err)
	require.NoError(t, cam.Open())
	t.Cleanup(func() { _ = cam.Destroy() })
	return drv, cam
}

func TestSDKRecorder_Lifecycle(t *testing.T) {
	w := &mockWriter{}
	drv, cam := openSimCamera(t, w)
	r := NewSDK(cam, testOptions())

	require.NoError(t, r.Start(Params{Path: "/tmp/v.avi", Width: 8, Height: 8, PixelFormat: sdk.PixelRGB8, FrameRate: 25}))
	assert.Equal(t, StatusActive, r.Status())
	assert.ErrorIs(t, r.Start(Params{Path: "x", Width: 8, Height: 8, PixelFormat: sdk.PixelRGB8, FrameRate: 25}), ErrAlreadyRecording)

	r.Submit(rgbFrame(8, 8, 1))
	r.Submit(rgbFrame(8, 8, 2))
	r.Submit(rgbFrame(4, 4, 3))

	res, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/v.avi", res.Path)
	assert.Equal(t, uint64(2), res.Stats.Written)
	assert.Equal(t, uint64(1), res.Stats.Rejected)
	assert.Equal(t, 2, drv.Stats().FramesInput)
	assert.True(t, w.closed)
	assert.Equal(t, StatusClosed, r.Status())
}

func TestSDKRecorder_StartErrors(t *testing.T) {
	_, cam := openSimCamera(t, &mockWriter{})
	r := NewSDK(cam, testOptions())

	assert.ErrorIs(t, r.Start(Params{Path: "a.mp4", FrameRate: 25, PixelFormat: sdk.PixelRGB8}), ErrNoFrameDimensions)
	assert.ErrorIs(t, r.Start(Params{Path: "a.mp4", Width: 8, Height: 8, FrameRate: 25}), ErrPixelFormatUnknown)

	drv, cam2 := openSimCamera(t, &mockWriter{})
	drv.SetFault(sim.OpStartRecord, errors.New("no encoder"))
	r2 := NewSDK(cam2, testOptions())
	err := r2.Start(Params{Path: "a.mp4", Width: 8, Height: 8, FrameRate: 25, PixelFormat: sdk.PixelRGB8})
	assert.ErrorIs(t, err, ErrWriterOpenFailed)
	assert.Equal(t, StatusIdle, r2.Status())
}

func TestSDKRecorder_FailurePolicy(t *testing.T) {
	drv, cam := openSimCamera(t, &mockWriter{})
	var notified error
	opts := testOptions()
	opts.MaxConsecutiveFailures = 2
	opts.OnError = func(err error) { notified = err }
	r := NewSDK(cam, opts)
	require.NoError(t, r.Start(Params{Path: "a.mp4", Width: 8, Height: 8, FrameRate: 25, PixelFormat: sdk.PixelRGB8}))

	drv.SetFault(sim.OpInputFrame, errors.New("encode error"))
	r.Submit(rgbFrame(8, 8, 1))
	assert.NoError(t, notified)
	r.Submit(rgbFrame(8, 8, 2))
	assert.ErrorIs(t, notified, ErrTooManyFailures)

	// 中断後は InputFrame を呼ばない
	drv.SetFault(sim.OpInputFrame, nil)
	r.Submit(rgbFrame(8, 8, 3))
	assert.Equal(t, 0, drv.Stats().FramesInput)

	res, err := r.Stop()
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, uint64(2), res.Stats.Failed)
}

func TestContainerOf(t *testing.T) {
	assert.Equal(t, sdk.RecordAVI, containerOf("a.AVI"))
	assert.Equal(t, sdk.RecordMP4, containerOf("a.mp4"))
}

var _ encoder.Writer = (*mockWriter)(nil)
