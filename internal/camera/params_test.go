package camera

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areacam/internal/sdk"
)

func TestSnapToIncrement(t *testing.T) {
	tests := []struct {
		value, inc, want int64
	}{
		{100, 8, 96},
		{4, 8, 8},
		{0, 8, 8},
		{8, 8, 8},
		{1920, 8, 1920},
		{1927, 8, 1920},
		{1001, 4, 1000},
		{100, 0, 96},
		{-16, 8, 8},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SnapToIncrement(tt.value, tt.inc), "SnapToIncrement(%d, %d)", tt.value, tt.inc)
	}
}

func TestCapFrameRateRange(t *testing.T) {
	tests := []struct {
		name    string
		in      ParameterRange
		ceiling float64
		want    ParameterRange
	}{
		{
			name:    "理論上の最大値を抑える",
			in:      ParameterRange{Min: 0.1, Max: 55000, Current: 23},
			ceiling: 120,
			want:    ParameterRange{Min: 0.1, Max: 120, Current: 23},
		},
		{
			name:    "現在値が上限を超えていれば抑えない",
			in:      ParameterRange{Min: 0.1, Max: 55000, Current: 300},
			ceiling: 120,
			want:    ParameterRange{Min: 0.1, Max: 55000, Current: 300},
		},
		{
			name:    "最大値が上限以下ならそのまま",
			in:      ParameterRange{Min: 1, Max: 60, Current: 30},
			ceiling: 120,
			want:    ParameterRange{Min: 1, Max: 60, Current: 30},
		},
		{
			name:    "現在値がちょうど上限",
			in:      ParameterRange{Min: 1, Max: 500, Current: 120},
			ceiling: 120,
			want:    ParameterRange{Min: 1, Max: 120, Current: 120},
		},
		{
			name:    "上限の既定値",
			in:      ParameterRange{Min: 1, Max: 500, Current: 10},
			ceiling: 0,
			want:    ParameterRange{Min: 1, Max: DefaultFrameRateCeiling, Current: 10},
		},
		{
			name:    "上限を変更できる",
			in:      ParameterRange{Min: 1, Max: 55000, Current: 200},
			ceiling: 240,
			want:    ParameterRange{Min: 1, Max: 240, Current: 200},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CapFrameRateRange(tt.in, tt.ceiling))
		})
	}
}

func TestParameterController_SetWidthHeight(t *testing.T) {
	s, drv := newTestSession(t, testSimOptions(), nil)
	require.NoError(t, s.Open(context.Background(), 0))
	pc := NewParameterController(s)

	applied, err := pc.SetWidth(100)
	require.NoError(t, err)
	assert.Equal(t, int64(96), applied)
	assert.Equal(t, 96.0, drv.Stats().LastParamSets[sdk.ParamWidth])

	applied, err = pc.SetWidth(4)
	require.NoError(t, err)
	assert.Equal(t, int64(8), applied)
	assert.Equal(t, 8.0, drv.Stats().LastParamSets[sdk.ParamWidth])

	applied, err = pc.SetHeight(47)
	require.NoError(t, err)
	assert.Equal(t, int64(40), applied)

	h, err := s.GetParam(sdk.ParamHeight)
	require.NoError(t, err)
	assert.Equal(t, 40.0, h.Current)
}

func TestParameterController_UsesDeviceIncrement(t *testing.T) {
	opts := testSimOptions()
	opts.Step = 16
	s, _ := newTestSession(t, opts, nil)
	require.NoError(t, s.Open(context.Background(), 0))
	pc := NewParameterController(s)

	applied, err := pc.SetWidth(100)
	require.NoError(t, err)
	assert.Equal(t, int64(96), applied)

	applied, err = pc.SetWidth(40)
	require.NoError(t, err)
	assert.Equal(t, int64(32), applied)
}

func TestParameterController_FrameRateRange(t *testing.T) {
	opts := testSimOptions()
	opts.FrameRate = 23
	opts.MaxFrame = 55000
	s, drv := newTestSession(t, opts, nil)
	require.NoError(t, s.Open(context.Background(), 0))
	pc := NewParameterController(s)

	r, err := pc.FrameRateRange()
	require.NoError(t, err)
	assert.Equal(t, 120.0, r.Max)
	assert.Equal(t, 23.0, r.Current)

	// ハードウェアの値は変わらない
	raw, err := s.GetParam(sdk.ParamAcquisitionFrameRate)
	require.NoError(t, err)
	assert.Equal(t, 55000.0, raw.Max)
	assert.Zero(t, drv.Stats().ParamWrites[sdk.ParamAcquisitionFrameRate])
}

func TestParameterController_FrameRateCeilingOption(t *testing.T) {
	opts := testSimOptions()
	opts.FrameRate = 23
	opts.MaxFrame = 55000
	s, _ := newTestSession(t, opts, func(o *Options) { o.FrameRateCeiling = 60 })
	require.NoError(t, s.Open(context.Background(), 0))

	r, err := NewParameterController(s).FrameRateRange()
	require.NoError(t, err)
	assert.Equal(t, 60.0, r.Max)
}

func TestParameterController_PassThrough(t *testing.T) {
	s, drv := newTestSession(t, testSimOptions(), nil)
	require.NoError(t, s.Open(context.Background(), 0))
	pc := NewParameterController(s)

	require.NoError(t, pc.SetExposure(2500))
	require.NoError(t, pc.SetGain(4.5))
	require.NoError(t, pc.SetFrameRate(30))
	require.NoError(t, pc.SetFrameRateEnable(false))
	require.NoError(t, pc.SetOffsetX(16))
	require.NoError(t, pc.SetOffsetY(8))
	require.NoError(t, pc.SetBinning(2))

	st := drv.Stats()
	assert.Equal(t, 2500.0, st.LastParamSets[sdk.ParamExposureTime])
	assert.Equal(t, 4.5, st.LastParamSets[sdk.ParamGain])
	assert.Equal(t, 30.0, st.LastParamSets[sdk.ParamAcquisitionFrameRate])
	assert.Equal(t, 0.0, st.LastParamSets[sdk.ParamAcquisitionFrameRateEnable])
	assert.Equal(t, 1, st.ParamWrites[sdk.ParamAcquisitionFrameRateEnable])
	assert.Equal(t, 16.0, st.LastParamSets[sdk.ParamOffsetX])
	assert.Equal(t, 8.0, st.LastParamSets[sdk.ParamOffsetY])
	assert.Equal(t, 2.0, st.LastParamSets[sdk.ParamBinningHorizontal])
	assert.Equal(t, 2.0, st.LastParamSets[sdk.ParamBinningVertical])

	exp, err := pc.ExposureRange()
	require.NoError(t, err)
	assert.Equal(t, 2500.0, exp.Current)
	gain, err := pc.GainRange()
	require.NoError(t, err)
	assert.Equal(t, 4.5, gain.Current)
}

func TestParameterController_OutOfRangeIsReported(t *testing.T) {
	s, _ := newTestSession(t, testSimOptions(), nil)
	require.NoError(t, s.Open(context.Background(), 0))

	err := NewParameterController(s).SetGain(99)
	require.Error(t, err)
	code, ok := sdk.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, sdk.CodeParameter, code)
}

func TestParameterController_ClosedSessionIsNoOp(t *testing.T) {
	s, drv := newTestSession(t, testSimOptions(), nil)
	pc := NewParameterController(s)

	assert.NoError(t, pc.SetExposure(1000), "クローズ中でもエラーにしない")
	applied, err := pc.SetWidth(100)
	assert.NoError(t, err)
	assert.Equal(t, int64(96), applied)
	_, err = pc.FrameRateRange()
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.Zero(t, drv.Stats().ParamWrites[sdk.ParamExposureTime], "クローズ中はハードウェアに書かない")

	require.NoError(t, s.Open(context.Background(), 0))
	st := drv.Stats()
	assert.Equal(t, float64(1000), st.LastParamSets[sdk.ParamExposureTime])
	assert.Equal(t, float64(96), st.LastParamSets[sdk.ParamWidth])
}

func TestParameterController_SetByName(t *testing.T) {
	s, _ := newTestSession(t, testSimOptions(), nil)
	require.NoError(t, s.Open(context.Background(), 0))
	pc := NewParameterController(s)

	v, err := pc.Set(sdk.ParamWidth, 100)
	require.NoError(t, err)
	assert.Equal(t, 96.0, v)

	v, err = pc.Set(sdk.ParamGain, 2)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	_, err = pc.Set(sdk.ParamAcquisitionFrameRateEnable, 1)
	require.NoError(t, err)
}
