package camera

import (
	"fmt"
	"math"

	"areacam/internal/sdk"
)

// DefaultStepIncrement はデバイスが刻み幅を返さない場合の幅・高さの刻み
const DefaultStepIncrement = 8

// GetParam はパラメータの範囲と現在値を読み出す
func (s *Session) GetParam(name string) (ParameterRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ParameterRange{}, ErrNotOpen
	}
	return s.getParamLocked(name)
}

func (s *Session) getParamLocked(name string) (ParameterRange, error) {
	cam := s.handle.cam
	switch sdk.KindOf(name) {
	case sdk.KindInt:
		v, err := cam.GetIntValue(name)
		if err != nil {
			return ParameterRange{}, fmt.Errorf("%s の取得に失敗: %w", name, err)
		}
		return ParameterRange{Min: float64(v.Min), Max: float64(v.Max), Current: float64(v.Current), Inc: float64(v.Inc)}, nil
	case sdk.KindFloat:
		v, err := cam.GetFloatValue(name)
		if err != nil {
			return ParameterRange{}, fmt.Errorf("%s の取得に失敗: %w", name, err)
		}
		return ParameterRange{Min: v.Min, Max: v.Max, Current: v.Current}, nil
	default:
		return ParameterRange{}, fmt.Errorf("%s は読み出せないパラメータです", name)
	}
}

// SetParam はパラメータを設定する
// クローズ中は値を保留し、次のオープン時に設定順で適用する
func (s *Session) SetParam(name string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		s.pending = append(s.pending, pendingParam{name: name, value: value})
		s.log.Debug("パラメータを保留しました", "name", name, "value", value)
		return nil
	}
	return s.applyParam(name, value)
}

func (s *Session) applyParam(name string, value float64) error {
	cam := s.handle.cam
	var err error
	switch sdk.KindOf(name) {
	case sdk.KindInt:
		err = cam.SetIntValue(name, int64(math.Round(value)))
	case sdk.KindBool:
		err = cam.SetBoolValue(name, value != 0)
	case sdk.KindEnum:
		err = cam.SetEnumValue(name, int64(value))
	default:
		err = cam.SetFloatValue(name, value)
	}
	if err != nil {
		return fmt.Errorf("%s の設定に失敗: %w", name, err)
	}
	s.log.Debug("パラメータを設定しました", "name", name, "value", value)
	return nil
}

// Parameters はパラメータ一式を読み出す。読み出せないものはゼロ値のまま
func (s *Session) Parameters() (ParameterSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ParameterSet{}, ErrNotOpen
	}
	return s.readParametersLocked(), nil
}

func (s *Session) readParametersLocked() ParameterSet {
	read := func(name string) ParameterRange {
		r, err := s.getParamLocked(name)
		if err != nil {
			s.log.Debug("パラメータを読み出せません", "name", name, "error", err)
		}
		return r
	}

	set := ParameterSet{
		Exposure:  read(sdk.ParamExposureTime),
		Gain:      read(sdk.ParamGain),
		FrameRate: CapFrameRateRange(read(sdk.ParamAcquisitionFrameRate), s.opts.FrameRateCeiling),
		Width:     withDefaultInc(read(sdk.ParamWidth)),
		Height:    withDefaultInc(read(sdk.ParamHeight)),
		OffsetX:   read(sdk.ParamOffsetX),
		OffsetY:   read(sdk.ParamOffsetY),
	}
	set.ResultingFrameRate = read(sdk.ParamResultingFrameRate).Current
	return set
}

func withDefaultInc(r ParameterRange) ParameterRange {
	if r.Inc <= 0 {
		r.Inc = DefaultStepIncrement
	}
	return r
}

// SnapToIncrement は value を inc の倍数へ切り下げる。1刻みに満たない場合は inc を返す
func SnapToIncrement(value, inc int64) int64 {
	if inc <= 0 {
		inc = DefaultStepIncrement
	}
	snapped := (value / inc) * inc
	if snapped < inc {
		return inc
	}
	return snapped
}

// CapFrameRateRange はハードウェアの最大値が ceiling を超え、現在値が ceiling 以下のとき
// 表示用の最大値を ceiling に抑える。現在値とハードウェアの設定は変えない
func CapFrameRateRange(r ParameterRange, ceiling float64) ParameterRange {
	if ceiling <= 0 {
		ceiling = DefaultFrameRateCeiling
	}
	if r.Max > ceiling && r.Current <= ceiling {
		r.Max = ceiling
	}
	return r
}

// ParameterController は Session 上のパラメータ操作の方針をまとめる
type ParameterController struct {
	session *Session
}

// NewParameterController は新しい ParameterController を作成する
func NewParameterController(s *Session) *ParameterController {
	return &ParameterController{session: s}
}

// SetWidth は刻み幅に合わせた幅を設定し、適用した値を返す
func (c *ParameterController) SetWidth(value int64) (int64, error) {
	return c.setSnapped(sdk.ParamWidth, value)
}

// SetHeight は刻み幅に合わせた高さを設定し、適用した値を返す
func (c *ParameterController) SetHeight(value int64) (int64, error) {
	return c.setSnapped(sdk.ParamHeight, value)
}

func (c *ParameterController) setSnapped(name string, value int64) (int64, error) {
	inc := int64(DefaultStepIncrement)
	if r, err := c.session.GetParam(name); err == nil && r.Inc > 0 {
		inc = int64(r.Inc)
	}
	snapped := SnapToIncrement(value, inc)
	if err := c.session.SetParam(name, float64(snapped)); err != nil {
		return 0, err
	}
	return snapped, nil
}

// SetOffsetX は水平方向のオフセットを設定する
func (c *ParameterController) SetOffsetX(v int64) error {
	return c.session.SetParam(sdk.ParamOffsetX, float64(v))
}

// SetOffsetY は垂直方向のオフセットを設定する
func (c *ParameterController) SetOffsetY(v int64) error {
	return c.session.SetParam(sdk.ParamOffsetY, float64(v))
}

// SetExposure は露光時間（µs）を設定する
func (c *ParameterController) SetExposure(us float64) error {
	return c.session.SetParam(sdk.ParamExposureTime, us)
}

// SetGain はゲイン（dB）を設定する
func (c *ParameterController) SetGain(db float64) error {
	return c.session.SetParam(sdk.ParamGain, db)
}

// SetFrameRate は取得フレームレートを設定する
func (c *ParameterController) SetFrameRate(fps float64) error {
	return c.session.SetParam(sdk.ParamAcquisitionFrameRate, fps)
}

// SetFrameRateEnable はフレームレート制御の有効・無効を切り替える
func (c *ParameterController) SetFrameRateEnable(enable bool) error {
	v := 0.0
	if enable {
		v = 1
	}
	return c.session.SetParam(sdk.ParamAcquisitionFrameRateEnable, v)
}

// SetBinning は水平・垂直のビニングを同じ係数で設定する
func (c *ParameterController) SetBinning(factor int64) error {
	if err := c.session.SetParam(sdk.ParamBinningHorizontal, float64(factor)); err != nil {
		return err
	}
	return c.session.SetParam(sdk.ParamBinningVertical, float64(factor))
}

// ExposureRange は露光時間の範囲と現在値を返す
func (c *ParameterController) ExposureRange() (ParameterRange, error) {
	return c.session.GetParam(sdk.ParamExposureTime)
}

// GainRange はゲインの範囲と現在値を返す
func (c *ParameterController) GainRange() (ParameterRange, error) {
	return c.session.GetParam(sdk.ParamGain)
}

// FrameRateRange は表示用に上限を抑えたフレームレートの範囲を返す
func (c *ParameterController) FrameRateRange() (ParameterRange, error) {
	r, err := c.session.GetParam(sdk.ParamAcquisitionFrameRate)
	if err != nil {
		return r, err
	}
	return CapFrameRateRange(r, c.session.opts.FrameRateCeiling), nil
}

// Set は名前でパラメータを設定する（HTTP APIから使う）
// 幅と高さは刻み幅に合わせ、適用した値を返す
func (c *ParameterController) Set(name string, value float64) (float64, error) {
	switch name {
	case sdk.ParamWidth, sdk.ParamHeight:
		v, err := c.setSnapped(name, int64(value))
		return float64(v), err
	case sdk.ParamAcquisitionFrameRateEnable:
		return value, c.SetFrameRateEnable(value != 0)
	}
	return value, c.session.SetParam(name, value)
}
