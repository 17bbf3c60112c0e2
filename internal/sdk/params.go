package sdk

// デバイスのパラメータ名（GenICam の標準名）
const (
	ParamExposureTime               = "ExposureTime"
	ParamGain                       = "Gain"
	ParamAcquisitionFrameRate       = "AcquisitionFrameRate"
	ParamAcquisitionFrameRateEnable = "AcquisitionFrameRateEnable"
	ParamResultingFrameRate         = "ResultingFrameRate"
	ParamWidth                      = "Width"
	ParamHeight                     = "Height"
	ParamOffsetX                    = "OffsetX"
	ParamOffsetY                    = "OffsetY"
	ParamBinningHorizontal          = "BinningHorizontal"
	ParamBinningVertical            = "BinningVertical"
	ParamTriggerMode                = "TriggerMode"
	ParamPacketSize                 = "GevSCPSPacketSize"
)

// TriggerModeOff はトリガーモード無効（フリーラン）の列挙値
const TriggerModeOff int64 = 0

// ParamKind はパラメータの型
type ParamKind int

const (
	KindFloat ParamKind = iota
	KindInt
	KindBool
	KindEnum
)

var paramKinds = map[string]ParamKind{
	ParamExposureTime:               KindFloat,
	ParamGain:                       KindFloat,
	ParamAcquisitionFrameRate:       KindFloat,
	ParamResultingFrameRate:         KindFloat,
	ParamAcquisitionFrameRateEnable: KindBool,
	ParamWidth:                      KindInt,
	ParamHeight:                     KindInt,
	ParamOffsetX:                    KindInt,
	ParamOffsetY:                    KindInt,
	ParamBinningHorizontal:          KindInt,
	ParamBinningVertical:            KindInt,
	ParamPacketSize:                 KindInt,
	ParamTriggerMode:                KindEnum,
}

// KindOf はパラメータ名から型を返す。未知の名前は浮動小数点として扱う
func KindOf(name string) ParamKind {
	if k, ok := paramKinds[name]; ok {
		return k
	}
	return KindFloat
}
