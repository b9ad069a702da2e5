package capture

import (
	"fmt"

	"mihari/internal/format"
)

// ControlKey はデバイスコントロールの種別を表す
type ControlKey string

// 既知のコントロール。全てのバックエンド・デバイスがサポートする
// わけではない。DeviceDescriptor.Controls で利用可否を確認する
const (
	ControlBrightness   ControlKey = "brightness"
	ControlContrast     ControlKey = "contrast"
	ControlSaturation   ControlKey = "saturation"
	ControlSharpness    ControlKey = "sharpness"
	ControlGamma        ControlKey = "gamma"
	ControlWhiteBalance ControlKey = "white_balance"
	ControlGain         ControlKey = "gain"
	ControlPan          ControlKey = "pan"
	ControlTilt         ControlKey = "tilt"
	ControlZoom         ControlKey = "zoom"
	ControlExposure     ControlKey = "exposure"
	ControlFocus        ControlKey = "focus"
)

// Control はデバイスコントロールの範囲と現在値を表す
// 値の変更は必ずBackend経由で行い、set後に古い値をキャッシュしない
type Control struct {
	Key     ControlKey // コントロール種別
	Min     int32      // 最小値
	Max     int32      // 最大値
	Step    int32      // 刻み幅
	Default int32      // デフォルト値
	Value   int32      // 現在値
}

// Validate は値がこのコントロールに設定可能かどうかを検証する
func (c Control) Validate(value int32) error {
	if value < c.Min || value > c.Max {
		return fmt.Errorf("%w: %s に %d は設定できません（範囲 %d..%d）",
			ErrControlOutOfRange, c.Key, value, c.Min, c.Max)
	}
	if c.Step > 1 && (value-c.Min)%c.Step != 0 {
		return fmt.Errorf("%w: %s の値 %d は刻み幅 %d に合っていません",
			ErrControlOutOfRange, c.Key, value, c.Step)
	}
	return nil
}

// DeviceDescriptor は列挙時点でのデバイスの正規化された記述を表す
// 作成後は読み取り専用で、レジストリの再列挙時に破棄される
type DeviceDescriptor struct {
	ID       string                // バックエンド固有の識別トークン（例: /dev/video0）
	Name     string                // 人間可読なデバイス名
	Backend  BackendType           // このデバイスを提供するバックエンド
	Formats  []format.CameraFormat // サポートされるフォーマット（列挙順を保持）
	Controls []ControlKey          // 利用可能なコントロール
}

// String はデバイスの概要文字列を返す
func (d DeviceDescriptor) String() string {
	return fmt.Sprintf("%s (%s, %s, %dフォーマット)", d.Name, d.ID, d.Backend, len(d.Formats))
}
