package format

import "fmt"

// Resolution はキャプチャ解像度を表す不変の値型
type Resolution struct {
	Width  uint32 // 幅（ピクセル）
	Height uint32 // 高さ（ピクセル）
}

// NewResolution は新しいResolutionを作成する
func NewResolution(width, height uint32) Resolution {
	return Resolution{Width: width, Height: height}
}

// Pixels は総ピクセル数を返す
func (r Resolution) Pixels() uint64 {
	return uint64(r.Width) * uint64(r.Height)
}

// Distance は他の解像度との総ピクセル数の差の絶対値を返す
// 「最も近い解像度」の比較に使用する
func (r Resolution) Distance(other Resolution) uint64 {
	a := r.Pixels()
	b := other.Pixels()
	if a > b {
		return a - b
	}
	return b - a
}

// IsZero は幅か高さが未設定かどうかを返す
func (r Resolution) IsZero() bool {
	return r.Width == 0 || r.Height == 0
}

// String は "幅x高さ" 形式の文字列を返す
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// FrameRate はフレームレートを分子/分母で表す不変の値型
type FrameRate struct {
	Numerator   uint32 // 分子
	Denominator uint32 // 分母
}

// NewFrameRate は整数fpsからFrameRateを作成する
func NewFrameRate(fps uint32) FrameRate {
	return FrameRate{Numerator: fps, Denominator: 1}
}

// PerSecond は1秒あたりのフレーム数を浮動小数点で返す
func (f FrameRate) PerSecond() float64 {
	if f.Denominator == 0 {
		return 0
	}
	return float64(f.Numerator) / float64(f.Denominator)
}

// Equal は2つのフレームレートが同じ値を表すかどうかを返す
// 30/1 と 60/2 は等しいとみなす
func (f FrameRate) Equal(other FrameRate) bool {
	return uint64(f.Numerator)*uint64(other.Denominator) == uint64(other.Numerator)*uint64(f.Denominator)
}

// String はフレームレートの文字列表現を返す
func (f FrameRate) String() string {
	if f.Denominator == 1 {
		return fmt.Sprintf("%dfps", f.Numerator)
	}
	return fmt.Sprintf("%d/%dfps", f.Numerator, f.Denominator)
}

// PixelFormat はピクセルエンコーディングをFourCCタグで表す
// 既知のフォーマット以外のタグもそのまま保持される
type PixelFormat uint32

// 既知のピクセルフォーマット（videodev2.hのFourCC値と同一）
const (
	PixelFormatMJPEG PixelFormat = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24 // Motion-JPEG圧縮
	PixelFormatYUYV  PixelFormat = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24 // YUV 4:2:2 パックド
	PixelFormatNV12  PixelFormat = 'N' | 'V'<<8 | '1'<<16 | '2'<<24 // YUV 4:2:0 セミプレーナ
	PixelFormatRGB24 PixelFormat = 'R' | 'G'<<8 | 'B'<<16 | '3'<<24 // パックドRGB888
	PixelFormatGRAY8 PixelFormat = 'G' | 'R'<<8 | 'E'<<16 | 'Y'<<24 // 8bitグレースケール
)

// PixelFormatFromFourCC は4文字のFourCC文字列からPixelFormatを作成する
func PixelFormatFromFourCC(fourcc string) PixelFormat {
	var tag uint32
	for i := 0; i < 4 && i < len(fourcc); i++ {
		tag |= uint32(fourcc[i]) << (8 * i)
	}
	return PixelFormat(tag)
}

// Known は解凍パイプラインが扱える既知フォーマットかどうかを返す
func (p PixelFormat) Known() bool {
	switch p {
	case PixelFormatMJPEG, PixelFormatYUYV, PixelFormatNV12, PixelFormatRGB24, PixelFormatGRAY8:
		return true
	default:
		return false
	}
}

// Compressed は圧縮フォーマットかどうかを返す
func (p PixelFormat) Compressed() bool {
	return p == PixelFormatMJPEG
}

// String はFourCCの4文字表現を返す。表示不能な文字は '.' に置き換える
func (p PixelFormat) String() string {
	buf := make([]byte, 4)
	for i := 0; i < 4; i++ {
		c := byte(p >> (8 * i))
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		buf[i] = c
	}
	return string(buf)
}

// CameraFormat は解像度・フレームレート・ピクセルフォーマットの三つ組
// 三つのフィールドが同時にデバイスでサポートされていることが不変条件であり、
// その有効性はネゴシエーションを通じてのみ確立される
type CameraFormat struct {
	Resolution  Resolution
	FrameRate   FrameRate
	PixelFormat PixelFormat
}

// NewCameraFormat は新しいCameraFormatを作成する
func NewCameraFormat(width, height, fps uint32, pf PixelFormat) CameraFormat {
	return CameraFormat{
		Resolution:  NewResolution(width, height),
		FrameRate:   NewFrameRate(fps),
		PixelFormat: pf,
	}
}

// String は "幅x高さ@fps FourCC" 形式の文字列を返す
func (c CameraFormat) String() string {
	return fmt.Sprintf("%s@%s %s", c.Resolution, c.FrameRate, c.PixelFormat)
}
