package format

import "errors"

// ErrNoMatchingFormat は制約に合うフォーマットが存在しないことを示す
var ErrNoMatchingFormat = errors.New("制約に一致するフォーマットがありません")

// Constraint は呼び出し側のフォーマット制約を表す
// nilのフィールドは「指定なし」を意味する
type Constraint struct {
	Resolution  *Resolution  // 希望解像度（最も近いものが選ばれる）
	FrameRate   *FrameRate   // 希望フレームレート（完全一致が必要）
	PixelFormat *PixelFormat // 希望ピクセルフォーマット（完全一致が必要）
}

// WithResolution は解像度制約を設定したConstraintを返す
func (c Constraint) WithResolution(width, height uint32) Constraint {
	r := NewResolution(width, height)
	c.Resolution = &r
	return c
}

// WithFrameRate はフレームレート制約を設定したConstraintを返す
func (c Constraint) WithFrameRate(fps uint32) Constraint {
	f := NewFrameRate(fps)
	c.FrameRate = &f
	return c
}

// WithPixelFormat はピクセルフォーマット制約を設定したConstraintを返す
func (c Constraint) WithPixelFormat(pf PixelFormat) Constraint {
	c.PixelFormat = &pf
	return c
}

// formatRank は非圧縮フォーマット優先の順位を返す（小さいほど優先）
// MJPEGは再エンコードなしで扱えるrawフォーマットより下位に置く
func formatRank(pf PixelFormat) int {
	switch pf {
	case PixelFormatRGB24:
		return 0
	case PixelFormatYUYV:
		return 1
	case PixelFormatNV12:
		return 2
	case PixelFormatGRAY8:
		return 3
	case PixelFormatMJPEG:
		return 4
	default:
		return 5
	}
}

// Negotiate はサポートフォーマット一覧から制約に最も合うものを一つ選ぶ
//
// PixelFormatとFrameRateの制約は完全一致でフィルタし、一つも残らなければ
// ErrNoMatchingFormatを返す。Resolutionの制約は希望値に最も近い候補を
// 選ぶための基準として扱う。候補が複数残る場合の優先順位は固定:
// 解像度の近さ（総ピクセル数差の最小） > 非圧縮フォーマット優先 >
// フレームレートの高さ > デバイスの列挙順。同じスナップショットと制約に
// 対して常に同じ結果を返す
func Negotiate(supported []CameraFormat, c Constraint) (CameraFormat, error) {
	var (
		best  CameraFormat
		found bool
	)

	for _, candidate := range supported {
		// 完全一致フィルタ
		if c.PixelFormat != nil && candidate.PixelFormat != *c.PixelFormat {
			continue
		}
		if c.FrameRate != nil && !candidate.FrameRate.Equal(*c.FrameRate) {
			continue
		}

		if !found {
			best = candidate
			found = true
			continue
		}

		if better(candidate, best, c) {
			best = candidate
		}
	}

	if !found {
		return CameraFormat{}, ErrNoMatchingFormat
	}

	return best, nil
}

// better はaがbより優先されるかどうかを固定順で判定する
// 同点の場合はfalseを返し、先に列挙された方が維持される
func better(a, b CameraFormat, c Constraint) bool {
	// 解像度の近さが最優先
	if c.Resolution != nil {
		da := a.Resolution.Distance(*c.Resolution)
		db := b.Resolution.Distance(*c.Resolution)
		if da != db {
			return da < db
		}
	}

	// 非圧縮フォーマット優先
	ra := formatRank(a.PixelFormat)
	rb := formatRank(b.PixelFormat)
	if ra != rb {
		return ra < rb
	}

	// フレームレートの高い方を優先
	fa := a.FrameRate.PerSecond()
	fb := b.FrameRate.PerSecond()
	if fa != fb {
		return fa > fb
	}

	return false
}
