package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"mihari/internal/format"
)

var (
	// ErrDecode は圧縮データの解凍に失敗したことを示す（フレーム単位で回復可能）
	ErrDecode = errors.New("フレームの解凍に失敗しました")

	// ErrMalformedFrame はバッファ長が宣言された解像度・フォーマットと
	// 一致しないことを示す（フレーム単位で回復可能）
	ErrMalformedFrame = errors.New("フレームのバッファ長が不正です")

	// ErrUnsupportedPixelFormat は未知のピクセルフォーマットを示す
	// 未知のバイト列は安全に解釈できないため、セッションにとって致命的
	ErrUnsupportedPixelFormat = errors.New("サポートされていないピクセルフォーマットです")
)

// Decode は未解凍フレームをパックドRGB888のDecodedに変換する
// 状態を持たず副作用もない。同じ入力に対して常にバイト単位で同一の
// 出力を返す
func Decode(raw *Raw) (*Decoded, error) {
	switch raw.PixelFormat {
	case format.PixelFormatMJPEG:
		return decodeMJPEG(raw)
	case format.PixelFormatYUYV:
		return decodeYUYV(raw)
	case format.PixelFormatNV12:
		return decodeNV12(raw)
	case format.PixelFormatRGB24:
		return decodeRGB24(raw)
	case format.PixelFormatGRAY8:
		return decodeGRAY8(raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPixelFormat, raw.PixelFormat)
	}
}

// ExpectedSize は解像度とフォーマットから期待されるバッファ長を返す
// MJPEGは可変長のため0を返す
func ExpectedSize(res format.Resolution, pf format.PixelFormat) int {
	w := int(res.Width)
	h := int(res.Height)

	switch pf {
	case format.PixelFormatYUYV:
		return w * h * 2
	case format.PixelFormatNV12:
		return w*h + ((w+1)/2)*((h+1)/2)*2
	case format.PixelFormatRGB24:
		return w * h * 3
	case format.PixelFormatGRAY8:
		return w * h
	default:
		return 0
	}
}

// decodeMJPEG はJPEG圧縮フレームをパックドRGBに解凍する
// 壊れた・途中で切れた入力はErrDecodeとして報告し、パニックしない
func decodeMJPEG(raw *Raw) (*Decoded, error) {
	img, err := jpeg.Decode(bytes.NewReader(raw.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	bounds := img.Bounds()
	if uint32(bounds.Dx()) != raw.Resolution.Width || uint32(bounds.Dy()) != raw.Resolution.Height {
		return nil, fmt.Errorf("%w: 解凍後の寸法 %dx%d が宣言された %s と一致しません",
			ErrDecode, bounds.Dx(), bounds.Dy(), raw.Resolution)
	}

	w := bounds.Dx()
	h := bounds.Dy()
	pixels := make([]byte, w*h*3)

	switch src := img.(type) {
	case *image.YCbCr:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := src.YCbCrAt(bounds.Min.X+x, bounds.Min.Y+y)
				r, g, b := color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
				i := (y*w + x) * 3
				pixels[i+0] = r
				pixels[i+1] = g
				pixels[i+2] = b
			}
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y
				i := (y*w + x) * 3
				pixels[i+0] = v
				pixels[i+1] = v
				pixels[i+2] = v
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				i := (y*w + x) * 3
				pixels[i+0] = byte(r >> 8)
				pixels[i+1] = byte(g >> 8)
				pixels[i+2] = byte(b >> 8)
			}
		}
	}

	return &Decoded{Pixels: pixels, Resolution: raw.Resolution, Timestamp: raw.Timestamp}, nil
}

// decodeYUYV はYUYV 4:2:2をパックドRGBに変換する
// 4バイト(Y1 U Y2 V)から2ピクセル分のRGBを生成する
func decodeYUYV(raw *Raw) (*Decoded, error) {
	expected := ExpectedSize(raw.Resolution, format.PixelFormatYUYV)
	if len(raw.Data) != expected {
		return nil, fmt.Errorf("%w: YUYV %s には %d バイトが必要ですが %d バイトでした",
			ErrMalformedFrame, raw.Resolution, expected, len(raw.Data))
	}
	// 4バイトで2ピクセルが完結しない長さでは末尾のピクセルを生成できない
	if len(raw.Data)%4 != 0 {
		return nil, fmt.Errorf("%w: YUYVのバッファ長 %d は4の倍数である必要があります",
			ErrMalformedFrame, len(raw.Data))
	}

	pixels := make([]byte, int(raw.Resolution.Width)*int(raw.Resolution.Height)*3)
	out := 0
	for i := 0; i+3 < len(raw.Data); i += 4 {
		y1 := int32(raw.Data[i])
		u := int32(raw.Data[i+1])
		y2 := int32(raw.Data[i+2])
		v := int32(raw.Data[i+3])

		writeYUV(pixels[out:out+3], y1, u, v)
		writeYUV(pixels[out+3:out+6], y2, u, v)
		out += 6
	}

	return &Decoded{Pixels: pixels, Resolution: raw.Resolution, Timestamp: raw.Timestamp}, nil
}

// decodeNV12 はNV12(YプレーンとインタリーブUVプレーン)をパックドRGBに変換する
func decodeNV12(raw *Raw) (*Decoded, error) {
	expected := ExpectedSize(raw.Resolution, format.PixelFormatNV12)
	if len(raw.Data) != expected {
		return nil, fmt.Errorf("%w: NV12 %s には %d バイトが必要ですが %d バイトでした",
			ErrMalformedFrame, raw.Resolution, expected, len(raw.Data))
	}

	w := int(raw.Resolution.Width)
	h := int(raw.Resolution.Height)
	uvStride := ((w + 1) / 2) * 2
	uvPlane := raw.Data[w*h:]

	pixels := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			lum := int32(raw.Data[y*w+x])
			uvIdx := (y/2)*uvStride + (x/2)*2
			u := int32(uvPlane[uvIdx])
			v := int32(uvPlane[uvIdx+1])

			i := (y*w + x) * 3
			writeYUV(pixels[i:i+3], lum, u, v)
		}
	}

	return &Decoded{Pixels: pixels, Resolution: raw.Resolution, Timestamp: raw.Timestamp}, nil
}

// decodeRGB24 はパックドRGB888をそのままコピーする
func decodeRGB24(raw *Raw) (*Decoded, error) {
	expected := ExpectedSize(raw.Resolution, format.PixelFormatRGB24)
	if len(raw.Data) != expected {
		return nil, fmt.Errorf("%w: RGB24 %s には %d バイトが必要ですが %d バイトでした",
			ErrMalformedFrame, raw.Resolution, expected, len(raw.Data))
	}

	pixels := make([]byte, len(raw.Data))
	copy(pixels, raw.Data)

	return &Decoded{Pixels: pixels, Resolution: raw.Resolution, Timestamp: raw.Timestamp}, nil
}

// decodeGRAY8 は8bitグレースケールをR=G=Bに展開する
func decodeGRAY8(raw *Raw) (*Decoded, error) {
	expected := ExpectedSize(raw.Resolution, format.PixelFormatGRAY8)
	if len(raw.Data) != expected {
		return nil, fmt.Errorf("%w: GRAY8 %s には %d バイトが必要ですが %d バイトでした",
			ErrMalformedFrame, raw.Resolution, expected, len(raw.Data))
	}

	pixels := make([]byte, len(raw.Data)*3)
	for i, v := range raw.Data {
		pixels[i*3+0] = v
		pixels[i*3+1] = v
		pixels[i*3+2] = v
	}

	return &Decoded{Pixels: pixels, Resolution: raw.Resolution, Timestamp: raw.Timestamp}, nil
}

// writeYUV は標準の整数係数でYUV(ビデオレンジ)を1ピクセルのRGBに変換する
func writeYUV(dst []byte, y, u, v int32) {
	c := (y - 16) * 298
	d := u - 128
	e := v - 128

	dst[0] = clampByte((c + 409*e + 128) >> 8)
	dst[1] = clampByte((c - 100*d - 208*e + 128) >> 8)
	dst[2] = clampByte((c + 516*d + 128) >> 8)
}

// clampByte は値を0..255に収めてbyteに変換する
func clampByte(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
